package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/gradeflow/xqueue/internal/domain"
)

// UserRepo stores the managed grader accounts declared in the queue file.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Upsert creates or replaces the stored credential for username.
// The hash must already be in encoded Argon2id form.
func (r *UserRepo) Upsert(ctx context.Context, username, passwordHash string) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	q := `INSERT INTO users (username, password_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$3)
		ON CONFLICT (username) DO UPDATE SET password_hash=EXCLUDED.password_hash, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, username, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=user.upsert username=%s: %w", username, err)
	}
	return nil
}

// PasswordHash loads the stored credential for username.
func (r *UserRepo) PasswordHash(ctx context.Context, username string) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.PasswordHash")
	defer span.End()
	var hash string
	err := r.Pool.QueryRow(ctx, `SELECT password_hash FROM users WHERE username=$1`, username).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=user.password_hash username=%s: %w", username, domain.ErrNotFound)
		}
		return "", fmt.Errorf("op=user.password_hash username=%s: %w", username, err)
	}
	return hash, nil
}

// Delete removes a managed account. Missing rows are not an error.
func (r *UserRepo) Delete(ctx context.Context, username string) error {
	_, err := r.Pool.Exec(ctx, `DELETE FROM users WHERE username=$1`, username)
	if err != nil {
		return fmt.Errorf("op=user.delete username=%s: %w", username, err)
	}
	return nil
}
