// Package postgres provides PostgreSQL database adapters.
//
// It implements the repository ports for data persistence. The claim and
// locked-update operations rely on row-level locks so concurrent graders
// never receive the same submission.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gradeflow/xqueue/internal/domain"
	"github.com/gradeflow/xqueue/pkg/hashkey"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// SubmissionRepo persists and loads submissions using a minimal pgx pool.
type SubmissionRepo struct {
	Pool PgxPool

	// ProcessingDelay hides rows pulled or pushed within the window from the
	// claim queries.
	ProcessingDelay time.Duration
	// MaxFailures is the threshold used by FailedUnretired.
	MaxFailures int
}

// NewSubmissionRepo constructs a SubmissionRepo with the given pool.
func NewSubmissionRepo(p PgxPool, processingDelay time.Duration, maxFailures int) *SubmissionRepo {
	return &SubmissionRepo{Pool: p, ProcessingDelay: processingDelay, MaxFailures: maxFailures}
}

const submissionCols = `id, requester_id, lms_callback_url, queue_name, xqueue_header, xqueue_body,
	urls, keys, arrival_time, pull_time, push_time, return_time,
	grader_id, pullkey, grader_reply, num_failures, lms_ack, retired`

func scanSubmission(row pgx.Row) (domain.Submission, error) {
	var s domain.Submission
	err := row.Scan(
		&s.ID, &s.RequesterID, &s.LMSCallbackURL, &s.QueueName, &s.XQueueHeader, &s.XQueueBody,
		&s.URLs, &s.Keys, &s.ArrivalTime, &s.PullTime, &s.PushTime, &s.ReturnTime,
		&s.GraderID, &s.Pullkey, &s.GraderReply, &s.NumFailures, &s.LMSAck, &s.Retired,
	)
	return s, err
}

// Create inserts a new submission and returns its id.
func (r *SubmissionRepo) Create(ctx context.Context, s domain.Submission) (int64, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "submissions"),
		attribute.String("queue", s.QueueName),
	)
	arrival := s.ArrivalTime
	if arrival.IsZero() {
		arrival = time.Now().UTC()
	}
	q := `INSERT INTO submissions
		(requester_id, lms_callback_url, queue_name, xqueue_header, xqueue_body,
		 urls, keys, arrival_time, grader_id, pullkey, grader_reply, num_failures, lms_ack, retired)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q,
		s.RequesterID, s.LMSCallbackURL, s.QueueName, s.XQueueHeader, s.XQueueBody,
		s.URLs, s.Keys, arrival, s.GraderID, s.Pullkey, s.GraderReply, s.NumFailures, s.LMSAck, s.Retired,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=submission.create: %w", err)
	}
	return id, nil
}

// Get loads a submission by id.
func (r *SubmissionRepo) Get(ctx context.Context, id int64) (domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Get")
	defer span.End()
	q := `SELECT ` + submissionCols + ` FROM submissions WHERE id=$1`
	s, err := scanSubmission(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Submission{}, fmt.Errorf("op=submission.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Submission{}, fmt.Errorf("op=submission.get id=%d: %w", id, err)
	}
	return s, nil
}

// InvalidatePrior retires every live submission sharing the callback URL.
// A resubmission supersedes anything in flight for the same problem slot.
func (r *SubmissionRepo) InvalidatePrior(ctx context.Context, lmsCallbackURL string) (int64, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.InvalidatePrior")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE submissions SET retired=TRUE WHERE lms_callback_url=$1 AND retired=FALSE`,
		lmsCallbackURL)
	if err != nil {
		return 0, fmt.Errorf("op=submission.invalidate_prior: %w", err)
	}
	return tag.RowsAffected(), nil
}

// The claim queries select the oldest row outside the processing window of
// their own time field and lock it for the stamping update. Pull and push
// filter independently, matching the queue-length accounting.
const claimPullQuery = `SELECT ` + submissionCols + ` FROM submissions
	WHERE queue_name=$1 AND retired=FALSE
	  AND (pull_time IS NULL OR pull_time <= $2)
	ORDER BY arrival_time
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

const claimPushQuery = `SELECT ` + submissionCols + ` FROM submissions
	WHERE queue_name=$1 AND retired=FALSE
	  AND (push_time IS NULL OR push_time <= $2)
	ORDER BY arrival_time
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

// ClaimPullable hands the oldest eligible submission to a pull grader,
// stamping pull_time, pullkey and grader_id inside the claiming transaction.
func (r *SubmissionRepo) ClaimPullable(ctx context.Context, queueName, graderID string) (domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.ClaimPullable")
	defer span.End()
	span.SetAttributes(attribute.String("queue", queueName))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pullable: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := time.Now().UTC().Add(-r.ProcessingDelay)
	s, err := scanSubmission(tx.QueryRow(ctx, claimPullQuery, queueName, cutoff))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Submission{}, fmt.Errorf("op=submission.claim_pullable queue=%s: %w", queueName, domain.ErrQueueEmpty)
		}
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pullable: %w", err)
	}

	now := time.Now().UTC()
	s.PullTime = &now
	s.Pullkey = hashkey.Make(fmt.Sprintf("%d%d", now.UnixNano(), s.ID))
	s.GraderID = graderID
	_, err = tx.Exec(ctx,
		`UPDATE submissions SET pull_time=$2, pullkey=$3, grader_id=$4 WHERE id=$1`,
		s.ID, s.PullTime, s.Pullkey, s.GraderID)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pullable: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pullable: %w", err)
	}
	return s, nil
}

// ClaimPushable is the push-side analogue, stamping push_time and grader_id.
func (r *SubmissionRepo) ClaimPushable(ctx context.Context, queueName, graderURL string) (domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.ClaimPushable")
	defer span.End()
	span.SetAttributes(attribute.String("queue", queueName))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pushable: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := time.Now().UTC().Add(-r.ProcessingDelay)
	s, err := scanSubmission(tx.QueryRow(ctx, claimPushQuery, queueName, cutoff))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Submission{}, fmt.Errorf("op=submission.claim_pushable queue=%s: %w", queueName, domain.ErrQueueEmpty)
		}
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pushable: %w", err)
	}

	now := time.Now().UTC()
	s.PushTime = &now
	s.GraderID = graderURL
	_, err = tx.Exec(ctx,
		`UPDATE submissions SET push_time=$2, grader_id=$3 WHERE id=$1`,
		s.ID, s.PushTime, s.GraderID)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pushable: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pushable: %w", err)
	}
	return s, nil
}

// QueueLength counts the submissions eligible for pulling right now: the
// same predicate the pull claim uses, so a poller that sees length N can
// expect roughly N successful pulls.
func (r *SubmissionRepo) QueueLength(ctx context.Context, queueName string) (int64, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.QueueLength")
	defer span.End()
	cutoff := time.Now().UTC().Add(-r.ProcessingDelay)
	var n int64
	err := r.Pool.QueryRow(ctx,
		`SELECT count(*) FROM submissions
		 WHERE queue_name=$1 AND retired=FALSE
		   AND (pull_time IS NULL OR pull_time <= $2)`,
		queueName, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=submission.queue_length: %w", err)
	}
	return n, nil
}

// Update writes the mutable fields of a non-retired row.
func (r *SubmissionRepo) Update(ctx context.Context, s domain.Submission) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Update")
	defer span.End()
	q := `UPDATE submissions SET
		urls=$2, keys=$3, pull_time=$4, push_time=$5, return_time=$6,
		grader_id=$7, pullkey=$8, grader_reply=$9, num_failures=$10, lms_ack=$11, retired=$12
		WHERE id=$1 AND retired=FALSE`
	tag, err := r.Pool.Exec(ctx, q,
		s.ID, s.URLs, s.Keys, s.PullTime, s.PushTime, s.ReturnTime,
		s.GraderID, s.Pullkey, s.GraderReply, s.NumFailures, s.LMSAck, s.Retired)
	if err != nil {
		return fmt.Errorf("op=submission.update id=%d: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, s.ID); errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=submission.update id=%d: %w", s.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("op=submission.update id=%d: %w", s.ID, domain.ErrRetired)
	}
	return nil
}

// WithLocked runs fn against the row under FOR UPDATE and persists the
// mutations fn makes, all inside one transaction. The row lock is held for
// the whole of fn, which is how verdict posting stays atomic with the LMS
// callback.
func (r *SubmissionRepo) WithLocked(ctx context.Context, id int64, fn func(*domain.Submission) error) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.WithLocked")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=submission.with_locked id=%d: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + submissionCols + ` FROM submissions WHERE id=$1 FOR UPDATE`
	s, err := scanSubmission(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=submission.with_locked id=%d: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("op=submission.with_locked id=%d: %w", id, err)
	}

	if err := fn(&s); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE submissions SET
		urls=$2, keys=$3, pull_time=$4, push_time=$5, return_time=$6,
		grader_id=$7, pullkey=$8, grader_reply=$9, num_failures=$10, lms_ack=$11, retired=$12
		WHERE id=$1`,
		s.ID, s.URLs, s.Keys, s.PullTime, s.PushTime, s.ReturnTime,
		s.GraderID, s.Pullkey, s.GraderReply, s.NumFailures, s.LMSAck, s.Retired)
	if err != nil {
		return fmt.Errorf("op=submission.with_locked id=%d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=submission.with_locked id=%d: %w", id, err)
	}
	return nil
}

// DeleteOlderThan removes at most limit submissions that arrived at or
// before cutoff. A limit <= 0 means unbounded.
func (r *SubmissionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.DeleteOlderThan")
	defer span.End()
	var tag pgconn.CommandTag
	var err error
	if limit > 0 {
		tag, err = r.Pool.Exec(ctx, `DELETE FROM submissions WHERE id IN (
			SELECT id FROM submissions WHERE arrival_time <= $1 ORDER BY arrival_time LIMIT $2)`,
			cutoff, limit)
	} else {
		tag, err = r.Pool.Exec(ctx, `DELETE FROM submissions WHERE arrival_time <= $1`, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("op=submission.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountOlderThan counts submissions that arrived at or before cutoff.
func (r *SubmissionRepo) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.Pool.QueryRow(ctx,
		`SELECT count(*) FROM submissions WHERE arrival_time <= $1`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=submission.count_older_than: %w", err)
	}
	return n, nil
}

// QueueCounts aggregates unretired submissions per queue, busiest first.
func (r *SubmissionRepo) QueueCounts(ctx context.Context) ([]domain.QueueCount, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.QueueCounts")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT queue_name, count(*) FROM submissions WHERE retired=FALSE
		 GROUP BY queue_name ORDER BY count(*) DESC, queue_name`)
	if err != nil {
		return nil, fmt.Errorf("op=submission.queue_counts: %w", err)
	}
	defer rows.Close()
	var out []domain.QueueCount
	for rows.Next() {
		var qc domain.QueueCount
		if err := rows.Scan(&qc.QueueName, &qc.Count); err != nil {
			return nil, fmt.Errorf("op=submission.queue_counts: %w", err)
		}
		out = append(out, qc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=submission.queue_counts: %w", err)
	}
	return out, nil
}

func (r *SubmissionRepo) selectIDs(ctx context.Context, op, q string, args ...any) ([]int64, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return ids, nil
}

// StalePulled lists live submissions pulled before the cutoff with no reply.
func (r *SubmissionRepo) StalePulled(ctx context.Context, queueName string, pulledBefore time.Time) ([]int64, error) {
	return r.selectIDs(ctx, "submission.stale_pulled",
		`SELECT id FROM submissions
		 WHERE queue_name=$1 AND retired=FALSE
		   AND pull_time IS NOT NULL AND pull_time < $2 AND return_time IS NULL
		 ORDER BY arrival_time`,
		queueName, pulledBefore)
}

// FailedUnretired lists live submissions at or over the failure cap.
func (r *SubmissionRepo) FailedUnretired(ctx context.Context, queueName string) ([]int64, error) {
	return r.selectIDs(ctx, "submission.failed_unretired",
		`SELECT id FROM submissions
		 WHERE queue_name=$1 AND retired=FALSE AND num_failures >= $2
		 ORDER BY arrival_time`,
		queueName, r.MaxFailures)
}

// Orphans lists live submissions never pushed and never answered that
// arrived before the cutoff.
func (r *SubmissionRepo) Orphans(ctx context.Context, queueName string, arrivedBefore time.Time) ([]int64, error) {
	return r.selectIDs(ctx, "submission.orphans",
		`SELECT id FROM submissions
		 WHERE queue_name=$1 AND retired=FALSE
		   AND push_time IS NULL AND return_time IS NULL AND arrival_time < $2
		 ORDER BY arrival_time`,
		queueName, arrivedBefore)
}

// UnretiredBefore lists live submissions, optionally bounded by arrival time.
func (r *SubmissionRepo) UnretiredBefore(ctx context.Context, queueName string, cutoff *time.Time) ([]int64, error) {
	if cutoff == nil {
		return r.selectIDs(ctx, "submission.unretired_before",
			`SELECT id FROM submissions WHERE queue_name=$1 AND retired=FALSE ORDER BY arrival_time`,
			queueName)
	}
	return r.selectIDs(ctx, "submission.unretired_before",
		`SELECT id FROM submissions
		 WHERE queue_name=$1 AND retired=FALSE AND arrival_time < $2
		 ORDER BY arrival_time`,
		queueName, *cutoff)
}
