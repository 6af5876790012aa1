package postgres_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gradeflow/xqueue/internal/domain"
)

// fakeRow implements pgx.Row
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakePool implements postgres.PgxPool for tests. Unconfigured methods fail
// loudly so a test never silently exercises the wrong path.
type fakePool struct {
	exec     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(sql string, args ...any) pgx.Row
	query    func(sql string, args ...any) (pgx.Rows, error)
	beginTx  func() (pgx.Tx, error)
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.exec == nil {
		return pgconn.CommandTag{}, errors.New("no exec configured")
	}
	return p.exec(sql, args...)
}

func (p *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRow == nil {
		return fakeRow{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.queryRow(sql, args...)
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.query == nil {
		return nil, errors.New("no query configured")
	}
	return p.query(sql, args...)
}

func (p *fakePool) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.beginTx()
}

// fakeTx covers the subset of pgx.Tx the repos touch. The embedded interface
// panics on anything not overridden.
type fakeTx struct {
	pgx.Tx
	exec     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(sql string, args ...any) pgx.Row

	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.exec == nil {
		return pgconn.CommandTag{}, errors.New("no tx exec configured")
	}
	return t.exec(sql, args...)
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if t.queryRow == nil {
		return fakeRow{scan: func(_ ...any) error { return errors.New("no tx row configured") }}
	}
	return t.queryRow(sql, args...)
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

// fakeRows feeds Query-based methods from a static grid.
type fakeRows struct {
	pgx.Rows
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	for i, d := range dest {
		switch v := d.(type) {
		case *int64:
			*v = row[i].(int64)
		case *string:
			*v = row[i].(string)
		default:
			return errors.New("unsupported scan dest")
		}
	}
	return nil
}

// scanInto fills a submission column list in repo order.
func scanInto(s domain.Submission) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = s.ID
		*(dest[1].(*string)) = s.RequesterID
		*(dest[2].(*string)) = s.LMSCallbackURL
		*(dest[3].(*string)) = s.QueueName
		*(dest[4].(*string)) = s.XQueueHeader
		*(dest[5].(*string)) = s.XQueueBody
		*(dest[6].(*string)) = s.URLs
		*(dest[7].(*string)) = s.Keys
		*(dest[8].(*time.Time)) = s.ArrivalTime
		*(dest[9].(**time.Time)) = s.PullTime
		*(dest[10].(**time.Time)) = s.PushTime
		*(dest[11].(**time.Time)) = s.ReturnTime
		*(dest[12].(*string)) = s.GraderID
		*(dest[13].(*string)) = s.Pullkey
		*(dest[14].(*string)) = s.GraderReply
		*(dest[15].(*int)) = s.NumFailures
		*(dest[16].(*bool)) = s.LMSAck
		*(dest[17].(*bool)) = s.Retired
		return nil
	}
}
