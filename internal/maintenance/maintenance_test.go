package maintenance_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/xqueue/internal/adapter/repo/memory"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/domain"
	"github.com/gradeflow/xqueue/internal/maintenance"
)

const maxFailures = 3

type fakeLMS struct {
	ack      bool
	verdicts int
	failures int
}

func (l *fakeLMS) PostVerdict(_ context.Context, _, _ string) bool {
	l.verdicts++
	return l.ack
}

func (l *fakeLMS) PostFailure(_ context.Context, _ string) bool {
	l.failures++
	return l.ack
}

type fakeGrader struct {
	reply string
	err   error
	calls int
}

func (g *fakeGrader) Respond(_ context.Context, _ domain.GraderPayload) (string, error) {
	g.calls++
	return g.reply, g.err
}

type fakeSink struct {
	published [][]domain.QueueCount
	err       error
}

func (s *fakeSink) Publish(_ context.Context, counts []domain.QueueCount) error {
	s.published = append(s.published, counts)
	return s.err
}

func newService(repo *memory.SubmissionRepo, lms *fakeLMS, grader *fakeGrader) *maintenance.Service {
	return &maintenance.Service{
		Repo: repo,
		Queues: config.QueueFile{Queues: map[string]string{
			"test-pull":    "",
			"certificates": "http://certs.internal:18010",
		}},
		LMS:           lms,
		NewGrader:     func(string) domain.Grader { return grader },
		PullTimeout:   5 * time.Minute,
		OrphanTimeout: 10 * time.Minute,
		MaxFailures:   maxFailures,
	}
}

// backdate shifts the repo clock so rows created next look old.
func backdate(repo *memory.SubmissionRepo, d time.Duration) {
	repo.Now = func() time.Time { return time.Now().UTC().Add(-d) }
}

func TestRequeuePulled(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()

	backdate(repo, 30*time.Minute)
	id, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull"})
	require.NoError(t, err)
	_, err = repo.ClaimPullable(ctx, "test-pull", "203.0.113.7")
	require.NoError(t, err)
	repo.Now = time.Now().UTC

	svc := newService(repo, &fakeLMS{}, &fakeGrader{})
	n, err := svc.RequeuePulled(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.NumFailures)
	assert.Nil(t, sub.PullTime)
	assert.Empty(t, sub.Pullkey)
	assert.Equal(t, "203.0.113.7", sub.GraderID, "grader id is kept for forensics")
	assert.False(t, sub.Retired)
}

func TestRequeuePulled_AtCapKeepsStamp(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()

	backdate(repo, 30*time.Minute)
	id, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull", NumFailures: maxFailures - 1})
	require.NoError(t, err)
	_, err = repo.ClaimPullable(ctx, "test-pull", "ip")
	require.NoError(t, err)
	repo.Now = time.Now().UTC

	svc := newService(repo, &fakeLMS{}, &fakeGrader{})
	n, err := svc.RequeuePulled(ctx, []string{"test-pull"})
	require.NoError(t, err)
	assert.Zero(t, n, "at-cap rows are not requeued and must not be counted")

	// The pull stamp stays so RetireFailed can find and finish the row.
	sub, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, maxFailures, sub.NumFailures)
	assert.NotNil(t, sub.PullTime)
	assert.NotEmpty(t, sub.Pullkey)
}

func TestRequeuePulled_UnknownQueue(t *testing.T) {
	svc := newService(memory.NewSubmissionRepo(time.Minute, maxFailures), &fakeLMS{}, &fakeGrader{})
	_, err := svc.RequeuePulled(context.Background(), []string{"nope"})
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}

func TestRetireFailed(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()
	id, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull", NumFailures: maxFailures})
	require.NoError(t, err)

	lms := &fakeLMS{ack: true}
	svc := newService(repo, lms, &fakeGrader{})
	n, err := svc.RetireFailed(ctx, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lms.failures)

	sub, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sub.Retired)
	assert.True(t, sub.LMSAck)
}

func TestRetireFailed_NoAckLeavesRowForNextRun(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()
	id, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull", NumFailures: maxFailures})
	require.NoError(t, err)

	svc := newService(repo, &fakeLMS{ack: false}, &fakeGrader{})
	_, err = svc.RetireFailed(ctx, nil, false)
	require.NoError(t, err)

	sub, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, sub.Retired)
}

func TestRetireFailed_ForceSkipsLMS(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()
	id, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull", NumFailures: maxFailures})
	require.NoError(t, err)

	lms := &fakeLMS{}
	svc := newService(repo, lms, &fakeGrader{})
	_, err = svc.RetireFailed(ctx, nil, true)
	require.NoError(t, err)

	sub, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sub.Retired)
	assert.Zero(t, lms.failures)
}

func TestRetireOld(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()

	backdate(repo, 48*time.Hour)
	old, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull"})
	require.NoError(t, err)
	repo.Now = time.Now().UTC
	fresh, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull"})
	require.NoError(t, err)

	// Retirement does not depend on the LMS ack.
	lms := &fakeLMS{ack: false}
	svc := newService(repo, lms, &fakeGrader{})
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	n, err := svc.RetireOld(ctx, "test-pull", &cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lms.failures)

	oldSub, err := repo.Get(ctx, old)
	require.NoError(t, err)
	assert.True(t, oldSub.Retired)
	assert.False(t, oldSub.LMSAck)
	freshSub, err := repo.Get(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, freshSub.Retired)

	// No cutoff retires everything left.
	n, err = svc.RetireOld(ctx, "test-pull", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.RetireOld(ctx, "nope", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}

func TestPushOrphans(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()

	backdate(repo, time.Hour)
	id, err := repo.Create(ctx, domain.Submission{QueueName: "certificates", XQueueBody: "generate"})
	require.NoError(t, err)
	repo.Now = time.Now().UTC

	grader := &fakeGrader{reply: `{"correct": true}`}
	lms := &fakeLMS{ack: true}
	svc := newService(repo, lms, grader)
	n, err := svc.PushOrphans(ctx, []string{"certificates"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, grader.calls)

	sub, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sub.Retired)
	assert.Equal(t, 1, sub.NumFailures, "orphaned delivery costs one failure")
	assert.Equal(t, grader.reply, sub.GraderReply)
	assert.Equal(t, "http://certs.internal:18010", sub.GraderID)
	require.NotNil(t, sub.PushTime)
	require.NotNil(t, sub.ReturnTime)
	assert.Equal(t, 1, lms.verdicts)
}

func TestPushOrphans_GraderDown(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()

	backdate(repo, time.Hour)
	id, err := repo.Create(ctx, domain.Submission{QueueName: "certificates"})
	require.NoError(t, err)
	repo.Now = time.Now().UTC

	lms := &fakeLMS{}
	svc := newService(repo, lms, &fakeGrader{err: errors.New("connection refused")})
	_, err = svc.PushOrphans(ctx, []string{"certificates"})
	require.NoError(t, err)

	sub, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, sub.Retired)
	assert.Equal(t, 2, sub.NumFailures)
	assert.Equal(t, 1, lms.failures)
}

func TestPushOrphans_PullQueueRejected(t *testing.T) {
	svc := newService(memory.NewSubmissionRepo(time.Minute, maxFailures), &fakeLMS{}, &fakeGrader{})
	_, err := svc.PushOrphans(context.Background(), []string{"test-pull"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDeleteOld(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()

	backdate(repo, 10*24*time.Hour)
	for range 5 {
		_, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull"})
		require.NoError(t, err)
	}
	repo.Now = time.Now().UTC
	_, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull"})
	require.NoError(t, err)

	svc := newService(repo, &fakeLMS{}, &fakeGrader{})
	total, err := svc.DeleteOld(ctx, 7, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	// The fresh row survives.
	_, err = repo.Get(ctx, 6)
	assert.NoError(t, err)
}

func TestDeleteOld_Validation(t *testing.T) {
	svc := newService(memory.NewSubmissionRepo(time.Minute, maxFailures), &fakeLMS{}, &fakeGrader{})
	ctx := context.Background()

	_, err := svc.DeleteOld(ctx, 7, 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.DeleteOld(ctx, 7, 100, -time.Second)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.DeleteOld(ctx, -1, 100, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCountQueued(t *testing.T) {
	repo := memory.NewSubmissionRepo(time.Minute, maxFailures)
	ctx := context.Background()
	for range 2 {
		_, err := repo.Create(ctx, domain.Submission{QueueName: "certificates"})
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, domain.Submission{QueueName: "test-pull"})
	require.NoError(t, err)

	sink := &fakeSink{}
	svc := newService(repo, &fakeLMS{}, &fakeGrader{})
	counts, err := svc.CountQueued(ctx, sink)
	require.NoError(t, err)
	require.Equal(t, []domain.QueueCount{
		{QueueName: "certificates", Count: 2},
		{QueueName: "test-pull", Count: 1},
	}, counts)
	require.Len(t, sink.published, 1)

	table := maintenance.FormatCounts(counts)
	assert.Contains(t, table, fmt.Sprintf("%-12s  %d", "certificates", 2))
	assert.Contains(t, table, fmt.Sprintf("%-12s  %d", "Total", 3))
}
