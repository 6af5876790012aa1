package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/xqueue/internal/adapter/repo/memory"
	"github.com/gradeflow/xqueue/internal/domain"
)

func newRepo() *memory.SubmissionRepo {
	return memory.NewSubmissionRepo(time.Minute, 3)
}

func TestClaimPullable_FIFOAndGrace(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	now := time.Now().UTC()
	id1, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	id2, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: now.Add(-time.Hour)})
	require.NoError(t, err)

	s, err := repo.ClaimPullable(ctx, "q", "g1")
	require.NoError(t, err)
	assert.Equal(t, id1, s.ID)
	assert.NotEmpty(t, s.Pullkey)

	// The first row is now inside the grace window, so the second comes next.
	s, err = repo.ClaimPullable(ctx, "q", "g1")
	require.NoError(t, err)
	assert.Equal(t, id2, s.ID)

	_, err = repo.ClaimPullable(ctx, "q", "g1")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)
}

func TestClaimPullable_GraceExpiryMakesRowVisibleAgain(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	base := time.Now().UTC()
	repo.Now = func() time.Time { return base }
	_, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: base.Add(-time.Hour)})
	require.NoError(t, err)

	first, err := repo.ClaimPullable(ctx, "q", "g1")
	require.NoError(t, err)

	_, err = repo.ClaimPullable(ctx, "q", "g2")
	assert.ErrorIs(t, err, domain.ErrQueueEmpty)

	repo.Now = func() time.Time { return base.Add(2 * time.Minute) }
	second, err := repo.ClaimPullable(ctx, "q", "g2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.Pullkey, second.Pullkey)
}

func TestUpdate_RetiredGuard(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	id, err := repo.Create(ctx, domain.Submission{QueueName: "q"})
	require.NoError(t, err)

	_, err = repo.InvalidatePrior(ctx, "")
	require.NoError(t, err)

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, s.Retired)

	err = repo.Update(ctx, domain.Submission{ID: id})
	assert.ErrorIs(t, err, domain.ErrRetired)
}

func TestQueueCountsAndLength(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.Create(ctx, domain.Submission{QueueName: "a", LMSCallbackURL: "cb-a"})
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, domain.Submission{QueueName: "b", LMSCallbackURL: "cb-b"})
	require.NoError(t, err)

	n, err := repo.QueueLength(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = repo.InvalidatePrior(ctx, "cb-a")
	require.NoError(t, err)

	counts, err := repo.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.QueueCount{{QueueName: "b", Count: 1}}, counts)
}

func TestMaintenanceSelections(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	pulled := now.Add(-30 * time.Minute)

	idStale, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: old})
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, domain.Submission{ID: idStale, QueueName: "q", ArrivalTime: old, PullTime: &pulled}))

	idFailed, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: old, NumFailures: 3})
	require.NoError(t, err)

	idOrphan, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: old})
	require.NoError(t, err)

	stale, err := repo.StalePulled(ctx, "q", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []int64{idStale}, stale)

	failed, err := repo.FailedUnretired(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []int64{idFailed}, failed)

	// Never pushed and never answered: all three rows qualify.
	orphans, err := repo.Orphans(ctx, "q", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, orphans, 3)
	assert.Contains(t, orphans, idOrphan)
}

func TestDeleteOlderThan(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: now.Add(-time.Duration(i+1) * time.Hour)})
		require.NoError(t, err)
	}

	count, err := repo.CountOlderThan(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	n, err := repo.DeleteOlderThan(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err = repo.CountOlderThan(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

// The cutoff is inclusive: a row that arrived exactly at the cutoff is
// counted and deleted.
func TestDeleteOlderThan_CutoffInclusive(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	cutoff := time.Now().UTC().Truncate(time.Second)
	_, err := repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: cutoff})
	require.NoError(t, err)
	_, err = repo.Create(ctx, domain.Submission{QueueName: "q", ArrivalTime: cutoff.Add(time.Second)})
	require.NoError(t, err)

	count, err := repo.CountOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	n, err := repo.DeleteOlderThan(ctx, cutoff, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
