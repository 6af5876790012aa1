// Package memory holds an in-memory SubmissionRepository used by unit tests
// and local development. It mirrors the Postgres adapter's semantics,
// including the processing-delay window on claims and the retired guard on
// updates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gradeflow/xqueue/internal/domain"
	"github.com/gradeflow/xqueue/pkg/hashkey"
)

// SubmissionRepo is safe for concurrent use.
type SubmissionRepo struct {
	mu sync.Mutex

	ProcessingDelay time.Duration
	MaxFailures     int

	nextID int64
	subs   map[int64]*domain.Submission

	// Now is swappable so tests can control the clock.
	Now func() time.Time
}

// NewSubmissionRepo constructs an empty repository.
func NewSubmissionRepo(processingDelay time.Duration, maxFailures int) *SubmissionRepo {
	return &SubmissionRepo{
		ProcessingDelay: processingDelay,
		MaxFailures:     maxFailures,
		nextID:          1,
		subs:            make(map[int64]*domain.Submission),
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

func (r *SubmissionRepo) Create(_ context.Context, s domain.Submission) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = r.nextID
	r.nextID++
	if s.ArrivalTime.IsZero() {
		s.ArrivalTime = r.Now()
	}
	cp := s
	r.subs[s.ID] = &cp
	return s.ID, nil
}

func (r *SubmissionRepo) Get(_ context.Context, id int64) (domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return domain.Submission{}, fmt.Errorf("op=submission.get id=%d: %w", id, domain.ErrNotFound)
	}
	return *s, nil
}

func (r *SubmissionRepo) InvalidatePrior(_ context.Context, lmsCallbackURL string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.subs {
		if s.LMSCallbackURL == lmsCallbackURL && !s.Retired {
			s.Retired = true
			n++
		}
	}
	return n, nil
}

// Pull and push eligibility filter independently on their own time field,
// same as the queue-length accounting.
func pullEligible(s *domain.Submission, cutoff time.Time) bool {
	return !s.Retired && (s.PullTime == nil || !s.PullTime.After(cutoff))
}

func pushEligible(s *domain.Submission, cutoff time.Time) bool {
	return !s.Retired && (s.PushTime == nil || !s.PushTime.After(cutoff))
}

func (r *SubmissionRepo) oldestEligible(queueName string, eligible func(*domain.Submission, time.Time) bool) *domain.Submission {
	cutoff := r.Now().Add(-r.ProcessingDelay)
	var best *domain.Submission
	for _, s := range r.subs {
		if s.QueueName != queueName || !eligible(s, cutoff) {
			continue
		}
		if best == nil || s.ArrivalTime.Before(best.ArrivalTime) {
			best = s
		}
	}
	return best
}

func (r *SubmissionRepo) ClaimPullable(_ context.Context, queueName, graderID string) (domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.oldestEligible(queueName, pullEligible)
	if s == nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pullable queue=%s: %w", queueName, domain.ErrQueueEmpty)
	}
	now := r.Now()
	s.PullTime = &now
	s.Pullkey = hashkey.Make(fmt.Sprintf("%d%d", now.UnixNano(), s.ID))
	s.GraderID = graderID
	return *s, nil
}

func (r *SubmissionRepo) ClaimPushable(_ context.Context, queueName, graderURL string) (domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.oldestEligible(queueName, pushEligible)
	if s == nil {
		return domain.Submission{}, fmt.Errorf("op=submission.claim_pushable queue=%s: %w", queueName, domain.ErrQueueEmpty)
	}
	now := r.Now()
	s.PushTime = &now
	s.GraderID = graderURL
	return *s, nil
}

func (r *SubmissionRepo) QueueLength(_ context.Context, queueName string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.Now().Add(-r.ProcessingDelay)
	var n int64
	for _, s := range r.subs {
		if s.QueueName == queueName && pullEligible(s, cutoff) {
			n++
		}
	}
	return n, nil
}

func (r *SubmissionRepo) Update(_ context.Context, s domain.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.subs[s.ID]
	if !ok {
		return fmt.Errorf("op=submission.update id=%d: %w", s.ID, domain.ErrNotFound)
	}
	if cur.Retired {
		return fmt.Errorf("op=submission.update id=%d: %w", s.ID, domain.ErrRetired)
	}
	cp := s
	r.subs[s.ID] = &cp
	return nil
}

func (r *SubmissionRepo) WithLocked(_ context.Context, id int64, fn func(*domain.Submission) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("op=submission.with_locked id=%d: %w", id, domain.ErrNotFound)
	}
	cp := *cur
	if err := fn(&cp); err != nil {
		return err
	}
	r.subs[id] = &cp
	return nil
}

func (r *SubmissionRepo) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, s := range r.subs {
		if !s.ArrivalTime.After(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.subs[ids[i]].ArrivalTime.Before(r.subs[ids[j]].ArrivalTime)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delete(r.subs, id)
	}
	return int64(len(ids)), nil
}

func (r *SubmissionRepo) CountOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.subs {
		if !s.ArrivalTime.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (r *SubmissionRepo) QueueCounts(_ context.Context) ([]domain.QueueCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byQueue := make(map[string]int64)
	for _, s := range r.subs {
		if !s.Retired {
			byQueue[s.QueueName]++
		}
	}
	out := make([]domain.QueueCount, 0, len(byQueue))
	for name, count := range byQueue {
		out = append(out, domain.QueueCount{QueueName: name, Count: count})
	}
	// Busiest queues first, name as tiebreak.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].QueueName < out[j].QueueName
	})
	return out, nil
}

func (r *SubmissionRepo) collectIDs(queueName string, match func(*domain.Submission) bool) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, s := range r.subs {
		if s.QueueName == queueName && !s.Retired && match(s) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.subs[ids[i]].ArrivalTime.Before(r.subs[ids[j]].ArrivalTime)
	})
	return ids
}

func (r *SubmissionRepo) StalePulled(_ context.Context, queueName string, pulledBefore time.Time) ([]int64, error) {
	return r.collectIDs(queueName, func(s *domain.Submission) bool {
		return s.PullTime != nil && s.PullTime.Before(pulledBefore) && s.ReturnTime == nil
	}), nil
}

func (r *SubmissionRepo) FailedUnretired(_ context.Context, queueName string) ([]int64, error) {
	return r.collectIDs(queueName, func(s *domain.Submission) bool {
		return s.NumFailures >= r.MaxFailures
	}), nil
}

func (r *SubmissionRepo) Orphans(_ context.Context, queueName string, arrivedBefore time.Time) ([]int64, error) {
	return r.collectIDs(queueName, func(s *domain.Submission) bool {
		return s.PushTime == nil && s.ReturnTime == nil && s.ArrivalTime.Before(arrivedBefore)
	}), nil
}

func (r *SubmissionRepo) UnretiredBefore(_ context.Context, queueName string, cutoff *time.Time) ([]int64, error) {
	return r.collectIDs(queueName, func(s *domain.Submission) bool {
		return cutoff == nil || s.ArrivalTime.Before(*cutoff)
	}), nil
}
