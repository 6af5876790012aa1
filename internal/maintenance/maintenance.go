// Package maintenance implements the operational jobs run from xqueuectl:
// requeueing stale pulls, retiring dead submissions, pushing orphans,
// pruning old rows and reporting queue depths.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/domain"
)

// Sink receives queue-depth samples from CountQueued.
type Sink interface {
	Publish(ctx context.Context, counts []domain.QueueCount) error
}

// Service bundles the dependencies shared by the maintenance jobs.
type Service struct {
	Repo   domain.SubmissionRepository
	Queues config.QueueFile
	LMS    domain.LMSNotifier

	// NewGrader builds a client for a push endpoint; used by PushOrphans.
	NewGrader func(url string) domain.Grader

	PullTimeout   time.Duration
	OrphanTimeout time.Duration
	MaxFailures   int
}

// resolveQueues expands an empty selection to every configured queue and
// rejects unknown names.
func (s *Service) resolveQueues(queues []string) ([]string, error) {
	if len(queues) == 0 {
		return s.Queues.Names(), nil
	}
	for _, q := range queues {
		if !s.Queues.Valid(q) {
			return nil, fmt.Errorf("op=maintenance.resolve queue=%s: %w", q, domain.ErrUnknownQueue)
		}
	}
	return queues, nil
}

// RequeuePulled clears the pull stamp on submissions a grader claimed but
// never answered, making them pullable again. Each pass costs one failure;
// rows at the failure cap keep their stamp and are left for RetireFailed.
// The returned count covers only rows actually made pullable again.
func (s *Service) RequeuePulled(ctx context.Context, queues []string) (int, error) {
	queues, err := s.resolveQueues(queues)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.PullTimeout)
	requeued := 0
	for _, queue := range queues {
		ids, err := s.Repo.StalePulled(ctx, queue, cutoff)
		if err != nil {
			return requeued, err
		}
		cleared := 0
		for _, id := range ids {
			done := false
			err := s.Repo.WithLocked(ctx, id, func(sub *domain.Submission) error {
				if sub.Retired || sub.ReturnTime != nil || sub.PullTime == nil {
					return nil
				}
				sub.NumFailures++
				if sub.NumFailures < s.MaxFailures {
					sub.PullTime = nil
					sub.Pullkey = ""
					done = true
				}
				return nil
			})
			if err != nil {
				slog.Error("requeue failed", slog.Int64("id", id), slog.Any("error", err))
				continue
			}
			if done {
				cleared++
			}
		}
		requeued += cleared
		slog.Info("requeued stale pulls", slog.String("queue", queue), slog.Int("count", cleared))
	}
	return requeued, nil
}

// RetireFailed retires submissions that hit the failure cap. Unless force is
// set, the LMS gets a failure notice first and retirement mirrors the ack,
// so a submission whose LMS is unreachable is retried on the next run.
func (s *Service) RetireFailed(ctx context.Context, queues []string, force bool) (int, error) {
	queues, err := s.resolveQueues(queues)
	if err != nil {
		return 0, err
	}
	retired := 0
	for _, queue := range queues {
		ids, err := s.Repo.FailedUnretired(ctx, queue)
		if err != nil {
			return retired, err
		}
		for _, id := range ids {
			err := s.Repo.WithLocked(ctx, id, func(sub *domain.Submission) error {
				if sub.Retired || sub.NumFailures == 0 {
					return nil
				}
				if force {
					sub.Retired = true
					return nil
				}
				ack := s.LMS.PostFailure(ctx, sub.XQueueHeader)
				sub.LMSAck = ack
				sub.Retired = ack
				if ack {
					observability.SubmissionsRetiredTotal.WithLabelValues(sub.QueueName, "failure_cap").Inc()
				}
				return nil
			})
			if err != nil {
				slog.Error("retire failed submission", slog.Int64("id", id), slog.Any("error", err))
				continue
			}
			retired++
		}
	}
	return retired, nil
}

// RetireOld retires every unretired submission in the queue, optionally only
// those that arrived before the cutoff. The LMS is told, but retirement does
// not depend on the ack; this is the cleanup for decommissioned queues.
func (s *Service) RetireOld(ctx context.Context, queue string, before *time.Time) (int, error) {
	if !s.Queues.Valid(queue) {
		return 0, fmt.Errorf("op=maintenance.retire_old queue=%s: %w", queue, domain.ErrUnknownQueue)
	}
	ids, err := s.Repo.UnretiredBefore(ctx, queue, before)
	if err != nil {
		return 0, err
	}
	retired := 0
	for _, id := range ids {
		err := s.Repo.WithLocked(ctx, id, func(sub *domain.Submission) error {
			if sub.Retired {
				return nil
			}
			sub.LMSAck = s.LMS.PostFailure(ctx, sub.XQueueHeader)
			sub.Retired = true
			observability.SubmissionsRetiredTotal.WithLabelValues(sub.QueueName, "expired").Inc()
			return nil
		})
		if err != nil {
			slog.Error("retire old submission", slog.Int64("id", id), slog.Any("error", err))
			continue
		}
		retired++
	}
	return retired, nil
}

// PushOrphans re-delivers submissions a push worker never picked up. Each
// orphan costs a failure upfront, then gets the normal one-shot push.
func (s *Service) PushOrphans(ctx context.Context, queues []string) (int, error) {
	queues, err := s.resolveQueues(queues)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-s.OrphanTimeout)
	pushed := 0
	for _, queue := range queues {
		graderURL := s.Queues.Queues[queue]
		if graderURL == "" {
			return pushed, fmt.Errorf("op=maintenance.push_orphans queue=%s has no grader endpoint: %w",
				queue, domain.ErrInvalidArgument)
		}
		grader := s.NewGrader(graderURL)
		ids, err := s.Repo.Orphans(ctx, queue, cutoff)
		if err != nil {
			return pushed, err
		}
		for _, id := range ids {
			err := s.Repo.WithLocked(ctx, id, func(sub *domain.Submission) error {
				if sub.Retired || sub.PushTime != nil || sub.ReturnTime != nil {
					return nil
				}
				now := time.Now().UTC()
				sub.NumFailures++
				sub.PushTime = &now
				sub.GraderID = graderURL

				reply, gradeErr := grader.Respond(ctx, domain.GraderPayload{
					XQueueBody:  sub.XQueueBody,
					XQueueFiles: sub.URLs,
				})
				returned := time.Now().UTC()
				sub.ReturnTime = &returned
				if gradeErr == nil {
					sub.GraderReply = reply
					sub.LMSAck = s.LMS.PostVerdict(ctx, sub.XQueueHeader, reply)
				} else {
					slog.Error("orphan push failed",
						slog.Int64("id", sub.ID), slog.Any("error", gradeErr))
					sub.NumFailures++
					sub.LMSAck = s.LMS.PostFailure(ctx, sub.XQueueHeader)
				}
				sub.Retired = true
				return nil
			})
			if err != nil {
				slog.Error("push orphan", slog.Int64("id", id), slog.Any("error", err))
				continue
			}
			pushed++
		}
		slog.Info("pushed orphans", slog.String("queue", queue), slog.Int("count", len(ids)))
	}
	return pushed, nil
}

// DeleteOld deletes retired-or-not submissions older than days in chunks,
// sleeping between chunks to keep pressure off the primary.
func (s *Service) DeleteOld(ctx context.Context, days, chunkSize int, sleep time.Duration) (int64, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("op=maintenance.delete_old: chunk size must be positive: %w", domain.ErrInvalidArgument)
	}
	if sleep < 0 {
		return 0, fmt.Errorf("op=maintenance.delete_old: sleep must not be negative: %w", domain.ErrInvalidArgument)
	}
	if days < 0 {
		return 0, fmt.Errorf("op=maintenance.delete_old: days must not be negative: %w", domain.ErrInvalidArgument)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	pending, err := s.Repo.CountOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	slog.Info("deleting old submissions", slog.Int64("pending", pending), slog.Time("cutoff", cutoff))

	var total int64
	for {
		n, err := s.Repo.DeleteOlderThan(ctx, cutoff, chunkSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(chunkSize) {
			return total, nil
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
}

// CountQueued reports unretired submissions per queue, updates the depth
// gauge, and publishes a sample to the sink when one is configured.
func (s *Service) CountQueued(ctx context.Context, sink Sink) ([]domain.QueueCount, error) {
	counts, err := s.Repo.QueueCounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		observability.QueueLengthGauge.WithLabelValues(c.QueueName).Set(float64(c.Count))
	}
	if sink != nil {
		if err := sink.Publish(ctx, counts); err != nil {
			return counts, fmt.Errorf("op=maintenance.count_queued: %w", err)
		}
	}
	return counts, nil
}

// FormatCounts renders the per-queue table printed by count_queued.
func FormatCounts(counts []domain.QueueCount) string {
	var b strings.Builder
	width := len("Queue")
	for _, c := range counts {
		if len(c.QueueName) > width {
			width = len(c.QueueName)
		}
	}
	fmt.Fprintf(&b, "%-*s  %s\n", width, "Queue", "Queued")
	var total int64
	for _, c := range counts {
		fmt.Fprintf(&b, "%-*s  %d\n", width, c.QueueName, c.Count)
		total += c.Count
	}
	fmt.Fprintf(&b, "%-*s  %d\n", width, "Total", total)
	return b.String()
}
