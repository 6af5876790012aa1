// Package consumer runs the push-queue delivery workers. One worker serves
// one queue; a pool supervises them and restarts any that fail.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/domain"
)

// Worker drains one push queue: claim, POST to the grader, report to the
// LMS, retire. A submission gets one shot; grader failure is terminal and
// produces a failure notice instead of a verdict.
type Worker struct {
	QueueName string
	GraderURL string

	Repo     domain.SubmissionRepository
	Grader   domain.Grader
	LMS      domain.LMSNotifier
	Listener domain.WakeListener

	// PollInterval caps how long the worker sleeps when the queue is empty;
	// a wake-up notification shortens it.
	PollInterval time.Duration
}

// Run loops until ctx is done. Per-submission failures are logged and the
// loop continues; only a panic escapes as an error (and is handled by the
// pool's restart logic).
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("starting consumer", slog.String("queue", w.QueueName), slog.String("grader", w.GraderURL))
	for {
		if ctx.Err() != nil {
			slog.Info("consumer stopped", slog.String("queue", w.QueueName))
			return nil
		}
		delivered, err := w.deliverOne(ctx)
		if err != nil {
			slog.Error("submission delivery error",
				slog.String("queue", w.QueueName), slog.Any("error", err))
			// Same pacing as an empty queue; a failing claim must not
			// busy-spin against the store.
			w.Listener.Wait(ctx, w.PollInterval)
			continue
		}
		if !delivered {
			w.Listener.Wait(ctx, w.PollInterval)
		}
	}
}

// deliverOne processes at most one submission. Returns false when the queue
// had nothing eligible.
func (w *Worker) deliverOne(ctx context.Context) (bool, error) {
	sub, err := w.Repo.ClaimPushable(ctx, w.QueueName, w.GraderURL)
	if err != nil {
		if errors.Is(err, domain.ErrQueueEmpty) {
			return false, nil
		}
		return false, err
	}

	start := time.Now()
	reply, gradeErr := w.Grader.Respond(ctx, domain.GraderPayload{
		XQueueBody:  sub.XQueueBody,
		XQueueFiles: sub.URLs,
	})
	observability.GraderRequestDuration.WithLabelValues(w.QueueName).Observe(time.Since(start).Seconds())

	now := time.Now().UTC()
	sub.ReturnTime = &now

	if gradeErr == nil {
		sub.GraderReply = reply
		sub.LMSAck = w.LMS.PostVerdict(ctx, sub.XQueueHeader, reply)
	} else {
		slog.Error("grader exchange failed",
			slog.Int64("id", sub.ID),
			slog.String("queue", w.QueueName),
			slog.String("grader", w.GraderURL),
			slog.Any("error", gradeErr))
		observability.GraderFailuresTotal.WithLabelValues(w.QueueName).Inc()
		sub.NumFailures++
		sub.LMSAck = w.LMS.PostFailure(ctx, sub.XQueueHeader)
	}
	if !sub.LMSAck {
		observability.LMSDeliveryFailuresTotal.WithLabelValues(w.QueueName).Inc()
	}

	// One shot on push, regardless of the grader outcome.
	sub.Retired = true

	if err := w.Repo.Update(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrRetired) {
			// A newer submission superseded this one mid-flight; the retire
			// bit is monotonic, so there is nothing left to write.
			slog.Warn("submission retired concurrently", slog.Int64("id", sub.ID))
			return true, nil
		}
		return true, fmt.Errorf("op=consumer.deliver id=%d: %w", sub.ID, err)
	}
	observability.SubmissionsPushedTotal.WithLabelValues(w.QueueName).Inc()
	observability.SubmissionsRetiredTotal.WithLabelValues(w.QueueName, "pushed").Inc()
	return true, nil
}
