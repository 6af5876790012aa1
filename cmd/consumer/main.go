// Command consumer runs one push worker per queue that has a grader
// endpoint configured, under a supervisor that restarts failed workers.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gradeflow/xqueue/internal/adapter/grader"
	"github.com/gradeflow/xqueue/internal/adapter/lms"
	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/adapter/repo/postgres"
	"github.com/gradeflow/xqueue/internal/adapter/wakeup"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/consumer"
	"github.com/gradeflow/xqueue/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	queues, err := config.LoadQueueFile(cfg.QueueConfigPath)
	if err != nil {
		slog.Error("queue config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	pushQueues := queues.PushQueues()
	if len(pushQueues) == 0 {
		slog.Info("no push queues configured, nothing to do")
		return
	}

	repo := postgres.NewSubmissionRepo(db, cfg.ProcessingDelay, cfg.MaxFailures)
	lmsClient := lms.NewClient(cfg.RequestsTimeout, cfg.LMSBasicAuthUser, cfg.LMSBasicAuthPass)

	workers := make([]*consumer.Worker, 0, len(pushQueues))
	for queueName, graderURL := range pushQueues {
		var listener domain.WakeListener = wakeup.PollListener{}
		if cfg.RedisURL != "" {
			rl, err := wakeup.NewRedisListener(ctx, cfg.RedisURL, queueName)
			if err != nil {
				slog.Error("redis listener setup failed",
					slog.String("queue", queueName), slog.Any("error", err))
				os.Exit(1)
			}
			defer func() { _ = rl.Close() }()
			listener = rl
		}
		workers = append(workers, &consumer.Worker{
			QueueName:    queueName,
			GraderURL:    graderURL,
			Repo:         repo,
			Grader:       grader.NewHTTPGrader(graderURL, cfg.GradingTimeout),
			LMS:          lmsClient,
			Listener:     listener,
			PollInterval: cfg.ConsumerDelay,
		})
	}

	pool := &consumer.Pool{Workers: workers, MonitorInterval: cfg.MonitorInterval}
	slog.Info("consumer pool starting", slog.Int("workers", len(workers)))
	pool.Run(ctx)
	slog.Info("consumer pool stopped")
}
