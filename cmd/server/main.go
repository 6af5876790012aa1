// Command server starts the xqueue HTTP server: LMS intake plus the pull
// grader interface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gradeflow/xqueue/internal/adapter/blobstore"
	httpserver "github.com/gradeflow/xqueue/internal/adapter/httpserver"
	"github.com/gradeflow/xqueue/internal/adapter/lms"
	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/adapter/repo/postgres"
	"github.com/gradeflow/xqueue/internal/adapter/wakeup"
	"github.com/gradeflow/xqueue/internal/app"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/domain"
	"github.com/gradeflow/xqueue/internal/usecase"
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	queues, err := config.LoadQueueFile(cfg.QueueConfigPath)
	if err != nil {
		slog.Error("queue config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	subRepo := postgres.NewSubmissionRepo(pool, cfg.ProcessingDelay, cfg.MaxFailures)
	userRepo := postgres.NewUserRepo(pool)

	var blobs domain.BlobStore
	if cfg.UploadBucket != "" {
		s3Store, err := blobstore.NewS3Store(ctx, cfg.UploadBucket, cfg.UploadPrefix, cfg.UploadURLExpire)
		if err != nil {
			slog.Error("s3 store setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		blobs = s3Store
	} else {
		blobs = blobstore.NewFSStore(cfg.UploadDir, cfg.UploadBaseURL)
	}

	var wake domain.WakeNotifier = wakeup.NoopNotifier{}
	if cfg.RedisURL != "" {
		notifier, err := wakeup.NewRedisNotifier(cfg.RedisURL)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = notifier.Close() }()
		wake = notifier
	}

	lmsClient := lms.NewClient(cfg.RequestsTimeout, cfg.LMSBasicAuthUser, cfg.LMSBasicAuthPass)

	intake := usecase.NewIntakeService(subRepo, blobs, queues, wake)
	pull := usecase.NewPullService(subRepo, queues, lmsClient, cfg.MaxFailures, cfg.FileFetchTimeout)
	sessions := httpserver.NewSessionManager(cfg, userRepo)
	srv := httpserver.NewServer(cfg, queues, intake, pull, sessions)

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
