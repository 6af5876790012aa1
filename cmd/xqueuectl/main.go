// Command xqueuectl runs the operational maintenance jobs against the
// submission store: requeueing, retirement, orphan delivery, pruning,
// queue-depth reporting and account sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gradeflow/xqueue/internal/adapter/grader"
	"github.com/gradeflow/xqueue/internal/adapter/lms"
	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/adapter/repo/postgres"
	"github.com/gradeflow/xqueue/internal/adapter/telemetry"
	"github.com/gradeflow/xqueue/internal/auth"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/domain"
	"github.com/gradeflow/xqueue/internal/maintenance"
)

const usage = `usage: xqueuectl <command> [flags] [args]

commands:
  count_queued_submissions    report unretired submissions per queue
  delete_old_submissions      prune submissions older than --days-old
  requeue_pulled_submissions  reclaim pulled-but-unanswered submissions
  retire_failed_submissions   retire submissions at the failure cap
  retire_old_submissions      retire a queue's backlog
  push_orphaned_submissions   re-deliver submissions push workers missed
  update_users                sync grader accounts from the queue config
`

type deps struct {
	cfg    config.Config
	repo   *postgres.SubmissionRepo
	users  *postgres.UserRepo
	queues config.QueueFile
	svc    *maintenance.Service
	close  func()
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema setup: %w", err)
	}
	queues, err := config.LoadQueueFile(cfg.QueueConfigPath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("queue config: %w", err)
	}

	repo := postgres.NewSubmissionRepo(pool, cfg.ProcessingDelay, cfg.MaxFailures)
	svc := &maintenance.Service{
		Repo:   repo,
		Queues: queues,
		LMS:    lms.NewClient(cfg.RequestsTimeout, cfg.LMSBasicAuthUser, cfg.LMSBasicAuthPass),
		NewGrader: func(url string) domain.Grader {
			return grader.NewHTTPGrader(url, cfg.GradingTimeout)
		},
		PullTimeout:   cfg.PullTimeout,
		OrphanTimeout: cfg.OrphanTimeout,
		MaxFailures:   cfg.MaxFailures,
	}
	return &deps{
		cfg:    cfg,
		repo:   repo,
		users:  postgres.NewUserRepo(pool),
		queues: queues,
		svc:    svc,
		close:  pool.Close,
	}, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	ctx := context.Background()
	d, err := buildDeps(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xqueuectl: %v\n", err)
		os.Exit(1)
	}
	defer d.close()

	if err := run(ctx, d, command, args); err != nil {
		fmt.Fprintf(os.Stderr, "xqueuectl %s: %v\n", command, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, d *deps, command string, args []string) error {
	switch command {
	case "count_queued_submissions":
		return countQueued(ctx, d, args)
	case "delete_old_submissions":
		return deleteOld(ctx, d, args)
	case "requeue_pulled_submissions":
		return requeuePulled(ctx, d, args)
	case "retire_failed_submissions":
		return retireFailed(ctx, d, args)
	case "retire_old_submissions":
		return retireOld(ctx, d, args)
	case "push_orphaned_submissions":
		return pushOrphans(ctx, d, args)
	case "update_users":
		return updateUsers(ctx, d, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func countQueued(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("count_queued_submissions", flag.ExitOnError)
	sinkName := fs.String("telemetry-sink", "", "publish counts to the named sink (kafka)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var sink maintenance.Sink
	switch *sinkName {
	case "":
	case "kafka":
		if len(d.cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("--telemetry-sink kafka requires KAFKA_BROKERS")
		}
		ks, err := telemetry.NewKafkaSink(d.cfg.KafkaBrokers)
		if err != nil {
			return err
		}
		defer ks.Close()
		sink = ks
	default:
		return fmt.Errorf("unknown telemetry sink %q (supported: kafka)", *sinkName)
	}

	counts, err := d.svc.CountQueued(ctx, sink)
	if err != nil {
		return err
	}
	fmt.Print(maintenance.FormatCounts(counts))
	return nil
}

func deleteOld(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("delete_old_submissions", flag.ExitOnError)
	days := fs.Int("days-old", 30, "delete submissions older than this many days")
	chunk := fs.Int("chunk-size", 1000, "rows deleted per statement")
	sleep := fs.Duration("sleep-between", time.Second, "pause between chunks")
	if err := fs.Parse(args); err != nil {
		return err
	}
	total, err := d.svc.DeleteOld(ctx, *days, *chunk, *sleep)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d submissions\n", total)
	return nil
}

func requeuePulled(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("requeue_pulled_submissions", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := d.svc.RequeuePulled(ctx, fs.Args())
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d submissions\n", n)
	return nil
}

func retireFailed(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("retire_failed_submissions", flag.ExitOnError)
	force := fs.Bool("force", false, "retire without notifying the LMS")
	fs.BoolVar(force, "f", *force, "shorthand for --force")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := d.svc.RetireFailed(ctx, fs.Args(), *force)
	if err != nil {
		return err
	}
	fmt.Printf("retired %d submissions\n", n)
	return nil
}

func retireOld(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("retire_old_submissions", flag.ExitOnError)
	before := fs.String("retire-before", "", "only retire submissions that arrived before this RFC 3339 time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one queue name required")
	}
	var cutoff *time.Time
	if *before != "" {
		t, err := time.Parse(time.RFC3339, *before)
		if err != nil {
			return fmt.Errorf("--retire-before: %w", err)
		}
		cutoff = &t
	}
	n, err := d.svc.RetireOld(ctx, fs.Arg(0), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("retired %d submissions\n", n)
	return nil
}

func pushOrphans(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("push_orphaned_submissions", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one queue name required")
	}
	n, err := d.svc.PushOrphans(ctx, fs.Args())
	if err != nil {
		return err
	}
	fmt.Printf("pushed %d orphaned submissions\n", n)
	return nil
}

// updateUsers syncs the accounts declared in the queue config into the
// users table, hashing each password with the current parameters.
func updateUsers(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("update_users", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	for username, user := range d.queues.Users {
		hash, err := auth.HashPassword(user.Password, auth.DefaultParams())
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", username, err)
		}
		if err := d.users.Upsert(ctx, username, hash); err != nil {
			return err
		}
		slog.Info("account updated", slog.String("username", username))
	}
	fmt.Printf("updated %d accounts\n", len(d.queues.Users))
	return nil
}
