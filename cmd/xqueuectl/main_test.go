package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow/xqueue/internal/adapter/repo/memory"
	"github.com/gradeflow/xqueue/internal/config"
	"github.com/gradeflow/xqueue/internal/maintenance"
)

func testDeps() *deps {
	return &deps{
		cfg: config.Config{},
		svc: &maintenance.Service{Repo: memory.NewSubmissionRepo(time.Minute, 3)},
	}
}

func TestCountQueued_TelemetrySinkName(t *testing.T) {
	ctx := context.Background()
	d := testDeps()

	err := countQueued(ctx, d, []string{"--telemetry-sink=cloudwatch"})
	assert.ErrorContains(t, err, "cloudwatch")

	// Space-separated form must bind the name to the flag, not drop it.
	err = countQueued(ctx, d, []string{"--telemetry-sink", "cloudwatch"})
	assert.ErrorContains(t, err, "cloudwatch")

	err = countQueued(ctx, d, []string{"--telemetry-sink=kafka"})
	assert.ErrorContains(t, err, "KAFKA_BROKERS")

	require.NoError(t, countQueued(ctx, d, nil))
}
