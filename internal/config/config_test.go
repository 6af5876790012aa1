package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 8040, cfg.Port)
	assert.Equal(t, time.Minute, cfg.ProcessingDelay)
	assert.Equal(t, 3, cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.GradingTimeout)
	assert.Equal(t, 5*time.Second, cfg.RequestsTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConsumerDelay)
	assert.Equal(t, 2*time.Second, cfg.FileFetchTimeout)
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("SUBMISSION_PROCESSING_DELAY", "90s")
	t.Setenv("MAX_NUMBER_OF_FAILURES", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 90*time.Second, cfg.ProcessingDelay)
	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func Test_LoadQueueFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queues.yaml")
	doc := `
queues:
  test-pull: ""
  certificates: "http://certs.internal:18010"
  open-ended: "http://ora.internal:18060"
users:
  lms:
    password: "abcd"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	qf, err := LoadQueueFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"certificates", "open-ended", "test-pull"}, qf.Names())
	assert.True(t, qf.Valid("test-pull"))
	assert.False(t, qf.Valid("nope"))

	push := qf.PushQueues()
	assert.Len(t, push, 2)
	assert.Equal(t, "http://certs.internal:18010", push["certificates"])
	assert.NotContains(t, push, "test-pull")
	assert.Equal(t, "abcd", qf.Users["lms"].Password)
}

func Test_LoadQueueFile_Errors(t *testing.T) {
	_, err := LoadQueueFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queues: {}\n"), 0o600))
	_, err = LoadQueueFile(path)
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(":\n\t-"), 0o600))
	_, err = LoadQueueFile(bad)
	assert.Error(t, err)
}
