package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "nats://localhost:4222", cfg.NatsURL)
	require.Equal(t, LogLevelInfo, cfg.Logging.Level)
	require.Equal(t, LogFormatJSON, cfg.Logging.Format)
	require.Equal(t, 3, cfg.WorkQueue.MaxDeliveryAttempts)
	require.Len(t, cfg.ProjectID, 16)
}

func TestLoadProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".loom"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".loom", "config.toml"), []byte(`
natsUrl = "nats://broker.internal:4222"

[logging]
level = "DEBUG"
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "nats://broker.internal:4222", cfg.NatsURL)
	require.Equal(t, LogLevelDebug, cfg.Logging.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".loom"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".loom", "config.toml"), []byte(`natsUrl = "nats://from-file:4222"`), 0o644))

	t.Setenv("LOOM_NATS_URL", "nats://from-env:4222")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "nats://from-env:4222", cfg.NatsURL)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	t.Setenv("LOOM_LOG_LEVEL", "VERBOSE")
	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestParseDurationAcceptsDaySuffix(t *testing.T) {
	d, err := ParseDuration("7d")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, d)

	d, err = ParseDuration("500ms")
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, d)
}
