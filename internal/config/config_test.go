package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchflow/orchflow/internal/config"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  max_workers: 12
scheduler:
  discipline: round_robin
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Runtime.MaxWorkers)
	require.Equal(t, "round_robin", cfg.Scheduler.Discipline)
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("ORCHFLOW_RUNTIME_MAX_WORKERS", "20")
	t.Setenv("ORCHFLOW_SCHEDULER_DISCIPLINE", "fifo")

	path := filepath.Join(t.TempDir(), "orchflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  max_workers: 12
scheduler:
  discipline: round_robin
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Runtime.MaxWorkers)
	require.Equal(t, "fifo", cfg.Scheduler.Discipline)
}
