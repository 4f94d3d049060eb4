package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Fiber.WarnTimeout)
	assert.Equal(t, 300, cfg.Fiber.FailTimeout)
	assert.Equal(t, 5, cfg.TaskPool.Workers)
	assert.Equal(t, "poseidond.pid", cfg.Process.PIDFile)
}

func TestValidateStackVMSize(t *testing.T) {
	cfg := &Config{}
	cfg.Fiber.StackVMSize = 100
	assert.Error(t, cfg.Validate())

	cfg.Fiber.StackVMSize = 64 * 1024
	assert.NoError(t, cfg.Validate())
}

func TestValidateTimeoutRange(t *testing.T) {
	cfg := &Config{Fiber: FiberConfig{WarnTimeout: -1}}
	assert.Error(t, cfg.Validate())

	cfg.Fiber.WarnTimeout = 90000
	assert.Error(t, cfg.Validate())
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("POSEIDON_FIBER_WARN_TIMEOUT", "42")
	defer os.Unsetenv("POSEIDON_FIBER_WARN_TIMEOUT")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Fiber.WarnTimeout)
}

func TestManagerReloadIsolatesInFlightSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/poseidon.yaml"
	require.NoError(t, os.WriteFile(path, []byte("fiber:\n  warn_timeout: 5\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)

	snap1 := m.Snapshot()
	assert.Equal(t, 5, snap1.Fiber.WarnTimeout)

	require.NoError(t, os.WriteFile(path, []byte("fiber:\n  warn_timeout: 20\n"), 0o644))
	require.NoError(t, m.Reload())

	snap2 := m.Snapshot()
	assert.Equal(t, 20, snap2.Fiber.WarnTimeout)
	// snap1 remains unaffected — the point of the copy-on-write snapshot.
	assert.Equal(t, 5, snap1.Fiber.WarnTimeout)
}
