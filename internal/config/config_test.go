package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.universe.tf/lldplab/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lldplab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 100*time.Millisecond, cfg.Command.PollInterval)
	assert.Equal(t, 150, cfg.Command.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Command.Timeout())
	assert.Equal(t, 256, cfg.MemoryMiB)
	assert.True(t, cfg.KVM)
	assert.Equal(t, 1.0, cfg.Scenario.SettleScale)

	// Defaults only lack a kernel.
	assert.ErrorIs(t, config.Validate(cfg), config.ErrNoKernel)
	cfg.Kernel = "/boot/vmlinuz"
	assert.NoError(t, config.Validate(cfg))
}

func TestLoadFromYAML(t *testing.T) {
	path := writeTemp(t, `
kernel: /boot/vmlinuz-test
memory_mib: 512
kvm: false
log:
  level: debug
  format: json
command:
  poll_interval: 50ms
  max_attempts: 10
scenario:
  daemon: ./lldpd
  settle_scale: 0.5
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/boot/vmlinuz-test", cfg.Kernel)
	assert.Equal(t, 512, cfg.MemoryMiB)
	assert.False(t, cfg.KVM)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 50*time.Millisecond, cfg.Command.PollInterval)
	assert.Equal(t, 10, cfg.Command.MaxAttempts)
	assert.Equal(t, "./lldpd", cfg.Scenario.Daemon)
	assert.Equal(t, 0.5, cfg.Scenario.SettleScale)

	// Untouched keys keep their defaults.
	assert.Equal(t, "./src/client/lldpcli", cfg.Scenario.Client)
	assert.Equal(t, 2*time.Second, cfg.Teardown.Grace)
	assert.Equal(t, 240, cfg.Boot.MaxAttempts)
	require.NoError(t, config.Validate(cfg))
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLDPLAB_KERNEL", "/env/vmlinuz")
	t.Setenv("LLDPLAB_MEMORY_MIB", "1024")
	t.Setenv("LLDPLAB_LOG_LEVEL", "warn")
	t.Setenv("LLDPLAB_COMMAND_MAX_ATTEMPTS", "7")
	t.Setenv("LLDPLAB_SCENARIO_SETTLE_SCALE", "2")

	cfg, err := config.Load(writeTemp(t, "kernel: /file/vmlinuz\n"))
	require.NoError(t, err)

	assert.Equal(t, "/env/vmlinuz", cfg.Kernel)
	assert.Equal(t, 1024, cfg.MemoryMiB)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Command.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Scenario.SettleScale)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		want   error
	}{
		{
			name:   "small memory",
			modify: func(c *config.Config) { c.MemoryMiB = 16 },
			want:   config.ErrInvalidMemory,
		},
		{
			name:   "zero command attempts",
			modify: func(c *config.Config) { c.Command.MaxAttempts = 0 },
			want:   config.ErrInvalidPoll,
		},
		{
			name:   "zero boot interval",
			modify: func(c *config.Config) { c.Boot.PollInterval = 0 },
			want:   config.ErrInvalidPoll,
		},
		{
			name:   "negative grace",
			modify: func(c *config.Config) { c.Teardown.Grace = -time.Second },
			want:   config.ErrInvalidGrace,
		},
		{
			name:   "zero settle scale",
			modify: func(c *config.Config) { c.Scenario.SettleScale = 0 },
			want:   config.ErrInvalidSettle,
		},
		{
			name:   "bad log level",
			modify: func(c *config.Config) { c.Log.Level = "loud" },
			want:   config.ErrInvalidLogLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Kernel = "/boot/vmlinuz"
			tt.modify(cfg)
			assert.ErrorIs(t, config.Validate(cfg), tt.want)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, config.ParseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, config.ParseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, config.ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, config.ParseLogLevel("whatever"))
}
