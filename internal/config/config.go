// Package config loads the host-side lab configuration using koanf/v2.
//
// Values are layered: built-in defaults, then an optional YAML file,
// then LLDPLAB_ environment variables. Command-line flags are applied
// by the caller on top of the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the complete lab configuration.
type Config struct {
	// Kernel is the path to the kernel image booted by every VM.
	Kernel string `koanf:"kernel"`
	// WorkDir is where the per-run workspace gets created. Empty
	// means the system temporary directory.
	WorkDir string `koanf:"work_dir"`
	// SourceDir is the tree holding the daemon and client under
	// test. It is shared read-write with every VM.
	SourceDir string `koanf:"source_dir"`
	// GuestRoot is the filesystem tree used as the guests' root,
	// shared read-only.
	GuestRoot string `koanf:"guest_root"`
	// OutputDir receives the collected per-VM outputs.
	OutputDir string `koanf:"output_dir"`
	// Baseline is the expected, redacted output.
	Baseline string `koanf:"baseline"`

	MemoryMiB int  `koanf:"memory_mib"`
	KVM       bool `koanf:"kvm"`
	// Keep leaves the workspace on disk after teardown.
	Keep bool `koanf:"keep"`

	Log      LogConfig      `koanf:"log"`
	Command  PollConfig     `koanf:"command"`
	Boot     PollConfig     `koanf:"boot"`
	Teardown TeardownConfig `koanf:"teardown"`
	Scenario ScenarioConfig `koanf:"scenario"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is "json" or "text".
	Format string `koanf:"format"`
}

// PollConfig bounds a sleep-then-recheck wait.
type PollConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxAttempts  int           `koanf:"max_attempts"`
}

// Timeout is the longest the wait can take.
func (p PollConfig) Timeout() time.Duration {
	return p.PollInterval * time.Duration(p.MaxAttempts)
}

// TeardownConfig controls process termination at cleanup.
type TeardownConfig struct {
	// Grace is how long processes get between SIGTERM and SIGKILL.
	Grace time.Duration `koanf:"grace"`
}

// ScenarioConfig selects and parameterizes the scenario.
type ScenarioConfig struct {
	// Path to a scenario file. Empty selects the built-in scenario.
	Path string `koanf:"path"`
	// Daemon and Client are the executables under test, relative to
	// SourceDir.
	Daemon string `koanf:"daemon"`
	Client string `koanf:"client"`
	// SettleScale multiplies every settle delay of the scenario.
	SettleScale float64 `koanf:"settle_scale"`
}

// DefaultConfig returns a Config populated with the defaults.
func DefaultConfig() *Config {
	return &Config{
		SourceDir: ".",
		GuestRoot: "/",
		OutputDir: ".",
		Baseline:  "tests/integration/expected.output",
		MemoryMiB: 256,
		KVM:       true,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Command: PollConfig{
			PollInterval: 100 * time.Millisecond,
			MaxAttempts:  150,
		},
		Boot: PollConfig{
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  240,
		},
		Teardown: TeardownConfig{
			Grace: 2 * time.Second,
		},
		Scenario: ScenarioConfig{
			Daemon:      "./src/daemon/lldpd",
			Client:      "./src/client/lldpcli",
			SettleScale: 1,
		},
	}
}

// envPrefix is the environment variable prefix. LLDPLAB_LOG_LEVEL
// maps to log.level.
const envPrefix = "LLDPLAB_"

// Load reads the configuration. path may be empty, in which case only
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms LLDPLAB_LOG_LEVEL into log.level. Only the
// first underscore after the prefix separates a section, so
// LLDPLAB_MEMORY_MIB stays memory_mib.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if ok && sections[section] {
		return section + "." + rest
	}
	return s
}

var sections = map[string]bool{
	"log":      true,
	"command":  true,
	"boot":     true,
	"teardown": true,
	"scenario": true,
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"kernel":                d.Kernel,
		"work_dir":              d.WorkDir,
		"source_dir":            d.SourceDir,
		"guest_root":            d.GuestRoot,
		"output_dir":            d.OutputDir,
		"baseline":              d.Baseline,
		"memory_mib":            d.MemoryMiB,
		"kvm":                   d.KVM,
		"keep":                  d.Keep,
		"log.level":             d.Log.Level,
		"log.format":            d.Log.Format,
		"command.poll_interval": d.Command.PollInterval.String(),
		"command.max_attempts":  d.Command.MaxAttempts,
		"boot.poll_interval":    d.Boot.PollInterval.String(),
		"boot.max_attempts":     d.Boot.MaxAttempts,
		"teardown.grace":        d.Teardown.Grace.String(),
		"scenario.path":         d.Scenario.Path,
		"scenario.daemon":       d.Scenario.Daemon,
		"scenario.client":       d.Scenario.Client,
		"scenario.settle_scale": d.Scenario.SettleScale,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrNoKernel        = errors.New("kernel must be set")
	ErrInvalidMemory   = errors.New("memory_mib must be >= 64")
	ErrInvalidPoll     = errors.New("poll_interval and max_attempts must be > 0")
	ErrInvalidGrace    = errors.New("teardown.grace must be >= 0")
	ErrInvalidSettle   = errors.New("scenario.settle_scale must be > 0")
	ErrInvalidLogLevel = errors.New("log.level must be debug, info, warn or error")
)

// Validate checks the configuration for logical errors. It returns
// the first error found.
func Validate(cfg *Config) error {
	if cfg.Kernel == "" {
		return ErrNoKernel
	}
	if cfg.MemoryMiB < 64 {
		return ErrInvalidMemory
	}
	if cfg.Command.PollInterval <= 0 || cfg.Command.MaxAttempts <= 0 {
		return fmt.Errorf("command: %w", ErrInvalidPoll)
	}
	if cfg.Boot.PollInterval <= 0 || cfg.Boot.MaxAttempts <= 0 {
		return fmt.Errorf("boot: %w", ErrInvalidPoll)
	}
	if cfg.Teardown.Grace < 0 {
		return ErrInvalidGrace
	}
	if cfg.Scenario.SettleScale <= 0 {
		return ErrInvalidSettle
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// ParseLogLevel maps a level name to a slog.Level. Unknown names map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
