package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.universe.tf/lldplab"
	"go.universe.tf/lldplab/internal/config"
	"go.universe.tf/lldplab/internal/scenario"
)

// loadConfig loads the configuration and applies the flags shared by
// every command on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootFlags.config)
	if err != nil {
		return nil, err
	}
	if rootFlags.kernel != "" {
		cfg.Kernel = rootFlags.kernel
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadScenario(path string) (*scenario.Scenario, error) {
	if path == "" {
		return scenario.Default()
	}
	return scenario.Load(path)
}

// signalContext returns a context canceled on ctrl+C or SIGTERM, which
// shuts down everything in the lab.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// report logs a failed run with the phase it failed in, and prints
// the divergence from the baseline if that is why.
func report(logger *slog.Logger, err error) error {
	var pe *lldplab.PhaseError
	if errors.As(err, &pe) {
		logger.Error("lab run failed", slog.String("phase", pe.Phase.String()))
	} else {
		logger.Error("lab run failed")
	}
	var de *lldplab.DivergenceError
	if errors.As(err, &de) {
		fmt.Fprint(os.Stdout, de.Diff)
	}
	return err
}

// errorMessage is what gets printed before exiting. Divergences have
// already been printed as a diff.
func errorMessage(err error) string {
	var de *lldplab.DivergenceError
	if errors.As(err, &de) {
		return "output diverges from baseline " + de.Baseline
	}
	return err.Error()
}
