package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.universe.tf/lldplab/internal/bootstrap"
)

func main() {
	stage, err := bootstrap.StageFrom(os.Args[1:], os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	path, err := bootstrap.Decide(os.Getpid(), stage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if path != bootstrap.PathHost {
		guest(path, stage)
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMessage(err))
		os.Exit(1)
	}
}

// guest runs as init inside a VM. There is nobody to return to, so
// failures halt the machine and leave the host to notice.
func guest(path bootstrap.Path, stage bootstrap.Stage) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := bootstrap.ParseEnv(os.Environ())
	if err != nil {
		logger.Error("reading guest configuration", slog.Any("error", err))
		bootstrap.Halt()
		return
	}
	cfg.Stage = stage

	err = bootstrap.Run(context.Background(), path, cfg, logger)
	logger.Error("guest bootstrap failed", slog.String("path", path.String()), slog.Any("error", err))
	bootstrap.Halt()
}
