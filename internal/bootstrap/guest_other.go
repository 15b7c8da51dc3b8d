//go:build !linux

package bootstrap

import (
	"context"
	"errors"
	"log/slog"
)

// Run is only supported on Linux guests.
func Run(context.Context, Path, GuestConfig, *slog.Logger) error {
	return errors.New("guest bootstrap requires Linux")
}

// Halt does nothing outside Linux.
func Halt() {}
