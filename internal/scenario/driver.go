package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher runs one command inside a VM and returns once it has
// completed.
type Dispatcher interface {
	Run(ctx context.Context, vm, command string) error
}

// Driver executes a scenario's steps strictly in order.
type Driver struct {
	Scenario *Scenario
	Params   Params
	Dispatch Dispatcher
	// SettleScale multiplies every sleep step. Zero means 1.
	SettleScale float64
	Logger      *slog.Logger

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run executes every step. It stops at the first failing step; the
// error names the step's index and content.
func (d *Driver) Run(ctx context.Context) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := d.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for i, step := range d.Scenario.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if step.IsSleep() {
			wait := d.scaled(step.Sleep)
			logger.Debug("settling", "step", i, "delay", wait)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		cmd, err := Render(step.Run, d.Params)
		if err != nil {
			return fmt.Errorf("step %d (%s): rendering: %w", i, step, err)
		}
		logger.Info("running step", "step", i, "vm", step.VM, "command", cmd)
		if err := d.Dispatch.Run(ctx, step.VM, cmd); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step, err)
		}
	}
	return nil
}

func (d *Driver) scaled(v time.Duration) time.Duration {
	if d.SettleScale <= 0 {
		return v
	}
	return time.Duration(float64(v) * d.SettleScale)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
