package cmdchan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Client dispatches commands to guests and waits for them to
// complete.
type Client struct {
	dir      string
	interval time.Duration
	attempts int
	logger   *slog.Logger

	// Observe, if set, is called with the duration of every command
	// that completed.
	Observe func(vm string, took time.Duration)

	// stat checks for the command file.
	stat func(string) (os.FileInfo, error)

	mu  sync.Mutex
	vms map[string]*sync.Mutex
}

// NewClient returns a client for the command files in dir. Each
// dispatch waits for completion by checking every interval, at most
// attempts times.
func NewClient(dir string, interval time.Duration, attempts int, logger *slog.Logger) *Client {
	return &Client{
		dir:      dir,
		interval: interval,
		attempts: attempts,
		logger:   logger.With(slog.String("component", "cmdchan.client")),
		stat:     os.Stat,
		vms:      map[string]*sync.Mutex{},
	}
}

func (c *Client) lock(vm string) func() {
	c.mu.Lock()
	l := c.vms[vm]
	if l == nil {
		l = &sync.Mutex{}
		c.vms[vm] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Run sends command to vm and blocks until the guest has executed it.
// It returns ErrTimeout if the guest did not complete the command
// within the client's bound, in which case the command file is left
// in place.
func (c *Client) Run(ctx context.Context, vm, command string) error {
	return c.RunWithin(ctx, vm, command, c.interval, c.attempts)
}

// RunWithin is Run with an explicit polling bound.
func (c *Client) RunWithin(ctx context.Context, vm, command string, interval time.Duration, attempts int) error {
	unlock := c.lock(vm)
	defer unlock()

	path := CommandPath(c.dir, vm)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("dispatching to %s: %w", vm, ErrPending)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking pending command of %s: %w", vm, err)
	}

	c.logger.Debug("dispatching", slog.String("vm", vm), slog.String("command", command))
	start := time.Now()
	if err := writeAtomic(path, []byte(command)); err != nil {
		return fmt.Errorf("writing command for %s: %w", vm, err)
	}

	// Every check comes after a full interval, so the guest gets
	// exactly interval*attempts to complete the command.
	backoff := wait.Backoff{
		Duration: interval,
		Factor:   1,
		Steps:    attempts + 1,
	}
	justWritten := true
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(context.Context) (bool, error) {
		if justWritten {
			justWritten = false
			return false, nil
		}
		_, err := c.stat(path)
		switch {
		case os.IsNotExist(err):
			return true, nil
		case err != nil:
			return false, err
		}
		return false, nil
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return fmt.Errorf("waiting for %s: %w", vm, ctx.Err())
	case wait.Interrupted(err):
		return fmt.Errorf("running %q on %s: %w after %s", command, vm, ErrTimeout, interval*time.Duration(attempts))
	default:
		return fmt.Errorf("waiting for %s: %w", vm, err)
	}

	took := time.Since(start)
	c.logger.Debug("completed", slog.String("vm", vm), slog.Duration("took", took))
	if c.Observe != nil {
		c.Observe(vm, took)
	}
	return nil
}

// writeAtomic makes sure the guest never sees a partial command.
func writeAtomic(path string, bs []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(bs); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), path)
}
