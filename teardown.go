package lldplab

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
)

// teardownPoll is how often liveness is checked during the grace
// window.
const teardownPoll = 50 * time.Millisecond

// victim is a process recorded by a pid file.
type victim struct {
	pidFile string
	pid     int
	// target is what signals are sent to: the negated pid for a
	// process group leader, the pid otherwise.
	target int
}

// terminate stops every process with a pid file in dir. Processes get
// SIGTERM, then SIGKILL if still around after grace. Missing or
// garbled pid files are skipped.
func terminate(dir string, grace time.Duration, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.pid"))
	if err != nil {
		return err
	}

	var victims []victim
	for _, f := range files {
		pid, err := readPID(f)
		if err != nil {
			logger.Warn("skipping pid file", slog.String("file", f), slog.Any("error", err))
			continue
		}
		v := victim{pidFile: f, pid: pid, target: pid}
		if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
			v.target = -pid
		}
		if err := unix.Kill(v.target, unix.SIGTERM); err != nil {
			if !errors.Is(err, unix.ESRCH) {
				logger.Warn("sending SIGTERM", slog.String("file", f), slog.Int("pid", pid), slog.Any("error", err))
			}
			continue
		}
		victims = append(victims, v)
	}
	if len(victims) == 0 {
		return nil
	}

	survivors := func() []victim {
		var ret []victim
		for _, v := range victims {
			if processAlive(v.pid) {
				ret = append(ret, v)
			}
		}
		return ret
	}
	// A timeout here just means someone needs SIGKILL.
	_ = wait.PollUntilContextTimeout(context.Background(), teardownPoll, grace, true, func(context.Context) (bool, error) {
		return len(survivors()) == 0, nil
	})

	var errs []error
	for _, v := range survivors() {
		logger.Warn("process survived SIGTERM, killing", slog.String("file", v.pidFile), slog.Int("pid", v.pid))
		if err := unix.Kill(v.target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
