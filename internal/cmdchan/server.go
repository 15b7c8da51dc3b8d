package cmdchan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ServerConfig configures a guest-side command server.
type ServerConfig struct {
	// Dir is the shared directory holding command and output files.
	Dir string
	// Name is the name of the VM being served.
	Name string
	// WorkDir is the working directory of every command.
	WorkDir string
	// Shell runs the command text, as Shell -c text.
	Shell string
	// Env is the environment of every command.
	Env []string
	// PollInterval is the delay between two checks for a command.
	PollInterval time.Duration
	// Reap, if set, is called after every poll to collect orphaned
	// children.
	Reap func()
}

// Server executes the commands the host sends to one VM.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
}

// NewServer returns a command server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "cmdchan.server"), slog.String("vm", cfg.Name)),
	}
}

// Serve answers commands until ctx is done.
func (s *Server) Serve(ctx context.Context) {
	s.logger.Info("waiting for commands", slog.String("path", CommandPath(s.cfg.Dir, s.cfg.Name)))
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if _, err := s.Poll(ctx); err != nil {
			s.logger.Error("serving command", slog.String("error", err.Error()))
		}
		if s.cfg.Reap != nil {
			s.cfg.Reap()
		}
	}, s.cfg.PollInterval)
}

// Poll checks once for a pending command and executes it. It reports
// whether a command was found.
func (s *Server) Poll(ctx context.Context) (bool, error) {
	path := CommandPath(s.cfg.Dir, s.cfg.Name)
	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}

	// Whatever happens, the command is done once we're past this
	// point. Failing to remove the file would make the host time
	// out, which is the right outcome.
	defer func() {
		if err := os.Remove(path); err != nil {
			s.logger.Error("removing command file", slog.String("error", err.Error()))
		}
	}()

	return true, s.execute(ctx, string(bs))
}

func (s *Server) execute(ctx context.Context, command string) error {
	out, err := os.OpenFile(OutputPath(s.cfg.Dir, s.cfg.Name), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	defer out.Close()

	if _, err := fmt.Fprintf(out, "+ %s\n", command); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Shell, "-c", command)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = s.cfg.Env
	cmd.Stdout = out
	cmd.Stderr = out
	start := time.Now()
	err = cmd.Run()
	s.logger.Info("command done",
		slog.String("command", command),
		slog.Duration("took", time.Since(start)),
		slog.Int("status", cmd.ProcessState.ExitCode()),
	)
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// Not reported over the channel, the output tells the
			// story.
			return nil
		}
		return fmt.Errorf("running %q: %w", command, err)
	}
	return nil
}
