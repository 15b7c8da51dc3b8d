package lldplab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.universe.tf/lldplab/internal/config"
	"go.universe.tf/lldplab/internal/kernel"
)

// Validation errors.
var (
	ErrPrivileged   = errors.New("refusing to run as root")
	ErrMissingTools = errors.New("required tools missing")
)

// hostTools are the commands the host side shells out to.
var hostTools = []string{
	"vde_switch",
	"qemu-system-x86_64",
	"cpio",
	"modprobe",
	"file",
}

// checkTools returns an error if a required command is not available
// on the system.
func checkTools(lookPath func(string) (string, error), tools []string) error {
	missing := []string{}
	for _, tool := range tools {
		_, err := lookPath(tool)
		if err != nil {
			var e *exec.Error
			if errors.As(err, &e) && errors.Is(e.Err, exec.ErrNotFound) {
				missing = append(missing, tool)
				continue
			}
			return err
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingTools, strings.Join(missing, ", "))
	}
	return nil
}

// validator checks that the host can run a lab.
type validator struct {
	euid     func() int
	lookPath func(string) (string, error)
	inspect  func(ctx context.Context, path string) (*kernel.Info, error)
}

func defaultValidator() *validator {
	return &validator{
		euid:     os.Geteuid,
		lookPath: exec.LookPath,
		inspect:  kernel.NewInspector().Inspect,
	}
}

// Check verifies that a lab can run with cfg, without allocating
// anything. It returns the kernel to boot.
func Check(ctx context.Context, cfg *config.Config) (*kernel.Info, error) {
	return defaultValidator().check(ctx, cfg)
}

func (v *validator) check(ctx context.Context, cfg *config.Config) (*kernel.Info, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if v.euid() == 0 {
		return nil, ErrPrivileged
	}
	if err := checkTools(v.lookPath, hostTools); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.SourceDir, cfg.GuestRoot} {
		st, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("checking shared directory: %w", err)
		}
		if !st.IsDir() {
			return nil, fmt.Errorf("shared directory %s is not a directory", dir)
		}
	}
	info, err := v.inspect(ctx, cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("inspecting kernel %s: %w", cfg.Kernel, err)
	}
	return info, nil
}
