package lldplab

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.universe.tf/lldplab/internal/bootstrap"
)

// ImageSpec describes a boot image.
type ImageSpec struct {
	// Init is the executable to install as /init. It must be
	// statically linked.
	Init string
	// KernelVersion selects the module tree modules come from.
	KernelVersion string
	// Modules are loaded by init, with their dependencies first.
	Modules []string
	// Output is where the compressed image gets written.
	Output string
}

// An ImageBuilder produces a boot image.
type ImageBuilder interface {
	Build(ctx context.Context, spec ImageSpec) error
}

// CPIOBuilder builds a gzipped newc initrd with cpio(1), resolving
// module dependencies with modprobe(8).
type CPIOBuilder struct {
	// BuildLog receives the output of the build tools.
	BuildLog io.Writer
	Logger   *slog.Logger

	run runner
}

var _ ImageBuilder = (*CPIOBuilder)(nil)

// Build assembles the image in a scratch directory next to Output.
func (b *CPIOBuilder) Build(ctx context.Context, spec ImageSpec) error {
	run := b.run
	if run == nil {
		run = execRunner
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tmp, err := os.MkdirTemp(filepath.Dir(spec.Output), "initrd-")
	if err != nil {
		return fmt.Errorf("creating image staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := copyFile(spec.Init, filepath.Join(tmp, bootstrap.InitPath), 0o755); err != nil {
		return fmt.Errorf("installing init: %w", err)
	}

	var modules []string
	for _, mod := range spec.Modules {
		out, err := run(ctx, "modprobe", "--show-depends", "-S", spec.KernelVersion, mod)
		if err != nil {
			return fmt.Errorf("resolving module %s: %w", mod, err)
		}
		modules = append(modules, parseShowDepends(out)...)
	}
	modules = dedup(modules)
	for _, mod := range modules {
		if err := copyFile(mod, filepath.Join(tmp, mod), 0o644); err != nil {
			return fmt.Errorf("copying module: %w", err)
		}
	}
	order := strings.Join(modules, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(tmp, bootstrap.ModulesOrder), []byte(order), 0o644); err != nil {
		return fmt.Errorf("writing module order: %w", err)
	}
	logger.Debug("staged initrd", slog.Int("modules", len(modules)))

	if err := archive(ctx, tmp, spec.Output, b.BuildLog); err != nil {
		return fmt.Errorf("archiving initrd: %w", err)
	}
	return nil
}

// parseShowDepends extracts module files from modprobe --show-depends
// output, in load order. Built-in modules need no loading.
func parseShowDepends(out []byte) []string {
	var ret []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "insmod" {
			ret = append(ret, fields[1])
		}
	}
	return ret
}

func dedup(in []string) []string {
	seen := map[string]bool{}
	var ret []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			ret = append(ret, s)
		}
	}
	return ret
}

// archive writes the contents of dir as a gzipped newc cpio archive.
func archive(ctx context.Context, dir, output string, log io.Writer) error {
	var names bytes.Buffer
	err := filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel != "." {
			names.WriteString(rel + "\n")
		}
		return nil
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	gz := gzip.NewWriter(f)

	cmd := exec.CommandContext(ctx, "cpio", "--quiet", "-o", "-H", "newc", "-R", "0:0")
	cmd.Dir = dir
	cmd.Stdin = &names
	cmd.Stdout = gz
	cmd.Stderr = log
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running cpio: %w", err)
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
