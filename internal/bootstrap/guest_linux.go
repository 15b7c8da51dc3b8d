//go:build linux

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"go.universe.tf/lldplab/internal/cmdchan"
)

// Run executes the guest side of path. It only returns on failure;
// success ends in either an exec or an endless command loop.
func Run(ctx context.Context, path Path, cfg GuestConfig, logger *slog.Logger) error {
	logger = logger.With(slog.String("vm", cfg.Name), slog.String("path", path.String()))
	switch path {
	case PathInitrd:
		return runInitrd(ctx, cfg, logger)
	case PathChroot:
		return runChroot(ctx, cfg, logger)
	}
	return fmt.Errorf("%s is not a guest path", path)
}

// Halt powers the guest off, after a failed boot.
func Halt() {
	unix.Sync()
	unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}

func runInitrd(ctx context.Context, cfg GuestConfig, logger *slog.Logger) error {
	stage, err := cfg.Stage.Advance(InitrdEntered)
	if err != nil {
		return err
	}
	cfg.Stage = stage
	logger.Info("entered initrd")

	err = mountAll([]mount{
		{source: "proc", target: "/proc", fstype: "proc"},
		{source: "sysfs", target: "/sys", fstype: "sysfs"},
		{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	})
	if err != nil {
		return err
	}

	n, err := loadModules(ModulesOrder)
	if err != nil {
		return err
	}
	logger.Info("loaded modules", slog.Int("count", n))

	share := func(tag string, readOnly bool) mount {
		m := mount{
			source: tag,
			target: filepath.Join(sharesDir, tag),
			fstype: "9p",
			data:   "trans=virtio,version=9p2000.L,msize=512000,cache=none",
		}
		if readOnly {
			m.flags = unix.MS_RDONLY
		}
		return m
	}
	err = mountAll([]mount{
		share(TagRoot, true),
		share(TagModules, true),
		share(TagLab, false),
		share(TagOutput, false),
		{source: "tmpfs", target: stagingDir, fstype: "tmpfs", data: "mode=0755"},
	})
	if err != nil {
		return err
	}

	for _, d := range []string{"upper", "work", "root"} {
		if err := os.Mkdir(filepath.Join(stagingDir, d), 0o755); err != nil {
			return fmt.Errorf("creating staging dir: %w", err)
		}
	}
	overlay := mount{
		source: "overlay",
		target: rootDir,
		fstype: "overlay",
		data: fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
			filepath.Join(sharesDir, TagRoot),
			filepath.Join(stagingDir, "upper"),
			filepath.Join(stagingDir, "work")),
	}
	if err := overlay.do(); err != nil {
		return err
	}

	binds := []struct {
		tag      string
		target   string
		readOnly bool
	}{
		{TagModules, filepath.Join("/lib/modules", cfg.KernelVersion), true},
		{TagLab, LabMount, false},
		{TagOutput, OutputMount, false},
	}
	for _, b := range binds {
		if err := bind(filepath.Join(sharesDir, b.tag), filepath.Join(rootDir, b.target), b.readOnly); err != nil {
			return err
		}
	}

	if err := copyFile(InitPath, filepath.Join(rootDir, reexecPath), 0o755); err != nil {
		return fmt.Errorf("copying init into guest root: %w", err)
	}

	stage, err = cfg.Stage.Advance(ChrootEntered)
	if err != nil {
		return err
	}
	cfg.Stage = stage

	if err := unix.Chroot(rootDir); err != nil {
		return fmt.Errorf("entering guest root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("entering guest root: %w", err)
	}
	logger.Info("re-executing in guest root", slog.String("stage", cfg.Stage.String()))
	env := append(withoutGuestVars(os.Environ()), cfg.Environ()...)
	err = unix.Exec(reexecPath, []string{reexecPath, StageArg + cfg.Stage.String()}, env)
	return fmt.Errorf("re-executing %s: %w", reexecPath, err)
}

func runChroot(ctx context.Context, cfg GuestConfig, logger *slog.Logger) error {
	logger.Info("entered guest root")

	err := mountAll([]mount{
		{source: "proc", target: "/proc", fstype: "proc"},
		{source: "sysfs", target: "/sys", fstype: "sysfs"},
		{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
		{source: "devpts", target: "/dev/pts", fstype: "devpts", data: "gid=5,mode=620,ptmxmode=666"},
		{source: "tmpfs", target: "/run", fstype: "tmpfs", data: "mode=0755"},
		{source: "tmpfs", target: "/tmp", fstype: "tmpfs", data: "mode=1777"},
	})
	if err != nil {
		return err
	}

	if err := unix.Sethostname([]byte(cfg.Name)); err != nil {
		return fmt.Errorf("setting hostname: %w", err)
	}

	if err := startUdev(ctx, logger); err != nil {
		return err
	}

	links, err := virtioLinks()
	if err != nil {
		return err
	}
	if err := ConfigureLinks(ctx, runCmd, links, cfg); err != nil {
		return fmt.Errorf("configuring interfaces: %w", err)
	}
	logger.Info("interfaces configured", slog.Int("count", len(cfg.Switches)))

	rtmon, err := os.OpenFile(filepath.Join(OutputMount, cfg.Name+".rtmon"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening route monitor log: %w", err)
	}
	mon := exec.Command("ip", "monitor", "route")
	mon.Stdout = rtmon
	mon.Stderr = rtmon
	if err := mon.Start(); err != nil {
		return fmt.Errorf("starting route monitor: %w", err)
	}
	rtmon.Close()

	stage, err := cfg.Stage.Advance(CommandLoop)
	if err != nil {
		return err
	}
	cfg.Stage = stage

	srv := cmdchan.NewServer(cmdchan.ServerConfig{
		Dir:     OutputMount,
		Name:    cfg.Name,
		WorkDir: LabMount,
		Env: append([]string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=/root",
			"TERM=dumb",
			"LANG=C",
		}, cfg.Environ()...),
		PollInterval: cfg.PollInterval,
		Reap:         reap,
	}, logger)
	logger.Info("ready", slog.String("stage", cfg.Stage.String()))
	srv.Serve(ctx)
	return fmt.Errorf("command loop ended: %w", ctx.Err())
}

var udevDaemons = []string{
	"/lib/systemd/systemd-udevd",
	"/usr/lib/systemd/systemd-udevd",
	"/sbin/udevd",
}

// startUdev starts the device manager and waits for it to process
// the devices present at boot.
func startUdev(ctx context.Context, logger *slog.Logger) error {
	for _, d := range udevDaemons {
		if _, err := os.Stat(d); err != nil {
			continue
		}
		logger.Info("starting device manager", slog.String("path", d))
		if err := runCmd(ctx, d, "--daemon"); err != nil {
			return err
		}
		if err := runCmd(ctx, "udevadm", "trigger", "--action=add"); err != nil {
			return err
		}
		return runCmd(ctx, "udevadm", "settle", "--timeout=30")
	}
	return fmt.Errorf("no device manager found (tried %s)", strings.Join(udevDaemons, ", "))
}

// virtioLinks lists the interfaces backed by virtio network devices.
func virtioLinks() ([]Link, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	var ret []Link
	for _, i := range ifs {
		driver, err := os.Readlink(filepath.Join("/sys/class/net", i.Name, "device", "driver"))
		if err != nil {
			continue
		}
		if filepath.Base(driver) != "virtio_net" {
			continue
		}
		ret = append(ret, Link{Name: i.Name, MAC: i.HardwareAddr})
	}
	return ret, nil
}

func runCmd(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %s %s: %w, output: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// reap collects every exited child. As PID 1, we inherit all orphans.
func reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}
