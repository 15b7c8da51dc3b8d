package lldplab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go.universe.tf/lldplab/internal/bootstrap"
	"go.universe.tf/lldplab/internal/hwaddr"
)

// VMState is the lifecycle state of a VM.
type VMState int

const (
	Provisioning VMState = iota
	Running
	Terminated
)

func (s VMState) String() string {
	switch s {
	case Provisioning:
		return "provisioning"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "VMState(" + strconv.Itoa(int(s)) + ")"
	}
}

// share is a host directory exported to the guest over 9p.
type share struct {
	tag      string
	path     string
	readOnly bool
}

// vmConfig is everything needed to launch a VM.
type vmConfig struct {
	name     string
	switches []*Switch
	dir      string
	shares   []share

	kernel        string
	kernelVersion string
	initrd        string
	memoryMiB     int
	kvm           bool
	poll          time.Duration
}

// VM is a qemu virtual machine of the lab.
type VM struct {
	Name     string
	Switches []int

	pidFile string
	console string

	mu    sync.Mutex
	state VMState
}

func (c *vmConfig) pidFile() string { return filepath.Join(c.dir, c.name+".pid") }
func (c *vmConfig) console() string { return filepath.Join(c.dir, c.name+".console") }

// cmdline is the kernel command line. Guest parameters are not kernel
// parameters, so the kernel hands them to init as environment.
func (c *vmConfig) cmdline() string {
	ids := make([]int, len(c.switches))
	for i, sw := range c.switches {
		ids[i] = sw.ID
	}
	guest := bootstrap.GuestConfig{
		Name:          c.name,
		Switches:      ids,
		KernelVersion: c.kernelVersion,
		PollInterval:  c.poll,
	}
	return strings.Join(append([]string{"console=ttyS0", "panic=1", "quiet"}, guest.Environ()...), " ")
}

// qemuArgs builds the qemu command line. Network interfaces appear in
// the guest in switch attachment order.
func qemuArgs(c *vmConfig) []string {
	args := []string{
		"-name", c.name,
		"-m", strconv.Itoa(c.memoryMiB),
		"-kernel", c.kernel,
		"-initrd", c.initrd,
		"-append", c.cmdline(),
		"-no-reboot",
		"-display", "none",
		"-monitor", "none",
		"-serial", "file:" + c.console(),
		"-daemonize",
		"-pidfile", c.pidFile(),
	}
	if c.kvm {
		args = append(args, "-enable-kvm", "-cpu", "host")
	}
	for i, sw := range c.switches {
		netdev := fmt.Sprintf("net%d", i+1)
		args = append(args,
			"-netdev", fmt.Sprintf("vde,id=%s,sock=%s", netdev, sw.Sock),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", netdev, hwaddr.For(c.name, sw.ID)),
		)
	}
	for i, s := range c.shares {
		fsdev := fmt.Sprintf("fs%d", i)
		opts := fmt.Sprintf("local,id=%s,path=%s,security_model=none", fsdev, s.path)
		if s.readOnly {
			opts += ",readonly=on"
		}
		args = append(args,
			"-fsdev", opts,
			"-device", fmt.Sprintf("virtio-9p-pci,fsdev=%s,mount_tag=%s", fsdev, s.tag),
		)
	}
	return args
}

// launch starts a VM. qemu daemonizes once the machine is set up, so
// this returns before the guest has booted.
func launch(ctx context.Context, run runner, c *vmConfig, logger *slog.Logger) (*VM, error) {
	if len(c.switches) == 0 {
		return nil, fmt.Errorf("VM %q has no switches", c.name)
	}
	ret := &VM{
		Name:    c.name,
		pidFile: c.pidFile(),
		console: c.console(),
		state:   Provisioning,
	}
	for _, sw := range c.switches {
		ret.Switches = append(ret.Switches, sw.ID)
	}

	if _, err := run(ctx, "qemu-system-x86_64", qemuArgs(c)...); err != nil {
		return nil, fmt.Errorf("starting VM %q: %w", c.name, err)
	}
	ret.setState(Running)
	logger.Info("VM started", slog.String("vm", c.name), slog.Any("switches", ret.Switches))
	return ret, nil
}

// State returns the VM's lifecycle state.
func (v *VM) State() VMState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *VM) setState(s VMState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}

// Console returns the path of the VM's serial console log.
func (v *VM) Console() string { return v.console }

// Alive reports whether the VM's qemu process still exists.
func (v *VM) Alive() bool {
	pid, err := readPID(v.pidFile)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// readPID reads a pid file as written by daemons.
func readPID(path string) (int, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(bs)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %s: %w", path, err)
	}
	if pid < 1 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
