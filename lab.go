package lldplab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"go.universe.tf/lldplab/internal/bootstrap"
	"go.universe.tf/lldplab/internal/cmdchan"
	"go.universe.tf/lldplab/internal/config"
	"go.universe.tf/lldplab/internal/kernel"
	"go.universe.tf/lldplab/internal/scenario"
)

// Phase is a step of the lab lifecycle.
type Phase int

const (
	PhaseValidate Phase = iota
	PhaseBuildImage
	PhaseStartFabric
	PhaseStartVMs
	PhaseWaitBoot
	PhaseRunScenario
	PhaseCollect
	PhaseDiff
	PhaseDone
)

var phaseNames = map[Phase]string{
	PhaseValidate:    "validate",
	PhaseBuildImage:  "build-image",
	PhaseStartFabric: "start-fabric",
	PhaseStartVMs:    "start-vms",
	PhaseWaitBoot:    "wait-boot",
	PhaseRunScenario: "run-scenario",
	PhaseCollect:     "collect",
	PhaseDiff:        "diff",
	PhaseDone:        "done",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// PhaseError is a failure of a lifecycle phase.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return e.Phase.String() + ": " + e.Err.Error() }
func (e *PhaseError) Unwrap() error { return e.Err }

// ErrVMExited is returned when a VM's qemu process goes away before
// the VM finished booting.
var ErrVMExited = errors.New("VM exited")

// guestSocket is the daemon control socket inside guests.
const guestSocket = "/run/lldpd.socket"

// Options configure a lab run.
type Options struct {
	Config   *config.Config
	Scenario *scenario.Scenario
	// UpdateBaseline writes the redacted output as the new baseline
	// instead of comparing against it.
	UpdateBaseline bool
	// Init is the statically linked binary installed as guest
	// init. Empty means the running executable.
	Init   string
	RunID  string
	Logger *slog.Logger
}

// A Lab is a virtual test network: switches, VMs and the workspace
// holding their state. Everything is destroyed when the Lab is closed.
type Lab struct {
	cfg      *config.Config
	scenario *scenario.Scenario
	opts     Options
	kernel   *kernel.Info
	dir      string
	logger   *slog.Logger

	run     runner
	builder ImageBuilder
	fabric  *Fabric
	client  *cmdchan.Client
	metrics *metrics

	mu        sync.Mutex
	phase     Phase
	vms       []*VM
	collected []byte

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// Run runs a complete lab: it validates the host, runs the scenario,
// checks the output and always cleans up.
func Run(ctx context.Context, opts Options) error {
	lab, err := New(ctx, opts)
	if err != nil {
		return err
	}
	return lab.runAndClose(ctx)
}

// runAndClose runs the lab and closes it, even if a phase panics.
func (l *Lab) runAndClose(ctx context.Context) (err error) {
	defer func() {
		cerr := l.Close()
		switch {
		case cerr == nil:
		case err == nil:
			err = fmt.Errorf("cleaning up: %w", cerr)
		default:
			l.logger.Error("cleaning up", slog.Any("error", cerr))
		}
	}()
	return l.Run(ctx)
}

// New validates the host and creates the lab workspace. Nothing is
// allocated if validation fails.
func New(ctx context.Context, opts Options) (*Lab, error) {
	info, err := Check(ctx, opts.Config)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseValidate, Err: err}
	}
	if opts.Init == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, &PhaseError{Phase: PhaseValidate, Err: fmt.Errorf("locating own executable: %w", err)}
		}
		opts.Init = self
	}
	return newLab(opts, info)
}

func newLab(opts Options, info *kernel.Info) (*Lab, error) {
	cfg := opts.Config
	if opts.Scenario == nil {
		return nil, errors.New("no scenario")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("run_id", opts.RunID))

	dir, err := os.MkdirTemp(cfg.WorkDir, "lldplab-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	logger.Info("workspace created", slog.String("dir", dir))

	m := newMetrics(opts.RunID)
	client := cmdchan.NewClient(dir, cfg.Command.PollInterval, cfg.Command.MaxAttempts, logger)
	client.Observe = m.observeCommand

	return &Lab{
		cfg:      cfg,
		scenario: opts.Scenario,
		opts:     opts,
		kernel:   info,
		dir:      dir,
		logger:   logger,
		run:      execRunner,
		builder:  &CPIOBuilder{Logger: logger},
		fabric:   NewFabric(dir, logger),
		client:   client,
		metrics:  m,
		phase:    PhaseValidate,
	}, nil
}

// Dir returns the lab workspace.
func (l *Lab) Dir() string { return l.dir }

// Phase returns the lifecycle phase reached, which is the failing one
// if Run returned an error.
func (l *Lab) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

func (l *Lab) setPhase(p Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phase = p
}

// VMs returns the lab's VMs, in topology order.
func (l *Lab) VMs() []*VM {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*VM(nil), l.vms...)
}

// Run walks the lab lifecycle, stopping at the first failing phase.
func (l *Lab) Run(ctx context.Context) error {
	phases := []struct {
		phase Phase
		do    func(context.Context) error
	}{
		{PhaseBuildImage, l.buildImage},
		{PhaseStartFabric, l.startFabric},
		{PhaseStartVMs, l.startVMs},
		{PhaseWaitBoot, l.waitBoot},
		{PhaseRunScenario, l.runScenario},
		{PhaseCollect, l.collect},
		{PhaseDiff, l.diff},
	}
	for _, p := range phases {
		l.setPhase(p.phase)
		l.logger.Info("entering phase", slog.String("phase", p.phase.String()))
		start := time.Now()
		err := p.do(ctx)
		l.metrics.observePhase(p.phase, time.Since(start))
		if err != nil {
			if p.phase == PhaseRunScenario {
				// Partial output helps figuring out what went wrong.
				if _, cerr := collect(l.dir, l.cfg.OutputDir, l.vmNames()); cerr != nil {
					l.logger.Warn("collecting partial output", slog.Any("error", cerr))
				}
			}
			return &PhaseError{Phase: p.phase, Err: err}
		}
	}
	l.setPhase(PhaseDone)
	return nil
}

func (l *Lab) initrd() string { return filepath.Join(l.dir, "initrd.gz") }

func (l *Lab) buildImage(ctx context.Context) error {
	return l.builder.Build(ctx, ImageSpec{
		Init:          l.opts.Init,
		KernelVersion: l.kernel.Version,
		Modules:       kernel.InitrdModules,
		Output:        l.initrd(),
	})
}

func (l *Lab) startFabric(ctx context.Context) error {
	for _, id := range l.scenario.Switches() {
		if _, err := l.fabric.Create(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lab) shares() ([]share, error) {
	src, err := filepath.Abs(l.cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(l.cfg.GuestRoot)
	if err != nil {
		return nil, err
	}
	return []share{
		{tag: bootstrap.TagRoot, path: root, readOnly: true},
		{tag: bootstrap.TagLab, path: src},
		{tag: bootstrap.TagOutput, path: l.dir},
		{tag: bootstrap.TagModules, path: l.kernel.ModuleDir, readOnly: true},
	}, nil
}

func (l *Lab) startVMs(ctx context.Context) error {
	shares, err := l.shares()
	if err != nil {
		return fmt.Errorf("resolving shared directories: %w", err)
	}

	var cfgs []*vmConfig
	for _, m := range l.scenario.Topology {
		cfg := &vmConfig{
			name:          m.Name,
			dir:           l.dir,
			shares:        shares,
			kernel:        l.kernel.Path,
			kernelVersion: l.kernel.Version,
			initrd:        l.initrd(),
			memoryMiB:     l.cfg.MemoryMiB,
			kvm:           l.cfg.KVM,
			poll:          l.cfg.Command.PollInterval,
		}
		for _, id := range m.Switches {
			sw := l.fabric.Switch(id)
			if sw == nil {
				return fmt.Errorf("VM %s: no switch %d", m.Name, id)
			}
			cfg.switches = append(cfg.switches, sw)
		}
		cfgs = append(cfgs, cfg)
	}

	vms := make([]*VM, len(cfgs))
	g, ctx := errgroup.WithContext(ctx)
	for i, cfg := range cfgs {
		g.Go(func() error {
			vm, err := launch(ctx, l.run, cfg, l.logger)
			if err != nil {
				return err
			}
			vms[i] = vm
			return nil
		})
	}
	err = g.Wait()

	l.mu.Lock()
	for _, vm := range vms {
		if vm != nil {
			l.vms = append(l.vms, vm)
		}
	}
	l.mu.Unlock()
	return err
}

func (l *Lab) waitBoot(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, vm := range l.VMs() {
		g.Go(func() error { return l.waitVM(ctx, vm) })
	}
	return g.Wait()
}

// waitVM waits until vm runs a trivial command, giving up early if
// its qemu process dies.
func (l *Lab) waitVM(ctx context.Context, vm *VM) error {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wait.UntilWithContext(ctx, func(context.Context) {
			if !vm.Alive() {
				cancel(fmt.Errorf("%w: %s, see %s", ErrVMExited, vm.Name, vm.Console()))
			}
		}, l.cfg.Boot.PollInterval)
	}()

	err := l.client.RunWithin(ctx, vm.Name, "true", l.cfg.Boot.PollInterval, l.cfg.Boot.MaxAttempts)
	cancel(nil)
	wg.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, ErrVMExited) {
		return cause
	}
	if err != nil {
		return fmt.Errorf("waiting for %s to boot: %w", vm.Name, err)
	}

	took := time.Since(start)
	l.metrics.observeBoot(vm.Name, took)
	l.logger.Info("VM booted", slog.String("vm", vm.Name), slog.Duration("took", took))
	return nil
}

func (l *Lab) runScenario(ctx context.Context) error {
	d := &scenario.Driver{
		Scenario: l.scenario,
		Params: scenario.Params{
			Daemon: l.cfg.Scenario.Daemon,
			Client: l.cfg.Scenario.Client,
			Socket: guestSocket,
		},
		Dispatch:    l.client,
		SettleScale: l.cfg.Scenario.SettleScale,
		Logger:      l.logger,
	}
	return d.Run(ctx)
}

func (l *Lab) vmNames() []string {
	var ret []string
	for _, m := range l.scenario.Topology {
		ret = append(ret, m.Name)
	}
	return ret
}

func (l *Lab) collect(context.Context) error {
	out, err := collect(l.dir, l.cfg.OutputDir, l.vmNames())
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.collected = out
	l.mu.Unlock()

	if err := l.metrics.write(filepath.Join(l.cfg.OutputDir, "metrics.prom")); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

func (l *Lab) diff(context.Context) error {
	src, err := filepath.Abs(l.cfg.SourceDir)
	if err != nil {
		return err
	}
	l.mu.Lock()
	got := Redact(l.collected, Redactions(src))
	l.mu.Unlock()

	if l.opts.UpdateBaseline {
		if err := writeBaseline(got, l.cfg.Baseline); err != nil {
			return fmt.Errorf("updating baseline: %w", err)
		}
		l.logger.Info("baseline updated", slog.String("path", l.cfg.Baseline))
		return nil
	}
	return compare(got, l.cfg.Baseline)
}

// Close destroys the lab: every process recorded in the workspace is
// terminated, then the workspace is removed unless configured to be
// kept. Close is idempotent.
func (l *Lab) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	return l.closeWithLock()
}

func (l *Lab) closeWithLock() error {
	if l.closed {
		return l.closeErr
	}
	l.closed = true

	var errs []error
	if err := terminate(l.dir, l.cfg.Teardown.Grace, l.logger); err != nil {
		errs = append(errs, fmt.Errorf("terminating processes: %w", err))
	}
	for _, vm := range l.VMs() {
		vm.setState(Terminated)
	}

	if l.cfg.Keep {
		l.logger.Info("keeping workspace", slog.String("dir", l.dir))
	} else if err := os.RemoveAll(l.dir); err != nil {
		errs = append(errs, fmt.Errorf("removing workspace: %w", err))
	}

	l.closeErr = errors.Join(errs...)
	return l.closeErr
}
