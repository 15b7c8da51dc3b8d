package lldplab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// runner runs an external command to completion and returns its
// combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// Detached daemons must not share our process group, or a ctrl+C
	// on the terminal reaches them before teardown does.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("running %s: %w\n%s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// ErrInvalidSwitch is returned when creating a switch with a bad or
// already used id.
var ErrInvalidSwitch = errors.New("invalid switch id")

// A Switch is a virtual ethernet hub every attached VM shares, with
// all its traffic captured to a pcap file.
type Switch struct {
	ID      int
	Sock    string
	Pcap    string
	PIDFile string
	RCFile  string
}

// Fabric is the set of switches of a lab.
type Fabric struct {
	dir    string
	logger *slog.Logger
	run    runner

	mu       sync.Mutex
	switches map[int]*Switch
}

// NewFabric returns an empty fabric whose switches live in dir.
func NewFabric(dir string, logger *slog.Logger) *Fabric {
	return &Fabric{
		dir:      dir,
		logger:   logger.With(slog.String("component", "fabric")),
		run:      execRunner,
		switches: map[int]*Switch{},
	}
}

func switchFiles(dir string, id int) *Switch {
	base := filepath.Join(dir, fmt.Sprintf("switch-%d", id))
	return &Switch{
		ID:      id,
		Sock:    base + ".sock",
		Pcap:    base + ".pcap",
		PIDFile: base + ".pid",
		RCFile:  base + ".rc",
	}
}

// rcFile loads the packet dump plugin so the switch records every
// frame it forwards.
func rcFile(sw *Switch) string {
	return fmt.Sprintf("plugin/add pdump.so\npdump/filename %s\npdump/active 1\n", sw.Pcap)
}

// Create starts switch id. The switch daemonizes, recording its pid
// next to its socket.
func (f *Fabric) Create(ctx context.Context, id int) (*Switch, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSwitch, id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switches[id] != nil {
		return nil, fmt.Errorf("%w: switch %d already exists", ErrInvalidSwitch, id)
	}

	sw := switchFiles(f.dir, id)
	if err := os.WriteFile(sw.RCFile, []byte(rcFile(sw)), 0o644); err != nil {
		return nil, fmt.Errorf("writing switch %d config: %w", id, err)
	}

	_, err := f.run(ctx,
		"vde_switch",
		"--sock", sw.Sock,
		"--daemon",
		"--pidfile", sw.PIDFile,
		"--rcfile", sw.RCFile,
		"--hub",
	)
	if err != nil {
		return nil, fmt.Errorf("starting switch %d: %w", id, err)
	}

	f.switches[id] = sw
	f.logger.Debug("switch started", slog.Int("switch", id), slog.String("sock", sw.Sock))
	return sw, nil
}

// Switch returns switch id, or nil.
func (f *Fabric) Switch(id int) *Switch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.switches[id]
}

// Switches returns all switches, ordered by id.
func (f *Fabric) Switches() []*Switch {
	f.mu.Lock()
	defer f.mu.Unlock()
	ret := make([]*Switch, 0, len(f.switches))
	for _, sw := range f.switches {
		ret = append(ret, sw)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}
