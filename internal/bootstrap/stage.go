// Package bootstrap turns the lldplab binary into the init process of
// a guest.
//
// The same executable runs three times over the life of a lab: on the
// host as the lab driver, inside the guest initrd as PID 1, and again
// as PID 1 once the guest root has been assembled and entered. The
// Stage tells each invocation where it is; it is handed from one
// invocation to the next explicitly, as an argument and in the
// environment.
package bootstrap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage is how far a guest init has progressed.
type Stage int

// Stages, in the only order they can happen.
const (
	ColdStart Stage = iota
	InitrdEntered
	ChrootEntered
	CommandLoop
)

var stageNames = []string{
	ColdStart:     "cold-start",
	InitrdEntered: "initrd-entered",
	ChrootEntered: "chroot-entered",
	CommandLoop:   "command-loop",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
	return stageNames[s]
}

// ParseStage is the inverse of Stage.String. The empty string is
// ColdStart.
func ParseStage(s string) (Stage, error) {
	if s == "" {
		return ColdStart, nil
	}
	for i, n := range stageNames {
		if n == s {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown bootstrap stage %q", s)
}

// ErrStageOrder is returned for any transition other than to the
// immediately following stage.
var ErrStageOrder = errors.New("bootstrap stages only move forward one at a time")

// Advance returns to if it immediately follows s.
func (s Stage) Advance(to Stage) (Stage, error) {
	if to != s+1 || to > CommandLoop {
		return s, fmt.Errorf("%s -> %s: %w", s, to, ErrStageOrder)
	}
	return to, nil
}

// Path is the subroutine an invocation of the binary must run.
type Path int

const (
	// PathHost runs the lab lifecycle.
	PathHost Path = iota
	// PathInitrd assembles the guest root and enters it.
	PathInitrd
	// PathChroot configures the guest and serves commands.
	PathChroot
)

func (p Path) String() string {
	switch p {
	case PathHost:
		return "host"
	case PathInitrd:
		return "initrd"
	case PathChroot:
		return "chroot"
	}
	return "path(" + strconv.Itoa(int(p)) + ")"
}

// Decide picks what to run from the process id and the stage handed
// over by the previous invocation.
func Decide(pid int, stage Stage) (Path, error) {
	switch {
	case pid != 1 && stage == ColdStart:
		return PathHost, nil
	case pid == 1 && stage == ColdStart:
		return PathInitrd, nil
	case pid == 1 && stage == ChrootEntered:
		return PathChroot, nil
	}
	return 0, fmt.Errorf("nothing to do as pid %d in stage %s", pid, stage)
}

// StageArg is the command line flag carrying the stage across
// re-execution.
const StageArg = "--stage="

// StageFrom finds the stage in the command line arguments, falling
// back to the environment.
func StageFrom(args, environ []string) (Stage, error) {
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, StageArg); ok {
			return ParseStage(v)
		}
	}
	return ParseStage(lookup(environ, EnvStage))
}

// Variables carrying the guest configuration. The host puts them on
// the kernel command line, which hands them to init as environment.
const (
	EnvName     = "LABVM_NAME"
	EnvSwitches = "LABVM_SWITCHES"
	EnvKernel   = "LABVM_KERNEL"
	EnvStage    = "LABVM_STAGE"
	EnvPoll     = "LABVM_POLL"
)

// GuestConfig is everything a guest init needs to know.
type GuestConfig struct {
	// Name is the symbolic VM name, like R1.
	Name string
	// Switches lists the attached switch ids, in attachment order.
	Switches []int
	// KernelVersion names the module directory to expose.
	KernelVersion string
	// Stage is the stage reached so far.
	Stage Stage
	// PollInterval is the command channel polling interval.
	PollInterval time.Duration
}

// Environ encodes the config as KEY=VALUE pairs.
func (c GuestConfig) Environ() []string {
	sw := make([]string, len(c.Switches))
	for i, id := range c.Switches {
		sw[i] = strconv.Itoa(id)
	}
	ret := []string{
		EnvName + "=" + c.Name,
		EnvSwitches + "=" + strings.Join(sw, ","),
		EnvKernel + "=" + c.KernelVersion,
		EnvPoll + "=" + c.PollInterval.String(),
	}
	if c.Stage != ColdStart {
		ret = append(ret, EnvStage+"="+c.Stage.String())
	}
	return ret
}

// ParseEnv decodes a GuestConfig from an environment.
func ParseEnv(environ []string) (GuestConfig, error) {
	var ret GuestConfig
	ret.Name = lookup(environ, EnvName)
	if ret.Name == "" {
		return ret, fmt.Errorf("%s not set", EnvName)
	}
	ret.KernelVersion = lookup(environ, EnvKernel)
	if ret.KernelVersion == "" {
		return ret, fmt.Errorf("%s not set", EnvKernel)
	}

	for _, f := range strings.Split(lookup(environ, EnvSwitches), ",") {
		if f == "" {
			continue
		}
		id, err := strconv.Atoi(f)
		if err != nil || id < 1 {
			return ret, fmt.Errorf("invalid switch id %q in %s", f, EnvSwitches)
		}
		ret.Switches = append(ret.Switches, id)
	}
	if len(ret.Switches) == 0 {
		return ret, fmt.Errorf("%s not set", EnvSwitches)
	}

	ret.PollInterval = 100 * time.Millisecond
	if p := lookup(environ, EnvPoll); p != "" {
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			return ret, fmt.Errorf("invalid %s %q", EnvPoll, p)
		}
		ret.PollInterval = d
	}

	stage, err := ParseStage(lookup(environ, EnvStage))
	if err != nil {
		return ret, err
	}
	ret.Stage = stage
	return ret, nil
}

func lookup(environ []string, key string) string {
	ret := ""
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			ret = v
		}
	}
	return ret
}

// withoutGuestVars drops every LABVM_ variable from environ.
func withoutGuestVars(environ []string) []string {
	var ret []string
	for _, kv := range environ {
		if !strings.HasPrefix(kv, "LABVM_") {
			ret = append(ret, kv)
		}
	}
	return ret
}
