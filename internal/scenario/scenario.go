// Package scenario describes and drives the lab test scenario: the
// machines and how they are wired, then an ordered list of commands
// and delays.
package scenario

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultScenario []byte

// Scenario is a complete test scenario.
type Scenario struct {
	Name     string    `yaml:"name"`
	Topology []Machine `yaml:"topology"`
	Steps    []Step    `yaml:"steps"`
}

// Machine is a VM and the switches it attaches to, in order.
type Machine struct {
	Name     string `yaml:"name"`
	Switches []int  `yaml:"switches"`
}

// Step is either a command for one VM or a bare delay.
type Step struct {
	VM    string        `yaml:"vm,omitempty"`
	Run   string        `yaml:"run,omitempty"`
	Sleep time.Duration `yaml:"sleep,omitempty"`
}

// IsSleep reports whether the step is a delay.
func (s Step) IsSleep() bool { return s.Sleep > 0 }

func (s Step) String() string {
	if s.IsSleep() {
		return "sleep " + s.Sleep.String()
	}
	return s.VM + ": " + s.Run
}

// Params are substituted in step commands.
type Params struct {
	// Daemon is the daemon under test.
	Daemon string
	// Client is its command-line client.
	Client string
	// Socket is the control socket both use.
	Socket string
}

// Default returns the built-in scenario.
func Default() (*Scenario, error) {
	return parse(defaultScenario, "built-in scenario")
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return parse(bs, path)
}

func parse(bs []byte, origin string) (*Scenario, error) {
	var ret Scenario
	if err := yaml.Unmarshal(bs, &ret); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", origin, err)
	}
	if err := Validate(&ret); err != nil {
		return nil, fmt.Errorf("validating %s: %w", origin, err)
	}
	return &ret, nil
}

// Validation errors.
var (
	ErrNoMachines    = errors.New("scenario has no machines")
	ErrBadMachine    = errors.New("invalid machine")
	ErrBadStep       = errors.New("invalid step")
	ErrUnknownTarget = errors.New("step targets an unknown machine")
)

// Validate checks the scenario for consistency.
func Validate(s *Scenario) error {
	if len(s.Topology) == 0 {
		return ErrNoMachines
	}
	names := map[string]bool{}
	for i, m := range s.Topology {
		if m.Name == "" || strings.ContainsAny(m.Name, "/ \t\n") {
			return fmt.Errorf("topology[%d] name %q: %w", i, m.Name, ErrBadMachine)
		}
		if names[m.Name] {
			return fmt.Errorf("topology[%d] duplicate name %q: %w", i, m.Name, ErrBadMachine)
		}
		names[m.Name] = true
		if len(m.Switches) == 0 {
			return fmt.Errorf("%s has no switches: %w", m.Name, ErrBadMachine)
		}
		seen := map[int]bool{}
		for _, id := range m.Switches {
			if id < 1 || seen[id] {
				return fmt.Errorf("%s switch %d: %w", m.Name, id, ErrBadMachine)
			}
			seen[id] = true
		}
	}

	for i, st := range s.Steps {
		switch {
		case st.Sleep < 0:
			return fmt.Errorf("steps[%d] negative sleep: %w", i, ErrBadStep)
		case st.IsSleep() && (st.VM != "" || st.Run != ""):
			return fmt.Errorf("steps[%d] mixes sleep and run: %w", i, ErrBadStep)
		case !st.IsSleep() && (st.VM == "" || st.Run == ""):
			return fmt.Errorf("steps[%d] needs vm and run, or sleep: %w", i, ErrBadStep)
		case !st.IsSleep() && !names[st.VM]:
			return fmt.Errorf("steps[%d] %q: %w", i, st.VM, ErrUnknownTarget)
		}
		if !st.IsSleep() {
			if _, err := template.New("").Parse(st.Run); err != nil {
				return fmt.Errorf("steps[%d]: %w: %w", i, ErrBadStep, err)
			}
		}
	}
	return nil
}

// Switches returns every switch id of the topology, sorted.
func (s *Scenario) Switches() []int {
	seen := map[int]bool{}
	var ret []int
	for _, m := range s.Topology {
		for _, id := range m.Switches {
			if !seen[id] {
				seen[id] = true
				ret = append(ret, id)
			}
		}
	}
	sort.Ints(ret)
	return ret
}

// Render substitutes params in command.
func Render(command string, p Params) (string, error) {
	tmpl, err := template.New("step").Option("missingkey=error").Parse(command)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, p); err != nil {
		return "", err
	}
	return b.String(), nil
}
