package lldplab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := newMetrics("run-1")
	m.observeCommand("R1", 200*time.Millisecond)
	m.observeCommand("R1", 300*time.Millisecond)
	m.observeCommand("R2", time.Second)
	m.observeBoot("R1", 12*time.Second)
	m.observePhase(PhaseWaitBoot, 3*time.Second)

	if got := testutil.ToFloat64(m.commands.WithLabelValues("R1")); got != 2 {
		t.Fatalf("R1 ran %v commands, want 2", got)
	}
	if got := testutil.ToFloat64(m.bootTime.WithLabelValues("R1")); got != 12 {
		t.Fatalf("R1 boot time %v, want 12", got)
	}
	if n := testutil.CollectAndCount(m.commandTime); n != 2 {
		t.Fatalf("%d command latency series, want 2", n)
	}

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := m.write(path); err != nil {
		t.Fatalf("writing metrics: %s", err)
	}
	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`lldplab_commands_total{run_id="run-1",vm="R2"} 1`,
		`lldplab_phase_duration_seconds{phase="wait-boot",run_id="run-1"} 3`,
	} {
		if !strings.Contains(string(bs), want) {
			t.Fatalf("metrics file lacks %q:\n%s", want, bs)
		}
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseRunScenario.String() != "run-scenario" {
		t.Fatalf("got %q", PhaseRunScenario.String())
	}
	if Phase(42).String() != "Phase(42)" {
		t.Fatalf("got %q", Phase(42).String())
	}
}
