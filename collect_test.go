package lldplab

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.universe.tf/lldplab/internal/cmdchan"
)

func TestRedact(t *testing.T) {
	in := `Interface:    iface1, via: LLDP, RID: 1, Time: 0 day, 00:00:07
  Chassis:
    SysDescr:     Debian GNU/Linux 12 (bookworm) Linux 6.1.0-18-amd64 #1 SMP
  LLDP-MED:
    Inventory:
      Hardware Revision: pc-i440fx-8.2
      Software Revision: 6.1.0-18-amd64
      Firmware Revision: 1.16.3-debian
started at 2024-03-01 12:34:56.789
/home/dev/lldpd/src/daemon/lldpd: bad option
/mnt/lab/src/client/lldpcli: ok
`
	want := `Interface:    iface1, via: LLDP, RID: 1, Time: X day, XX:XX:XX
  Chassis:
    SysDescr: <redacted>
  LLDP-MED:
    Inventory:
      Hardware Revision: <redacted>
      Software Revision: <redacted>
      Firmware Revision: <redacted>
started at XXXX-XX-XX XX:XX:XX
<source>/src/daemon/lldpd: bad option
<source>/src/client/lldpcli: ok
`
	got := string(Redact([]byte(in), Redactions("/home/dev/lldpd")))
	if got != want {
		t.Fatalf("redacted:\n%s\nwant:\n%s", got, want)
	}

	// Redaction is stable.
	if again := string(Redact([]byte(got), Redactions("/home/dev/lldpd"))); again != got {
		t.Fatalf("redacting twice changed output:\n%s", again)
	}
}

func TestCollect(t *testing.T) {
	dir, out := t.TempDir(), filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(cmdchan.OutputPath(dir, "R1"), []byte("+ true\nno newline"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cmdchan.OutputPath(dir, "R2"), []byte("+ true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := collect(dir, out, []string{"R2", "R1", "R3"})
	if err != nil {
		t.Fatalf("collecting: %s", err)
	}
	want := "### R2\n+ true\n### R1\n+ true\nno newline\n### R3\n"
	if string(got) != want {
		t.Fatalf("collected:\n%s\nwant:\n%s", got, want)
	}
	for _, vm := range []string{"R1", "R2", "R3"} {
		if _, err := os.Stat(filepath.Join(out, vm+".output")); err != nil {
			t.Fatalf("output of %s not saved: %s", vm, err)
		}
	}
}

func TestCompare(t *testing.T) {
	baseline := filepath.Join(t.TempDir(), "expected.output")
	if err := writeBaseline([]byte("a\nb\nc\n"), baseline); err != nil {
		t.Fatalf("writing baseline: %s", err)
	}

	if err := compare([]byte("a\nb\nc\n"), baseline); err != nil {
		t.Fatalf("identical output diverges: %s", err)
	}

	err := compare([]byte("a\nB\nc\n"), baseline)
	var de *DivergenceError
	if !errors.As(err, &de) {
		t.Fatalf("want DivergenceError, got %v", err)
	}
	for _, want := range []string{"-b", "+B", "--- " + baseline, "+++ actual"} {
		if !strings.Contains(de.Diff, want) {
			t.Fatalf("diff lacks %q:\n%s", want, de.Diff)
		}
	}

	// Trailing whitespace matters.
	if err := compare([]byte("a\nb\nc\n\n"), baseline); err == nil {
		t.Fatalf("extra line not detected")
	}
}
