package lldplab

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pmezard/go-difflib/difflib"

	"go.universe.tf/lldplab/internal/bootstrap"
	"go.universe.tf/lldplab/internal/cmdchan"
)

// A Redaction replaces run-specific text before comparison.
type Redaction struct {
	Pattern *regexp.Regexp
	Replace string
}

// Redactions returns the redactions applied to collected output.
// sourceDir is the host path of the tree under test.
func Redactions(sourceDir string) []Redaction {
	ret := []Redaction{
		{regexp.MustCompile(`\d+ days?, \d{2}:\d{2}:\d{2}`), "X day, XX:XX:XX"},
		{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(\.\d+)?`), "XXXX-XX-XX XX:XX:XX"},
		{regexp.MustCompile(`(?m)^([ \t]*(?:Hardware|Firmware|Software) ?Rev(?:ision)?:).*$`), "${1} <redacted>"},
		{regexp.MustCompile(`(?m)^([ \t]*SysDescr:).*$`), "${1} <redacted>"},
	}
	for _, p := range []string{sourceDir, bootstrap.LabMount} {
		if p == "" || p == "." {
			continue
		}
		ret = append(ret, Redaction{regexp.MustCompile(regexp.QuoteMeta(p)), "<source>"})
	}
	return ret
}

// Redact applies rs to bs, in order.
func Redact(bs []byte, rs []Redaction) []byte {
	for _, r := range rs {
		bs = r.Pattern.ReplaceAll(bs, []byte(r.Replace))
	}
	return bs
}

// DivergenceError is returned when the output differs from the
// baseline.
type DivergenceError struct {
	Baseline string
	Diff     string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("output diverges from baseline %s:\n%s", e.Baseline, e.Diff)
}

// collect copies every VM's output to outDir and returns their
// concatenation, each preceded by a header naming the VM.
func collect(dir, outDir string, vms []string) ([]byte, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	var all bytes.Buffer
	for _, vm := range vms {
		bs, err := os.ReadFile(cmdchan.OutputPath(dir, vm))
		if errors.Is(err, os.ErrNotExist) {
			bs = nil
		} else if err != nil {
			return nil, fmt.Errorf("reading output of %s: %w", vm, err)
		}
		if err := os.WriteFile(filepath.Join(outDir, vm+".output"), bs, 0o644); err != nil {
			return nil, fmt.Errorf("saving output of %s: %w", vm, err)
		}
		fmt.Fprintf(&all, "### %s\n", vm)
		all.Write(bs)
		if len(bs) > 0 && bs[len(bs)-1] != '\n' {
			all.WriteByte('\n')
		}
	}
	return all.Bytes(), nil
}

// compare returns a *DivergenceError if got differs from the contents
// of baseline.
func compare(got []byte, baseline string) error {
	want, err := os.ReadFile(baseline)
	if err != nil {
		return fmt.Errorf("reading baseline: %w", err)
	}
	if bytes.Equal(got, want) {
		return nil
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(want)),
		B:        difflib.SplitLines(string(got)),
		FromFile: baseline,
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return fmt.Errorf("diffing against baseline: %w", err)
	}
	return &DivergenceError{Baseline: baseline, Diff: diff}
}

// writeBaseline replaces the baseline with got.
func writeBaseline(got []byte, baseline string) error {
	if err := os.MkdirAll(filepath.Dir(baseline), 0o755); err != nil {
		return err
	}
	return os.WriteFile(baseline, got, 0o644)
}
