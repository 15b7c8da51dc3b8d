// Package kernel decides whether a kernel image can boot the lab
// guests, and where its modules live.
package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrUnsuitable is returned when the kernel lacks a required feature.
var ErrUnsuitable = errors.New("kernel is not suitable")

// Requirement is a kernel configuration option the lab needs.
type Requirement struct {
	Option string
	// Builtin requires the option to be compiled in rather than
	// available as a module.
	Builtin bool
}

// Requirements is the checklist every kernel must satisfy. Features
// needed before the initrd can load modules must be built in.
var Requirements = []Requirement{
	{Option: "CONFIG_BLK_DEV_INITRD", Builtin: true},
	{Option: "CONFIG_RD_GZIP", Builtin: true},
	{Option: "CONFIG_DEVTMPFS", Builtin: true},
	{Option: "CONFIG_TMPFS", Builtin: true},
	{Option: "CONFIG_MODULES", Builtin: true},
	{Option: "CONFIG_VIRTIO_PCI"},
	{Option: "CONFIG_VIRTIO_NET"},
	{Option: "CONFIG_NET_9P"},
	{Option: "CONFIG_NET_9P_VIRTIO"},
	{Option: "CONFIG_9P_FS"},
	{Option: "CONFIG_OVERLAY_FS"},
	{Option: "CONFIG_VLAN_8021Q"},
	{Option: "CONFIG_BONDING"},
	{Option: "CONFIG_BRIDGE"},
	{Option: "CONFIG_PACKET"},
}

// InitrdModules are the modules the guest init loads before it can
// reach its shares. Missing ones are assumed to be built in.
var InitrdModules = []string{
	"virtio_pci",
	"virtio_net",
	"9pnet_virtio",
	"9p",
	"overlay",
}

// Info describes a suitable kernel.
type Info struct {
	Path      string
	Version   string
	ModuleDir string
	Config    string
}

// Inspector looks kernels up on the host.
type Inspector struct {
	// ModulesRoot holds one module directory per kernel version.
	ModulesRoot string
	// BootDir holds config-<version> files.
	BootDir string
	// Describe returns a textual description of a kernel image,
	// like file(1) does.
	Describe func(ctx context.Context, path string) (string, error)
}

// NewInspector returns an Inspector using the usual host locations.
func NewInspector() *Inspector {
	return &Inspector{
		ModulesRoot: "/lib/modules",
		BootDir:     "/boot",
		Describe:    describeWithFile,
	}
}

func describeWithFile(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, "file", "-bL", path).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("running file on %s: %w\n%s", path, err, out)
	}
	return string(out), nil
}

// Inspect returns the version and module directory of the kernel at
// path, after checking it against Requirements.
func (i *Inspector) Inspect(ctx context.Context, path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening kernel: %w", err)
	}
	f.Close()

	desc, err := i.Describe(ctx, path)
	if err != nil {
		return nil, err
	}
	version, err := ParseVersion(desc)
	if err != nil {
		return nil, err
	}

	ret := &Info{
		Path:      path,
		Version:   version,
		ModuleDir: filepath.Join(i.ModulesRoot, version),
	}
	if _, err := os.Stat(ret.ModuleDir); err != nil {
		return nil, fmt.Errorf("%w: no modules for %s: %w", ErrUnsuitable, version, err)
	}

	candidates := []string{
		filepath.Join(i.BootDir, "config-"+version),
		filepath.Join(ret.ModuleDir, "build", ".config"),
	}
	for _, c := range candidates {
		cf, err := os.Open(c)
		if err != nil {
			continue
		}
		err = CheckConfig(cf, Requirements)
		cf.Close()
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", c, err)
		}
		ret.Config = c
		return ret, nil
	}
	return nil, fmt.Errorf("%w: no configuration found for %s (tried %s)", ErrUnsuitable, version, strings.Join(candidates, ", "))
}

var versionRE = regexp.MustCompile(`\bversion (\S+)`)

// ParseVersion extracts the kernel release from a file(1) description
// of a kernel image.
func ParseVersion(desc string) (string, error) {
	if !strings.Contains(desc, "Linux kernel") {
		return "", fmt.Errorf("%w: not a Linux kernel image: %s", ErrUnsuitable, strings.TrimSpace(desc))
	}
	m := versionRE.FindStringSubmatch(desc)
	if m == nil {
		return "", fmt.Errorf("%w: no version in %q", ErrUnsuitable, strings.TrimSpace(desc))
	}
	return strings.TrimRight(m[1], ","), nil
}

// CheckConfig reads a kernel .config and returns an ErrUnsuitable
// error listing every requirement it does not satisfy.
func CheckConfig(r io.Reader, reqs []Requirement) error {
	values := map[string]string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[k] = v
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading kernel config: %w", err)
	}

	var missing []string
	for _, req := range reqs {
		switch v := values[req.Option]; {
		case v == "y":
		case v == "m" && !req.Builtin:
		case v == "m":
			missing = append(missing, req.Option+" (must be built in)")
		default:
			missing = append(missing, req.Option)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrUnsuitable, strings.Join(missing, ", "))
	}
	return nil
}
