package kernel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bzImage = "Linux kernel x86 boot executable bzImage, version 6.1.0-13-amd64 (debian-kernel@lists.debian.org) #1 SMP PREEMPT_DYNAMIC Debian 6.1.55-1 (2023-09-29), RO-rootFS, swap_dev 0x8, Normal VGA\n"

func fullConfig() string {
	var b strings.Builder
	b.WriteString("# Automatically generated file\n")
	for _, r := range Requirements {
		v := "m"
		if r.Builtin {
			v = "y"
		}
		b.WriteString(r.Option + "=" + v + "\n")
	}
	return b.String()
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion(bzImage)
	require.NoError(t, err)
	assert.Equal(t, "6.1.0-13-amd64", v)

	v, err = ParseVersion("Linux kernel ARM64 boot executable Image, little-endian, version 6.8.0,\n")
	require.NoError(t, err)
	assert.Equal(t, "6.8.0", v)

	_, err = ParseVersion("ASCII text")
	assert.ErrorIs(t, err, ErrUnsuitable)

	_, err = ParseVersion("Linux kernel x86 boot executable bzImage")
	assert.ErrorIs(t, err, ErrUnsuitable)
}

func TestCheckConfig(t *testing.T) {
	require.NoError(t, CheckConfig(strings.NewReader(fullConfig()), Requirements))

	cfg := strings.Replace(fullConfig(), "CONFIG_BONDING=m\n", "# CONFIG_BONDING is not set\n", 1)
	cfg = strings.Replace(cfg, "CONFIG_DEVTMPFS=y\n", "CONFIG_DEVTMPFS=m\n", 1)
	err := CheckConfig(strings.NewReader(cfg), Requirements)
	require.ErrorIs(t, err, ErrUnsuitable)
	assert.Contains(t, err.Error(), "CONFIG_BONDING")
	assert.Contains(t, err.Error(), "CONFIG_DEVTMPFS (must be built in)")
	assert.NotContains(t, err.Error(), "CONFIG_BRIDGE")
}

func fakeHost(t *testing.T, config string) (*Inspector, string) {
	t.Helper()
	root := t.TempDir()
	kernel := filepath.Join(root, "vmlinuz")
	require.NoError(t, os.WriteFile(kernel, []byte("MZ"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "modules", "6.1.0-13-amd64"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "boot"), 0o755))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(root, "boot", "config-6.1.0-13-amd64"), []byte(config), 0o644))
	}
	return &Inspector{
		ModulesRoot: filepath.Join(root, "modules"),
		BootDir:     filepath.Join(root, "boot"),
		Describe: func(context.Context, string) (string, error) {
			return bzImage, nil
		},
	}, kernel
}

func TestInspect(t *testing.T) {
	i, kernel := fakeHost(t, fullConfig())

	info, err := i.Inspect(context.Background(), kernel)
	require.NoError(t, err)
	assert.Equal(t, "6.1.0-13-amd64", info.Version)
	assert.Equal(t, filepath.Join(i.ModulesRoot, "6.1.0-13-amd64"), info.ModuleDir)
	assert.Equal(t, filepath.Join(i.BootDir, "config-6.1.0-13-amd64"), info.Config)
}

func TestInspectWithoutConfig(t *testing.T) {
	i, kernel := fakeHost(t, "")
	_, err := i.Inspect(context.Background(), kernel)
	assert.ErrorIs(t, err, ErrUnsuitable)
}

func TestInspectUnreadableKernel(t *testing.T) {
	i, _ := fakeHost(t, fullConfig())
	_, err := i.Inspect(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
