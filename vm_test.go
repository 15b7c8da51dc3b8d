package lldplab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.universe.tf/lldplab/internal/hwaddr"
)

func testVMConfig(dir string) *vmConfig {
	return &vmConfig{
		name: "R3",
		switches: []*Switch{
			switchFiles(dir, 1),
			switchFiles(dir, 4),
			switchFiles(dir, 5),
		},
		dir: dir,
		shares: []share{
			{tag: "rootshare", path: "/", readOnly: true},
			{tag: "labshare", path: "/src"},
		},
		kernel:        "/boot/vmlinuz",
		kernelVersion: "6.1.0",
		initrd:        filepath.Join(dir, "initrd.gz"),
		memoryMiB:     256,
		poll:          100 * time.Millisecond,
	}
}

func argAfter(args []string, flag string) []string {
	var ret []string
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			ret = append(ret, args[i+1])
		}
	}
	return ret
}

func TestQemuArgs(t *testing.T) {
	dir := "/work"
	c := testVMConfig(dir)
	args := qemuArgs(c)

	if slices.Contains(args, "-enable-kvm") {
		t.Fatalf("kvm enabled: %v", args)
	}
	c.kvm = true
	if !slices.Contains(qemuArgs(c), "-enable-kvm") {
		t.Fatalf("kvm not enabled")
	}

	if got := argAfter(args, "-pidfile"); len(got) != 1 || got[0] != "/work/R3.pid" {
		t.Fatalf("pidfile %v", got)
	}
	if got := argAfter(args, "-serial"); len(got) != 1 || got[0] != "file:/work/R3.console" {
		t.Fatalf("serial %v", got)
	}

	// Network devices follow switch attachment order.
	devices := argAfter(args, "-device")
	netdevs := argAfter(args, "-netdev")
	for i, id := range []int{1, 4, 5} {
		wantNet := fmt.Sprintf("vde,id=net%d,sock=/work/switch-%d.sock", i+1, id)
		if netdevs[i] != wantNet {
			t.Fatalf("netdev %d = %q, want %q", i, netdevs[i], wantNet)
		}
		wantDev := fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s", i+1, hwaddr.For("R3", id))
		if devices[i] != wantDev {
			t.Fatalf("device %d = %q, want %q", i, devices[i], wantDev)
		}
	}

	fsdevs := argAfter(args, "-fsdev")
	if len(fsdevs) != 2 {
		t.Fatalf("fsdevs %v", fsdevs)
	}
	if !strings.HasSuffix(fsdevs[0], ",readonly=on") || strings.Contains(fsdevs[1], "readonly") {
		t.Fatalf("wrong share modes: %v", fsdevs)
	}
	if devices[3] != "virtio-9p-pci,fsdev=fs0,mount_tag=rootshare" {
		t.Fatalf("share device %q", devices[3])
	}

	cmdline := argAfter(args, "-append")[0]
	for _, want := range []string{"console=ttyS0", "LABVM_NAME=R3", "LABVM_SWITCHES=1,4,5", "LABVM_KERNEL=6.1.0", "LABVM_POLL=100ms"} {
		if !strings.Contains(cmdline, want) {
			t.Fatalf("cmdline %q lacks %q", cmdline, want)
		}
	}
	if strings.Contains(cmdline, "LABVM_STAGE") {
		t.Fatalf("cold start cmdline carries a stage: %q", cmdline)
	}
}

func TestLaunch(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeRunner{}
	vm, err := launch(context.Background(), fake.run, testVMConfig(dir), discard)
	if err != nil {
		t.Fatalf("launching: %s", err)
	}
	if vm.State() != Running {
		t.Fatalf("launched VM in state %s", vm.State())
	}
	if fake.count("qemu-system-x86_64") != 1 {
		t.Fatalf("qemu not run: %v", fake.calls())
	}

	c := testVMConfig(dir)
	c.switches = nil
	if _, err := launch(context.Background(), fake.run, c, discard); err == nil {
		t.Fatalf("VM without switches launched")
	}
}

func TestVMAlive(t *testing.T) {
	dir := t.TempDir()
	vm := &VM{Name: "R1", pidFile: filepath.Join(dir, "R1.pid")}
	if vm.Alive() {
		t.Fatalf("VM without pid file is alive")
	}
	if err := os.WriteFile(vm.pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if !vm.Alive() {
		t.Fatalf("VM with live pid is dead")
	}
	if err := os.WriteFile(vm.pidFile, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if vm.Alive() {
		t.Fatalf("VM with garbled pid file is alive")
	}
}

func TestVMStateString(t *testing.T) {
	for s, want := range map[VMState]string{
		Provisioning: "provisioning",
		Running:      "running",
		Terminated:   "terminated",
		VMState(9):   "VMState(9)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
