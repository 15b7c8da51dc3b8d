// Package lldplab runs integration tests of an LLDP daemon in a
// disposable virtual network.
//
// The top-level object is a Lab. Everything else exists within a Lab,
// and is cleaned up when the Lab is closed: vde switches, qemu VMs and
// the workspace directory holding their sockets, pid files, consoles
// and outputs.
//
// Switches
//
// Each switch is a vde_switch running as a hub, with every frame
// recorded to a pcap file in the workspace. Switches are identified by
// small positive integers.
//
// VMs
//
// VMs boot the host kernel with a tiny initrd whose init is the
// lldplab binary itself, so the binary must be statically linked
// (CGO_ENABLED=0). The guest root filesystem is the host root, shared
// read-only over 9p and made writable with an overlay. The source tree
// under test is mounted as /mnt/lab, and the workspace as
// /mnt/output.
//
// A VM attached to switches 1, 4 and 5 sees them as iface1, iface2 and
// iface3. MAC addresses are derived from the VM name and switch id, so
// captures are reproducible across runs. VMs named Rn get 192.0.2.n/24
// and 2001:db8::n/64 on iface1.
//
// Commands
//
// The host talks to guests by dropping a file named <vm>.command in
// the workspace. The guest runs it with /bin/sh, appends the command
// and its output to <vm>.output, and deletes the command file to
// signal completion.
//
// Output
//
// Once the scenario completes, outputs are concatenated, run-specific
// values (timestamps, revisions, paths) are redacted, and the result
// is compared byte for byte with a checked-in baseline.
package lldplab // import "go.universe.tf/lldplab"
