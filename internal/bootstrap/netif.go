package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"go.universe.tf/lldplab/internal/hwaddr"
)

// Link is a network interface as found in the guest.
type Link struct {
	Name string
	MAC  net.HardwareAddr
}

// Rename is one interface rename.
type Rename struct {
	From, To string
}

// IfaceName is the stable name of the interface attached in position
// idx (0-based).
func IfaceName(idx int) string {
	return "iface" + strconv.Itoa(idx+1)
}

// PlanRenames computes the renames turning the kernel-assigned names
// of links into iface1..ifaceN, in the order of switches. Links are
// recognized by the MAC address the host derived for them.
//
// Renames go through temporary names first, so that no rename ever
// collides with a name still in use.
func PlanRenames(links []Link, name string, switches []int) ([]Rename, error) {
	type move struct {
		from, to string
	}
	var moves []move
	used := map[string]bool{}
	for i, id := range switches {
		want := hwaddr.For(name, id)
		found := ""
		for _, l := range links {
			if bytes.Equal(l.MAC, want) {
				found = l.Name
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("no interface with MAC %s for switch %d", want, id)
		}
		if used[found] {
			return nil, fmt.Errorf("interface %s matches several switches", found)
		}
		used[found] = true
		if found != IfaceName(i) {
			moves = append(moves, move{found, IfaceName(i)})
		}
	}

	var ret []Rename
	for i, m := range moves {
		ret = append(ret, Rename{From: m.from, To: "lltmp" + strconv.Itoa(i)})
	}
	for i, m := range moves {
		ret = append(ret, Rename{From: "lltmp" + strconv.Itoa(i), To: m.to})
	}
	return ret, nil
}

// ErrNoStaticAddress is returned for VMs whose name is not R<n>. Such
// VMs run without addresses.
var ErrNoStaticAddress = errors.New("no static address")

// Addresses returns the static addresses of VM name, which must look
// like R<n>.
func Addresses(name string) ([]netip.Prefix, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "R"))
	if !strings.HasPrefix(name, "R") || err != nil || n < 1 || n > 254 {
		return nil, fmt.Errorf("%w for VM %q", ErrNoStaticAddress, name)
	}
	return []netip.Prefix{
		netip.PrefixFrom(netip.AddrFrom4([4]byte{192, 0, 2, byte(n)}), 24),
		netip.MustParsePrefix(fmt.Sprintf("2001:db8::%x/64", n)),
	}, nil
}

// Runner executes a command to completion.
type Runner func(ctx context.Context, name string, args ...string) error

// ConfigureLinks renames links to their stable names, brings them up
// and assigns the VM addresses to the first one.
func ConfigureLinks(ctx context.Context, run Runner, links []Link, cfg GuestConfig) error {
	renames, err := PlanRenames(links, cfg.Name, cfg.Switches)
	if err != nil {
		return err
	}
	for _, r := range renames {
		if err := run(ctx, "ip", "link", "set", "dev", r.From, "down"); err != nil {
			return err
		}
		if err := run(ctx, "ip", "link", "set", "dev", r.From, "name", r.To); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", r.From, r.To, err)
		}
	}

	if err := run(ctx, "ip", "link", "set", "dev", "lo", "up"); err != nil {
		return err
	}
	for i := range cfg.Switches {
		if err := run(ctx, "ip", "link", "set", "dev", IfaceName(i), "up"); err != nil {
			return err
		}
	}

	addrs, err := Addresses(cfg.Name)
	if errors.Is(err, ErrNoStaticAddress) {
		return nil
	} else if err != nil {
		return err
	}
	for _, a := range addrs {
		if err := run(ctx, "ip", "addr", "add", a.String(), "dev", IfaceName(0)); err != nil {
			return err
		}
	}
	return nil
}
