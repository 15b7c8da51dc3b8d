// Package hwaddr derives the MAC address of a VM interface from the
// VM name and the switch it attaches to.
//
// The host uses it to configure qemu, and the guest init uses it again
// to recognize which interface is attached to which switch.
package hwaddr

import (
	"net"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// For returns the MAC address for the interface of VM name on switch
// id. The result is stable across runs and hosts: it is the start of
// a BLAKE2b digest of the pair, turned into a locally administered
// unicast address.
func For(name string, id int) net.HardwareAddr {
	sum := blake2b.Sum256([]byte(name + "-" + strconv.Itoa(id)))
	mac := make(net.HardwareAddr, 6)
	copy(mac, sum[:6])
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac
}
