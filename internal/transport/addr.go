// File: internal/transport/addr.go
// Author: momentics <momentics@gmail.com>
//
// IPv4 endpoint value shared by TCP and UDP helpers.

package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// ErrWouldBlock is returned when a non-blocking call has nothing to do yet.
var ErrWouldBlock = errors.New("transport: would block")

// Addr is an IPv4 endpoint.
type Addr struct {
	IP   [4]byte
	Port int
}

// ParseAddr builds an Addr from a dotted quad and a port. Empty ip means any.
func ParseAddr(ip string, port int) (Addr, error) {
	if port < 0 || port > 65535 {
		return Addr{}, fmt.Errorf("port %d out of range", port)
	}
	if ip == "" {
		return Addr{Port: port}, nil
	}
	a, err := netip.ParseAddr(ip)
	if err != nil || !a.Is4() {
		return Addr{}, fmt.Errorf("address %q is not IPv4", ip)
	}
	return Addr{IP: a.As4(), Port: port}, nil
}

// Host returns the dotted quad.
func (a Addr) Host() string { return netip.AddrFrom4(a.IP).String() }

func (a Addr) String() string { return a.Host() + ":" + strconv.Itoa(a.Port) }
