package smoltcp

import (
	"net/netip"
	"strconv"
)

// Endpoint is an internet endpoint: an IP address and a port.
//
// An endpoint with the zero (invalid) netip.Addr wildcards the address; a
// zero port wildcards the port. The zero value is the fully unbound endpoint.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// EndpointFrom4 builds an IPv4 endpoint from four address octets and a port.
func EndpointFrom4(addr [4]byte, port uint16) Endpoint {
	return Endpoint{Addr: netip.AddrFrom4(addr), Port: port}
}

// IsUnbound returns true if both address and port are wildcards.
func (e Endpoint) IsUnbound() bool {
	return !e.Addr.IsValid() && e.Port == 0
}

// WithUnspecifiedAddr returns the endpoint with its address wildcarded.
func (e Endpoint) WithUnspecifiedAddr() Endpoint {
	return Endpoint{Port: e.Port}
}

// Compare orders endpoints lexicographically: address class first (an
// unspecified address sorts before any concrete one), then address bytes,
// then port. Returns -1, 0 or 1.
func (e Endpoint) Compare(o Endpoint) int {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	switch {
	case e.Port < o.Port:
		return -1
	case e.Port > o.Port:
		return 1
	}
	return 0
}

func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "*:" + strconv.FormatUint(uint64(e.Port), 10)
	}
	return e.Addr.String() + ":" + strconv.FormatUint(uint64(e.Port), 10)
}

// IsUnicastAddr reports whether addr is a specified, non-multicast,
// non-broadcast address usable as the source of a packet.
func IsUnicastAddr(addr netip.Addr) bool {
	if !addr.IsValid() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	if addr.Is4() && addr.As4() == [4]byte{255, 255, 255, 255} {
		return false
	}
	return true
}
