package ethernet

import "strconv"

const (
	// SizeHeader is the length of an Ethernet II header: two hardware
	// addresses and the ethertype.
	SizeHeader = 14
)

// Type is the ethertype field of an Ethernet II frame.
type Type uint16

// IsSize returns true if the EtherType is actually the size of the payload
// and should NOT be interpreted as an EtherType.
func (et Type) IsSize() bool { return et <= 1500 }

// Ethernet type flags
const (
	TypeIPv4 Type = 0x0800 // IPv4
	TypeARP  Type = 0x0806 // ARP
	TypeRARP Type = 0x8035 // RARP
	TypeIPv6 Type = 0x86DD // IPv6
	TypeVLAN Type = 0x8100 // VLAN
)

func (et Type) String() string {
	switch et {
	case TypeIPv4:
		return "IPv4"
	case TypeARP:
		return "ARP"
	case TypeRARP:
		return "RARP"
	case TypeIPv6:
		return "IPv6"
	case TypeVLAN:
		return "VLAN"
	}
	if et.IsSize() {
		return "size=" + strconv.FormatUint(uint64(et), 10)
	}
	return "0x" + strconv.FormatUint(uint64(et), 16)
}

// BroadcastAddr returns the all 0xff's broadcast hardware/MAC address.
func BroadcastAddr() [6]byte {
	return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// IsBroadcastAddr returns true for the all-ones hardware address.
func IsBroadcastAddr(hwAddr [6]byte) bool {
	return hwAddr == BroadcastAddr()
}

// IsMulticastAddr returns true if bit 0 of the first octet is set, which
// includes the broadcast address.
func IsMulticastAddr(hwAddr [6]byte) bool {
	return hwAddr[0]&1 != 0
}

// IsUnicastAddr returns true for a non-multicast, non-zero hardware address.
// Interface hardware addresses must satisfy this predicate.
func IsUnicastAddr(hwAddr [6]byte) bool {
	return !IsMulticastAddr(hwAddr) && hwAddr != [6]byte{}
}

// AppendAddr appends the text representation of the hardware address to the destination buffer.
func AppendAddr(dst []byte, hwAddr [6]byte) []byte {
	for i, b := range hwAddr {
		if i != 0 {
			dst = append(dst, ':')
		}
		if b < 16 {
			dst = append(dst, '0')
		}
		dst = strconv.AppendUint(dst, uint64(b), 16)
	}
	return dst
}
