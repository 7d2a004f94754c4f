package smoltcp

// IPVersion discriminates the IP data paths understood by the stack.
// Only IPv4 is operational; IPv6 exists so raw socket keys keep their shape.
type IPVersion uint8

const (
	IPv4 IPVersion = 4 // IPv4
	IPv6 IPVersion = 6 // IPv6
)

func (v IPVersion) String() string {
	switch v {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	return "IPv?"
}

// IPProto represents the IP protocol number.
type IPProto uint8

// IP protocol numbers.
const (
	IPProtoICMP IPProto = 1   // Internet Control Message [RFC792]
	IPProtoIGMP IPProto = 2   // Internet Group Management [RFC1112]
	IPProtoTCP  IPProto = 6   // Transmission Control [RFC793]
	IPProtoUDP  IPProto = 17  // User Datagram [RFC768]
	IPProtoGRE  IPProto = 47  // Generic Routing Encapsulation [RFC2784]
	IPProtoESP  IPProto = 50  // Encap Security Payload [RFC4303]
	IPProtoAH   IPProto = 51  // Authentication Header [RFC4302]
	IPProtoOSPF IPProto = 89  // OSPF
	IPProtoSCTP IPProto = 132 // Stream Control Transmission Protocol
)

func (proto IPProto) String() string {
	switch proto {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoIGMP:
		return "IGMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoGRE:
		return "GRE"
	case IPProtoESP:
		return "ESP"
	case IPProtoAH:
		return "AH"
	case IPProtoOSPF:
		return "OSPF"
	case IPProtoSCTP:
		return "SCTP"
	}
	return "proto" + itoa(uint16(proto))
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
