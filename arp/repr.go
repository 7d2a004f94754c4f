package arp

import (
	"net/netip"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/ethernet"
)

// Repr is the high-level representation of an Ethernet/IPv4 ARP packet.
type Repr struct {
	Operation          Operation
	SourceHardwareAddr [6]byte
	SourceProtocolAddr netip.Addr
	TargetHardwareAddr [6]byte
	TargetProtocolAddr netip.Addr
}

// ParseRepr decodes an Ethernet/IPv4 ARP packet. Packets for other hardware
// or protocol address spaces return [smoltcp.ErrUnrecognized], malformed ones
// [smoltcp.ErrTruncated] or [smoltcp.ErrMalformed].
func ParseRepr(buf []byte) (Repr, error) {
	afrm, err := NewFrame(buf)
	if err != nil {
		return Repr{}, smoltcp.ErrTruncated
	}
	htype, hlen := afrm.Hardware()
	ptype, plen := afrm.Protocol()
	if htype != hardwareTypeEthernet || ptype != uint16(ethernet.TypeIPv4) {
		return Repr{}, smoltcp.ErrUnrecognized
	}
	if hlen != 6 || plen != 4 {
		return Repr{}, smoltcp.ErrMalformed
	}
	op := afrm.Operation()
	if op != OpRequest && op != OpReply {
		return Repr{}, smoltcp.ErrUnrecognized
	}
	sndhw, sndpt := afrm.Sender4()
	tgthw, tgtpt := afrm.Target4()
	return Repr{
		Operation:          op,
		SourceHardwareAddr: *sndhw,
		SourceProtocolAddr: netip.AddrFrom4(*sndpt),
		TargetHardwareAddr: *tgthw,
		TargetProtocolAddr: netip.AddrFrom4(*tgtpt),
	}, nil
}

// BufferLen returns the length of the buffer required to emit the packet.
func (r *Repr) BufferLen() int { return SizeFrame4 }

// Emit encodes the representation into buf, which must hold [Repr.BufferLen] bytes.
func (r *Repr) Emit(buf []byte) error {
	afrm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	afrm.SetHardware(hardwareTypeEthernet, 6)
	afrm.SetProtocol(uint16(ethernet.TypeIPv4), 4)
	afrm.SetOperation(r.Operation)
	sndhw, sndpt := afrm.Sender4()
	tgthw, tgtpt := afrm.Target4()
	*sndhw = r.SourceHardwareAddr
	*sndpt = r.SourceProtocolAddr.As4()
	*tgthw = r.TargetHardwareAddr
	*tgtpt = r.TargetProtocolAddr.As4()
	return nil
}
