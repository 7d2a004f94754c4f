package udp

import (
	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/ipv4"
)

// Repr is the high-level representation of a UDP datagram.
type Repr struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ParseRepr validates a UDP datagram carried by the given IPv4 header and
// decodes it. The checksum is verified over the pseudo-header; an all-zeros
// checksum field is tolerated as "not computed" per the RFC.
func ParseRepr(buf []byte, ip *ipv4.Repr, vld *smoltcp.Validator) (Repr, error) {
	ufrm, err := NewFrame(buf)
	if err != nil {
		return Repr{}, smoltcp.ErrTruncated
	}
	ufrm.ValidateSize(vld)
	if vld.HasError() {
		vld.ResetErr()
		return Repr{}, smoltcp.ErrTruncated
	}
	if ufrm.DestinationPort() == 0 {
		return Repr{}, smoltcp.ErrMalformed
	}
	if ufrm.CRC() != 0 {
		var crc smoltcp.CRC791
		src := ip.SrcAddr.As4()
		dst := ip.DstAddr.As4()
		crc.Write(src[:])
		crc.Write(dst[:])
		crc.AddUint16(uint16(smoltcp.IPProtoUDP))
		ufrm.CRCWriteIPv4(&crc)
		if smoltcp.NeverZeroChecksum(crc.Sum16()) != ufrm.CRC() {
			return Repr{}, smoltcp.ErrMalformed
		}
	}
	return Repr{
		SrcPort: ufrm.SourcePort(),
		DstPort: ufrm.DestinationPort(),
		Payload: ufrm.Payload(),
	}, nil
}

// BufferLen returns the length of the buffer required to emit the datagram.
func (r *Repr) BufferLen() int { return sizeHeader + len(r.Payload) }

// Emit encodes the datagram into buf with the checksum computed over the
// IPv4 pseudo-header of ip.
func (r *Repr) Emit(buf []byte, ip *ipv4.Repr) error {
	ufrm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	ufrm.SetSourcePort(r.SrcPort)
	ufrm.SetDestinationPort(r.DstPort)
	ufrm.SetLength(uint16(r.BufferLen()))
	copy(buf[sizeHeader:], r.Payload)
	ufrm.SetCRC(0)
	var crc smoltcp.CRC791
	src := ip.SrcAddr.As4()
	dst := ip.DstAddr.As4()
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint16(uint16(smoltcp.IPProtoUDP))
	ufrm.CRCWriteIPv4(&crc)
	ufrm.SetCRC(smoltcp.NeverZeroChecksum(crc.Sum16()))
	return nil
}
