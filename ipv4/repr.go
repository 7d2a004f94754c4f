package ipv4

import (
	"net/netip"

	"github.com/batonius/smoltcp"
)

// Repr is the high-level representation of an IPv4 packet header, carrying
// only the fields the socket and interface layers care about.
type Repr struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	// Protocol of the data portion of the datagram.
	Protocol smoltcp.IPProto
	// PayloadLen is the length of the data portion in bytes, excluding the header.
	PayloadLen int
}

// ParseRepr validates an IPv4 packet and decodes its header. The header
// checksum is verified; options are accepted and skipped.
func ParseRepr(buf []byte, vld *smoltcp.Validator) (Repr, error) {
	ifrm, err := NewFrame(buf)
	if err != nil {
		return Repr{}, smoltcp.ErrTruncated
	}
	ifrm.ValidateExceptCRC(vld)
	if vld.HasError() {
		vld.ResetErr()
		return Repr{}, smoltcp.ErrMalformed
	}
	if ifrm.HeaderLength() > int(ifrm.TotalLength()) {
		return Repr{}, smoltcp.ErrMalformed
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		return Repr{}, smoltcp.ErrMalformed
	}
	if ifrm.Flags().MoreFragments() || ifrm.Flags().FragmentOffset() != 0 {
		// Reassembly is out of scope; fragments are dropped.
		return Repr{}, smoltcp.ErrUnrecognized
	}
	return Repr{
		SrcAddr:    netip.AddrFrom4(*ifrm.SourceAddr()),
		DstAddr:    netip.AddrFrom4(*ifrm.DestinationAddr()),
		Protocol:   ifrm.Protocol(),
		PayloadLen: int(ifrm.TotalLength()) - ifrm.HeaderLength(),
	}, nil
}

// BufferLen returns the header length required to emit this representation.
// Emitted headers never carry options.
func (r *Repr) BufferLen() int { return sizeHeader }

// Emit encodes the header into buf, which must hold at least
// [Repr.BufferLen] bytes. The identification field is the caller's concern;
// the checksum is computed over the finished header.
func (r *Repr) Emit(buf []byte, id uint16) error {
	ifrm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	const ihl = 5
	ifrm.SetVersionAndIHL(4, ihl)
	ifrm.SetToS(0)
	ifrm.SetTotalLength(uint16(sizeHeader + r.PayloadLen))
	ifrm.SetID(id)
	ifrm.SetFlags(FlagDontFragment)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(r.Protocol)
	*ifrm.SourceAddr() = r.SrcAddr.As4()
	*ifrm.DestinationAddr() = r.DstAddr.As4()
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return nil
}
