package tcp

import (
	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/ipv4"
)

// Repr is the high-level representation of a TCP segment as exchanged with
// the socket layer. The MSS option is honoured; all other options are
// ignored on parse and never emitted.
type Repr struct {
	SrcPort uint16
	DstPort uint16
	Seq     Value
	Ack     Value
	Flags   Flags
	Window  uint16
	// MaxSegSize is the MSS option value; zero means absent.
	MaxSegSize uint16
	Payload    []byte
}

// Segment converts the representation to its sequence-space [Segment] form.
func (r *Repr) Segment() Segment {
	return Segment{
		SEQ:     r.Seq,
		ACK:     r.Ack,
		WND:     Size(r.Window),
		Flags:   r.Flags,
		DATALEN: Size(len(r.Payload)),
	}
}

// SegmentLen returns the amount of sequence space the segment occupies,
// counting SYN and FIN.
func (r *Repr) SegmentLen() Size {
	seg := r.Segment()
	return seg.LEN()
}

// ParseRepr validates a TCP segment carried by the given IPv4 header and
// decodes it. The checksum is verified over the pseudo-header.
func ParseRepr(buf []byte, ip *ipv4.Repr, vld *smoltcp.Validator) (Repr, error) {
	tfrm, err := NewFrame(buf)
	if err != nil {
		return Repr{}, smoltcp.ErrTruncated
	}
	tfrm.ValidateExceptCRC(vld)
	if vld.HasError() {
		vld.ResetErr()
		return Repr{}, smoltcp.ErrMalformed
	}
	var crc smoltcp.CRC791
	src := ip.SrcAddr.As4()
	dst := ip.DstAddr.As4()
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint16(uint16(len(buf)))
	crc.AddUint16(uint16(smoltcp.IPProtoTCP))
	tfrm.CRCWrite(&crc)
	if crc.Sum16() != tfrm.CRC() {
		return Repr{}, smoltcp.ErrMalformed
	}
	_, flags := tfrm.OffsetAndFlags()
	r := Repr{
		SrcPort: tfrm.SourcePort(),
		DstPort: tfrm.DestinationPort(),
		Seq:     tfrm.Seq(),
		Ack:     tfrm.Ack(),
		Flags:   flags,
		Window:  tfrm.WindowSize(),
		Payload: tfrm.Payload(),
	}
	if flags.HasAny(FlagSYN) {
		if mss, ok := ParseMSSOption(tfrm.Options()); ok {
			r.MaxSegSize = mss
		}
	}
	return r, nil
}

// HeaderLen returns the emitted TCP header length including options.
func (r *Repr) HeaderLen() int {
	if r.MaxSegSize != 0 {
		return sizeHeaderTCP + 4
	}
	return sizeHeaderTCP
}

// BufferLen returns the length of the buffer required to emit the segment.
func (r *Repr) BufferLen() int { return r.HeaderLen() + len(r.Payload) }

// Emit encodes the segment into buf with the checksum computed over the
// IPv4 pseudo-header of ip. buf must hold [Repr.BufferLen] bytes.
func (r *Repr) Emit(buf []byte, ip *ipv4.Repr) error {
	tfrm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	offset := uint8(r.HeaderLen() / 4)
	tfrm.SetSourcePort(r.SrcPort)
	tfrm.SetDestinationPort(r.DstPort)
	tfrm.SetSeq(r.Seq)
	tfrm.SetAck(r.Ack)
	tfrm.SetOffsetAndFlags(offset, r.Flags)
	tfrm.SetWindowSize(r.Window)
	tfrm.SetUrgentPtr(0)
	if r.MaxSegSize != 0 {
		PutMSSOption(buf[sizeHeaderTCP:], r.MaxSegSize)
	}
	copy(buf[r.HeaderLen():], r.Payload)
	tfrm.SetCRC(0)
	var crc smoltcp.CRC791
	src := ip.SrcAddr.As4()
	dst := ip.DstAddr.As4()
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint16(uint16(r.BufferLen()))
	crc.AddUint16(uint16(smoltcp.IPProtoTCP))
	Frame{buf: buf[:r.BufferLen()]}.CRCWrite(&crc)
	tfrm.SetCRC(crc.Sum16())
	return nil
}
