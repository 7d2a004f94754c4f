package icmpv4

import (
	"github.com/batonius/smoltcp"
)

// EchoRepr is the high-level representation of an ICMPv4 echo request or reply.
type EchoRepr struct {
	Reply bool
	Ident uint16
	SeqNo uint16
	Data  []byte
}

// ParseEcho decodes an echo request or reply, verifying the checksum.
func ParseEcho(buf []byte) (EchoRepr, error) {
	frm, err := NewFrame(buf)
	if err != nil {
		return EchoRepr{}, smoltcp.ErrTruncated
	}
	if frm.CRC() != frm.CalculateCRC() {
		return EchoRepr{}, smoltcp.ErrMalformed
	}
	t := frm.Type()
	if (t != TypeEcho && t != TypeEchoReply) || frm.Code() != 0 {
		return EchoRepr{}, smoltcp.ErrUnrecognized
	}
	efrm := FrameEcho{frm}
	return EchoRepr{
		Reply: t == TypeEchoReply,
		Ident: efrm.Identifier(),
		SeqNo: efrm.SequenceNumber(),
		Data:  efrm.Data(),
	}, nil
}

// BufferLen returns the length of the buffer required to emit the message.
func (r *EchoRepr) BufferLen() int { return sizeHeader + len(r.Data) }

// Emit encodes the message with checksum into buf.
func (r *EchoRepr) Emit(buf []byte) error {
	frm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	if r.Reply {
		frm.SetType(TypeEchoReply)
	} else {
		frm.SetType(TypeEcho)
	}
	frm.SetCode(0)
	efrm := FrameEcho{frm}
	efrm.SetIdentifier(r.Ident)
	efrm.SetSequenceNumber(r.SeqNo)
	copy(efrm.Data(), r.Data)
	frm.SetCRC(0)
	frm.SetCRC(Frame{buf: buf[:r.BufferLen()]}.CalculateCRC())
	return nil
}

// DstUnreachableRepr is the high-level representation of an ICMPv4
// destination unreachable message. Header carries the original IPv4 header
// plus the first eight payload octets, as the RFC mandates.
type DstUnreachableRepr struct {
	Reason CodeDestinationUnreachable
	Header []byte
}

// BufferLen returns the length of the buffer required to emit the message.
func (r *DstUnreachableRepr) BufferLen() int { return sizeHeader + len(r.Header) }

// Emit encodes the message with checksum into buf.
func (r *DstUnreachableRepr) Emit(buf []byte) error {
	frm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	frm.SetType(TypeDestinationUnreachable)
	frm.SetCode(uint8(r.Reason))
	// Four unused octets precede the quoted header.
	for i := 4; i < 8; i++ {
		frm.buf[i] = 0
	}
	copy(frm.buf[8:], r.Header)
	frm.SetCRC(0)
	frm.SetCRC(Frame{buf: buf[:r.BufferLen()]}.CalculateCRC())
	return nil
}
