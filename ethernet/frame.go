package ethernet

import (
	"encoding/binary"
	"errors"

	"github.com/batonius/smoltcp"
)

var errShort = errors.New("ethernet: too short")

// NewFrame returns a Frame with data set to buf.
// An error is returned if the buffer size is smaller than 14.
// Users should still call [Frame.ValidateSize] before working
// with the payload of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < SizeHeader {
		return Frame{buf: nil}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an Ethernet II frame without preamble
// (first byte is start of destination address) and provides methods for
// manipulating, validating and retrieving fields and payload data.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (efrm Frame) RawData() []byte { return efrm.buf }

// HeaderLength returns the length of the ethernet header.
func (efrm Frame) HeaderLength() int { return SizeHeader }

// Payload returns the data portion of the ethernet frame.
func (efrm Frame) Payload() []byte {
	return efrm.buf[SizeHeader:]
}

// DestinationHardwareAddr returns the target's MAC/hardware address of the ethernet frame.
func (efrm Frame) DestinationHardwareAddr() (dst *[6]byte) {
	return (*[6]byte)(efrm.buf[0:6])
}

// SourceHardwareAddr returns the sender's MAC/hardware address of the ethernet frame.
func (efrm Frame) SourceHardwareAddr() (src *[6]byte) {
	return (*[6]byte)(efrm.buf[6:12])
}

// IsBroadcast returns true if the destination is the broadcast address ff:ff:ff:ff:ff:ff.
func (efrm Frame) IsBroadcast() bool {
	return IsBroadcastAddr(*efrm.DestinationHardwareAddr())
}

// EtherTypeOrSize returns the EtherType/Size field of the ethernet frame.
// Caller should check if the field is actually a valid EtherType or if it
// represents the payload size with [Type.IsSize].
func (efrm Frame) EtherTypeOrSize() Type {
	return Type(binary.BigEndian.Uint16(efrm.buf[12:14]))
}

// SetEtherType sets the EtherType field of the ethernet frame.
func (efrm Frame) SetEtherType(v Type) {
	binary.BigEndian.PutUint16(efrm.buf[12:14], uint16(v))
}

// ClearHeader zeros out the header contents.
func (efrm Frame) ClearHeader() {
	for i := range efrm.buf[:SizeHeader] {
		efrm.buf[i] = 0
	}
}

// ValidateSize checks the frame's size fields and compares with the actual
// buffer of the frame. It accumulates an error on finding an inconsistency.
func (efrm Frame) ValidateSize(v *smoltcp.Validator) {
	sz := efrm.EtherTypeOrSize()
	if sz.IsSize() && len(efrm.buf) < SizeHeader+int(sz) {
		v.AddError(errShort)
	}
}
