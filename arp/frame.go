package arp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/batonius/smoltcp"
)

// NewFrame returns an ARP Frame with data set to buf.
// An error is returned if the buffer size is smaller than 28 (IPv4 min size).
// Users should still call [Frame.ValidateSize] before working
// with the body of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderv4 {
		return Frame{buf: nil}, errShortARP
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an ARP packet
// and provides methods for manipulating, validating and
// retrieving fields and payload data. See [RFC826].
//
// [RFC826]: https://tools.ietf.org/html/rfc826
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (afrm Frame) RawData() []byte { return afrm.buf }

// Hardware returns the network link protocol type and address length. Ethernet is 1.
func (afrm Frame) Hardware() (Type uint16, length uint8) {
	return binary.BigEndian.Uint16(afrm.buf[0:2]), afrm.buf[4]
}

// SetHardware sets the network link protocol type and address length.
func (afrm Frame) SetHardware(Type uint16, length uint8) {
	binary.BigEndian.PutUint16(afrm.buf[0:2], Type)
	afrm.buf[4] = length
}

// Protocol returns the internet protocol type and address length.
func (afrm Frame) Protocol() (Type uint16, length uint8) {
	return binary.BigEndian.Uint16(afrm.buf[2:4]), afrm.buf[5]
}

// SetProtocol sets the protocol type and address length fields of the ARP frame.
func (afrm Frame) SetProtocol(Type uint16, length uint8) {
	binary.BigEndian.PutUint16(afrm.buf[2:4], Type)
	afrm.buf[5] = length
}

// Operation returns the ARP header operation field. See [Operation].
func (afrm Frame) Operation() Operation { return Operation(binary.BigEndian.Uint16(afrm.buf[6:8])) }

// SetOperation sets the ARP header operation field. See [Operation].
func (afrm Frame) SetOperation(op Operation) { binary.BigEndian.PutUint16(afrm.buf[6:8], uint16(op)) }

// Sender4 returns the Ethernet/IPv4 sender addresses.
// In an ARP request the sender addresses indicate the host sending the
// request. In an ARP reply they indicate the host the request was looking for.
func (afrm Frame) Sender4() (hardwareAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[8:14]), (*[4]byte)(afrm.buf[14:18])
}

// Target4 returns the Ethernet/IPv4 target addresses.
// In an ARP request the target hardware address is ignored. In an ARP reply
// it indicates the address of the host that originated the request.
func (afrm Frame) Target4() (hardwareAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[18:24]), (*[4]byte)(afrm.buf[24:28])
}

// ClearHeader zeros out the fixed header contents.
func (afrm Frame) ClearHeader() {
	for i := range afrm.buf[:sizeHeader] {
		afrm.buf[i] = 0
	}
}

// ValidateSize checks the frame's size fields and compares with the actual buffer
// of the frame. It accumulates an error on finding an inconsistency.
func (afrm Frame) ValidateSize(v *smoltcp.Validator) {
	_, hlen := afrm.Hardware()
	_, ilen := afrm.Protocol()
	minLen := sizeHeader + 2*(int(hlen)+int(ilen))
	if len(afrm.buf) < minLen {
		v.AddError(errShortARP)
	}
}

func (afrm Frame) String() string {
	sndhw, sndpt := afrm.Sender4()
	tgthw, tgtpt := afrm.Target4()
	return fmt.Sprintf("ARP %s SENDER=(%s,%s) TARGET=(%s,%s)",
		afrm.Operation().String(),
		net.HardwareAddr(sndhw[:]).String(), netip.AddrFrom4(*sndpt).String(),
		net.HardwareAddr(tgthw[:]).String(), netip.AddrFrom4(*tgtpt).String())
}
