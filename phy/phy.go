// Package phy defines the link-layer device contract consumed by the
// interface engine, plus software devices: an in-memory loopback and a Linux
// TAP adapter. Devices are strictly non-blocking; both directions report
// [smoltcp.ErrExhausted] when momentarily unavailable.
package phy

// Limits describes the transmission characteristics of a device.
type Limits struct {
	// MaxTransmissionUnit is the maximum size of a whole frame the device
	// accepts, Ethernet header included.
	MaxTransmissionUnit int
	// MaxBurstSize bounds how many frames the device can queue back to back.
	// Zero means unknown.
	MaxBurstSize int
}

// Device is a link-layer device driven by the interface engine.
//
// Implementations must not block: Receive returns [smoltcp.ErrExhausted] when
// no frame is pending and Transmit returns it when the transmit queue is
// full. Any other error propagates out of the engine's poll.
type Device interface {
	Limits() Limits
	// Receive returns the next pending frame. The returned slice is only
	// valid until the next Receive call; it survives interleaved Transmits
	// so received data can be quoted in replies.
	Receive(timestamp int64) ([]byte, error)
	// Transmit reserves a frame of exactly length bytes and hands it to
	// fill. The frame is committed to the link when fill returns.
	Transmit(timestamp int64, length int, fill func(frame []byte)) error
}
