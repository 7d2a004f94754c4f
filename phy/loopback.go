package phy

import (
	"errors"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/internal"
)

// Loopback is a software device that returns every transmitted frame back as
// a received frame, in order. It holds a bounded queue of frames; transmits
// beyond the bound report [smoltcp.ErrExhausted] like a saturated link.
type Loopback struct {
	queue internal.Queue[loopFrame]
	mtu   int
	rxbuf []byte
}

type loopFrame struct {
	data []byte
	size int
}

// NewLoopback creates a loopback device holding up to maxFrames frames of
// up to mtu bytes each.
func NewLoopback(mtu, maxFrames int) *Loopback {
	if mtu <= 0 || maxFrames <= 0 {
		panic("phy: invalid loopback configuration")
	}
	return &Loopback{
		queue: internal.NewQueueOwned[loopFrame](maxFrames),
		mtu:   mtu,
		rxbuf: make([]byte, mtu),
	}
}

// Limits implements [Device].
func (lo *Loopback) Limits() Limits {
	return Limits{MaxTransmissionUnit: lo.mtu, MaxBurstSize: lo.queue.Capacity()}
}

// Receive implements [Device].
func (lo *Loopback) Receive(timestamp int64) ([]byte, error) {
	frame := lo.queue.Dequeue()
	if frame == nil {
		return nil, smoltcp.ErrExhausted
	}
	n := copy(lo.rxbuf, frame.data[:frame.size])
	return lo.rxbuf[:n], nil
}

// Transmit implements [Device].
func (lo *Loopback) Transmit(timestamp int64, length int, fill func(frame []byte)) error {
	if length > lo.mtu {
		return errors.New("phy: frame exceeds loopback MTU")
	}
	frame := lo.queue.Enqueue()
	if frame == nil {
		return smoltcp.ErrExhausted
	}
	if cap(frame.data) < length {
		frame.data = make([]byte, length)
	}
	frame.data = frame.data[:length]
	frame.size = length
	fill(frame.data)
	return nil
}
