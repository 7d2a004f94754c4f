package socket

import (
	"github.com/batonius/smoltcp"
)

// PacketBuffer is a fixed-capacity datagram slot. Datagram sockets own rings
// of these; the container never allocates per packet.
type PacketBuffer struct {
	endpoint smoltcp.Endpoint
	payload  []byte
	size     int
}

// NewPacketBuffer creates a slot backed by storage.
func NewPacketBuffer(storage []byte) PacketBuffer {
	return PacketBuffer{payload: storage}
}

// MakePacketBuffers is a convenience allocating n slots of size bytes each.
func MakePacketBuffers(n, size int) []PacketBuffer {
	bufs := make([]PacketBuffer, n)
	backing := make([]byte, n*size)
	for i := range bufs {
		bufs[i] = NewPacketBuffer(backing[i*size : (i+1)*size])
	}
	return bufs
}

// Endpoint returns the remote endpoint associated with the datagram: the
// source on receive, the destination on transmit.
func (p *PacketBuffer) Endpoint() smoltcp.Endpoint { return p.endpoint }

// Bytes returns the datagram contents.
func (p *PacketBuffer) Bytes() []byte { return p.payload[:p.size] }

// set copies data into the slot. Fails with [smoltcp.ErrTruncated] when the
// slot is too small, leaving the slot unmodified.
func (p *PacketBuffer) set(data []byte, ep smoltcp.Endpoint) error {
	if len(data) > len(p.payload) {
		return smoltcp.ErrTruncated
	}
	p.size = copy(p.payload, data)
	p.endpoint = ep
	return nil
}
