package socket

import (
	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/internal"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/phy"
)

// Raw is a socket receiving and sending packets of a single IP protocol,
// bypassing the transport-layer state machines. Received entries hold the IP
// payload. Transmitted packets are queued with a user-supplied IP header, of
// which only the addresses and protocol are used: the engine emits a fresh
// header, so the user's TTL, identification, flags and options are not kept.
type Raw struct {
	dirtyFlag
	version smoltcp.IPVersion
	proto   smoltcp.IPProto
	rx      internal.Queue[PacketBuffer]
	tx      internal.Queue[PacketBuffer]
	debugID int
}

var _ Socket = (*Raw)(nil)

// NewRaw creates a raw socket claiming the given IP version and protocol,
// owning the provided packet rings.
func NewRaw(version smoltcp.IPVersion, proto smoltcp.IPProto, rxStorage, txStorage []PacketBuffer) *Raw {
	return &Raw{
		version: version,
		proto:   proto,
		rx:      internal.NewQueue(rxStorage),
		tx:      internal.NewQueue(txStorage),
	}
}

// Kind implements [Socket].
func (s *Raw) Kind() Kind { return KindRaw }

// IPVersion returns the IP version the socket is bound to.
func (s *Raw) IPVersion() smoltcp.IPVersion { return s.version }

// IPProtocol returns the IP protocol the socket is bound to.
func (s *Raw) IPProtocol() smoltcp.IPProto { return s.proto }

// DebugID implements [Socket].
func (s *Raw) DebugID() int { return s.debugID }

// SetDebugID implements [Socket].
func (s *Raw) SetDebugID(id int) { s.debugID = id }

// WouldAccept implements [Socket].
func (s *Raw) WouldAccept(ip *ipv4.Repr, payload []byte) bool {
	return s.version == smoltcp.IPv4 && s.proto == ip.Protocol
}

// Process implements [Socket] by storing the IP payload in the receive ring.
func (s *Raw) Process(timestamp int64, ip *ipv4.Repr, payload []byte) error {
	if !s.WouldAccept(ip, payload) {
		return smoltcp.ErrRejected
	}
	slot := s.rx.Enqueue()
	if slot == nil {
		return smoltcp.ErrExhausted
	}
	err := slot.set(payload, smoltcp.Endpoint{Addr: ip.SrcAddr})
	if err != nil {
		s.rx.Remove(func(p *PacketBuffer) bool { return p == slot })
		return err
	}
	return nil
}

// Recv returns the oldest received IP payload. The returned slice is valid
// until the slot is reused; callers wanting to keep it must copy.
func (s *Raw) Recv() ([]byte, error) {
	slot := s.rx.Dequeue()
	if slot == nil {
		return nil, smoltcp.ErrExhausted
	}
	return slot.Bytes(), nil
}

// Send queues a full IPv4 packet, header included, for transmission. The
// header is validated here so dispatch cannot fail on user data.
func (s *Raw) Send(packet []byte) error {
	var vld smoltcp.Validator
	_, err := ipv4.ParseRepr(packet, &vld)
	if err != nil {
		return err
	}
	slot := s.tx.Enqueue()
	if slot == nil {
		return smoltcp.ErrExhausted
	}
	err = slot.set(packet, smoltcp.Endpoint{})
	if err != nil {
		s.tx.Remove(func(p *PacketBuffer) bool { return p == slot })
		return err
	}
	return nil
}

// Dispatch implements [Socket] by emitting the oldest queued packet.
func (s *Raw) Dispatch(timestamp int64, limits *phy.Limits, emit EmitFunc) error {
	slot := s.tx.Front()
	if slot == nil {
		return smoltcp.ErrExhausted
	}
	packet := slot.Bytes()
	var vld smoltcp.Validator
	repr, err := ipv4.ParseRepr(packet, &vld)
	if err != nil {
		// Validated on Send; a failure here is a programmer error.
		panic("raw socket queued invalid packet")
	}
	frm, _ := ipv4.NewFrame(packet)
	payload := frm.Payload()
	err = emit(repr, len(payload), func(ip *ipv4.Repr, dst []byte) {
		copy(dst, payload)
	})
	if err != nil {
		return err
	}
	s.tx.Dequeue()
	return nil
}

// IsDirty implements [Socket].
func (s *Raw) IsDirty() bool { return !s.tx.Empty() }

// PollAt implements [Socket]. Raw sockets have no timers.
func (s *Raw) PollAt() int64 { return -1 }
