package socket

import (
	"log/slog"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/internal"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/phy"
	"github.com/batonius/smoltcp/udp"
)

// Udp is a datagram socket bound to a local endpoint. An unspecified bound
// address acts as a wildcard; an unbound socket accepts nothing.
type Udp struct {
	dirtyFlag
	logger
	endpoint smoltcp.Endpoint
	rx       internal.Queue[PacketBuffer]
	tx       internal.Queue[PacketBuffer]
	debugID  int
}

var _ Socket = (*Udp)(nil)

// NewUdp creates a UDP socket owning the provided packet rings. The socket
// starts unbound; bind it through a container tracker so the dispatch index
// learns the endpoint.
func NewUdp(rxStorage, txStorage []PacketBuffer) *Udp {
	return &Udp{
		rx: internal.NewQueue(rxStorage),
		tx: internal.NewQueue(txStorage),
	}
}

// SetLogger sets the logger used by the socket.
func (s *Udp) SetLogger(log *slog.Logger) { s.logger.log = log }

// Kind implements [Socket].
func (s *Udp) Kind() Kind { return KindUDP }

// Endpoint returns the bound local endpoint.
func (s *Udp) Endpoint() smoltcp.Endpoint { return s.endpoint }

// DebugID implements [Socket].
func (s *Udp) DebugID() int { return s.debugID }

// SetDebugID implements [Socket].
func (s *Udp) SetDebugID(id int) { s.debugID = id }

// Bind sets the local endpoint. The port must be non-zero; the address may
// be left unspecified to accept datagrams for any local address.
func (s *Udp) Bind(e smoltcp.Endpoint) error {
	if e.Port == 0 {
		return smoltcp.ErrUnaddressable
	}
	s.endpoint = e
	return nil
}

// Accepts is the UDP acceptance predicate over a parsed datagram.
func (s *Udp) Accepts(ip *ipv4.Repr, r *udp.Repr) bool {
	if s.endpoint.Port == 0 || s.endpoint.Port != r.DstPort {
		return false
	}
	return !s.endpoint.Addr.IsValid() || s.endpoint.Addr == ip.DstAddr
}

// WouldAccept implements [Socket].
func (s *Udp) WouldAccept(ip *ipv4.Repr, payload []byte) bool {
	if ip.Protocol != smoltcp.IPProtoUDP {
		return false
	}
	var vld smoltcp.Validator
	r, err := udp.ParseRepr(payload, ip, &vld)
	return err == nil && s.Accepts(ip, &r)
}

// Process implements [Socket].
func (s *Udp) Process(timestamp int64, ip *ipv4.Repr, payload []byte) error {
	var vld smoltcp.Validator
	r, err := udp.ParseRepr(payload, ip, &vld)
	if err != nil {
		return err
	}
	return s.ProcessRepr(timestamp, ip, &r)
}

// ProcessRepr delivers a parsed datagram already matched by the dispatch
// index.
func (s *Udp) ProcessRepr(timestamp int64, ip *ipv4.Repr, r *udp.Repr) error {
	if !s.Accepts(ip, r) {
		return smoltcp.ErrRejected
	}
	slot := s.rx.Enqueue()
	if slot == nil {
		s.debug("udp:rx-full", slog.Uint64("port", uint64(s.endpoint.Port)))
		return smoltcp.ErrExhausted
	}
	err := slot.set(r.Payload, smoltcp.Endpoint{Addr: ip.SrcAddr, Port: r.SrcPort})
	if err != nil {
		s.rx.Remove(func(p *PacketBuffer) bool { return p == slot })
		return err
	}
	s.trace("udp:rx", slog.Uint64("port", uint64(s.endpoint.Port)), slog.Int("plen", len(r.Payload)))
	return nil
}

// Recv returns the oldest received datagram and its source endpoint. The
// returned slice is valid until the slot is reused.
func (s *Udp) Recv() ([]byte, smoltcp.Endpoint, error) {
	slot := s.rx.Dequeue()
	if slot == nil {
		return nil, smoltcp.Endpoint{}, smoltcp.ErrExhausted
	}
	return slot.Bytes(), slot.Endpoint(), nil
}

// SendSlice queues payload for transmission to dst.
func (s *Udp) SendSlice(payload []byte, dst smoltcp.Endpoint) error {
	if s.endpoint.Port == 0 || dst.Port == 0 || !dst.Addr.IsValid() {
		return smoltcp.ErrUnaddressable
	}
	slot := s.tx.Enqueue()
	if slot == nil {
		return smoltcp.ErrExhausted
	}
	err := slot.set(payload, dst)
	if err != nil {
		s.tx.Remove(func(p *PacketBuffer) bool { return p == slot })
		return err
	}
	return nil
}

// Dispatch implements [Socket] by emitting the oldest queued datagram.
func (s *Udp) Dispatch(timestamp int64, limits *phy.Limits, emit EmitFunc) error {
	slot := s.tx.Front()
	if slot == nil {
		return smoltcp.ErrExhausted
	}
	dst := slot.Endpoint()
	payload := slot.Bytes()
	ipRepr := ipv4.Repr{
		SrcAddr:    s.endpoint.Addr,
		DstAddr:    dst.Addr,
		Protocol:   smoltcp.IPProtoUDP,
		PayloadLen: udp.SizeHeader + len(payload),
	}
	err := emit(ipRepr, ipRepr.PayloadLen, func(ip *ipv4.Repr, frame []byte) {
		r := udp.Repr{SrcPort: s.endpoint.Port, DstPort: dst.Port, Payload: payload}
		r.Emit(frame, ip)
	})
	if err != nil {
		return err
	}
	s.tx.Dequeue()
	s.trace("udp:tx", slog.Uint64("port", uint64(s.endpoint.Port)), slog.Int("plen", len(payload)))
	return nil
}

// IsDirty implements [Socket].
func (s *Udp) IsDirty() bool { return !s.tx.Empty() }

// PollAt implements [Socket]. UDP sockets have no timers.
func (s *Udp) PollAt() int64 { return -1 }
