package socket

import (
	"errors"
	"log/slog"
	"math"
	"net"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/internal"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/phy"
	"github.com/batonius/smoltcp/tcp"
)

const (
	minTCPBufferSize = 64

	// defaultAckDelay is how long a pure data acknowledgment may be held
	// back waiting for a piggyback opportunity.
	defaultAckDelay int64 = 10
	// defaultRetransmitTimeout is the base retransmission timeout; each
	// expiry doubles it up to defaultMaxRetransmitTimeout.
	defaultRetransmitTimeout    int64 = 200
	defaultMaxRetransmitTimeout int64 = 10_000
	// timeWaitDuration is 2*MSL for this stack.
	timeWaitDuration int64 = 60_000

	// defaultMSS applies when the peer advertises no maximum segment size.
	defaultMSS = 536
)

var errShortTCPBuffer = errors.New("socket: tcp stream buffer too small")

// issSalt seeds initial sequence numbers for sockets configured without an
// [tcp.ISNGenerator].
var issSalt uint32 = 0x6c25e3c5

// TcpConfig configures a [Tcp] socket.
type TcpConfig struct {
	// RxBuf and TxBuf back the stream ring buffers. Both are required and
	// must hold at least 64 bytes.
	RxBuf []byte
	TxBuf []byte
	// ISN generates initial sequence numbers per RFC 6528. When nil a
	// process-local xorshift sequence is used instead.
	ISN *tcp.ISNGenerator
	// AckDelay is the delayed-ACK hold time in milliseconds. Zero selects
	// the default; negative disables delaying.
	AckDelay int64
	// RetransmitTimeout is the base retransmission timeout in milliseconds.
	// Zero selects the default. Expiries back off exponentially up to
	// MaxRetransmitTimeout.
	RetransmitTimeout    int64
	MaxRetransmitTimeout int64
	Logger               *slog.Logger
}

// Tcp is a TCP connection socket: the RFC 793 state machine over a
// [tcp.ControlBlock], stream ring buffers, and the retransmission,
// time-wait and delayed-ACK timers, exposed through the container's
// process/dispatch contract.
type Tcp struct {
	dirtyFlag
	logger
	cb      tcp.ControlBlock
	local   smoltcp.Endpoint
	remote  smoltcp.Endpoint
	rx      internal.Ring
	tx      internal.Ring
	scratch []byte
	// sentData is the prefix of tx bytes already handed to the link and not
	// yet acknowledged. Unsent data begins at this offset.
	sentData int
	peerMSS  uint16
	iss      tcp.Value
	isn      *tcp.ISNGenerator

	needSyn bool
	closing bool

	rtxArmed   bool
	rtxAt      int64
	rtxBackoff uint8
	timeWaitAt int64
	// ackAt holds the delayed-ACK deadline; zero when no ACK is being held.
	ackAt int64

	ackDelay int64
	rto      int64
	rtoMax   int64

	debugID int
}

var _ Socket = (*Tcp)(nil)

// NewTcp creates a TCP socket in the Closed state with the given buffers.
func NewTcp(cfg TcpConfig) (*Tcp, error) {
	if len(cfg.RxBuf) < minTCPBufferSize || len(cfg.TxBuf) < minTCPBufferSize {
		return nil, errShortTCPBuffer
	}
	s := &Tcp{
		rx:       internal.Ring{Buf: cfg.RxBuf},
		tx:       internal.Ring{Buf: cfg.TxBuf},
		scratch:  make([]byte, len(cfg.TxBuf)),
		isn:      cfg.ISN,
		ackDelay: cfg.AckDelay,
		rto:      cfg.RetransmitTimeout,
		rtoMax:   cfg.MaxRetransmitTimeout,
		logger:   logger{log: cfg.Logger},
	}
	if s.ackDelay == 0 {
		s.ackDelay = defaultAckDelay
	} else if s.ackDelay < 0 {
		s.ackDelay = 0
	}
	if s.rto <= 0 {
		s.rto = defaultRetransmitTimeout
	}
	if s.rtoMax <= 0 {
		s.rtoMax = defaultMaxRetransmitTimeout
	}
	s.cb.SetLogger(cfg.Logger)
	return s, nil
}

// Kind implements [Socket].
func (s *Tcp) Kind() Kind { return KindTCP }

// DebugID implements [Socket].
func (s *Tcp) DebugID() int { return s.debugID }

// SetDebugID implements [Socket].
func (s *Tcp) SetDebugID(id int) { s.debugID = id }

// State returns the connection state.
func (s *Tcp) State() tcp.State { return s.cb.State() }

// LocalEndpoint returns the bound local endpoint.
func (s *Tcp) LocalEndpoint() smoltcp.Endpoint { return s.local }

// RemoteEndpoint returns the connected remote endpoint. Unbound while the
// socket listens.
func (s *Tcp) RemoteEndpoint() smoltcp.Endpoint { return s.remote }

// ISS returns the initial send sequence number of the current incarnation.
func (s *Tcp) ISS() tcp.Value { return s.iss }

func (s *Tcp) nextISS(local, remote smoltcp.Endpoint, timestamp int64) tcp.Value {
	if s.isn != nil {
		return s.isn.ISN(local, remote, timestamp)
	}
	issSalt = internal.Prand32(issSalt + uint32(timestamp))
	return tcp.Value(issSalt)
}

// Listen places the socket in the Listen state on the given local endpoint.
// The address may be unspecified to accept connections to any local address.
func (s *Tcp) Listen(local smoltcp.Endpoint) error {
	if local.Port == 0 {
		return smoltcp.ErrUnaddressable
	}
	s.resetStreams()
	s.iss = s.nextISS(local, smoltcp.Endpoint{}, 0)
	err := s.cb.Open(s.iss, s.recvWindow())
	if err != nil {
		return err
	}
	s.local = local
	s.remote = smoltcp.Endpoint{}
	return nil
}

// Connect starts an active open towards remote from the given local
// endpoint. The SYN is emitted on the next dispatch.
func (s *Tcp) Connect(remote, local smoltcp.Endpoint) error {
	if remote.Port == 0 || !remote.Addr.IsValid() || local.Port == 0 {
		return smoltcp.ErrUnaddressable
	}
	st := s.cb.State()
	if st != tcp.StateClosed {
		return smoltcp.ErrAlreadyInUse
	}
	s.resetStreams()
	s.iss = s.nextISS(local, remote, 0)
	s.local = local
	s.remote = remote
	s.needSyn = true
	return nil
}

// Close initiates the FIN sequence appropriate to the current state. Queued
// data is flushed before the FIN is emitted.
func (s *Tcp) Close() error {
	st := s.cb.State()
	if s.closing {
		return smoltcp.ErrDropped
	} else if st == tcp.StateClosed && !s.needSyn || st == tcp.StateTimeWait {
		return net.ErrClosed
	}
	if s.needSyn {
		// Connection never left the ground.
		s.abortInternal()
		return nil
	}
	s.closing = true
	return nil
}

// Abort forcibly terminates the connection without notifying the peer.
func (s *Tcp) Abort() {
	s.abortInternal()
}

func (s *Tcp) abortInternal() {
	s.cb.Abort()
	s.resetStreams()
	s.needSyn = false
	s.closing = false
	s.remote = smoltcp.Endpoint{}
}

func (s *Tcp) resetStreams() {
	s.rx.Reset()
	s.tx.Reset()
	s.sentData = 0
	s.peerMSS = 0
	s.rtxArmed = false
	s.rtxBackoff = 0
	s.timeWaitAt = 0
	s.ackAt = 0
}

//
// Observability predicates.
//

// IsOpen returns true while the socket is in any non-Closed state.
func (s *Tcp) IsOpen() bool { return s.cb.State() != tcp.StateClosed || s.needSyn }

// IsActive returns true for states belonging to a particular connection.
// A listening or closed socket is not active.
func (s *Tcp) IsActive() bool {
	st := s.cb.State()
	return st != tcp.StateClosed && st != tcp.StateListen && st != tcp.StateTimeWait
}

// MayRecv returns true while data from the remote may still be received.
func (s *Tcp) MayRecv() bool { return s.cb.State().RxDataOpen() }

// MaySend returns true in the ESTABLISHED and CLOSE-WAIT states until Close
// is called.
func (s *Tcp) MaySend() bool { return s.cb.State().TxDataOpen() && !s.closing }

// CanSend returns true if a Write call would accept at least one byte.
func (s *Tcp) CanSend() bool { return s.MaySend() && s.tx.Free() > 0 }

// BufferedInput returns the amount of received bytes ready to Read.
func (s *Tcp) BufferedInput() int { return s.rx.Buffered() }

// Write queues data for transmission, implementing [io.Writer] semantics over
// the transmit ring. Short writes return the queued byte count.
func (s *Tcp) Write(b []byte) (int, error) {
	if !s.MaySend() {
		return 0, net.ErrClosed
	}
	free := s.tx.Free()
	if free == 0 {
		return 0, smoltcp.ErrExhausted
	}
	if len(b) > free {
		b = b[:free]
	}
	return s.tx.Write(b)
}

// Read drains received in-order data into b.
func (s *Tcp) Read(b []byte) (int, error) {
	if s.rx.Buffered() == 0 {
		st := s.cb.State()
		if st.IsClosed() {
			return 0, net.ErrClosed
		}
		return 0, smoltcp.ErrExhausted
	}
	return s.rx.Read(b)
}

func (s *Tcp) unsentData() int { return s.tx.Buffered() - s.sentData }

// WouldAccept implements [Socket].
func (s *Tcp) WouldAccept(ip *ipv4.Repr, payload []byte) bool {
	if ip.Protocol != smoltcp.IPProtoTCP {
		return false
	}
	var vld smoltcp.Validator
	r, err := tcp.ParseRepr(payload, ip, &vld)
	return err == nil && s.accepts(ip, &r)
}

func (s *Tcp) accepts(ip *ipv4.Repr, r *tcp.Repr) bool {
	if s.local.Port == 0 || r.DstPort != s.local.Port {
		return false
	}
	if s.local.Addr.IsValid() && s.local.Addr != ip.DstAddr {
		return false
	}
	if !s.remote.IsUnbound() {
		return r.SrcPort == s.remote.Port && ip.SrcAddr == s.remote.Addr
	}
	return s.cb.State() == tcp.StateListen
}

// Process implements [Socket].
func (s *Tcp) Process(timestamp int64, ip *ipv4.Repr, payload []byte) error {
	var vld smoltcp.Validator
	r, err := tcp.ParseRepr(payload, ip, &vld)
	if err != nil {
		return err
	}
	return s.ProcessRepr(timestamp, ip, &r)
}

// ProcessRepr delivers a parsed segment already matched by the dispatch
// index.
func (s *Tcp) ProcessRepr(timestamp int64, ip *ipv4.Repr, r *tcp.Repr) error {
	if !s.accepts(ip, r) {
		return smoltcp.ErrRejected
	}
	st := s.cb.State()
	if st == tcp.StateTimeWait || (st == tcp.StateClosed && !s.needSyn) {
		return smoltcp.ErrDropped
	}
	seg := r.Segment()
	if s.cb.IncomingIsKeepalive(seg) {
		s.trace("tcp:rx-keepalive", slog.Uint64("port", uint64(s.local.Port)))
		return nil
	}
	if len(r.Payload) > s.rx.Free() {
		// Cannot buffer the data; the peer will retransmit.
		return smoltcp.ErrExhausted
	}

	listening := st == tcp.StateListen
	prevUna := s.cb.SendUnacked()
	err := s.cb.Recv(seg)
	if err != nil {
		switch {
		case errors.Is(err, net.ErrClosed):
			// Connection reset by peer.
			s.info("tcp:rx-reset", slog.Uint64("port", uint64(s.local.Port)))
			s.resetStreams()
			s.closing = false
			return nil
		default:
			// Rejected or silently dropped segment; pending replies (such as
			// challenge ACKs) are picked up by the dirty queue.
			return smoltcp.ErrDropped
		}
	}
	newState := s.cb.State()
	if listening && newState == tcp.StateSynRcvd {
		s.remote = smoltcp.Endpoint{Addr: ip.SrcAddr, Port: r.SrcPort}
	}
	if seg.Flags.HasAny(tcp.FlagSYN) && r.MaxSegSize != 0 {
		s.peerMSS = r.MaxSegSize
	}
	if len(r.Payload) > 0 {
		_, werr := s.rx.Write(r.Payload)
		if werr != nil {
			return werr
		}
		s.cb.SetRecvWindow(s.recvWindow())
		if s.ackDelay > 0 && s.ackAt == 0 {
			s.ackAt = timestamp + s.ackDelay
		}
	}

	// Acknowledged data leaves the transmit ring.
	acked := int(tcp.Sizeof(prevUna, s.cb.SendUnacked()))
	if acked > s.sentData {
		acked = s.sentData
	}
	if acked > 0 {
		s.tx.ReadDiscard(acked)
		s.sentData -= acked
	}
	if s.cb.InFlight() == 0 {
		s.rtxArmed = false
		s.rtxBackoff = 0
	}
	if newState == tcp.StateTimeWait && s.timeWaitAt == 0 {
		s.timeWaitAt = timestamp + timeWaitDuration
	}
	if st != newState {
		s.debug("tcp:rx-statechange", slog.Uint64("port", uint64(s.local.Port)),
			slog.String("old", st.String()), slog.String("new", newState.String()),
			slog.String("rxflags", seg.Flags.String()))
	}
	return nil
}

// Dispatch implements [Socket]. At most one segment is emitted per call.
func (s *Tcp) Dispatch(timestamp int64, limits *phy.Limits, emit EmitFunc) error {
	st := s.cb.State()
	if st == tcp.StateTimeWait {
		if s.timeWaitAt != 0 && timestamp >= s.timeWaitAt {
			s.info("tcp:timewait-expiry", slog.Uint64("port", uint64(s.local.Port)))
			s.abortInternal()
			return smoltcp.ErrExhausted
		}
		if !s.cb.HasPending() {
			return smoltcp.ErrExhausted
		}
		// Fall through to emit the final ACK of the close sequence.
	}
	if st == tcp.StateClosed && !s.needSyn {
		return smoltcp.ErrExhausted
	}

	// Retransmission timer.
	if s.rtxArmed && s.cb.InFlight() > 0 && timestamp >= s.rtxAt {
		s.cb.Retransmit()
		s.sentData = 0
		if s.rtxBackoff < 16 {
			s.rtxBackoff++
		}
		s.rtxAt = timestamp + s.backoffRTO()
		s.debug("tcp:retransmit", slog.Uint64("port", uint64(s.local.Port)),
			slog.Uint64("backoff", uint64(s.rtxBackoff)))
	}
	if s.closing && s.unsentData() == 0 {
		s.closing = false
		err := s.cb.Close()
		if err != nil {
			s.abortInternal()
			return smoltcp.ErrExhausted
		}
	}

	s.cb.SetRecvWindow(s.recvWindow())
	var seg tcp.Segment
	if s.needSyn {
		seg = tcp.ClientSynSegment(s.iss, s.recvWindow())
	} else {
		off := s.sentData
		avail := s.unsentData()
		maxSeg := s.effectiveMSS(limits)
		if avail > maxSeg {
			avail = maxSeg
		}
		var ok bool
		seg, ok = s.cb.PendingSegment(avail)
		if !ok {
			return smoltcp.ErrExhausted
		}
		datalen := int(seg.DATALEN)
		if datalen == 0 && seg.Flags == tcp.FlagACK && s.ackAt != 0 && timestamp < s.ackAt {
			// Hold the pure acknowledgment for a piggyback opportunity.
			return smoltcp.ErrExhausted
		}
		if datalen > 0 {
			_, err := s.tx.ReadAt(s.scratch[:datalen], off)
			if err != nil {
				panic("tcp socket transmit bookkeeping out of sync")
			}
			if off+datalen == s.tx.Buffered() {
				seg.Flags |= tcp.FlagPSH
			}
		}
	}

	r := tcp.Repr{
		SrcPort: s.local.Port,
		DstPort: s.remote.Port,
		Seq:     seg.SEQ,
		Ack:     seg.ACK,
		Flags:   seg.Flags,
		Window:  uint16(seg.WND),
		Payload: s.scratch[:seg.DATALEN],
	}
	if seg.Flags.HasAny(tcp.FlagSYN) {
		r.MaxSegSize = uint16(s.advertisedMSS(limits))
	}
	ipRepr := ipv4.Repr{
		SrcAddr:    s.local.Addr,
		DstAddr:    s.remote.Addr,
		Protocol:   smoltcp.IPProtoTCP,
		PayloadLen: r.BufferLen(),
	}
	err := emit(ipRepr, ipRepr.PayloadLen, func(ip *ipv4.Repr, frame []byte) {
		r.Emit(frame, ip)
	})
	if err != nil {
		// Frame never made it onto the link; keep all state for a retry.
		return err
	}

	prevState := s.cb.State()
	err = s.cb.Send(seg)
	if err != nil {
		s.error("tcp:tx-reject", slog.Uint64("port", uint64(s.local.Port)), slog.String("err", err.Error()))
		return err
	}
	s.needSyn = false
	if seg.DATALEN > 0 {
		s.sentData += int(seg.DATALEN)
	}
	if seg.Flags.HasAny(tcp.FlagACK) && seg.DATALEN == 0 {
		s.ackAt = 0
	}
	if s.cb.InFlight() > 0 && !s.rtxArmed {
		s.rtxArmed = true
		s.rtxAt = timestamp + s.backoffRTO()
	}
	newState := s.cb.State()
	if newState == tcp.StateTimeWait && s.timeWaitAt == 0 {
		s.timeWaitAt = timestamp + timeWaitDuration
	}
	if prevState != newState {
		s.debug("tcp:tx-statechange", slog.Uint64("port", uint64(s.local.Port)),
			slog.String("old", prevState.String()), slog.String("new", newState.String()),
			slog.String("txflags", seg.Flags.String()))
	}
	return nil
}

// recvWindow is the advertised receive window, clamped to the 16-bit field.
func (s *Tcp) recvWindow() tcp.Size {
	free := s.rx.Free()
	if free > math.MaxUint16 {
		free = math.MaxUint16
	}
	return tcp.Size(free)
}

func (s *Tcp) backoffRTO() int64 {
	rto := s.rto << s.rtxBackoff
	if rto > s.rtoMax || rto <= 0 {
		rto = s.rtoMax
	}
	return rto
}

// advertisedMSS is the maximum segment size we announce to the peer. The
// engine hands sockets IP-level limits (link MTU minus the Ethernet header).
func (s *Tcp) advertisedMSS(limits *phy.Limits) int {
	mss := s.rx.Size()
	if limits != nil {
		linkMSS := limits.MaxTransmissionUnit - ipv4.SizeHeader - tcp.SizeHeader
		if linkMSS > 0 && linkMSS < mss {
			mss = linkMSS
		}
	}
	return mss
}

// effectiveMSS bounds outgoing segment payloads by the peer MSS and the link.
func (s *Tcp) effectiveMSS(limits *phy.Limits) int {
	mss := int(s.peerMSS)
	if mss == 0 {
		mss = defaultMSS
	}
	if adv := s.advertisedMSS(limits); adv < mss {
		mss = adv
	}
	return mss
}

// IsDirty implements [Socket].
func (s *Tcp) IsDirty() bool {
	st := s.cb.State()
	switch {
	case s.needSyn:
		return true
	case st == tcp.StateClosed:
		return false
	case st == tcp.StateTimeWait:
		// Stays queued so the time-wait expiry is observed during drains.
		return true
	case st == tcp.StateListen:
		return false
	}
	return s.closing || s.cb.HasPending() || s.unsentData() > 0 || s.cb.InFlight() > 0
}

// PollAt implements [Socket]: the soonest armed timer deadline.
func (s *Tcp) PollAt() int64 {
	at := int64(-1)
	min := func(v int64) {
		if v > 0 && (at < 0 || v < at) {
			at = v
		}
	}
	if s.rtxArmed {
		min(s.rtxAt)
	}
	if s.cb.State() == tcp.StateTimeWait {
		min(s.timeWaitAt)
	}
	min(s.ackAt)
	return at
}

// indexMode classifies how the socket must appear in the dispatch index.
func (s *Tcp) indexMode() indexMode {
	st := s.cb.State()
	switch {
	case st == tcp.StateListen:
		return modeListen
	case st == tcp.StateClosed && !s.needSyn:
		return modeNone
	case s.local.Port == 0 || s.remote.IsUnbound():
		return modeNone
	}
	return modeEstablished
}
