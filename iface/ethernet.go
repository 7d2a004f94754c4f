// Package iface implements the Ethernet interface engine: the per-poll cycle
// that reads one frame from the device, classifies it, routes it to a socket
// or synthesizes the protocol-mandated reply, resolves next-hop hardware
// addresses through the ARP cache, and drains dirty sockets into transmit
// frames.
package iface

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/arp"
	"github.com/batonius/smoltcp/ethernet"
	"github.com/batonius/smoltcp/internal"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/ipv4/icmpv4"
	"github.com/batonius/smoltcp/phy"
	"github.com/batonius/smoltcp/socket"
	"github.com/batonius/smoltcp/tcp"
	"github.com/batonius/smoltcp/udp"
)

// Config configures an [Interface].
type Config struct {
	// Device is the link the interface drives. Required.
	Device phy.Device
	// Cache is the ARP cache. When nil a [SliceCache] with 8 slots is used.
	Cache Cache
	// HardwareAddr is the interface hardware address. Must be unicast.
	HardwareAddr [6]byte
	// ProtocolAddrs are the unicast IPv4 addresses assigned to the
	// interface. At least one is required.
	ProtocolAddrs []netip.Addr
	Logger        *slog.Logger
}

// Stats counts engine events. Drops and per-packet processing errors are
// never surfaced as Poll failures; they land here and in the trace log.
type Stats struct {
	RxFrames      uint64
	TxFrames      uint64
	RxDropped     uint64
	ProcessErrors uint64
	ARPFills      uint64
}

// Interface is an Ethernet network interface. It exclusively owns its
// device and ARP cache for the duration of each [Interface.Poll].
type Interface struct {
	device     phy.Device
	cache      Cache
	hwAddr     [6]byte
	protoAddrs []netip.Addr
	ipid       uint16
	vld        smoltcp.Validator
	stats      Stats
	logger
}

// New creates an interface over the given device.
//
// New panics if the hardware address is not unicast or any protocol address
// is not a unicast IPv4 address: those are programmer errors.
func New(cfg Config) (*Interface, error) {
	if cfg.Device == nil {
		return nil, errors.New("iface: nil device")
	}
	if len(cfg.ProtocolAddrs) == 0 {
		return nil, errors.New("iface: at least one protocol address required")
	}
	checkHardwareAddr(cfg.HardwareAddr)
	checkProtocolAddrs(cfg.ProtocolAddrs)
	cache := cfg.Cache
	if cache == nil {
		cache = NewSliceCache(8)
	}
	x := &Interface{
		device:     cfg.Device,
		cache:      cache,
		hwAddr:     cfg.HardwareAddr,
		protoAddrs: append([]netip.Addr(nil), cfg.ProtocolAddrs...),
		logger:     logger{log: cfg.Logger},
	}
	return x, nil
}

func checkHardwareAddr(hwAddr [6]byte) {
	if !ethernet.IsUnicastAddr(hwAddr) {
		panic("iface: hardware address is not unicast")
	}
}

func checkProtocolAddrs(addrs []netip.Addr) {
	for _, a := range addrs {
		if !a.Is4() || !smoltcp.IsUnicastAddr(a) {
			panic("iface: protocol address is not unicast IPv4")
		}
	}
}

// HardwareAddr returns the hardware address of the interface.
func (x *Interface) HardwareAddr() [6]byte { return x.hwAddr }

// SetHardwareAddr sets the hardware address. Panics if not unicast.
func (x *Interface) SetHardwareAddr(hwAddr [6]byte) {
	checkHardwareAddr(hwAddr)
	x.hwAddr = hwAddr
}

// ProtocolAddrs returns the protocol addresses of the interface.
func (x *Interface) ProtocolAddrs() []netip.Addr { return x.protoAddrs }

// SetProtocolAddrs replaces the protocol addresses. Panics if any is not
// unicast IPv4.
func (x *Interface) SetProtocolAddrs(addrs []netip.Addr) {
	checkProtocolAddrs(addrs)
	x.protoAddrs = append(x.protoAddrs[:0], addrs...)
}

// UpdateProtocolAddrs passes the address slice to f for in-place editing.
// Panics if any resulting address is not unicast IPv4.
func (x *Interface) UpdateProtocolAddrs(f func(*[]netip.Addr)) {
	f(&x.protoAddrs)
	checkProtocolAddrs(x.protoAddrs)
}

// HasProtocolAddr checks whether the interface has the given protocol
// address assigned.
func (x *Interface) HasProtocolAddr(addr netip.Addr) bool {
	for _, a := range x.protoAddrs {
		if a == addr {
			return true
		}
	}
	return false
}

// Stats returns a copy of the engine counters.
func (x *Interface) Stats() Stats { return x.stats }

// PollAt returns the soonest socket timer deadline in milliseconds, or -1.
// Callers needing wakeups at specific times poll again no later than this.
func (x *Interface) PollAt(c *socket.Container) int64 { return c.PollAt() }

// Poll transmits pending socket traffic, then receives and processes one
// frame, handling the given socket container. The timestamp is a
// monotonically increasing number of milliseconds.
//
// A momentarily idle device is a successful no-op; only hard device errors
// are returned.
func (x *Interface) Poll(c *socket.Container, timestamp int64) error {
	err := x.drain(c, timestamp)
	if err != nil {
		return err
	}

	frame, err := x.device.Receive(timestamp)
	if err != nil {
		if err == smoltcp.ErrExhausted {
			return nil // Nothing to receive.
		}
		return err
	}
	x.stats.RxFrames++

	resp, err := x.processFrame(c, timestamp, frame)
	if err != nil {
		x.stats.ProcessErrors++
		x.debug("iface:rx-error", slog.String("err", err.Error()))
		return nil
	}
	return x.sendResponse(timestamp, &resp)
}

// drain iterates the dirty queue with a bound equal to its capacity so a
// socket re-enqueueing itself cannot live-lock the poll.
func (x *Interface) drain(c *socket.Container, timestamp int64) error {
	limits := x.device.Limits()
	limits.MaxTransmissionUnit -= ethernet.SizeHeader
	bound := c.DirtyCapacity()
	deviceFull := false
	emit := x.emitFunc(timestamp, &deviceFull)
	for i := 0; i < bound; i++ {
		t := c.NextDirty()
		if t == nil {
			break
		}
		err := t.Socket().Dispatch(timestamp, &limits, emit)
		t.Release()
		switch {
		case err == nil:
		case err == smoltcp.ErrExhausted && deviceFull:
			// Transmit queue saturated; the tracker re-queued the socket.
			return nil
		case err == smoltcp.ErrExhausted:
			// Socket had no work after all.
		case err == smoltcp.ErrUnaddressable:
			// ARP request substituted for the packet; retried next tick.
		default:
			x.stats.ProcessErrors++
			x.debug("iface:dispatch-error", slog.String("err", err.Error()))
		}
	}
	return nil
}

// emitFunc builds the closure sockets emit through: it lowers the IP
// representation, resolves the next hop and frames the packet.
func (x *Interface) emitFunc(timestamp int64, deviceFull *bool) socket.EmitFunc {
	return func(ip ipv4.Repr, payloadLen int, fill func(ip *ipv4.Repr, payload []byte)) error {
		lowered, err := x.lower(ip)
		if err != nil {
			return err
		}
		lowered.PayloadLen = payloadLen
		hwDst, ok := x.cache.Lookup(lowered.DstAddr)
		if !ok {
			// Unresolved next hop: broadcast an ARP request in place of the
			// packet. The socket keeps its segment for the next tick.
			err = x.transmitARPRequest(timestamp, lowered.SrcAddr, lowered.DstAddr)
			if err == smoltcp.ErrExhausted {
				*deviceFull = true
				return smoltcp.ErrExhausted
			} else if err != nil {
				return err
			}
			return smoltcp.ErrUnaddressable
		}
		frameLen := ethernet.SizeHeader + lowered.BufferLen() + payloadLen
		err = x.device.Transmit(timestamp, frameLen, func(frame []byte) {
			efrm, _ := ethernet.NewFrame(frame)
			*efrm.DestinationHardwareAddr() = hwDst
			*efrm.SourceHardwareAddr() = x.hwAddr
			efrm.SetEtherType(ethernet.TypeIPv4)
			lowered.Emit(efrm.Payload(), x.nextIPID())
			fill(&lowered, efrm.Payload()[lowered.BufferLen():])
		})
		if err == smoltcp.ErrExhausted {
			*deviceFull = true
			return smoltcp.ErrExhausted
		} else if err != nil {
			return err
		}
		x.stats.TxFrames++
		return nil
	}
}

// lower substitutes an unspecified source address with the interface's first
// configured address; a bound source must be configured on this interface.
func (x *Interface) lower(ip ipv4.Repr) (ipv4.Repr, error) {
	if !ip.DstAddr.Is4() {
		return ip, smoltcp.ErrUnaddressable
	}
	if !ip.SrcAddr.IsValid() || ip.SrcAddr.IsUnspecified() {
		ip.SrcAddr = x.protoAddrs[0]
		return ip, nil
	}
	if !x.HasProtocolAddr(ip.SrcAddr) {
		return ip, smoltcp.ErrUnaddressable
	}
	return ip, nil
}

func (x *Interface) nextIPID() uint16 {
	x.ipid = internal.Prand16(x.ipid + 1)
	return x.ipid
}

func (x *Interface) transmitARPRequest(timestamp int64, srcProto, dstProto netip.Addr) error {
	repr := arp.Repr{
		Operation:          arp.OpRequest,
		SourceHardwareAddr: x.hwAddr,
		SourceProtocolAddr: srcProto,
		TargetHardwareAddr: [6]byte{},
		TargetProtocolAddr: dstProto,
	}
	err := x.device.Transmit(timestamp, ethernet.SizeHeader+repr.BufferLen(), func(frame []byte) {
		efrm, _ := ethernet.NewFrame(frame)
		*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
		*efrm.SourceHardwareAddr() = x.hwAddr
		efrm.SetEtherType(ethernet.TypeARP)
		repr.Emit(efrm.Payload())
	})
	if err == nil {
		x.stats.TxFrames++
		x.trace("iface:arp-request", internal.SlogAddr4("target", addr4ptr(dstProto)))
	}
	return err
}

// response is the protocol-mandated reply synthesized while classifying one
// received frame. The zero value means no reply.
type response struct {
	// arpReply is set for link-level ARP replies.
	arpReply *arp.Repr
	// ip plus fill describe an IP-encapsulated reply (ICMPv4 or TCP RST).
	ip   ipv4.Repr
	fill func(ip *ipv4.Repr, payload []byte)
}

func (x *Interface) processFrame(c *socket.Container, timestamp int64, frame []byte) (response, error) {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return response{}, smoltcp.ErrTruncated
	}
	efrm.ValidateSize(&x.vld)
	if x.vld.HasError() {
		x.vld.ResetErr()
		return response{}, smoltcp.ErrTruncated
	}
	// Ignore any frames not directed to our hardware address.
	if !efrm.IsBroadcast() && *efrm.DestinationHardwareAddr() != x.hwAddr {
		x.stats.RxDropped++
		return response{}, nil
	}

	switch efrm.EtherTypeOrSize() {
	case ethernet.TypeARP:
		return x.processARP(efrm)
	case ethernet.TypeIPv4:
		return x.processIPv4(c, timestamp, efrm)
	}
	// Drop all other traffic.
	x.stats.RxDropped++
	return response{}, smoltcp.ErrUnrecognized
}

// processARP snoops all ARP traffic and responds to requests directed at us.
func (x *Interface) processARP(efrm ethernet.Frame) (response, error) {
	repr, err := arp.ParseRepr(efrm.Payload())
	if err != nil {
		return response{}, err
	}
	// Fill the cache from any unicast sender pair, gratuitous included.
	if ethernet.IsUnicastAddr(repr.SourceHardwareAddr) && smoltcp.IsUnicastAddr(repr.SourceProtocolAddr) {
		x.cache.Fill(repr.SourceProtocolAddr, repr.SourceHardwareAddr)
		x.stats.ARPFills++
		x.trace("iface:arp-fill", internal.SlogAddr4("proto", addr4ptr(repr.SourceProtocolAddr)),
			internal.SlogAddr6("hw", &repr.SourceHardwareAddr))
	}
	if repr.Operation == arp.OpRequest && x.HasProtocolAddr(repr.TargetProtocolAddr) {
		reply := &arp.Repr{
			Operation:          arp.OpReply,
			SourceHardwareAddr: x.hwAddr,
			SourceProtocolAddr: repr.TargetProtocolAddr,
			TargetHardwareAddr: repr.SourceHardwareAddr,
			TargetProtocolAddr: repr.SourceProtocolAddr,
		}
		return response{arpReply: reply}, nil
	}
	return response{}, nil
}

func (x *Interface) processIPv4(c *socket.Container, timestamp int64, efrm ethernet.Frame) (response, error) {
	ipRepr, err := ipv4.ParseRepr(efrm.Payload(), &x.vld)
	if err != nil {
		return response{}, err
	}
	if !smoltcp.IsUnicastAddr(ipRepr.SrcAddr) {
		// Discard packets with non-unicast source addresses.
		return response{}, smoltcp.ErrMalformed
	}
	if ethernet.IsUnicastAddr(*efrm.SourceHardwareAddr()) {
		// Fill the ARP cache from the IP header of unicast frames.
		x.cache.Fill(ipRepr.SrcAddr, *efrm.SourceHardwareAddr())
		x.stats.ARPFills++
	}

	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	payload := ifrm.Payload()

	// Pass every IP packet to the raw socket claiming its protocol.
	handledByRaw := false
	if t := c.GetRawSocket(smoltcp.IPv4, ipRepr.Protocol); t != nil {
		err := t.Socket().Process(timestamp, &ipRepr, payload)
		t.Release()
		switch err {
		case nil:
			handledByRaw = true
		case smoltcp.ErrRejected, smoltcp.ErrExhausted:
			// Not taken by the socket; continue as if unhandled.
		default:
			return response{}, err
		}
	}

	if !x.HasProtocolAddr(ipRepr.DstAddr) {
		// Ignore IP packets not directed at us.
		return response{}, nil
	}

	switch ipRepr.Protocol {
	case smoltcp.IPProtoICMP:
		return x.processICMPv4(ipRepr, payload)
	case smoltcp.IPProtoTCP:
		return x.processTCPv4(c, timestamp, ipRepr, payload)
	case smoltcp.IPProtoUDP:
		return x.processUDPv4(c, timestamp, ipRepr, efrm.Payload(), payload)
	}
	if handledByRaw {
		return response{}, nil
	}
	// Unsupported protocol, unclaimed: protocol unreachable.
	return x.unreachableResponse(ipRepr, efrm.Payload(), icmpv4.CodeProtoUnreachable), nil
}

func (x *Interface) processICMPv4(ipRepr ipv4.Repr, payload []byte) (response, error) {
	echo, err := icmpv4.ParseEcho(payload)
	if err != nil {
		return response{}, err
	}
	if echo.Reply {
		// Ignore any echo replies.
		return response{}, nil
	}
	reply := icmpv4.EchoRepr{
		Reply: true,
		Ident: echo.Ident,
		SeqNo: echo.SeqNo,
		Data:  echo.Data,
	}
	return response{
		ip: ipv4.Repr{
			SrcAddr:    ipRepr.DstAddr,
			DstAddr:    ipRepr.SrcAddr,
			Protocol:   smoltcp.IPProtoICMP,
			PayloadLen: reply.BufferLen(),
		},
		fill: func(ip *ipv4.Repr, dst []byte) { reply.Emit(dst) },
	}, nil
}

func (x *Interface) processTCPv4(c *socket.Container, timestamp int64, ipRepr ipv4.Repr, payload []byte) (response, error) {
	r, err := tcp.ParseRepr(payload, &ipRepr, &x.vld)
	if err != nil {
		return response{}, err
	}
	if t := c.GetTcpSocket(&ipRepr, &r); t != nil {
		err := t.TCP().ProcessRepr(timestamp, &ipRepr, &r)
		t.Release()
		if err != nil && err != smoltcp.ErrDropped {
			x.debug("iface:tcp-process", slog.String("err", err.Error()))
		}
		return response{}, nil
	}

	// The segment matched no socket: send a RST, unless it is itself a RST.
	if r.Flags.HasAny(tcp.FlagRST) {
		return response{}, nil
	}
	reply := tcp.Repr{
		SrcPort: r.DstPort,
		DstPort: r.SrcPort,
		Seq:     r.Ack,
		Ack:     r.Seq + tcp.Value(r.SegmentLen()),
		Flags:   tcp.FlagRST | tcp.FlagACK,
		Window:  0,
	}
	return response{
		ip: ipv4.Repr{
			SrcAddr:    ipRepr.DstAddr,
			DstAddr:    ipRepr.SrcAddr,
			Protocol:   smoltcp.IPProtoTCP,
			PayloadLen: reply.BufferLen(),
		},
		fill: func(ip *ipv4.Repr, dst []byte) { reply.Emit(dst, ip) },
	}, nil
}

func (x *Interface) processUDPv4(c *socket.Container, timestamp int64, ipRepr ipv4.Repr, ipPacket, payload []byte) (response, error) {
	r, err := udp.ParseRepr(payload, &ipRepr, &x.vld)
	if err != nil {
		return response{}, err
	}
	if t := c.GetUdpSocket(&ipRepr, &r); t != nil {
		err := t.UDP().ProcessRepr(timestamp, &ipRepr, &r)
		t.Release()
		if err != nil {
			x.debug("iface:udp-process", slog.String("err", err.Error()))
		}
		return response{}, nil
	}
	// The packet matched no socket: port unreachable.
	return x.unreachableResponse(ipRepr, ipPacket, icmpv4.CodePortUnreachable), nil
}

// unreachableResponse builds an ICMPv4 destination unreachable reply quoting
// the received IPv4 header plus the first eight payload octets.
func (x *Interface) unreachableResponse(ipRepr ipv4.Repr, ipPacket []byte, code icmpv4.CodeDestinationUnreachable) response {
	ifrm, err := ipv4.NewFrame(ipPacket)
	if err != nil {
		return response{}
	}
	quoteLen := ifrm.HeaderLength() + 8
	if quoteLen > len(ipPacket) {
		quoteLen = len(ipPacket)
	}
	reply := icmpv4.DstUnreachableRepr{
		Reason: code,
		Header: ipPacket[:quoteLen],
	}
	return response{
		ip: ipv4.Repr{
			SrcAddr:    ipRepr.DstAddr,
			DstAddr:    ipRepr.SrcAddr,
			Protocol:   smoltcp.IPProtoICMP,
			PayloadLen: reply.BufferLen(),
		},
		fill: func(ip *ipv4.Repr, dst []byte) { reply.Emit(dst) },
	}
}

// sendResponse frames a synthesized reply with the same logic as the
// transmit drain, but without socket involvement.
func (x *Interface) sendResponse(timestamp int64, resp *response) error {
	switch {
	case resp.arpReply != nil:
		repr := resp.arpReply
		err := x.device.Transmit(timestamp, ethernet.SizeHeader+repr.BufferLen(), func(frame []byte) {
			efrm, _ := ethernet.NewFrame(frame)
			*efrm.DestinationHardwareAddr() = repr.TargetHardwareAddr
			*efrm.SourceHardwareAddr() = x.hwAddr
			efrm.SetEtherType(ethernet.TypeARP)
			repr.Emit(efrm.Payload())
		})
		if err == smoltcp.ErrExhausted {
			return nil // Reply lost; the peer will retry.
		} else if err == nil {
			x.stats.TxFrames++
		}
		return err

	case resp.fill != nil:
		hwDst, ok := x.cache.Lookup(resp.ip.DstAddr)
		if !ok {
			// The sender pair was just learned, so this only trips for
			// replies to spoofed sources. Drop.
			x.stats.RxDropped++
			x.debug("iface:reply-unaddressable", internal.SlogAddr4("dst", addr4ptr(resp.ip.DstAddr)))
			return nil
		}
		frameLen := ethernet.SizeHeader + resp.ip.BufferLen() + resp.ip.PayloadLen
		err := x.device.Transmit(timestamp, frameLen, func(frame []byte) {
			efrm, _ := ethernet.NewFrame(frame)
			*efrm.DestinationHardwareAddr() = hwDst
			*efrm.SourceHardwareAddr() = x.hwAddr
			efrm.SetEtherType(ethernet.TypeIPv4)
			resp.ip.Emit(efrm.Payload(), x.nextIPID())
			resp.fill(&resp.ip, efrm.Payload()[resp.ip.BufferLen():])
		})
		if err == smoltcp.ErrExhausted {
			return nil
		} else if err == nil {
			x.stats.TxFrames++
		}
		return err
	}
	return nil
}

func addr4ptr(addr netip.Addr) *[4]byte {
	a := addr.As4()
	return &a
}

type logger struct {
	log *slog.Logger
}

func (l *logger) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelError, msg, attrs...)
}
func (l *logger) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelInfo, msg, attrs...)
}
func (l *logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
func (l *logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}
