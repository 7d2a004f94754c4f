// Package socket implements the user socket state machines (raw, UDP, TCP)
// and the container that owns them: storage behind stable handles, the
// dispatch index that keys incoming packets to sockets, the dirty-socket
// queue that schedules transmissions, and the tracker guard that keeps index
// and queue coherent with socket state.
package socket

import (
	"log/slog"

	"github.com/batonius/smoltcp/internal"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/phy"
)

// Kind is the runtime tag discriminating concrete socket types.
type Kind uint8

const (
	KindRaw Kind = iota + 1
	KindUDP
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	}
	return "unknown"
}

// EmitFunc lowers and transmits a single IP packet on behalf of a socket's
// Dispatch. The engine reserves a frame for payloadLen bytes of IP payload
// and invokes fill with the lowered IP representation (source address
// substituted) and the payload region to write.
//
// EmitFunc returns [smoltcp.ErrExhausted] when the device cannot take a
// frame and [smoltcp.ErrUnaddressable] when the packet cannot be put on the
// link this tick (no matching source address, or next-hop hardware address
// still unresolved). In either case the socket must not advance its state.
type EmitFunc func(ip ipv4.Repr, payloadLen int, fill func(ip *ipv4.Repr, payload []byte)) error

// Socket is the minimal protocol shared by all socket state machines. The
// concrete types are [Raw], [Udp] and [Tcp]; Kind is the downcast tag.
type Socket interface {
	Kind() Kind

	// Process delivers an incoming IP payload already matched to this socket
	// by the dispatch index. [smoltcp.ErrRejected] means the socket refuses
	// the packet; [smoltcp.ErrExhausted] that its buffers are full.
	Process(timestamp int64, ip *ipv4.Repr, payload []byte) error

	// Dispatch emits at most one pending packet through emit. A socket with
	// no transmit work returns [smoltcp.ErrExhausted].
	Dispatch(timestamp int64, limits *phy.Limits, emit EmitFunc) error

	// WouldAccept is the pure form of the socket's acceptance predicate.
	WouldAccept(ip *ipv4.Repr, payload []byte) bool

	// IsDirty returns true while the socket has transmit work pending.
	IsDirty() bool

	// PollAt returns the socket's soonest timer deadline in milliseconds, or
	// -1 when no timer is armed.
	PollAt() int64

	// DebugID returns the caller-assigned identifier of the socket. The
	// stack's own log messages do not include it.
	DebugID() int
	// SetDebugID sets the identifier returned by DebugID.
	SetDebugID(id int)

	onDirtyList() bool
	setOnDirtyList(bool)
}

// dirtyFlag carries the "handle currently queued on the dirty list" bit
// every socket embeds. It is owned by the container.
type dirtyFlag struct {
	queued bool
}

func (d *dirtyFlag) onDirtyList() bool     { return d.queued }
func (d *dirtyFlag) setOnDirtyList(v bool) { d.queued = v }

type logger struct {
	log *slog.Logger
}

func (l *logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) error(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (l *logger) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l *logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(internal.LevelTrace, msg, attrs...)
}
