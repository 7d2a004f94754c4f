package socket

import (
	"log/slog"

	"github.com/batonius/smoltcp"
)

// Tracker is the scoped guard around a mutable socket borrow. It captures a
// snapshot of the socket's index-relevant state on acquisition; Release
// compares the snapshot against the current state and repairs the dispatch
// index, then queues the handle on the dirty list if the socket has transmit
// work and is not queued yet.
//
// Release must be called exactly once. The container refuses to hand out a
// second guard (or perform any other operation) while one is outstanding,
// which also catches forgotten releases. Unguarded socket mutation is
// forbidden.
type Tracker struct {
	c        *Container
	handle   Handle
	sock     Socket
	snap     indexSnapshot
	released bool
}

// indexSnapshot captures the index-relevant state of any socket kind.
type indexSnapshot struct {
	kind        Kind
	udpEndpoint smoltcp.Endpoint
	tcpKey      tcpKey
}

func snapshotOf(s Socket) indexSnapshot {
	snap := indexSnapshot{kind: s.Kind()}
	switch s := s.(type) {
	case *Udp:
		snap.udpEndpoint = s.Endpoint()
	case *Tcp:
		snap.tcpKey = tcpSnapshot(s)
	}
	return snap
}

func (c *Container) acquire(h Handle, s Socket) *Tracker {
	c.tracking = true
	return &Tracker{c: c, handle: h, sock: s, snap: snapshotOf(s)}
}

// Handle returns the tracked socket's handle.
func (t *Tracker) Handle() Handle { return t.handle }

// Socket returns the tracked socket.
func (t *Tracker) Socket() Socket { return t.sock }

// TCP downcasts the tracked socket, returning nil on kind mismatch.
func (t *Tracker) TCP() *Tcp {
	s, _ := t.sock.(*Tcp)
	return s
}

// UDP downcasts the tracked socket, returning nil on kind mismatch.
func (t *Tracker) UDP() *Udp {
	s, _ := t.sock.(*Udp)
	return s
}

// Raw downcasts the tracked socket, returning nil on kind mismatch.
func (t *Tracker) Raw() *Raw {
	s, _ := t.sock.(*Raw)
	return s
}

// Release ends the borrow, synchronising the dispatch index and the dirty
// queue with the socket's state. Index collisions produced by the mutation
// (such as rebinding onto an occupied endpoint) are logged and leave the
// socket unindexed.
func (t *Tracker) Release() {
	if t.released {
		panic("socket: tracker released twice")
	}
	t.released = true
	c := t.c
	c.tracking = false

	cur := snapshotOf(t.sock)
	if cur != t.snap {
		var err error
		switch t.snap.kind {
		case KindUDP:
			c.table.removeUDP(t.handle)
			err = c.table.ensure().addUDP(cur.udpEndpoint, t.handle)
		case KindTCP:
			c.table.removeTCP(t.handle)
			err = c.table.ensure().addTCP(cur.tcpKey, t.handle)
		}
		if err != nil {
			c.error("tracker:reindex", slog.Int("handle", int(t.handle)),
				slog.String("kind", t.snap.kind.String()), slog.String("err", err.Error()))
		}
	}
	if t.sock.IsDirty() && !t.sock.onDirtyList() {
		c.pushDirty(t.handle, t.sock)
	}
}
