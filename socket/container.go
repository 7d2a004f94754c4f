package socket

import (
	"log/slog"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/internal"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/tcp"
	"github.com/batonius/smoltcp/udp"
)

// Handle is the stable, opaque identifier of a socket within one container.
// It stays valid until [Container.Remove] is invoked on it.
type Handle int

// Container owns a heterogeneous set of sockets behind stable handles,
// the dispatch index resolving packet keys to handles, and the dirty-socket
// queue scheduling transmissions in FIFO order.
//
// All mutable access to sockets goes through [Tracker] guards obtained from
// the Get methods; at most one guard may be outstanding at a time and its
// Release keeps index and dirty queue coherent.
type Container struct {
	sockets []Socket
	table   dispatchTable
	dirty   internal.Queue[Handle]
	// tracking is set while a Tracker is outstanding. Guards against
	// aliasing and forgotten Release calls.
	tracking bool
	fixed    bool
	logger
}

// NewContainer creates a container. Passing nil storage selects growable
// heap storage; fixed storage panics when exhausted, as does a dirty queue
// smaller than the socket storage.
func NewContainer(socketStorage []Socket, dirtyStorage []Handle) *Container {
	c := &Container{}
	if socketStorage != nil {
		c.fixed = true
		for i := range socketStorage {
			socketStorage[i] = nil
		}
		c.sockets = socketStorage[:0]
	}
	if dirtyStorage != nil {
		if c.fixed && len(dirtyStorage) < len(socketStorage) {
			panic("socket: dirty queue storage smaller than socket storage")
		}
		c.dirty = internal.NewQueue(dirtyStorage)
	} else {
		c.dirty = internal.NewQueueOwned[Handle](cap(c.sockets))
	}
	return c
}

// SetLogger sets the logger used by the container.
func (c *Container) SetLogger(log *slog.Logger) { c.logger.log = log }

func (c *Container) checkNotTracking() {
	if c.tracking {
		panic("socket: tracker not released")
	}
}

// Add inserts a socket, assigns a handle and creates the index entries its
// current state implies. Index collisions return [smoltcp.ErrAlreadyInUse].
//
// Add panics if the container uses fixed-size storage and it is full.
func (c *Container) Add(s Socket) (Handle, error) {
	c.checkNotTracking()
	h := Handle(-1)
	for i := range c.sockets {
		if c.sockets[i] == nil {
			h = Handle(i)
			break
		}
	}
	if h < 0 {
		if c.fixed && len(c.sockets) == cap(c.sockets) {
			panic("socket: container storage full")
		}
		c.sockets = append(c.sockets, nil)
		h = Handle(len(c.sockets) - 1)
	}
	for c.dirty.Capacity() < len(c.sockets) {
		c.dirty.Expand()
	}
	err := c.table.ensure().addSocket(s, h)
	if err != nil {
		return 0, err
	}
	c.sockets[h] = s
	s.setOnDirtyList(false)
	return h, nil
}

// Remove removes a socket without changing its state, clearing its index
// entries and dirty queue membership. Panics on an invalid handle.
func (c *Container) Remove(h Handle) Socket {
	c.checkNotTracking()
	s := c.mustGet(h)
	err := c.table.removeSocket(s, h)
	if err != nil {
		c.error("container:remove-index", slog.Int("handle", int(h)), slog.String("err", err.Error()))
	}
	if s.onDirtyList() {
		removed := c.dirty.Remove(func(q *Handle) bool { return *q == h })
		if !removed {
			panic("socket: dirty queue out of sync with socket flag")
		}
		s.setOnDirtyList(false)
	}
	c.sockets[h] = nil
	return s
}

func (c *Container) mustGet(h Handle) Socket {
	if int(h) < 0 || int(h) >= len(c.sockets) || c.sockets[h] == nil {
		panic("socket: invalid handle")
	}
	return c.sockets[h]
}

// Get returns a tracker guard for the socket at h. The guard must be
// released before any other container operation.
func (c *Container) Get(h Handle) *Tracker {
	c.checkNotTracking()
	return c.acquire(h, c.mustGet(h))
}

// GetRawSocket returns a guard over the raw socket claiming the given
// version and protocol, or nil.
func (c *Container) GetRawSocket(version smoltcp.IPVersion, proto smoltcp.IPProto) *Tracker {
	c.checkNotTracking()
	h, ok := c.table.raw[rawKey{version, proto}]
	if !ok {
		return nil
	}
	return c.acquire(h, c.mustGet(h))
}

// GetUdpSocket resolves a parsed datagram to the socket accepting it, or nil.
func (c *Container) GetUdpSocket(ip *ipv4.Repr, r *udp.Repr) *Tracker {
	c.checkNotTracking()
	h, ok := c.table.lookupUDP(smoltcp.Endpoint{Addr: ip.DstAddr, Port: r.DstPort})
	if !ok {
		return nil
	}
	return c.acquire(h, c.mustGet(h))
}

// GetTcpSocket resolves a parsed segment to the socket accepting it, or nil.
// An established connection wins over a listener at the same local endpoint.
func (c *Container) GetTcpSocket(ip *ipv4.Repr, r *tcp.Repr) *Tracker {
	c.checkNotTracking()
	local := smoltcp.Endpoint{Addr: ip.DstAddr, Port: r.DstPort}
	remote := smoltcp.Endpoint{Addr: ip.SrcAddr, Port: r.SrcPort}
	h, ok := c.table.lookupTCP(local, remote)
	if !ok {
		return nil
	}
	return c.acquire(h, c.mustGet(h))
}

// NextDirty pops the next dirty socket and returns its guard, or nil when
// the queue is empty. The socket's queue membership flag is cleared; the
// guard's Release re-queues it if it is still dirty.
func (c *Container) NextDirty() *Tracker {
	c.checkNotTracking()
	hp := c.dirty.Dequeue()
	if hp == nil {
		return nil
	}
	h := *hp
	s := c.mustGet(h)
	s.setOnDirtyList(false)
	return c.acquire(h, s)
}

// DirtyCapacity returns the dirty queue capacity, the bound a transmit drain
// must respect to avoid live-lock.
func (c *Container) DirtyCapacity() int { return c.dirty.Capacity() }

// DirtyLen returns how many handles are queued for transmit.
func (c *Container) DirtyLen() int { return c.dirty.Len() }

// PollAt returns the soonest timer deadline across all sockets in
// milliseconds, or -1 when no socket has a timer armed.
func (c *Container) PollAt() int64 {
	at := int64(-1)
	for _, s := range c.sockets {
		if s == nil {
			continue
		}
		if v := s.PollAt(); v >= 0 && (at < 0 || v < at) {
			at = v
		}
	}
	return at
}

func (c *Container) pushDirty(h Handle, s Socket) {
	for c.dirty.Full() && c.dirty.Owned() {
		c.dirty.Expand()
	}
	slot := c.dirty.Enqueue()
	if slot == nil {
		// Capacity is maintained >= socket count and each socket appears at
		// most once, so this is unreachable.
		panic("socket: dirty queue overflow")
	}
	*slot = h
	s.setOnDirtyList(true)
}

// ensure lazily initializes the dispatch table maps so the zero Container
// composes with NewContainer.
func (dt *dispatchTable) ensure() *dispatchTable {
	if dt.raw == nil {
		*dt = newDispatchTable()
	}
	return dt
}
