package socket

import (
	"github.com/batonius/smoltcp"
)

// indexMode classifies a TCP socket's presence in the dispatch index.
type indexMode uint8

const (
	modeNone indexMode = iota
	modeListen
	modeEstablished
)

type rawKey struct {
	version smoltcp.IPVersion
	proto   smoltcp.IPProto
}

type tcpKey struct {
	local  smoltcp.Endpoint
	remote smoltcp.Endpoint
	listen bool
}

// tcpLocalEndpoint collects the sockets reachable through one local
// endpoint: any number of listeners plus the established connections keyed
// by remote endpoint.
type tcpLocalEndpoint struct {
	listenSockets      map[Handle]struct{}
	establishedSockets map[smoltcp.Endpoint]Handle
}

func newTCPLocalEndpoint() *tcpLocalEndpoint {
	return &tcpLocalEndpoint{
		listenSockets:      make(map[Handle]struct{}),
		establishedSockets: make(map[smoltcp.Endpoint]Handle),
	}
}

func (lep *tcpLocalEndpoint) empty() bool {
	return len(lep.listenSockets) == 0 && len(lep.establishedSockets) == 0
}

// dispatchTable maps packet keys to socket handles so demultiplexing is
// sub-linear. Reverse indexes are kept in lockstep so removal never needs to
// inspect the socket.
type dispatchTable struct {
	raw map[rawKey]Handle
	udp map[smoltcp.Endpoint]Handle
	tcp map[smoltcp.Endpoint]*tcpLocalEndpoint

	revRaw map[Handle]rawKey
	revUdp map[Handle]smoltcp.Endpoint
	revTcp map[Handle]tcpKey
}

func newDispatchTable() dispatchTable {
	return dispatchTable{
		raw:    make(map[rawKey]Handle),
		udp:    make(map[smoltcp.Endpoint]Handle),
		tcp:    make(map[smoltcp.Endpoint]*tcpLocalEndpoint),
		revRaw: make(map[Handle]rawKey),
		revUdp: make(map[Handle]smoltcp.Endpoint),
		revTcp: make(map[Handle]tcpKey),
	}
}

// addSocket inserts the index entries implied by the socket's current state.
func (dt *dispatchTable) addSocket(s Socket, h Handle) error {
	switch s := s.(type) {
	case *Raw:
		return dt.addRaw(rawKey{s.IPVersion(), s.IPProtocol()}, h)
	case *Udp:
		return dt.addUDP(s.Endpoint(), h)
	case *Tcp:
		return dt.addTCP(tcpSnapshot(s), h)
	}
	panic("unknown socket kind")
}

// removeSocket removes whatever entries the handle owns.
func (dt *dispatchTable) removeSocket(s Socket, h Handle) error {
	switch s.Kind() {
	case KindRaw:
		return dt.removeRaw(h)
	case KindUDP:
		return dt.removeUDP(h)
	case KindTCP:
		return dt.removeTCP(h)
	}
	panic("unknown socket kind")
}

func (dt *dispatchTable) addRaw(key rawKey, h Handle) error {
	if _, exists := dt.raw[key]; exists {
		return smoltcp.ErrAlreadyInUse
	}
	dt.raw[key] = h
	dt.revRaw[h] = key
	return nil
}

func (dt *dispatchTable) removeRaw(h Handle) error {
	key, ok := dt.revRaw[h]
	if !ok {
		return smoltcp.ErrSocketNotFound
	}
	delete(dt.raw, key)
	delete(dt.revRaw, h)
	return nil
}

func (dt *dispatchTable) addUDP(endpoint smoltcp.Endpoint, h Handle) error {
	if endpoint.IsUnbound() {
		return nil // Unbound sockets are not indexed.
	}
	if _, exists := dt.udp[endpoint]; exists {
		return smoltcp.ErrAlreadyInUse
	}
	dt.udp[endpoint] = h
	dt.revUdp[h] = endpoint
	return nil
}

func (dt *dispatchTable) removeUDP(h Handle) error {
	endpoint, ok := dt.revUdp[h]
	if !ok {
		return nil // Was never indexed; nothing to undo.
	}
	delete(dt.udp, endpoint)
	delete(dt.revUdp, h)
	return nil
}

func (dt *dispatchTable) addTCP(key tcpKey, h Handle) error {
	if key.local.Port == 0 {
		return nil // Not indexable.
	}
	lep := dt.tcp[key.local]
	if lep == nil {
		lep = newTCPLocalEndpoint()
		dt.tcp[key.local] = lep
	}
	if key.listen {
		lep.listenSockets[h] = struct{}{}
	} else {
		if _, exists := lep.establishedSockets[key.remote]; exists {
			if lep.empty() {
				delete(dt.tcp, key.local)
			}
			return smoltcp.ErrAlreadyInUse
		}
		lep.establishedSockets[key.remote] = h
	}
	dt.revTcp[h] = key
	return nil
}

func (dt *dispatchTable) removeTCP(h Handle) error {
	key, ok := dt.revTcp[h]
	if !ok {
		return nil // Was never indexed; nothing to undo.
	}
	delete(dt.revTcp, h)
	lep := dt.tcp[key.local]
	if lep == nil {
		return smoltcp.ErrSocketNotFound
	}
	if key.listen {
		if _, ok := lep.listenSockets[h]; !ok {
			return smoltcp.ErrSocketNotFound
		}
		delete(lep.listenSockets, h)
	} else {
		got, ok := lep.establishedSockets[key.remote]
		if !ok || got != h {
			return smoltcp.ErrSocketNotFound
		}
		delete(lep.establishedSockets, key.remote)
	}
	if lep.empty() {
		delete(dt.tcp, key.local)
	}
	return nil
}

// lookupUDP resolves a datagram's destination endpoint to a handle. An exact
// address match wins over a wildcard-address binding at the same port.
func (dt *dispatchTable) lookupUDP(dst smoltcp.Endpoint) (Handle, bool) {
	if h, ok := dt.udp[dst]; ok {
		return h, true
	}
	h, ok := dt.udp[dst.WithUnspecifiedAddr()]
	return h, ok
}

// lookupTCP resolves a segment's destination (local) and source (remote)
// endpoints to a handle. An established connection keyed on the source wins
// over any listener at the same local endpoint; an exact local address
// entry is consulted before the wildcard-address entry.
func (dt *dispatchTable) lookupTCP(local, remote smoltcp.Endpoint) (Handle, bool) {
	if h, ok := dt.lookupTCPLocal(local, remote); ok {
		return h, true
	}
	return dt.lookupTCPLocal(local.WithUnspecifiedAddr(), remote)
}

func (dt *dispatchTable) lookupTCPLocal(local, remote smoltcp.Endpoint) (Handle, bool) {
	lep := dt.tcp[local]
	if lep == nil {
		return 0, false
	}
	if h, ok := lep.establishedSockets[remote]; ok {
		return h, true
	}
	// Lowest handle wins so repeated lookups are deterministic.
	var best Handle
	found := false
	for h := range lep.listenSockets {
		if !found || h < best {
			best, found = h, true
		}
	}
	return best, found
}

// tcpSnapshot captures a TCP socket's index-relevant state.
func tcpSnapshot(s *Tcp) tcpKey {
	mode := s.indexMode()
	key := tcpKey{listen: mode == modeListen}
	if mode == modeNone {
		return tcpKey{}
	}
	key.local = s.LocalEndpoint()
	if mode == modeEstablished {
		key.remote = s.RemoteEndpoint()
	}
	return key
}
