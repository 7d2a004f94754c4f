package socket

import (
	"net/netip"
	"testing"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/tcp"
	"github.com/batonius/smoltcp/udp"
	"github.com/davecgh/go-spew/spew"
)

func newTestTcp(t *testing.T) *Tcp {
	t.Helper()
	s, err := NewTcp(TcpConfig{
		RxBuf:    make([]byte, 512),
		TxBuf:    make([]byte, 512),
		AckDelay: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func ep(addr string, port uint16) smoltcp.Endpoint {
	e := smoltcp.Endpoint{Port: port}
	if addr != "" {
		e.Addr = netip.MustParseAddr(addr)
	}
	return e
}

// TestDispatcher exercises the wildcard endpoint lookup across a mix of
// wildcard and concrete listeners sharing one port.
func TestDispatcher(t *testing.T) {
	c := NewContainer(nil, nil)

	udpSock := NewUdp(MakePacketBuffers(1, 64), MakePacketBuffers(1, 128))
	tcpSock := newTestTcp(t)
	tcpSock2 := newTestTcp(t)
	tcpSock3 := newTestTcp(t)

	udpHandle, err := c.Add(udpSock)
	if err != nil {
		t.Fatal(err)
	}
	tcpHandle, err := c.Add(tcpSock)
	if err != nil {
		t.Fatal(err)
	}
	tcpHandle2, err := c.Add(tcpSock2)
	if err != nil {
		t.Fatal(err)
	}
	tcpHandle3, err := c.Add(tcpSock3)
	if err != nil {
		t.Fatal(err)
	}

	listen := func(h Handle, local smoltcp.Endpoint, debugID int) {
		t.Helper()
		tr := c.Get(h)
		tr.TCP().SetDebugID(debugID)
		err := tr.TCP().Listen(local)
		tr.Release()
		if err != nil {
			t.Fatal(err)
		}
	}
	listen(tcpHandle, ep("", 12345), 101)
	listen(tcpHandle2, ep("192.168.1.2", 12345), 102)
	listen(tcpHandle3, ep("192.168.1.4", 12345), 103)
	{
		tr := c.Get(udpHandle)
		tr.UDP().SetDebugID(201)
		err := tr.UDP().Bind(ep("", 12345))
		tr.Release()
		if err != nil {
			t.Fatal(err)
		}
	}

	udpRepr := udp.Repr{SrcPort: 9999, DstPort: 12345}
	tcpRepr := tcp.Repr{SrcPort: 9999, DstPort: 12345, Flags: tcp.FlagSYN, Seq: 0, Window: 64}
	ipRepr := ipv4.Repr{
		SrcAddr:  netip.MustParseAddr("192.168.1.100"),
		Protocol: smoltcp.IPProtoUDP,
	}

	ipRepr.DstAddr = netip.MustParseAddr("192.168.1.1")
	tr := c.GetUdpSocket(&ipRepr, &udpRepr)
	if tr == nil {
		t.Fatal("udp lookup failed")
	}
	if got := tr.UDP().DebugID(); got != 201 {
		t.Fatalf("udp lookup resolved socket %d, want 201", got)
	}
	tr.Release()

	ipRepr.Protocol = smoltcp.IPProtoTCP
	for _, tc := range []struct {
		dst     string
		debugID int
	}{
		{"192.168.1.1", 101},
		{"192.168.1.2", 102},
		{"192.168.1.3", 101},
		{"192.168.1.4", 103},
		{"192.168.1.5", 101},
	} {
		ipRepr.DstAddr = netip.MustParseAddr(tc.dst)
		tr := c.GetTcpSocket(&ipRepr, &tcpRepr)
		if tr == nil {
			t.Fatalf("tcp lookup for %s failed", tc.dst)
		}
		if got := tr.TCP().DebugID(); got != tc.debugID {
			t.Errorf("tcp lookup for %s resolved socket %d, want %d", tc.dst, got, tc.debugID)
		}
		tr.Release()
	}

	ipRepr.Protocol = smoltcp.IPProtoUDP
	c.Remove(udpHandle)
	if tr := c.GetUdpSocket(&ipRepr, &udpRepr); tr != nil {
		tr.Release()
		t.Fatal("udp lookup after remove should fail")
	}

	ipRepr.Protocol = smoltcp.IPProtoTCP
	ipRepr.DstAddr = netip.MustParseAddr("192.168.1.2")
	tr = c.GetTcpSocket(&ipRepr, &tcpRepr)
	if got := tr.TCP().DebugID(); got != 102 {
		t.Fatalf("lookup resolved %d, want 102", got)
	}
	tr.Release()

	c.Remove(tcpHandle2)
	tr = c.GetTcpSocket(&ipRepr, &tcpRepr)
	if tr == nil {
		t.Fatal("lookup after removing exact listener should fall to wildcard")
	}
	if got := tr.TCP().DebugID(); got != 101 {
		t.Fatalf("lookup resolved %d, want 101", got)
	}
	tr.Release()
}

// TestIndexSoundness verifies that every index entry resolves to a live
// socket whose state implies the key, across add/remove/rebind mutations.
func TestIndexSoundness(t *testing.T) {
	c := NewContainer(nil, nil)
	udpSock := NewUdp(MakePacketBuffers(1, 64), MakePacketBuffers(1, 64))
	h, err := c.Add(udpSock)
	if err != nil {
		t.Fatal(err)
	}
	// Unbound: no entry.
	if len(c.table.udp) != 0 || len(c.table.revUdp) != 0 {
		t.Fatalf("unbound udp socket indexed: %s", spew.Sdump(c.table.udp))
	}
	// Bind through the tracker: exactly one entry.
	tr := c.Get(h)
	tr.UDP().Bind(ep("", 7000))
	tr.Release()
	if len(c.table.udp) != 1 || c.table.udp[ep("", 7000)] != h {
		t.Fatalf("bound udp socket not indexed: %s", spew.Sdump(c.table.udp))
	}
	// Rebind moves the entry.
	tr = c.Get(h)
	tr.UDP().Bind(ep("10.0.0.1", 7001))
	tr.Release()
	if len(c.table.udp) != 1 || c.table.udp[ep("10.0.0.1", 7001)] != h {
		t.Fatalf("rebind did not move index entry: %s", spew.Sdump(c.table.udp))
	}
	if c.table.revUdp[h] != ep("10.0.0.1", 7001) {
		t.Fatal("reverse index out of lockstep")
	}

	// A second socket claiming the same endpoint is refused.
	dup := NewUdp(MakePacketBuffers(1, 64), MakePacketBuffers(1, 64))
	dup.Bind(ep("10.0.0.1", 7001))
	_, err = c.Add(dup)
	if err != smoltcp.ErrAlreadyInUse {
		t.Fatalf("duplicate add: %v, want %v", err, smoltcp.ErrAlreadyInUse)
	}

	// Remove clears everything.
	c.Remove(h)
	if len(c.table.udp) != 0 || len(c.table.revUdp) != 0 {
		t.Fatalf("index entries survive removal: %s", spew.Sdump(c.table))
	}
}

// TestTCPReindexOnTransition checks that the tracker moves a listener to the
// established table when a SYN arrives.
func TestTCPReindexOnTransition(t *testing.T) {
	c := NewContainer(nil, nil)
	s := newTestTcp(t)
	h, err := c.Add(s)
	if err != nil {
		t.Fatal(err)
	}
	local := ep("192.168.1.1", 80)
	tr := c.Get(h)
	err = tr.TCP().Listen(local)
	tr.Release()
	if err != nil {
		t.Fatal(err)
	}
	lep := c.table.tcp[local]
	if lep == nil || len(lep.listenSockets) != 1 {
		t.Fatalf("listener not indexed: %s", spew.Sdump(c.table.tcp))
	}

	ipRepr := ipv4.Repr{
		SrcAddr:  netip.MustParseAddr("192.168.1.100"),
		DstAddr:  netip.MustParseAddr("192.168.1.1"),
		Protocol: smoltcp.IPProtoTCP,
	}
	syn := tcp.Repr{SrcPort: 5000, DstPort: 80, Seq: 42, Flags: tcp.FlagSYN, Window: 512}
	tr = c.GetTcpSocket(&ipRepr, &syn)
	if tr == nil {
		t.Fatal("listener lookup failed")
	}
	err = tr.TCP().ProcessRepr(0, &ipRepr, &syn)
	tr.Release()
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != tcp.StateSynRcvd {
		t.Fatalf("state %s, want SYN-RECEIVED", s.State())
	}
	lep = c.table.tcp[local]
	if lep == nil || len(lep.listenSockets) != 0 || len(lep.establishedSockets) != 1 {
		t.Fatalf("socket not moved to established table: %s", spew.Sdump(c.table.tcp))
	}
	remote := ep("192.168.1.100", 5000)
	if lep.establishedSockets[remote] != h {
		t.Fatal("established entry keyed wrong")
	}
	// The SYN-ACK is owed: handle must be queued exactly once.
	if !s.IsDirty() || !s.onDirtyList() || c.DirtyLen() != 1 {
		t.Fatalf("dirty bookkeeping wrong: dirty=%v queued=%v len=%d", s.IsDirty(), s.onDirtyList(), c.DirtyLen())
	}
}

// TestDirtyQueueSoundness verifies flag/queue agreement through tracker
// releases and removal.
func TestDirtyQueueSoundness(t *testing.T) {
	c := NewContainer(nil, nil)
	a := NewUdp(MakePacketBuffers(2, 64), MakePacketBuffers(2, 64))
	b := NewUdp(MakePacketBuffers(2, 64), MakePacketBuffers(2, 64))
	ha, _ := c.Add(a)
	hb, _ := c.Add(b)

	bindAndSend := func(h Handle, port uint16) {
		t.Helper()
		tr := c.Get(h)
		tr.UDP().Bind(ep("", port))
		err := tr.UDP().SendSlice([]byte("x"), ep("10.0.0.9", 99))
		tr.Release()
		if err != nil {
			t.Fatal(err)
		}
	}
	bindAndSend(ha, 1000)
	bindAndSend(hb, 1001)
	if c.DirtyLen() != 2 {
		t.Fatalf("dirty len %d, want 2", c.DirtyLen())
	}
	// Releasing again must not double-queue.
	tr := c.Get(ha)
	tr.Release()
	if c.DirtyLen() != 2 {
		t.Fatalf("double queue: dirty len %d, want 2", c.DirtyLen())
	}
	// FIFO order.
	d := c.NextDirty()
	if d.Handle() != ha {
		t.Fatalf("dirty order: got %d, want %d", d.Handle(), ha)
	}
	if d.Socket().onDirtyList() {
		t.Fatal("flag should clear on dequeue")
	}
	d.Release() // Still has the datagram queued: re-enqueued at the tail.
	if c.DirtyLen() != 2 || !a.onDirtyList() {
		t.Fatal("dirty socket should be re-queued on release")
	}
	d = c.NextDirty()
	if d.Handle() != hb {
		t.Fatalf("dirty order after requeue: got %d, want %d", d.Handle(), hb)
	}
	d.Release()
	// Removing a queued socket clears its membership.
	c.Remove(ha)
	if c.DirtyLen() != 1 {
		t.Fatalf("dirty len after remove %d, want 1", c.DirtyLen())
	}
}

func TestTrackerMisuse(t *testing.T) {
	c := NewContainer(nil, nil)
	s := NewUdp(MakePacketBuffers(1, 64), MakePacketBuffers(1, 64))
	h, _ := c.Add(s)
	tr := c.Get(h)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("second borrow with outstanding tracker should panic")
			}
		}()
		c.Get(h)
	}()
	tr.Release()
	defer func() {
		if recover() == nil {
			t.Error("double release should panic")
		}
	}()
	tr.Release()
}
