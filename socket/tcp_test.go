package socket

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/phy"
	"github.com/batonius/smoltcp/tcp"
)

var testLimits = phy.Limits{MaxTransmissionUnit: 1500}

// dispatchOne runs one Dispatch and decodes the emitted segment, failing the
// test on emit-layer errors. ok is false when the socket had nothing to send.
func dispatchOne(t *testing.T, s *Tcp, timestamp int64) (r tcp.Repr, ip ipv4.Repr, ok bool) {
	t.Helper()
	var captured []byte
	err := s.Dispatch(timestamp, &testLimits, func(ipRepr ipv4.Repr, payloadLen int, fill func(*ipv4.Repr, []byte)) error {
		lowered := ipRepr
		if !lowered.SrcAddr.IsValid() {
			lowered.SrcAddr = netip.MustParseAddr("192.168.69.1")
		}
		buf := make([]byte, payloadLen)
		fill(&lowered, buf)
		captured = buf
		ip = lowered
		return nil
	})
	if err == smoltcp.ErrExhausted {
		return r, ip, false
	}
	if err != nil {
		t.Fatal("dispatch:", err)
	}
	if captured == nil {
		t.Fatal("dispatch succeeded without emitting")
	}
	var vld smoltcp.Validator
	r, err = tcp.ParseRepr(captured, &ip, &vld)
	if err != nil {
		t.Fatal("emitted segment does not parse:", err)
	}
	return r, ip, true
}

func inject(t *testing.T, s *Tcp, timestamp int64, ip *ipv4.Repr, r *tcp.Repr) {
	t.Helper()
	err := s.ProcessRepr(timestamp, ip, r)
	if err != nil {
		t.Fatal("process:", err)
	}
}

func testIPRepr(src, dst string) ipv4.Repr {
	return ipv4.Repr{
		SrcAddr:  netip.MustParseAddr(src),
		DstAddr:  netip.MustParseAddr(dst),
		Protocol: smoltcp.IPProtoTCP,
	}
}

func newEstablishedPair(t *testing.T) (server *Tcp, clientSeq tcp.Value, serverISS tcp.Value) {
	t.Helper()
	server = newTestTcp(t)
	err := server.Listen(ep("", 80))
	if err != nil {
		t.Fatal(err)
	}
	in := testIPRepr("192.168.69.100", "192.168.69.1")
	syn := tcp.Repr{SrcPort: 5000, DstPort: 80, Seq: 1000, Flags: tcp.FlagSYN, Window: 1024, MaxSegSize: 1460}
	inject(t, server, 0, &in, &syn)
	synack, _, ok := dispatchOne(t, server, 0)
	if !ok {
		t.Fatal("expected SYN-ACK")
	}
	serverISS = synack.Seq
	ack := tcp.Repr{SrcPort: 5000, DstPort: 80, Seq: 1001, Ack: serverISS + 1, Flags: tcp.FlagACK, Window: 1024}
	inject(t, server, 0, &in, &ack)
	if server.State() != tcp.StateEstablished {
		t.Fatalf("state %s, want ESTABLISHED", server.State())
	}
	return server, 1001, serverISS
}

func TestTcpPassiveOpen(t *testing.T) {
	s := newTestTcp(t)
	err := s.Listen(ep("", 80))
	if err != nil {
		t.Fatal(err)
	}
	if s.IsActive() || !s.IsOpen() {
		t.Fatal("listening socket should be open and not active")
	}
	in := testIPRepr("192.168.69.100", "192.168.69.1")
	syn := tcp.Repr{SrcPort: 5000, DstPort: 80, Seq: 1000, Flags: tcp.FlagSYN, Window: 1024}
	inject(t, s, 0, &in, &syn)
	if s.State() != tcp.StateSynRcvd {
		t.Fatalf("state %s, want SYN-RECEIVED", s.State())
	}
	if got := s.RemoteEndpoint(); got != ep("192.168.69.100", 5000) {
		t.Fatalf("remote endpoint %s", got)
	}
	if !s.IsDirty() {
		t.Fatal("socket owes a SYN-ACK")
	}
	synack, ipOut, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected SYN-ACK")
	}
	if !synack.Flags.HasAll(tcp.FlagSYN | tcp.FlagACK) {
		t.Fatalf("flags %s, want [SYN,ACK]", synack.Flags)
	}
	if synack.Ack != 1001 {
		t.Fatalf("ack %d, want 1001", synack.Ack)
	}
	if synack.MaxSegSize == 0 {
		t.Fatal("SYN-ACK should advertise an MSS")
	}
	if ipOut.DstAddr != netip.MustParseAddr("192.168.69.100") {
		t.Fatalf("reply addressed to %s", ipOut.DstAddr)
	}
	ack := tcp.Repr{SrcPort: 5000, DstPort: 80, Seq: 1001, Ack: synack.Seq + 1, Flags: tcp.FlagACK, Window: 1024}
	inject(t, s, 0, &in, &ack)
	if s.State() != tcp.StateEstablished {
		t.Fatalf("state %s, want ESTABLISHED", s.State())
	}
	if s.IsDirty() {
		t.Fatal("no reply owed after handshake completes")
	}
	if !s.MayRecv() || !s.MaySend() || !s.IsActive() {
		t.Fatal("established predicates wrong")
	}
}

func TestTcpDataEcho(t *testing.T) {
	s, clientSeq, serverISS := newEstablishedPair(t)
	in := testIPRepr("192.168.69.100", "192.168.69.1")
	data := tcp.Repr{
		SrcPort: 5000, DstPort: 80, Seq: clientSeq, Ack: serverISS + 1,
		Flags: tcp.FlagACK | tcp.FlagPSH, Window: 1024, Payload: []byte("ping"),
	}
	inject(t, s, 0, &in, &data)
	var buf [16]byte
	n, err := s.Read(buf[:])
	if err != nil || n != 4 || string(buf[:n]) != "ping" {
		t.Fatalf("read n=%d err=%v data=%q", n, err, buf[:n])
	}
	// The ACK for the data goes out on dispatch.
	ack, _, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected data ACK")
	}
	if ack.Ack != clientSeq+4 || len(ack.Payload) != 0 {
		t.Fatalf("ack=%d payload=%d, want ack=%d empty", ack.Ack, len(ack.Payload), clientSeq+4)
	}

	// Write response data; expect PSH on the flush boundary.
	n, err = s.Write([]byte("pong!"))
	if err != nil || n != 5 {
		t.Fatalf("write n=%d err=%v", n, err)
	}
	if !s.IsDirty() {
		t.Fatal("socket with queued data should be dirty")
	}
	out, _, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected data segment")
	}
	if !bytes.Equal(out.Payload, []byte("pong!")) {
		t.Fatalf("payload %q, want pong!", out.Payload)
	}
	if !out.Flags.HasAll(tcp.FlagPSH | tcp.FlagACK) {
		t.Fatalf("flags %s, want PSH|ACK", out.Flags)
	}
	if out.Seq != serverISS+1 {
		t.Fatalf("seq %d, want %d", out.Seq, serverISS+1)
	}

	// Peer acknowledges; transmit ring drains and the timer disarms.
	ack2 := tcp.Repr{
		SrcPort: 5000, DstPort: 80, Seq: clientSeq + 4, Ack: out.Seq + 5,
		Flags: tcp.FlagACK, Window: 1024,
	}
	inject(t, s, 1, &in, &ack2)
	if s.IsDirty() {
		t.Fatal("socket should be clean after full acknowledgment")
	}
	if s.PollAt() != -1 {
		t.Fatalf("pollAt %d, want -1", s.PollAt())
	}
}

func TestTcpRetransmit(t *testing.T) {
	s, clientSeq, serverISS := newEstablishedPair(t)
	_ = clientSeq
	s.Write([]byte("lost"))
	first, _, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected data segment")
	}
	if s.PollAt() < 0 {
		t.Fatal("retransmission timer should be armed")
	}
	// Nothing more to send before the timer fires.
	if _, _, ok := dispatchOne(t, s, 10); ok {
		t.Fatal("unexpected segment before retransmit timeout")
	}
	// Past the deadline the same bytes go out again.
	deadline := s.PollAt()
	re, _, ok := dispatchOne(t, s, deadline)
	if !ok {
		t.Fatal("expected retransmission")
	}
	if re.Seq != first.Seq || !bytes.Equal(re.Payload, first.Payload) {
		t.Fatalf("retransmit seq=%d data=%q, want seq=%d data=%q", re.Seq, re.Payload, first.Seq, first.Payload)
	}
	if s.PollAt() <= deadline {
		t.Fatal("backoff should move the deadline forward")
	}
	_ = serverISS
}

func TestTcpActiveOpen(t *testing.T) {
	s := newTestTcp(t)
	local := ep("192.168.69.1", 4000)
	remote := ep("192.168.69.100", 80)
	err := s.Connect(remote, local)
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsDirty() {
		t.Fatal("connecting socket owes a SYN")
	}
	syn, _, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected SYN")
	}
	if syn.Flags != tcp.FlagSYN || syn.MaxSegSize == 0 {
		t.Fatalf("flags=%s mss=%d, want [SYN] with MSS", syn.Flags, syn.MaxSegSize)
	}
	if s.State() != tcp.StateSynSent {
		t.Fatalf("state %s, want SYN-SENT", s.State())
	}
	in := testIPRepr("192.168.69.100", "192.168.69.1")
	synack := tcp.Repr{
		SrcPort: 80, DstPort: 4000, Seq: 7000, Ack: syn.Seq + 1,
		Flags: tcp.FlagSYN | tcp.FlagACK, Window: 1024,
	}
	inject(t, s, 0, &in, &synack)
	if s.State() != tcp.StateEstablished {
		t.Fatalf("state %s, want ESTABLISHED", s.State())
	}
	ack, _, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected handshake ACK")
	}
	if ack.Flags != tcp.FlagACK || ack.Ack != 7001 {
		t.Fatalf("flags=%s ack=%d, want [ACK] 7001", ack.Flags, ack.Ack)
	}
}

func TestTcpCloseSequence(t *testing.T) {
	s, clientSeq, serverISS := newEstablishedPair(t)
	in := testIPRepr("192.168.69.100", "192.168.69.1")
	err := s.Close()
	if err != nil {
		t.Fatal(err)
	}
	if s.MaySend() {
		t.Fatal("may_send after close")
	}
	fin, _, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected FIN")
	}
	if !fin.Flags.HasAll(tcp.FlagFIN) {
		t.Fatalf("flags %s, want FIN", fin.Flags)
	}
	if s.State() != tcp.StateFinWait1 {
		t.Fatalf("state %s, want FIN-WAIT-1", s.State())
	}
	// Peer acknowledges and closes its side in one segment.
	finack := tcp.Repr{
		SrcPort: 5000, DstPort: 80, Seq: clientSeq, Ack: serverISS + 2,
		Flags: tcp.FlagFIN | tcp.FlagACK, Window: 1024,
	}
	inject(t, s, 0, &in, &finack)
	if s.State() != tcp.StateTimeWait {
		t.Fatalf("state %s, want TIME-WAIT", s.State())
	}
	// Final ACK goes out; the socket then waits out 2*MSL.
	last, _, ok := dispatchOne(t, s, 0)
	if !ok {
		t.Fatal("expected final ACK")
	}
	if !last.Flags.HasAll(tcp.FlagACK) || last.Ack != clientSeq+1 {
		t.Fatalf("flags=%s ack=%d, want ACK %d", last.Flags, last.Ack, clientSeq+1)
	}
	if !s.IsDirty() {
		t.Fatal("time-wait socket stays on the dirty list until expiry")
	}
	expiry := s.PollAt()
	if expiry < 60_000 {
		t.Fatalf("time-wait expiry %d, want >= 60000", expiry)
	}
	if _, _, ok := dispatchOne(t, s, expiry); ok {
		t.Fatal("time-wait expiry should not emit")
	}
	if s.State() != tcp.StateClosed || s.IsDirty() {
		t.Fatalf("state %s dirty=%v after expiry, want CLOSED clean", s.State(), s.IsDirty())
	}
}
