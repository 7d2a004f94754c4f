package tcp

import "testing"

// exchange sends a pending segment from one control block to the other and
// returns it for inspection.
func exchange(t *testing.T, from, to *ControlBlock, payloadLen int) Segment {
	t.Helper()
	seg, ok := from.PendingSegment(payloadLen)
	if !ok {
		t.Fatal("expected pending segment")
	}
	err := from.Send(seg)
	if err != nil {
		t.Fatal("send:", err)
	}
	err = to.Recv(seg)
	if err != nil {
		t.Fatal("recv:", err)
	}
	return seg
}

func TestControlBlockHandshake(t *testing.T) {
	const (
		clientISS Value = 100
		serverISS Value = 300
		wnd       Size  = 1024
	)
	var client, server ControlBlock
	err := server.Open(serverISS, wnd)
	if err != nil {
		t.Fatal(err)
	}
	if server.State() != StateListen {
		t.Fatalf("server state %s, want LISTEN", server.State())
	}

	// Client sends SYN.
	syn := ClientSynSegment(clientISS, wnd)
	err = client.Send(syn)
	if err != nil {
		t.Fatal(err)
	}
	if client.State() != StateSynSent {
		t.Fatalf("client state %s, want SYN-SENT", client.State())
	}
	err = server.Recv(syn)
	if err != nil {
		t.Fatal(err)
	}
	if server.State() != StateSynRcvd {
		t.Fatalf("server state %s, want SYN-RECEIVED", server.State())
	}

	// Server responds SYN-ACK.
	synack := exchange(t, &server, &client, 0)
	if synack.Flags != FlagSYN|FlagACK {
		t.Fatalf("server flags %s, want [SYN,ACK]", synack.Flags)
	}
	if synack.ACK != clientISS+1 {
		t.Fatalf("synack ack %d, want %d", synack.ACK, clientISS+1)
	}
	if client.State() != StateEstablished {
		t.Fatalf("client state %s, want ESTABLISHED", client.State())
	}

	// Client completes with ACK.
	ack := exchange(t, &client, &server, 0)
	if ack.Flags != FlagACK {
		t.Fatalf("client flags %s, want [ACK]", ack.Flags)
	}
	if server.State() != StateEstablished {
		t.Fatalf("server state %s, want ESTABLISHED", server.State())
	}
	if client.HasPending() || server.HasPending() {
		t.Fatal("no segments should be pending after handshake")
	}
}

func setupEstablished(t *testing.T) (client, server *ControlBlock) {
	t.Helper()
	client, server = &ControlBlock{}, &ControlBlock{}
	if err := server.Open(300, 1024); err != nil {
		t.Fatal(err)
	}
	syn := ClientSynSegment(100, 1024)
	if err := client.Send(syn); err != nil {
		t.Fatal(err)
	}
	if err := server.Recv(syn); err != nil {
		t.Fatal(err)
	}
	exchange(t, server, client, 0)
	exchange(t, client, server, 0)
	return client, server
}

func TestControlBlockDataTransfer(t *testing.T) {
	client, server := setupEstablished(t)

	seg := exchange(t, client, server, 32)
	if seg.DATALEN != 32 {
		t.Fatalf("datalen %d, want 32", seg.DATALEN)
	}
	if !server.HasPending() {
		t.Fatal("server should owe an ACK for received data")
	}
	ack := exchange(t, server, client, 0)
	if ack.ACK != seg.SEQ+Value(seg.DATALEN) {
		t.Fatalf("ack %d, want %d", ack.ACK, seg.SEQ+Value(seg.DATALEN))
	}
	if client.InFlight() != 0 {
		t.Fatalf("in flight %d after full ack, want 0", client.InFlight())
	}
}

func TestControlBlockRetransmitRewind(t *testing.T) {
	client, server := setupEstablished(t)
	seg, ok := client.PendingSegment(16)
	if !ok {
		t.Fatal("expected data segment")
	}
	if err := client.Send(seg); err != nil {
		t.Fatal(err)
	}
	if client.InFlight() != 16 {
		t.Fatalf("in flight %d, want 16", client.InFlight())
	}
	// The segment is lost; the retransmission timer rewinds the send space.
	client.Retransmit()
	reseg, ok := client.PendingSegment(16)
	if !ok {
		t.Fatal("expected retransmit segment")
	}
	if reseg.SEQ != seg.SEQ || reseg.DATALEN != 16 {
		t.Fatalf("retransmit seq=%d len=%d, want seq=%d len=16", reseg.SEQ, reseg.DATALEN, seg.SEQ)
	}
	if err := client.Send(reseg); err != nil {
		t.Fatal(err)
	}
	if err := server.Recv(reseg); err != nil {
		t.Fatal(err)
	}
}

func TestControlBlockCloseSequence(t *testing.T) {
	client, server := setupEstablished(t)
	// Active close from the client.
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	fin := exchange(t, client, server, 0)
	if !fin.Flags.HasAll(FlagFIN) {
		t.Fatalf("flags %s, want FIN", fin.Flags)
	}
	if client.State() != StateFinWait1 {
		t.Fatalf("client state %s, want FIN-WAIT-1", client.State())
	}
	if server.State() != StateCloseWait {
		t.Fatalf("server state %s, want CLOSE-WAIT", server.State())
	}
	ack := exchange(t, server, client, 0)
	if !ack.Flags.HasAll(FlagACK) {
		t.Fatalf("flags %s, want ACK", ack.Flags)
	}
	if client.State() != StateFinWait2 {
		t.Fatalf("client state %s, want FIN-WAIT-2", client.State())
	}
	// Server finishes its side.
	fin2 := exchange(t, server, client, 0)
	if !fin2.Flags.HasAll(FlagFIN) {
		t.Fatalf("flags %s, want FIN", fin2.Flags)
	}
	if server.State() != StateLastAck {
		t.Fatalf("server state %s, want LAST-ACK", server.State())
	}
	if client.State() != StateTimeWait {
		t.Fatalf("client state %s, want TIME-WAIT", client.State())
	}
	lastack, ok := client.PendingSegment(0)
	if !ok {
		t.Fatal("client owes the final ACK")
	}
	if err := client.Send(lastack); err != nil {
		t.Fatal(err)
	}
	if err := server.Recv(lastack); err != nil {
		t.Fatal(err)
	}
	if server.State() != StateClosed {
		t.Fatalf("server state %s, want CLOSED", server.State())
	}
}

func TestControlBlockRSTReceive(t *testing.T) {
	client, server := setupEstablished(t)
	_ = client
	rst := Segment{SEQ: server.RecvNext(), Flags: FlagRST, WND: 1024}
	err := server.Recv(rst)
	if err == nil {
		t.Fatal("RST receive should report closure")
	}
	if server.State() != StateClosed {
		t.Fatalf("server state %s, want CLOSED", server.State())
	}
}

func TestSeqsWindow(t *testing.T) {
	if !Value(5).InWindow(0, 10) {
		t.Fatal("5 should be in [0,10)")
	}
	if Value(10).InWindow(0, 10) {
		t.Fatal("10 should not be in [0,10)")
	}
	// Wrap-around.
	const top Value = 0xffff_fffe
	if !Value(2).InWindow(top, 10) {
		t.Fatal("2 should be in wrapped window")
	}
	if !top.LessThan(2) {
		t.Fatal("0xfffffffe should precede 2 in sequence space")
	}
	if Sizeof(top, 2) != 4 {
		t.Fatalf("Sizeof(top, 2) = %d, want 4", Sizeof(top, 2))
	}
}
