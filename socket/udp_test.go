package socket

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/batonius/smoltcp"
	"github.com/batonius/smoltcp/ipv4"
	"github.com/batonius/smoltcp/udp"
)

func udpIPRepr(dst string) ipv4.Repr {
	return ipv4.Repr{
		SrcAddr:  netip.MustParseAddr("10.0.0.9"),
		DstAddr:  netip.MustParseAddr(dst),
		Protocol: smoltcp.IPProtoUDP,
	}
}

func TestUdpAcceptWildcard(t *testing.T) {
	s := NewUdp(MakePacketBuffers(2, 64), MakePacketBuffers(2, 64))
	if err := s.Bind(ep("", 7000)); err != nil {
		t.Fatal(err)
	}
	r := udp.Repr{SrcPort: 9000, DstPort: 7000, Payload: []byte("hi")}
	ip := udpIPRepr("10.0.0.1")
	if !s.Accepts(&ip, &r) {
		t.Fatal("wildcard binding should accept any destination address")
	}
	r.DstPort = 7001
	if s.Accepts(&ip, &r) {
		t.Fatal("port mismatch accepted")
	}
}

func TestUdpAcceptBoundAddr(t *testing.T) {
	s := NewUdp(MakePacketBuffers(2, 64), MakePacketBuffers(2, 64))
	s.Bind(ep("10.0.0.1", 7000))
	r := udp.Repr{SrcPort: 9000, DstPort: 7000}
	ip := udpIPRepr("10.0.0.1")
	if !s.Accepts(&ip, &r) {
		t.Fatal("exact address match refused")
	}
	ip = udpIPRepr("10.0.0.2")
	if s.Accepts(&ip, &r) {
		t.Fatal("address mismatch accepted")
	}
}

func TestUdpProcessRecv(t *testing.T) {
	s := NewUdp(MakePacketBuffers(1, 64), MakePacketBuffers(1, 64))
	s.Bind(ep("", 7000))
	r := udp.Repr{SrcPort: 9000, DstPort: 7000, Payload: []byte("datagram")}
	ip := udpIPRepr("10.0.0.1")
	if err := s.ProcessRepr(0, &ip, &r); err != nil {
		t.Fatal(err)
	}
	// One slot: the second datagram reports exhaustion.
	if err := s.ProcessRepr(0, &ip, &r); err != smoltcp.ErrExhausted {
		t.Fatalf("overflow: %v, want %v", err, smoltcp.ErrExhausted)
	}
	payload, from, err := s.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, []byte("datagram")) {
		t.Fatalf("payload %q", payload)
	}
	if from != ep("10.0.0.9", 9000) {
		t.Fatalf("source endpoint %s", from)
	}
	if _, _, err := s.Recv(); err != smoltcp.ErrExhausted {
		t.Fatalf("drained recv: %v, want %v", err, smoltcp.ErrExhausted)
	}
}

func TestUdpSendDispatch(t *testing.T) {
	s := NewUdp(MakePacketBuffers(1, 64), MakePacketBuffers(1, 64))
	s.Bind(ep("", 7000))
	if err := s.SendSlice([]byte("x"), ep("", 0)); err != smoltcp.ErrUnaddressable {
		t.Fatalf("send to unbound endpoint: %v, want %v", err, smoltcp.ErrUnaddressable)
	}
	dst := ep("10.0.0.9", 9000)
	if err := s.SendSlice([]byte("reply"), dst); err != nil {
		t.Fatal(err)
	}
	if !s.IsDirty() {
		t.Fatal("socket with queued datagram should be dirty")
	}
	var got udp.Repr
	err := s.Dispatch(0, &testLimits, func(ipRepr ipv4.Repr, payloadLen int, fill func(*ipv4.Repr, []byte)) error {
		lowered := ipRepr
		lowered.SrcAddr = netip.MustParseAddr("10.0.0.1")
		buf := make([]byte, payloadLen)
		fill(&lowered, buf)
		var vld smoltcp.Validator
		var perr error
		got, perr = udp.ParseRepr(buf, &lowered, &vld)
		return perr
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcPort != 7000 || got.DstPort != 9000 || !bytes.Equal(got.Payload, []byte("reply")) {
		t.Fatalf("emitted %+v", got)
	}
	if s.IsDirty() {
		t.Fatal("socket should be clean after dispatch")
	}
	if err := s.Dispatch(0, &testLimits, nil); err != smoltcp.ErrExhausted {
		t.Fatalf("idle dispatch: %v, want %v", err, smoltcp.ErrExhausted)
	}
}
