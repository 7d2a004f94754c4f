package phy

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/batonius/smoltcp"
)

func TestLoopbackRoundTrip(t *testing.T) {
	lo := NewLoopback(1500, 2)
	if _, err := lo.Receive(0); err != smoltcp.ErrExhausted {
		t.Fatalf("empty receive: %v, want %v", err, smoltcp.ErrExhausted)
	}
	payloads := [][]byte{[]byte("first frame"), []byte("second")}
	for _, p := range payloads {
		err := lo.Transmit(0, len(p), func(frame []byte) { copy(frame, p) })
		if err != nil {
			t.Fatal(err)
		}
	}
	// Queue bounded: a third transmit reports a saturated link.
	err := lo.Transmit(0, 1, func(frame []byte) {})
	if err != smoltcp.ErrExhausted {
		t.Fatalf("overfull transmit: %v, want %v", err, smoltcp.ErrExhausted)
	}
	for _, p := range payloads {
		frame, err := lo.Receive(0)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(frame, p) {
			t.Fatalf("received %q, want %q", frame, p)
		}
	}
	if _, err := lo.Receive(0); err != smoltcp.ErrExhausted {
		t.Fatalf("drained receive: %v, want %v", err, smoltcp.ErrExhausted)
	}
}

func TestTraceCaptures(t *testing.T) {
	lo := NewLoopback(1500, 4)
	var capture bytes.Buffer
	tr, err := NewTrace(lo, &capture)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("captured frame")
	err = tr.Transmit(0, len(payload), func(frame []byte) { copy(frame, payload) })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Receive(0); err != nil {
		t.Fatal(err)
	}
	got := capture.Bytes()
	if len(got) < 24 {
		t.Fatal("missing pcap file header")
	}
	magic := binary.LittleEndian.Uint32(got[:4])
	if magic != 0xa1b2c3d4 && magic != 0xd4c3b2a1 {
		t.Fatalf("bad pcap magic %#x", magic)
	}
	// File header + two packet records (tx and the looped-back rx).
	wantLen := 24 + 2*(16+len(payload))
	if len(got) != wantLen {
		t.Fatalf("capture length %d, want %d", len(got), wantLen)
	}
}
