package phy

import (
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Trace wraps a [Device] and records every frame passing through it to a
// pcap stream, readable by wireshark/tcpdump. Capture failures do not
// disturb the wrapped device's traffic.
type Trace struct {
	d       Device
	w       *pcapgo.Writer
	snaplen int
}

// NewTrace wraps d, writing a pcap file header followed by captured frames
// to w.
func NewTrace(d Device, w io.Writer) (*Trace, error) {
	const snaplen = 65536
	pw := pcapgo.NewWriter(w)
	err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet)
	if err != nil {
		return nil, err
	}
	return &Trace{d: d, w: pw, snaplen: snaplen}, nil
}

// Limits implements [Device].
func (t *Trace) Limits() Limits { return t.d.Limits() }

// Receive implements [Device].
func (t *Trace) Receive(timestamp int64) ([]byte, error) {
	frame, err := t.d.Receive(timestamp)
	if err == nil {
		t.capture(timestamp, frame)
	}
	return frame, err
}

// Transmit implements [Device].
func (t *Trace) Transmit(timestamp int64, length int, fill func(frame []byte)) error {
	return t.d.Transmit(timestamp, length, func(frame []byte) {
		fill(frame)
		t.capture(timestamp, frame)
	})
}

func (t *Trace) capture(timestamp int64, frame []byte) {
	n := len(frame)
	if n > t.snaplen {
		n = t.snaplen
	}
	t.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:      time.UnixMilli(timestamp),
		CaptureLength:  n,
		Length:         len(frame),
	}, frame[:n])
}
