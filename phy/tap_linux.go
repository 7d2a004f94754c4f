//go:build linux

package phy

import (
	"errors"
	"fmt"

	"github.com/batonius/smoltcp"
	"golang.org/x/sys/unix"
)

// Tap is a Linux TAP device: a kernel-side virtual Ethernet link whose other
// end is this process. It satisfies [Device] with non-blocking reads and
// writes.
type Tap struct {
	fd    int
	name  string
	mtu   int
	rxbuf []byte
	txbuf []byte
}

// NewTap opens /dev/net/tun and attaches to the named TAP interface,
// creating it if needed. Bringing the interface up and addressing it is left
// to the host administrator (`ip link`, `ip addr`).
func NewTap(name string, mtu int) (*Tap, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("phy: tap name too long")
	}
	if mtu <= 0 {
		mtu = 1500
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("phy: opening tun device: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("phy: creating tap interface: %w", err)
	}
	const frameOverhead = 14
	return &Tap{
		fd:    fd,
		name:  name,
		mtu:   mtu,
		rxbuf: make([]byte, mtu+frameOverhead),
		txbuf: make([]byte, mtu+frameOverhead),
	}, nil
}

// Name returns the interface name.
func (tap *Tap) Name() string { return tap.name }

// Close releases the device file descriptor.
func (tap *Tap) Close() error { return unix.Close(tap.fd) }

// Limits implements [Device].
func (tap *Tap) Limits() Limits {
	return Limits{MaxTransmissionUnit: len(tap.rxbuf)}
}

// Receive implements [Device].
func (tap *Tap) Receive(timestamp int64) ([]byte, error) {
	n, err := unix.Read(tap.fd, tap.rxbuf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, smoltcp.ErrExhausted
		}
		return nil, err
	}
	return tap.rxbuf[:n], nil
}

// Transmit implements [Device].
func (tap *Tap) Transmit(timestamp int64, length int, fill func(frame []byte)) error {
	if length > len(tap.rxbuf) {
		return errors.New("phy: frame exceeds tap MTU")
	}
	frame := tap.txbuf[:length]
	fill(frame)
	_, err := unix.Write(tap.fd, frame)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return smoltcp.ErrExhausted
	}
	return err
}
