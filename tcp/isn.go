package tcp

import (
	"encoding/binary"

	"github.com/batonius/smoltcp"
	"golang.org/x/crypto/blake2b"
)

// ISNGenerator derives initial send sequence numbers from a per-process
// secret and the connection four-tuple, in the manner of RFC 6528. The
// monotonic millisecond clock is folded in so reincarnations of the same
// connection do not collide.
type ISNGenerator struct {
	key [blake2b.Size256]byte
}

// NewISNGenerator creates a generator keyed with the given secret.
func NewISNGenerator(secret [32]byte) *ISNGenerator {
	return &ISNGenerator{key: secret}
}

// ISN returns the initial send sequence number for the given connection tuple.
func (g *ISNGenerator) ISN(local, remote smoltcp.Endpoint, timestamp int64) Value {
	var tuple [12]byte
	if local.Addr.Is4() {
		a := local.Addr.As4()
		copy(tuple[0:4], a[:])
	}
	if remote.Addr.Is4() {
		a := remote.Addr.As4()
		copy(tuple[4:8], a[:])
	}
	binary.BigEndian.PutUint16(tuple[8:10], local.Port)
	binary.BigEndian.PutUint16(tuple[10:12], remote.Port)
	h, err := blake2b.New256(g.key[:])
	if err != nil {
		panic(err) // Key length is fixed, cannot fail.
	}
	h.Write(tuple[:])
	var sum [blake2b.Size256]byte
	isn := Value(binary.BigEndian.Uint32(h.Sum(sum[:0])))
	// RFC 6528 ticks the ISN at about 4 microseconds per increment.
	return isn + Value(timestamp*250)
}
