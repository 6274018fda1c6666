package stacks

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/ustack/ustack"
)

// isnGenerator produces initial sequence numbers following the RFC 6528
// scheme: a slowly advancing clock component plus a keyed hash of the
// connection four-tuple. The same secret and four-tuple always contribute
// the same hash component, so behavior is reproducible under a fixed seed
// while distinct connections still get unrelated ISNs.
type isnGenerator struct {
	secret [16]byte
}

// Generate returns the ISN for a new connection identified by id at logical
// time now. The clock component advances once every 4 microseconds.
func (g *isnGenerator) Generate(now time.Time, id ConnectionID) ustack.Value {
	var buf [16 + 4 + 2 + 4 + 2]byte
	copy(buf[:16], g.secret[:])
	off := 16
	la := id.Local.Addr.As4()
	ra := id.Remote.Addr.As4()
	copy(buf[off:], la[:])
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(id.Local.Port))
	off += 2
	copy(buf[off:], ra[:])
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(id.Remote.Port))

	sum := sha256.Sum256(buf[:])
	hash := binary.BigEndian.Uint32(sum[:4])
	clock := uint32(now.UnixMicro() / 4)
	return ustack.Value(clock + hash)
}
