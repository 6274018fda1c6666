package stacks

import (
	"math/rand"
	"net/netip"

	"github.com/pkg/errors"
)

// FirstPrivatePort is the lowest port the stack hands out for ephemeral
// use. Everything below it is reserved for explicit binds.
const FirstPrivatePort = 49152

// numPrivatePorts is the size of the ephemeral range [49152, 65535].
const numPrivatePorts = 1<<16 - FirstPrivatePort

// ErrPortsExhausted is returned when every ephemeral port is in use.
var ErrPortsExhausted = errors.New("ephemeral ports exhausted")

// Port is a TCP or UDP port number.
type Port uint16

// IsPrivate reports whether p falls in the ephemeral range.
func (p Port) IsPrivate() bool { return p >= FirstPrivatePort }

// Endpoint is one side of a connection. It is comparable so it can key
// maps directly.
type Endpoint struct {
	Addr netip.Addr
	Port Port
}

// ConnectionID names a TCP connection by its two endpoints. Two live
// connections never share a ConnectionID.
type ConnectionID struct {
	Local  Endpoint
	Remote Endpoint
}

// portPool hands out ephemeral ports in a shuffled order so consecutive
// connections do not get adjacent ports. The shuffle is driven by the
// stack's seeded source, keeping allocation deterministic for a given seed.
// The pool is a FIFO queue: released ports go to the back of the line, so
// a port cycles through every other free port before being reused.
type portPool struct {
	free []Port
	head int
}

func newPortPool(rng *rand.Rand) *portPool {
	p := &portPool{free: make([]Port, numPrivatePorts)}
	for i := range p.free {
		p.free[i] = Port(FirstPrivatePort + i)
	}
	rng.Shuffle(len(p.free), func(i, j int) {
		p.free[i], p.free[j] = p.free[j], p.free[i]
	})
	return p
}

// acquire takes the port at the front of the queue.
func (p *portPool) acquire() (Port, error) {
	if p.head == len(p.free) {
		return 0, ErrPortsExhausted
	}
	port := p.free[p.head]
	p.head++
	return port, nil
}

// release returns an ephemeral port to the back of the queue. Releasing a
// port outside the private range is a bug in the stack, not a runtime
// condition.
func (p *portPool) release(port Port) {
	if !port.IsPrivate() {
		panic("ustack: release of non-ephemeral port")
	}
	if p.head > numPrivatePorts {
		p.free = append(p.free[:0], p.free[p.head:]...)
		p.head = 0
	}
	p.free = append(p.free, port)
}

func (p *portPool) available() int { return len(p.free) - p.head }
