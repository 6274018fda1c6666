package stacks

import (
	"github.com/pkg/errors"
)

// ErrBadDescriptor is returned for descriptors that were never issued,
// have been closed, or whose slot has since been reissued.
var ErrBadDescriptor = errors.New("bad socket descriptor")

// ErrTooManySockets is returned when the socket table is full.
var ErrTooManySockets = errors.New("too many sockets")

// SocketDescriptor names one socket. The low 16 bits index the socket
// table; the high 16 bits carry the slot's generation so a descriptor held
// across a close-and-reuse of its slot is detected as stale instead of
// silently aliasing the new socket.
type SocketDescriptor uint32

func (fd SocketDescriptor) index() int       { return int(fd & 0xffff) }
func (fd SocketDescriptor) generation() uint16 { return uint16(fd >> 16) }

func makeDescriptor(index int, gen uint16) SocketDescriptor {
	return SocketDescriptor(index&0xffff) | SocketDescriptor(gen)<<16
}

// socketKind is the lifecycle stage of a socket slot.
type socketKind uint8

const (
	sockFree socketKind = iota
	sockUnbound
	sockBound
	sockListening
	sockConnecting
	sockConnected
)

// socket is one slot of the descriptor table.
type socket struct {
	kind socketKind
	gen  uint16
	// bound local endpoint; valid for sockBound and later stages.
	local Endpoint
	// conn is set for sockConnecting and sockConnected.
	conn *tcpConn
	// listener is set for sockListening.
	listener *tcpListener
}

// socketTable allocates descriptor slots and validates descriptors against
// slot generations.
type socketTable struct {
	socks []socket
	max   int
}

func newSocketTable(max int) *socketTable {
	return &socketTable{max: max}
}

// alloc finds or grows a free slot, marks it unbound, and returns its
// descriptor. The slot's generation was bumped when it was last freed, so
// old descriptors for the slot are already stale.
func (t *socketTable) alloc() (SocketDescriptor, error) {
	for i := range t.socks {
		if t.socks[i].kind == sockFree {
			t.socks[i].kind = sockUnbound
			return makeDescriptor(i, t.socks[i].gen), nil
		}
	}
	if len(t.socks) >= t.max {
		return 0, ErrTooManySockets
	}
	t.socks = append(t.socks, socket{kind: sockUnbound})
	i := len(t.socks) - 1
	return makeDescriptor(i, t.socks[i].gen), nil
}

// get resolves fd to its slot, rejecting stale or out-of-range descriptors.
func (t *socketTable) get(fd SocketDescriptor) (*socket, error) {
	i := fd.index()
	if i >= len(t.socks) {
		return nil, ErrBadDescriptor
	}
	s := &t.socks[i]
	if s.kind == sockFree || s.gen != fd.generation() {
		return nil, ErrBadDescriptor
	}
	return s, nil
}

// free releases fd's slot and bumps its generation, invalidating every
// outstanding copy of the descriptor.
func (t *socketTable) free(fd SocketDescriptor) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}
	*s = socket{kind: sockFree, gen: s.gen + 1}
	return nil
}
