package stacks

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"github.com/ustack/ustack/eth"
)

var (
	// ErrMalformed is returned for frames and packets that fail
	// structural validation.
	ErrMalformed = errors.New("malformed packet")
	// ErrMisdelivered is returned for well-formed frames addressed to
	// someone else.
	ErrMisdelivered = errors.New("packet not for us")
	// ErrUnsupported is returned for protocols the stack does not speak.
	ErrUnsupported = errors.New("unsupported protocol")
)

// Engine is the top of the stack and the only type callers need. Frames go
// in through Receive, time moves through AdvanceClock, and everything the
// stack produces comes back out of the event queue.
//
// An Engine is not safe for concurrent use; one logical thread drives it.
type Engine struct {
	rt   *netRuntime
	arp  *ARPPeer
	ipv4 *IPv4Peer
}

// NewEngine builds a stack from cfg with its logical clock set to now.
func NewEngine(cfg StackConfig, now time.Time) (*Engine, error) {
	rt, err := newNetRuntime(cfg, now)
	if err != nil {
		return nil, err
	}
	e := &Engine{rt: rt}
	e.arp = newARPPeer(rt)
	e.ipv4 = newIPv4Peer(rt, e.arp)
	rt.info("engine:up",
		slog.String("addr", cfg.Addr.String()),
		slog.Int("mtu", rt.cfg.MTU))
	return e, nil
}

// Now returns the engine's current logical time.
func (e *Engine) Now() time.Time { return e.rt.now }

// Receive processes one inbound Ethernet frame. Frames unicast to a
// foreign MAC return ErrMisdelivered; broadcast frames and frames for the
// stack's own MAC are dispatched by EtherType. Receive never advances the
// clock and never transmits directly; any response it provokes lands on
// the event queue.
func (e *Engine) Receive(b []byte) error {
	frame, err := eth.Attach(b)
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	dst := frame.Destination()
	if dst != e.rt.cfg.MAC && !eth.IsBroadcastHW(dst) {
		return ErrMisdelivered
	}
	e.rt.trace("engine:rx",
		slog.Uint64("ethertype", uint64(frame.EtherType())),
		slog.Int("len", len(b)))
	switch frame.EtherType() {
	case eth.EtherTypeARP:
		return e.arp.receive(frame.Payload())
	case eth.EtherTypeIPv4:
		return e.ipv4.receive(frame.Payload())
	default:
		return errors.Wrapf(ErrUnsupported, "ethertype %#x", uint64(frame.EtherType()))
	}
}

// AdvanceClock moves the logical clock to now and runs one tick of
// protocol work: ARP first so fresh resolutions unblock transports within
// the tick, then IPv4 and its transports, then newly accepted connections
// are reported. Calling it with an unchanged clock and no intervening
// frames is a no-op apart from scheduled work that was already due.
func (e *Engine) AdvanceClock(now time.Time) {
	if now.Before(e.rt.now) {
		// The logical clock never runs backwards.
		now = e.rt.now
	}
	e.rt.now = now
	e.arp.poll(now)
	e.ipv4.poll(now)
	e.ipv4.TCP.drainAccepts()
}

// NextEvent returns the oldest pending event without consuming it, or nil
// when the queue is empty.
func (e *Engine) NextEvent() Event { return e.rt.queue.peek() }

// PopEvent consumes and returns the oldest pending event, or nil.
func (e *Engine) PopEvent() Event { return e.rt.queue.pop() }

// PendingEvents reports how many events await the caller.
func (e *Engine) PendingEvents() int { return e.rt.queue.len() }

// TCPSocket allocates a fresh TCP socket descriptor.
func (e *Engine) TCPSocket() (SocketDescriptor, error) { return e.ipv4.TCP.Socket() }

// TCPBind fixes the local port of a socket. Port zero picks an ephemeral
// port.
func (e *Engine) TCPBind(fd SocketDescriptor, port Port) error { return e.ipv4.TCP.Bind(fd, port) }

// TCPListen starts accepting connections on a bound socket.
func (e *Engine) TCPListen(fd SocketDescriptor, backlog int) error {
	return e.ipv4.TCP.Listen(fd, backlog)
}

// TCPAccept pops the next established connection from a listening socket,
// or returns ErrNoPendingConnection.
func (e *Engine) TCPAccept(fd SocketDescriptor) (SocketDescriptor, error) {
	return e.ipv4.TCP.Accept(fd)
}

// TCPConnect opens a connection to remote from an ephemeral local port.
// The returned future completes with the connected descriptor.
func (e *Engine) TCPConnect(remote Endpoint) (*Future[SocketDescriptor], error) {
	fd, err := e.ipv4.TCP.Socket()
	if err != nil {
		return nil, err
	}
	f, err := e.ipv4.TCP.Connect(fd, remote)
	if err != nil {
		e.ipv4.TCP.socks.free(fd)
		return nil, err
	}
	return f, nil
}

// TCPConnectFrom opens a connection to remote from an explicitly prepared
// socket, keeping any bound local port.
func (e *Engine) TCPConnectFrom(fd SocketDescriptor, remote Endpoint) (*Future[SocketDescriptor], error) {
	return e.ipv4.TCP.Connect(fd, remote)
}

// TCPRead drains received payload from a connected socket.
func (e *Engine) TCPRead(fd SocketDescriptor, b []byte) (int, error) {
	return e.ipv4.TCP.Read(fd, b)
}

// TCPPeek copies received payload without consuming it.
func (e *Engine) TCPPeek(fd SocketDescriptor, b []byte) (int, error) {
	return e.ipv4.TCP.Peek(fd, b)
}

// TCPWrite buffers payload for transmission on the next clock advance.
func (e *Engine) TCPWrite(fd SocketDescriptor, b []byte) (int, error) {
	return e.ipv4.TCP.Write(fd, b)
}

// TCPBytesAvailable reports buffered received payload on fd.
func (e *Engine) TCPBytesAvailable(fd SocketDescriptor) (int, error) {
	return e.ipv4.TCP.BytesAvailable(fd)
}

// TCPPushAsync queues payload for transmission across ticks; the future
// completes once all of it has been buffered.
func (e *Engine) TCPPushAsync(fd SocketDescriptor, b []byte) (*Future[int], error) {
	return e.ipv4.TCP.PushAsync(fd, b)
}

// TCPPopAsync completes with the first nonempty read into b.
func (e *Engine) TCPPopAsync(fd SocketDescriptor, b []byte) (*Future[int], error) {
	return e.ipv4.TCP.PopAsync(fd, b)
}

// TCPClose begins an orderly close and releases the descriptor.
func (e *Engine) TCPClose(fd SocketDescriptor) error { return e.ipv4.TCP.Close(fd) }

// TCPAbort drops a connection immediately and releases the descriptor.
func (e *Engine) TCPAbort(fd SocketDescriptor) error { return e.ipv4.TCP.Abort(fd) }

// TCPConnID returns the four-tuple of a connected socket.
func (e *Engine) TCPConnID(fd SocketDescriptor) (ConnectionID, error) {
	return e.ipv4.TCP.ConnID(fd)
}

// TCPMSS is the largest payload one outgoing segment carries.
func (e *Engine) TCPMSS() int { return e.ipv4.TCP.MSS() }

// TCPRTO returns fd's current retransmission timeout.
func (e *Engine) TCPRTO(fd SocketDescriptor) (time.Duration, error) { return e.ipv4.TCP.RTO(fd) }

// UDPOpen starts receiving datagrams on a local port.
func (e *Engine) UDPOpen(port Port) { e.ipv4.UDP.Open(port) }

// UDPClose stops receiving on a local port.
func (e *Engine) UDPClose(port Port) { e.ipv4.UDP.Close(port) }

// IsUDPPortOpen reports whether port accepts datagrams.
func (e *Engine) IsUDPPortOpen(port Port) bool { return e.ipv4.UDP.IsOpen(port) }

// UDPCast sends one datagram; its future completes when the frame leaves.
func (e *Engine) UDPCast(localPort Port, remote Endpoint, payload []byte) *Future[struct{}] {
	return e.ipv4.UDP.Cast(localPort, remote, payload)
}

// Ping sends an ICMP echo request; the future completes with the
// round-trip time.
func (e *Engine) Ping(dst netip.Addr, timeout time.Duration) *Future[time.Duration] {
	return e.ipv4.ICMP.Ping(dst, timeout)
}

// ARPQuery resolves an on-link address to its hardware address.
func (e *Engine) ARPQuery(addr netip.Addr) *Future[[6]byte] { return e.arp.Query(addr) }

// ExportARPCache copies the resolution table into dst.
func (e *Engine) ExportARPCache(dst map[netip.Addr][6]byte) { e.arp.ExportCache(dst) }

// ImportARPCache preloads address resolutions.
func (e *Engine) ImportARPCache(src map[netip.Addr][6]byte) { e.arp.ImportCache(src) }
