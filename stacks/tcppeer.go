package stacks

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"github.com/ustack/ustack"
	"github.com/ustack/ustack/eth"
)

var (
	// ErrNotBound is returned by Listen on a socket with no bound port.
	ErrNotBound = errors.New("socket not bound")
	// ErrNotListening is returned by Accept on a non-listening socket.
	ErrNotListening = errors.New("socket not listening")
	// ErrNoPendingConnection is returned by Accept when the backlog holds
	// no established connection.
	ErrNoPendingConnection = errors.New("no pending connection")
	// ErrPortInUse is returned by Bind and Listen for an occupied port.
	ErrPortInUse = errors.New("port in use")
)

// tcpBufferSize is the capacity of each connection's receive and transmit
// ring.
const tcpBufferSize = 32 * 1024

// TCPPeer owns every TCP connection of the stack: the descriptor table,
// the connection registry keyed by four-tuple, listening ports, ephemeral
// port allocation, ISN generation and in-flight asynchronous work.
type TCPPeer struct {
	rt    *netRuntime
	arp   *ARPPeer
	socks *socketTable
	// conns indexes every live connection by its four-tuple.
	conns map[ConnectionID]*tcpConn
	// active indexes actively opened connections by remote endpoint, to
	// refuse a second connect to the same remote.
	active    map[Endpoint]*tcpConn
	listening map[Port]*tcpListener
	ports     *portPool
	isn       isnGenerator
	work      workSet
}

func newTCPPeer(rt *netRuntime, arp *ARPPeer) *TCPPeer {
	return &TCPPeer{
		rt:        rt,
		arp:       arp,
		socks:     newSocketTable(rt.cfg.MaxSockets),
		conns:     make(map[ConnectionID]*tcpConn),
		active:    make(map[Endpoint]*tcpConn),
		listening: make(map[Port]*tcpListener),
		ports:     newPortPool(rt.rng),
		isn:       isnGenerator{secret: rt.isnSecret()},
	}
}

// MSS is the largest payload one outgoing segment carries, derived from the
// interface MTU less the Ethernet, IPv4 and TCP headers.
func (p *TCPPeer) MSS() int {
	return p.rt.cfg.MTU - eth.SizeEthernetHeader - eth.SizeIPv4Header - eth.SizeTCPHeader
}

// Socket allocates a fresh unbound socket descriptor.
func (p *TCPPeer) Socket() (SocketDescriptor, error) {
	return p.socks.alloc()
}

// Bind fixes the socket's local port. Binding port zero asks for an
// ephemeral port.
func (p *TCPPeer) Bind(fd SocketDescriptor, port Port) error {
	s, err := p.socks.get(fd)
	if err != nil {
		return err
	}
	if s.kind != sockUnbound {
		return errors.New("socket already bound")
	}
	if port == 0 {
		port, err = p.ports.acquire()
		if err != nil {
			return err
		}
	} else if p.portOccupied(port) {
		return ErrPortInUse
	}
	s.kind = sockBound
	s.local = Endpoint{Addr: p.rt.cfg.Addr, Port: port}
	return nil
}

func (p *TCPPeer) portOccupied(port Port) bool {
	if _, ok := p.listening[port]; ok {
		return true
	}
	for id := range p.conns {
		if id.Local.Port == port {
			return true
		}
	}
	for i := range p.socks.socks {
		s := &p.socks.socks[i]
		if s.kind == sockBound && s.local.Port == port {
			return true
		}
	}
	return false
}

// Listen moves a bound socket to the listening state with the given accept
// backlog.
func (p *TCPPeer) Listen(fd SocketDescriptor, backlog int) error {
	s, err := p.socks.get(fd)
	if err != nil {
		return err
	}
	if s.kind != sockBound {
		return ErrNotBound
	}
	if _, ok := p.listening[s.local.Port]; ok {
		return ErrPortInUse
	}
	if backlog < 1 {
		backlog = 1
	}
	l := &tcpListener{port: s.local.Port, backlog: backlog}
	s.kind = sockListening
	s.listener = l
	p.listening[s.local.Port] = l
	p.rt.info("tcp:listen", slog.Int("port", int(s.local.Port)), slog.Int("backlog", backlog))
	return nil
}

// Accept pops the next established connection off a listening socket's
// backlog. It never blocks; ErrNoPendingConnection means try again after
// the next clock advance.
func (p *TCPPeer) Accept(fd SocketDescriptor) (SocketDescriptor, error) {
	s, err := p.socks.get(fd)
	if err != nil {
		return 0, err
	}
	if s.kind != sockListening {
		return 0, ErrNotListening
	}
	if len(s.listener.ready) == 0 {
		return 0, ErrNoPendingConnection
	}
	conn := s.listener.ready[0]
	s.listener.ready = s.listener.ready[1:]
	return conn.fd, nil
}

// Connect starts an active open to remote and returns a future that
// completes with the connected descriptor once the handshake finishes. fd
// may be unbound, in which case an ephemeral local port is acquired.
func (p *TCPPeer) Connect(fd SocketDescriptor, remote Endpoint) (*Future[SocketDescriptor], error) {
	s, err := p.socks.get(fd)
	if err != nil {
		return nil, err
	}
	if s.kind != sockUnbound && s.kind != sockBound {
		return nil, errors.New("socket not connectable")
	}
	if !remote.Addr.Is4() || remote.Port == 0 {
		return nil, ErrMalformed
	}
	if _, exists := p.active[remote]; exists {
		return nil, ErrConnectionExists
	}
	if s.kind == sockUnbound {
		port, err := p.ports.acquire()
		if err != nil {
			return nil, err
		}
		s.local = Endpoint{Addr: p.rt.cfg.Addr, Port: port}
	}
	id := ConnectionID{Local: s.local, Remote: remote}
	if _, exists := p.conns[id]; exists {
		return nil, ErrConnectionExists
	}

	conn := p.newConn(id, fd)
	conn.ownsPort = s.kind == sockUnbound
	conn.connectF = &Future[SocketDescriptor]{}
	iss := p.isn.Generate(p.rt.now, id)
	if err := conn.scb.Open(iss, ustack.Size(conn.rx.Free()), ustack.StateSynSent); err != nil {
		if id.Local.Port.IsPrivate() && s.kind == sockUnbound {
			p.ports.release(id.Local.Port)
		}
		return nil, err
	}
	s.kind = sockConnecting
	s.conn = conn
	p.conns[id] = conn
	p.active[remote] = conn
	p.rt.info("tcp:connect",
		slog.String("remote", remote.Addr.String()),
		slog.Int("rport", int(remote.Port)),
		slog.Int("lport", int(id.Local.Port)))
	return conn.connectF, nil
}

func (p *TCPPeer) newConn(id ConnectionID, fd SocketDescriptor) *tcpConn {
	return &tcpConn{
		peer: p,
		id:   id,
		fd:   fd,
		rx:   ringbuffer.New(tcpBufferSize),
		tx:   ringbuffer.New(tcpBufferSize),
		rto:  p.rt.cfg.RTO,
	}
}

// Read drains received payload from a connected socket into b.
func (p *TCPPeer) Read(fd SocketDescriptor, b []byte) (int, error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return 0, err
	}
	return conn.read(b)
}

// Peek copies received payload into b without consuming it.
func (p *TCPPeer) Peek(fd SocketDescriptor, b []byte) (int, error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return 0, err
	}
	return conn.peek(b), nil
}

// Write buffers b for transmission and returns how much fit.
func (p *TCPPeer) Write(fd SocketDescriptor, b []byte) (int, error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return 0, err
	}
	return conn.write(b)
}

// BytesAvailable reports how much received payload is buffered on fd.
func (p *TCPPeer) BytesAvailable(fd SocketDescriptor) (int, error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return 0, err
	}
	return conn.rx.Length(), nil
}

// RTO returns the connection's current retransmission timeout.
func (p *TCPPeer) RTO(fd SocketDescriptor) (time.Duration, error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return 0, err
	}
	return conn.rto, nil
}

// ConnID returns the four-tuple of a connected socket.
func (p *TCPPeer) ConnID(fd SocketDescriptor) (ConnectionID, error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return ConnectionID{}, err
	}
	return conn.id, nil
}

// Close shuts a socket down. Listening sockets stop accepting and abort
// their backlog; connections start the orderly closing handshake. The
// descriptor itself is released and must not be used again.
func (p *TCPPeer) Close(fd SocketDescriptor) error {
	s, err := p.socks.get(fd)
	if err != nil {
		return err
	}
	switch s.kind {
	case sockListening:
		port := s.listener.port
		delete(p.listening, port)
		for _, conn := range s.listener.ready {
			conn.abort(ErrOperationCancelled)
			p.socks.free(conn.fd) // never delivered to the user
		}
		s.listener.ready = nil
		// Embryonic connections still mid-handshake die with the listener.
		for _, conn := range p.connsInOrder() {
			if conn.listener == s.listener {
				conn.abort(ErrOperationCancelled)
				p.socks.free(conn.fd)
			}
		}
		if err := p.socks.free(fd); err != nil {
			return err
		}
		p.releaseIfUnused(port)
		return nil
	case sockBound:
		port := s.local.Port
		if err := p.socks.free(fd); err != nil {
			return err
		}
		p.releaseIfUnused(port)
		return nil
	case sockConnecting, sockConnected:
		if err := s.conn.close(); err != nil {
			return err
		}
	}
	return p.socks.free(fd)
}

// releaseIfUnused returns an ephemeral port to the pool once nothing
// references it: no listener, no live connection and no bound socket.
func (p *TCPPeer) releaseIfUnused(port Port) {
	if !port.IsPrivate() {
		return
	}
	if _, ok := p.listening[port]; ok {
		return
	}
	for id := range p.conns {
		if id.Local.Port == port {
			return
		}
	}
	for i := range p.socks.socks {
		s := &p.socks.socks[i]
		if (s.kind == sockBound || s.kind == sockListening) && s.local.Port == port {
			return
		}
	}
	p.ports.release(port)
}

// Abort drops a connection immediately, without the closing handshake and
// with nothing sent on the wire.
func (p *TCPPeer) Abort(fd SocketDescriptor) error {
	conn, err := p.connOf(fd)
	if err != nil {
		return err
	}
	conn.abort(nil)
	return p.socks.free(fd)
}

func (p *TCPPeer) connOf(fd SocketDescriptor) (*tcpConn, error) {
	s, err := p.socks.get(fd)
	if err != nil {
		return nil, err
	}
	if s.conn == nil {
		return nil, ErrBadDescriptor
	}
	return s.conn, nil
}

// receive demultiplexes one validated TCP packet to its connection, or
// applies the closed-port rules when no connection nor listener claims it.
func (p *TCPPeer) receive(pkt eth.TCPPacket) error {
	if pkt.SrcPort == 0 || pkt.DstPort == 0 {
		return errors.Wrap(ErrMalformed, "zero port")
	}
	src := pkt.SrcAddr
	if !src.Is4() || src.IsMulticast() || src.IsUnspecified() || src == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return errors.Wrap(ErrMalformed, "invalid source address")
	}

	id := ConnectionID{
		Local:  Endpoint{Addr: pkt.DstAddr, Port: Port(pkt.DstPort)},
		Remote: Endpoint{Addr: pkt.SrcAddr, Port: Port(pkt.SrcPort)},
	}
	if conn, ok := p.conns[id]; ok {
		p.rt.trace("tcp:rx",
			slog.Uint64("seq", uint64(pkt.Seg.SEQ)),
			slog.Uint64("ack", uint64(pkt.Seg.ACK)),
			slog.String("flags", pkt.Seg.Flags.String()))
		conn.handleSegment(p.rt.now, pkt)
		return nil
	}
	if l, ok := p.listening[id.Local.Port]; ok && pkt.Seg.Flags.HasAll(ustack.FlagSYN) && !pkt.Seg.Flags.HasAny(ustack.FlagACK) {
		return p.acceptSyn(l, id, pkt)
	}
	p.respondClosedPort(id, pkt.Seg)
	return nil
}

// acceptSyn creates an embryonic connection for a SYN landing on a
// listening port, bounded by the listener's backlog.
func (p *TCPPeer) acceptSyn(l *tcpListener, id ConnectionID, pkt eth.TCPPacket) error {
	if l.embryos+len(l.ready) >= l.backlog {
		p.rt.debug("tcp:backlog-full", slog.Int("port", int(l.port)))
		return nil // silently dropped; the peer will retransmit its SYN
	}
	fd, err := p.socks.alloc()
	if err != nil {
		return err
	}
	conn := p.newConn(id, fd)
	conn.listener = l
	iss := p.isn.Generate(p.rt.now, id)
	if err := conn.scb.Open(iss, ustack.Size(conn.rx.Free()), ustack.StateListen); err != nil {
		p.socks.free(fd)
		return err
	}
	s, _ := p.socks.get(fd)
	s.kind = sockConnected
	s.local = id.Local
	s.conn = conn
	p.conns[id] = conn
	l.embryos++
	p.rt.info("tcp:syn-received",
		slog.Int("port", int(l.port)),
		slog.String("remote", id.Remote.Addr.String()),
		slog.Int("rport", int(id.Remote.Port)))
	conn.handleSegment(p.rt.now, pkt)
	return nil
}

// respondClosedPort answers segments landing on a closed port: a RST is
// swallowed, anything else draws exactly one RST|ACK acknowledging the
// whole segment (payload plus the sequence space the SYN and FIN consume).
func (p *TCPPeer) respondClosedPort(id ConnectionID, seg ustack.Segment) {
	if seg.Flags.HasAny(ustack.FlagRST) {
		return
	}
	ack := seg.SEQ
	ack.UpdateForward(seg.LEN())
	rst := ustack.Segment{ACK: ack, Flags: ustack.FlagRST | ustack.FlagACK}
	p.rt.debug("tcp:closed-port-rst",
		slog.Int("port", int(id.Local.Port)),
		slog.String("remote", id.Remote.Addr.String()))
	p.cast(nil, id, rst, nil)
}

// castSegment queues seg for transmission on conn's four-tuple.
func (p *TCPPeer) castSegment(c *tcpConn, seg ustack.Segment, payload []byte) {
	p.cast(c, c.id, seg, payload)
}

// cast resolves the next-hop MAC and emits the frame. A cache hit
// transmits within the current tick; otherwise the send parks in the work
// set until the ARP reply lands.
func (p *TCPPeer) cast(owner *tcpConn, id ConnectionID, seg ustack.Segment, payload []byte) {
	if mac, ok := p.arp.cached(id.Remote.Addr); ok {
		p.transmit(mac, id, seg, payload)
		return
	}
	p.work.add(&segmentCast{
		peer:    p,
		conn:    owner,
		id:      id,
		seg:     seg,
		payload: payload,
		macF:    p.arp.Query(id.Remote.Addr),
	})
}

func (p *TCPPeer) transmit(dstMAC [6]byte, id ConnectionID, seg ustack.Segment, payload []byte) {
	frame := make([]byte, eth.SizeEthernetHeader+eth.SizeIPv4Header+eth.SizeTCPHeader+len(payload))
	n := eth.PutTCPFrame(frame, p.rt.cfg.MAC, dstMAC,
		id.Local.Addr, id.Remote.Addr,
		uint16(id.Local.Port), uint16(id.Remote.Port),
		p.rt.nextIPID(), seg, payload)
	p.rt.trace("tcp:tx",
		slog.Uint64("seq", uint64(seg.SEQ)),
		slog.Uint64("ack", uint64(seg.ACK)),
		slog.String("flags", seg.Flags.String()),
		slog.Int("plen", len(payload)))
	p.rt.queue.push(EventTransmit{Frame: frame[:n]})
}

// poll runs one tick of TCP work: every connection first, then the work
// set so sends unblocked by fresh ARP replies leave in the same tick.
func (p *TCPPeer) poll(now time.Time) {
	for _, conn := range p.connsInOrder() {
		conn.poll(now)
	}
	p.work.poll(now)
}

// connsInOrder snapshots live connections sorted by four-tuple so a tick
// visits them in a stable order regardless of map iteration.
func (p *TCPPeer) connsInOrder() []*tcpConn {
	conns := make([]*tcpConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	for i := 1; i < len(conns); i++ { // insertion sort, n is small
		for j := i; j > 0 && connIDLess(conns[j].id, conns[j-1].id); j-- {
			conns[j], conns[j-1] = conns[j-1], conns[j]
		}
	}
	return conns
}

func connIDLess(a, b ConnectionID) bool {
	if a.Local.Port != b.Local.Port {
		return a.Local.Port < b.Local.Port
	}
	if c := a.Remote.Addr.Compare(b.Remote.Addr); c != 0 {
		return c < 0
	}
	return a.Remote.Port < b.Remote.Port
}

// drainAccepts pops every newly established passive connection and reports
// it as an incoming-connection event. Listeners are visited in port order
// so event emission does not depend on map iteration.
func (p *TCPPeer) drainAccepts() {
	ports := make([]Port, 0, len(p.listening))
	for port := range p.listening {
		ports = append(ports, port)
	}
	for i := 1; i < len(ports); i++ {
		for j := i; j > 0 && ports[j] < ports[j-1]; j-- {
			ports[j], ports[j-1] = ports[j-1], ports[j]
		}
	}
	for _, port := range ports {
		l := p.listening[port]
		for _, conn := range l.ready {
			p.rt.queue.push(EventIncomingTCPConnection{FD: conn.fd})
		}
		l.ready = l.ready[:0]
	}
}

// PushAsync queues b for transmission and returns a future that completes
// with len(b) once every byte has been accepted into the transmit buffer,
// which may take several ticks when b exceeds the free buffer space. The
// future fails with ErrOperationCancelled if the connection dies first.
func (p *TCPPeer) PushAsync(fd SocketDescriptor, b []byte) (*Future[int], error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return nil, err
	}
	w := &asyncPush{conn: conn, data: b, f: &Future[int]{}}
	p.work.add(w)
	return w.f, nil
}

// PopAsync returns a future that completes with the byte count once at
// least one byte of received payload has been copied into b.
func (p *TCPPeer) PopAsync(fd SocketDescriptor, b []byte) (*Future[int], error) {
	conn, err := p.connOf(fd)
	if err != nil {
		return nil, err
	}
	w := &asyncPop{conn: conn, buf: b, f: &Future[int]{}}
	p.work.add(w)
	return w.f, nil
}

// asyncPush drip-feeds a payload into a connection's transmit buffer
// across ticks.
type asyncPush struct {
	conn    *tcpConn
	data    []byte
	written int
	f       *Future[int]
}

func (w *asyncPush) step(now time.Time) (bool, error) {
	n, err := w.conn.write(w.data[w.written:])
	w.written += n
	if err != nil {
		w.f.complete(w.written, err)
		return true, err
	}
	if w.written == len(w.data) {
		w.f.complete(w.written, nil)
		return true, nil
	}
	return false, nil
}

func (w *asyncPush) cancel()         { w.f.cancel() }
func (w *asyncPush) owner() *tcpConn { return w.conn }

// asyncPop waits for received payload to land and completes with the first
// nonempty read.
type asyncPop struct {
	conn *tcpConn
	buf  []byte
	f    *Future[int]
}

func (w *asyncPop) step(now time.Time) (bool, error) {
	n, err := w.conn.read(w.buf)
	if err != nil {
		w.f.complete(n, err)
		return true, err
	}
	if n > 0 {
		w.f.complete(n, nil)
		return true, nil
	}
	return false, nil
}

func (w *asyncPop) cancel()         { w.f.cancel() }
func (w *asyncPop) owner() *tcpConn { return w.conn }

// segmentCast is a parked transmission waiting on MAC resolution.
type segmentCast struct {
	peer    *TCPPeer
	conn    *tcpConn // nil for connectionless sends such as RSTs
	id      ConnectionID
	seg     ustack.Segment
	payload []byte
	macF    *Future[[6]byte]
	dead    bool
}

func (sc *segmentCast) step(now time.Time) (bool, error) {
	if sc.dead {
		return true, ErrOperationCancelled
	}
	mac, err := sc.macF.TryWait()
	if IsNotReady(err) {
		return false, nil
	}
	if err != nil {
		sc.peer.rt.debug("tcp:cast-unresolved", slog.String("err", err.Error()))
		return true, err
	}
	sc.peer.transmit(mac, sc.id, sc.seg, sc.payload)
	return true, nil
}

func (sc *segmentCast) cancel()         { sc.dead = true }
func (sc *segmentCast) owner() *tcpConn { return sc.conn }
