package stacks

import (
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"

	"github.com/ustack/ustack"
	"github.com/ustack/ustack/eth"
)

var (
	// ErrTimeout is returned when a segment exhausts its retransmission
	// budget without being acknowledged.
	ErrTimeout = errors.New("connection timed out")
	// ErrConnectionExists is returned by Connect when a live connection to
	// the same remote endpoint already exists.
	ErrConnectionExists = errors.New("connection already exists")
	// ErrClosed is returned by socket calls on a connection that has
	// finished closing and holds no buffered data.
	ErrClosed = errors.New("connection closed")
)

// rtxEntry is one unacknowledged segment awaiting either an ACK covering it
// or its retransmission deadline.
type rtxEntry struct {
	seg      ustack.Segment
	payload  []byte
	deadline time.Time
	attempts int
}

// tcpConn is the per-connection state riding on top of a ControlBlock: the
// user-facing receive and transmit rings, the retransmission queue, and the
// futures callers poll on. All of it is touched only from the stack's
// single logical thread.
type tcpConn struct {
	peer *TCPPeer
	id   ConnectionID
	scb  ustack.ControlBlock

	rx *ringbuffer.RingBuffer
	tx *ringbuffer.RingBuffer

	rtx []rtxEntry
	rto time.Duration

	// connectF completes when an active open reaches Established, or with
	// the failure that ended the attempt.
	connectF *Future[SocketDescriptor]
	// fd is the descriptor the socket table issued for this connection.
	fd SocketDescriptor
	// listener is non-nil while this connection is an embryo of a passive
	// open that has not been surfaced through an accept yet.
	listener *tcpListener
	// ownsPort marks a connection whose local port came straight from the
	// ephemeral pool, so teardown returns it unconditionally. Ports bound
	// through a socket may outlive the connection and are released only
	// once nothing else references them.
	ownsPort bool

	timeWaitAt time.Time
	closed     bool
	// closeErr records why the connection died; nil for an orderly close.
	closeErr       error
	closedReported bool
}

func (c *tcpConn) logAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("local", c.id.Local.Addr.String()),
		slog.Int("lport", int(c.id.Local.Port)),
		slog.String("remote", c.id.Remote.Addr.String()),
		slog.Int("rport", int(c.id.Remote.Port)),
		slog.String("state", c.scb.State().String()),
	}
}

// handleSegment runs one inbound segment through the state machine and
// reconciles buffers, the retransmission queue and futures with the result.
func (c *tcpConn) handleSegment(now time.Time, pkt eth.TCPPacket) {
	rt := c.peer.rt
	prevState := c.scb.State()
	err := c.scb.Recv(pkt.Seg)
	if err != nil {
		if ustack.IsDropped(err) {
			rt.debug("tcp:drop-segment", slog.String("reason", err.Error()))
			return
		}
		// Refused or reset: the TCB is gone.
		rt.info("tcp:conn-aborted", slog.String("err", err.Error()))
		c.teardown(err)
		return
	}

	// ACK processing retires covered retransmission entries.
	if pkt.Seg.Flags.HasAny(ustack.FlagACK) {
		c.pruneRetransmissions(pkt.Seg.ACK)
	}

	if len(pkt.Payload) > 0 {
		data := pkt.Payload
		if free := c.rx.Free(); len(data) > free {
			// Window mispredicted by the remote; excess is dropped and
			// will be retransmitted once the window reopens.
			rt.error("tcp:rx-overflow", slog.Int("dropped", len(data)-free))
			data = data[:free]
		}
		n, _ := c.rx.Write(data)
		c.scb.SetRecvWindow(ustack.Size(c.rx.Free()))
		if n > 0 {
			rt.queue.push(EventTCPBytesAvailable{FD: c.fd})
		}
	}

	state := c.scb.State()
	if prevState != state {
		rt.debug("tcp:state-change", append(c.logAttrs(), slog.String("from", prevState.String()))...)
	}
	switch {
	case prevState == ustack.StateSynSent && state == ustack.StateEstablished:
		c.connectF.complete(c.fd, nil)
	case prevState == ustack.StateSynRcvd && state == ustack.StateEstablished:
		if c.listener != nil {
			c.listener.embryos--
			c.listener.ready = append(c.listener.ready, c)
			c.listener = nil
		}
	case state == ustack.StateTimeWait && prevState != ustack.StateTimeWait:
		c.timeWaitAt = now.Add(c.peer.rt.cfg.TimeWaitDuration)
	case state == ustack.StateClosed:
		// LastAck acknowledged; orderly close is complete.
		c.teardown(nil)
	}
}

func (c *tcpConn) pruneRetransmissions(ack ustack.Value) {
	keep := c.rtx[:0]
	for _, e := range c.rtx {
		end := e.seg.SEQ
		end.UpdateForward(e.seg.LEN())
		if ustack.LessThanEq(end, ack) {
			continue
		}
		keep = append(keep, e)
	}
	for i := len(keep); i < len(c.rtx); i++ {
		c.rtx[i] = rtxEntry{}
	}
	c.rtx = keep
}

// poll performs one tick of connection upkeep: TimeWait expiry,
// retransmission deadlines, then transmission of whatever the control block
// has pending.
func (c *tcpConn) poll(now time.Time) {
	if c.closed {
		return
	}
	rt := c.peer.rt
	if c.scb.State() == ustack.StateTimeWait && !c.timeWaitAt.IsZero() && !now.Before(c.timeWaitAt) {
		rt.debug("tcp:timewait-expired", c.logAttrs()...)
		c.scb.Abort()
		c.teardown(nil)
		return
	}

	for i := range c.rtx {
		e := &c.rtx[i]
		if now.Before(e.deadline) {
			continue
		}
		if e.attempts >= rt.cfg.MaxRetransmits {
			rt.info("tcp:rtx-exhausted", c.logAttrs()...)
			c.scb.Abort()
			c.teardown(ErrTimeout)
			return
		}
		e.attempts++
		e.deadline = now.Add(c.rto << e.attempts) // exponential backoff
		rt.debug("tcp:retransmit",
			slog.Uint64("seq", uint64(e.seg.SEQ)),
			slog.Int("attempt", e.attempts))
		c.peer.castSegment(c, e.seg, e.payload)
	}
	if c.closed {
		return
	}

	c.flush(now)
}

// flush sends pending control segments and as much buffered payload as the
// remote window allows.
func (c *tcpConn) flush(now time.Time) {
	for {
		payloadLen := c.tx.Length()
		if mss := c.peer.MSS(); payloadLen > mss {
			payloadLen = mss
		}
		if inflight := int(c.scb.MaxInFlightData()); payloadLen > inflight {
			payloadLen = inflight
		}
		seg, ok := c.scb.PendingSegment(payloadLen)
		if !ok {
			return
		}
		var payload []byte
		if seg.DATALEN > 0 {
			payload = make([]byte, seg.DATALEN)
			n, _ := c.tx.Read(payload)
			payload = payload[:n]
			seg.DATALEN = ustack.Size(n)
		}
		if err := c.scb.Send(seg); err != nil {
			c.peer.rt.error("tcp:send-reject", slog.String("err", err.Error()))
			return
		}
		if seg.LEN() > 0 {
			// SYN, FIN and data occupy sequence space and must be
			// retransmitted until acknowledged.
			c.rtx = append(c.rtx, rtxEntry{
				seg:      seg,
				payload:  payload,
				deadline: now.Add(c.rto),
			})
		}
		if c.scb.State() == ustack.StateTimeWait && c.timeWaitAt.IsZero() {
			c.timeWaitAt = now.Add(c.peer.rt.cfg.TimeWaitDuration)
		}
		c.peer.castSegment(c, seg, payload)
	}
}

// teardown finalizes a dead connection exactly once: cancels its pending
// work, completes its futures, reports the closure event and returns its
// ephemeral port to the pool. The descriptor slot stays allocated until the
// owner closes it, so buffered received data remains readable.
func (c *tcpConn) teardown(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = cause
	rt := c.peer.rt

	c.peer.work.cancelOwned(c)
	if c.listener != nil {
		c.listener.embryos--
		c.listener = nil
	}
	if c.connectF != nil && !c.connectF.Done() {
		if cause != nil {
			c.connectF.complete(0, cause)
		} else {
			c.connectF.cancel()
		}
	}
	if !c.closedReported {
		c.closedReported = true
		rt.queue.push(EventTCPConnectionClosed{FD: c.fd, Err: cause})
	}

	delete(c.peer.conns, c.id)
	if cur, ok := c.peer.active[c.id.Remote]; ok && cur == c {
		delete(c.peer.active, c.id.Remote)
	}
	if c.ownsPort {
		c.peer.ports.release(c.id.Local.Port)
	} else {
		c.peer.releaseIfUnused(c.id.Local.Port)
	}
	c.rtx = nil
	rt.info("tcp:conn-closed", c.logAttrs()...)
}

// read drains up to len(b) bytes of received payload. After the connection
// has closed, buffered data remains readable; an empty buffer then yields
// io.EOF for an orderly close and the abort cause otherwise.
func (c *tcpConn) read(b []byte) (int, error) {
	if c.rx.Length() == 0 {
		if c.closed {
			if c.closeErr != nil {
				return 0, c.closeErr
			}
			return 0, io.EOF
		}
		st := c.scb.State()
		if st == ustack.StateCloseWait || st.IsClosing() {
			return 0, io.EOF // remote sent FIN, no more data is coming
		}
		return 0, nil
	}
	n, err := c.rx.Read(b)
	c.scb.SetRecvWindow(ustack.Size(c.rx.Free()))
	return n, err
}

// peek copies buffered received payload without consuming it.
func (c *tcpConn) peek(b []byte) int {
	buffered := c.rx.Bytes(nil)
	return copy(b, buffered)
}

// write buffers payload for transmission on the next clock advance.
func (c *tcpConn) write(b []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	st := c.scb.State()
	if st != ustack.StateEstablished && st != ustack.StateSynSent && st != ustack.StateSynRcvd {
		return 0, ErrClosed
	}
	if free := c.tx.Free(); len(b) > free {
		b = b[:free]
	}
	return c.tx.Write(b)
}

// close begins an orderly shutdown. The eventual completion is reported via
// EventTCPConnectionClosed once the closing handshake finishes.
func (c *tcpConn) close() error {
	if c.closed {
		return nil
	}
	err := c.scb.Close()
	if c.scb.State() == ustack.StateClosed {
		// Listen and SynSent abort immediately with nothing on the wire.
		c.teardown(nil)
		return nil
	}
	return err
}

// abort drops the connection on the floor with no further wire activity.
func (c *tcpConn) abort(cause error) {
	c.scb.Abort()
	c.teardown(cause)
}

// tcpListener tracks a passive-open socket: its accept backlog of embryonic
// connections and those that completed the handshake but have not been
// surfaced yet.
type tcpListener struct {
	port    Port
	backlog int
	// embryos are connections still in SynRcvd.
	embryos int
	// ready holds established connections awaiting accept.
	ready []*tcpConn
}
