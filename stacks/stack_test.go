package stacks

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/ustack/ustack"
	"github.com/ustack/ustack/eth"
)

func errorsIs(err, target error) bool { return errors.Is(err, target) }

var (
	stackMAC  = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	remoteMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	stackIP   = netip.AddrFrom4([4]byte{10, 0, 0, 1})
	remoteIP  = netip.AddrFrom4([4]byte{10, 0, 0, 2})
)

var t0 = time.Unix(1_700_000_000, 0)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(StackConfig{
		MAC:      stackMAC,
		Addr:     stackIP,
		RandSeed: 42,
	}, t0)
	if err != nil {
		t.Fatal(err)
	}
	// Preload the remote's MAC so TCP frames leave without an ARP
	// round-trip; resolution itself is covered by the ARP tests.
	e.ImportARPCache(map[netip.Addr][6]byte{remoteIP: remoteMAC})
	return e
}

// remoteTCPFrame builds a frame as the remote peer would send it.
func remoteTCPFrame(srcPort, dstPort uint16, seg ustack.Segment, payload []byte) []byte {
	buf := make([]byte, eth.SizeEthernetHeader+eth.SizeIPv4Header+eth.SizeTCPHeader+len(payload))
	n := eth.PutTCPFrame(buf, remoteMAC, stackMAC, remoteIP, stackIP, srcPort, dstPort, 99, seg, payload)
	return buf[:n]
}

// egressTCP pops every pending transmit event and parses the TCP segments
// within, failing the test on any non-TCP egress.
func egressTCP(t *testing.T, e *Engine) []eth.TCPPacket {
	t.Helper()
	var pkts []eth.TCPPacket
	for e.PendingEvents() > 0 {
		ev := e.PopEvent()
		tx, ok := ev.(EventTransmit)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		frm, err := eth.Attach(tx.Frame)
		if err != nil {
			t.Fatal(err)
		}
		info, ipPayload, err := eth.ParseIPv4(frm.Payload())
		if err != nil {
			t.Fatal(err)
		}
		pkt, err := eth.ParseTCPPacket(info.Src, info.Dst, ipPayload)
		if err != nil {
			t.Fatal(err)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

// drainEvents pops all pending events, returning transmits parsed as TCP
// and everything else verbatim.
func drainEvents(t *testing.T, e *Engine) (pkts []eth.TCPPacket, other []Event) {
	t.Helper()
	for e.PendingEvents() > 0 {
		ev := e.PopEvent()
		tx, ok := ev.(EventTransmit)
		if !ok {
			other = append(other, ev)
			continue
		}
		frm, err := eth.Attach(tx.Frame)
		if err != nil {
			t.Fatal(err)
		}
		info, ipPayload, err := eth.ParseIPv4(frm.Payload())
		if err != nil {
			t.Fatal(err)
		}
		pkt, err := eth.ParseTCPPacket(info.Src, info.Dst, ipPayload)
		if err != nil {
			t.Fatal(err)
		}
		pkts = append(pkts, pkt)
	}
	return pkts, other
}

// acceptHandshake drives a passive open on port 80 from remote port 1234
// with initial remote sequence number 100 and returns the accepted
// descriptor plus the server's ISN.
func acceptHandshake(t *testing.T, e *Engine) (SocketDescriptor, ustack.Value) {
	t.Helper()
	lfd, err := e.TCPSocket()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.TCPBind(lfd, 80); err != nil {
		t.Fatal(err)
	}
	if err := e.TCPListen(lfd, 4); err != nil {
		t.Fatal(err)
	}

	err = e.Receive(remoteTCPFrame(1234, 80, ustack.Segment{SEQ: 100, WND: 2048, Flags: ustack.FlagSYN}, nil))
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(time.Millisecond))
	pkts := egressTCP(t, e)
	if len(pkts) != 1 {
		t.Fatalf("expected SYNACK, got %d segments", len(pkts))
	}
	synack := pkts[0].Seg
	if !synack.Flags.HasAll(ustack.FlagSYN|ustack.FlagACK) || synack.ACK != 101 {
		t.Fatalf("bad SYNACK: %+v", synack)
	}
	iss := synack.SEQ

	err = e.Receive(remoteTCPFrame(1234, 80, ustack.Segment{SEQ: 101, ACK: iss + 1, WND: 2048, Flags: ustack.FlagACK}, nil))
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(2 * time.Millisecond))
	_, other := drainEvents(t, e)
	if len(other) != 1 {
		t.Fatalf("expected incoming-connection event, got %d events", len(other))
	}
	inc, ok := other[0].(EventIncomingTCPConnection)
	if !ok {
		t.Fatalf("unexpected event %T", other[0])
	}
	return inc.FD, iss
}

func TestPassiveOpenAndDataExchange(t *testing.T) {
	e := newTestEngine(t)
	fd, iss := acceptHandshake(t, e)

	id, err := e.TCPConnID(fd)
	if err != nil {
		t.Fatal(err)
	}
	want := ConnectionID{
		Local:  Endpoint{Addr: stackIP, Port: 80},
		Remote: Endpoint{Addr: remoteIP, Port: 1234},
	}
	if id != want {
		t.Fatalf("connection id %+v", id)
	}

	// Remote pushes payload; the stack reports availability and ACKs.
	err = e.Receive(remoteTCPFrame(1234, 80,
		ustack.Segment{SEQ: 101, ACK: iss + 1, WND: 2048, Flags: ustack.FlagPSH | ustack.FlagACK, DATALEN: 5},
		[]byte("hello")))
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(3 * time.Millisecond))
	pkts, other := drainEvents(t, e)
	if len(other) != 1 {
		t.Fatalf("expected bytes-available event, got %v", other)
	}
	if ba, ok := other[0].(EventTCPBytesAvailable); !ok || ba.FD != fd {
		t.Fatalf("unexpected event %+v", other[0])
	}
	if len(pkts) != 1 || pkts[0].Seg.ACK != 106 || !pkts[0].Seg.Flags.HasAll(ustack.FlagACK) {
		t.Fatalf("expected ACK of payload, got %+v", pkts)
	}
	if n, err := e.TCPBytesAvailable(fd); err != nil || n != 5 {
		t.Fatalf("available %d, %v", n, err)
	}

	var rbuf [16]byte
	if n, _ := e.TCPPeek(fd, rbuf[:]); n != 5 || string(rbuf[:n]) != "hello" {
		t.Fatalf("peek %q", rbuf[:n])
	}
	n, err := e.TCPRead(fd, rbuf[:])
	if err != nil || string(rbuf[:n]) != "hello" {
		t.Fatalf("read %q, %v", rbuf[:n], err)
	}

	// Server reply rides the next tick.
	if _, err := e.TCPWrite(fd, []byte("world")); err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(4 * time.Millisecond))
	pkts = egressTCP(t, e)
	if len(pkts) != 1 {
		t.Fatalf("expected data segment, got %d", len(pkts))
	}
	seg := pkts[0].Seg
	if seg.SEQ != iss+1 || seg.ACK != 106 || !seg.Flags.HasAll(ustack.FlagPSH|ustack.FlagACK) {
		t.Fatalf("bad data segment %+v", seg)
	}
	if !bytes.Equal(pkts[0].Payload, []byte("world")) {
		t.Fatalf("payload %q", pkts[0].Payload)
	}
}

func TestActiveOpenCloseThroughTimeWait(t *testing.T) {
	e := newTestEngine(t)
	tcp := e.ipv4.TCP
	portsBefore := tcp.ports.available()

	f, err := e.TCPConnect(Endpoint{Addr: remoteIP, Port: 80})
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(time.Millisecond))
	pkts := egressTCP(t, e)
	if len(pkts) != 1 || !pkts[0].Seg.Flags.HasAll(ustack.FlagSYN) || pkts[0].Seg.Flags.HasAny(ustack.FlagACK) {
		t.Fatalf("expected SYN, got %+v", pkts)
	}
	iss := pkts[0].Seg.SEQ
	localPort := pkts[0].SrcPort
	if !Port(localPort).IsPrivate() {
		t.Fatalf("expected ephemeral local port, got %d", localPort)
	}
	if f.Done() {
		t.Fatal("future completed before handshake")
	}

	err = e.Receive(remoteTCPFrame(80, localPort,
		ustack.Segment{SEQ: 500, ACK: iss + 1, WND: 2048, Flags: ustack.FlagSYN | ustack.FlagACK}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Done() {
		t.Fatal("future not completed by SYNACK")
	}
	fd, err := f.Result()
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(2 * time.Millisecond))
	pkts = egressTCP(t, e)
	if len(pkts) != 1 || pkts[0].Seg.ACK != 501 {
		t.Fatalf("expected handshake ACK, got %+v", pkts)
	}

	// Active close: our FIN, their ACK, their FIN, our ACK, TimeWait.
	if err := e.TCPClose(fd); err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(3 * time.Millisecond))
	pkts = egressTCP(t, e)
	if len(pkts) != 1 || !pkts[0].Seg.Flags.HasAll(ustack.FlagFIN|ustack.FlagACK) || pkts[0].Seg.SEQ != iss+1 {
		t.Fatalf("expected FIN, got %+v", pkts)
	}
	err = e.Receive(remoteTCPFrame(80, localPort,
		ustack.Segment{SEQ: 501, ACK: iss + 2, WND: 2048, Flags: ustack.FlagACK}, nil))
	if err != nil {
		t.Fatal(err)
	}
	err = e.Receive(remoteTCPFrame(80, localPort,
		ustack.Segment{SEQ: 501, ACK: iss + 2, WND: 2048, Flags: ustack.FlagFIN | ustack.FlagACK}, nil))
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(4 * time.Millisecond))
	pkts = egressTCP(t, e)
	if len(pkts) != 1 || pkts[0].Seg.ACK != 502 {
		t.Fatalf("expected ACK of FIN, got %+v", pkts)
	}
	if tcp.ports.available() != portsBefore-1 {
		t.Fatal("port released before TimeWait expiry")
	}

	// TimeWait expiry reclaims the connection and its port.
	e.AdvanceClock(t0.Add(4*time.Millisecond + 31*time.Second))
	_, other := drainEvents(t, e)
	if len(other) != 1 {
		t.Fatalf("expected closed event, got %v", other)
	}
	closed, ok := other[0].(EventTCPConnectionClosed)
	if !ok || closed.Err != nil {
		t.Fatalf("unexpected event %+v", other[0])
	}
	if tcp.ports.available() != portsBefore {
		t.Fatal("ephemeral port not returned to pool")
	}
	if len(tcp.conns) != 0 {
		t.Fatalf("%d connections still registered", len(tcp.conns))
	}
}

func TestClosedPortResponds(t *testing.T) {
	e := newTestEngine(t)

	// SYN to a closed port: RST|ACK with ACK covering the SYN.
	if err := e.Receive(remoteTCPFrame(1234, 7777, ustack.Segment{SEQ: 300, Flags: ustack.FlagSYN}, nil)); err != nil {
		t.Fatal(err)
	}
	pkts := egressTCP(t, e)
	if len(pkts) != 1 {
		t.Fatalf("expected RST, got %d", len(pkts))
	}
	rst := pkts[0].Seg
	if !rst.Flags.HasAll(ustack.FlagRST|ustack.FlagACK) || rst.SEQ != 0 || rst.ACK != 301 {
		t.Fatalf("bad RST %+v", rst)
	}

	// Data without ACK: the acknowledgment also covers the payload.
	err := e.Receive(remoteTCPFrame(1234, 7777,
		ustack.Segment{SEQ: 300, Flags: ustack.FlagSYN, DATALEN: 5}, []byte("abcde")))
	if err != nil {
		t.Fatal(err)
	}
	pkts = egressTCP(t, e)
	if len(pkts) != 1 || pkts[0].Seg.ACK != 306 {
		t.Fatalf("expected ACK=306, got %+v", pkts)
	}

	// A segment carrying an ACK gets the same treatment: the reply
	// acknowledges the segment's own sequence space, not the peer's ACK.
	err = e.Receive(remoteTCPFrame(1234, 7777,
		ustack.Segment{SEQ: 300, ACK: 777, Flags: ustack.FlagACK, DATALEN: 4}, []byte("data")))
	if err != nil {
		t.Fatal(err)
	}
	pkts = egressTCP(t, e)
	if len(pkts) != 1 {
		t.Fatalf("expected RST, got %d", len(pkts))
	}
	rst = pkts[0].Seg
	if !rst.Flags.HasAll(ustack.FlagRST|ustack.FlagACK) || rst.SEQ != 0 || rst.ACK != 304 {
		t.Fatalf("bad RST %+v", rst)
	}

	// A RST to a closed port draws nothing.
	err = e.Receive(remoteTCPFrame(1234, 7777, ustack.Segment{SEQ: 300, Flags: ustack.FlagRST}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if e.PendingEvents() != 0 {
		t.Fatal("RST to closed port must be swallowed")
	}
}

func TestBoundSocketCloseReturnsPort(t *testing.T) {
	e := newTestEngine(t)
	tcp := e.ipv4.TCP
	before := tcp.ports.available()

	// Bind to port zero draws from the ephemeral pool; closing the socket
	// without ever connecting must hand the port back.
	fd, err := e.TCPSocket()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.TCPBind(fd, 0); err != nil {
		t.Fatal(err)
	}
	if tcp.ports.available() != before-1 {
		t.Fatalf("pool at %d after bind", tcp.ports.available())
	}
	if err := e.TCPClose(fd); err != nil {
		t.Fatal(err)
	}
	if tcp.ports.available() != before {
		t.Fatal("bound socket close did not return its ephemeral port")
	}

	// Same through the listening state.
	fd, err = e.TCPSocket()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.TCPBind(fd, 0); err != nil {
		t.Fatal(err)
	}
	if err := e.TCPListen(fd, 2); err != nil {
		t.Fatal(err)
	}
	if err := e.TCPClose(fd); err != nil {
		t.Fatal(err)
	}
	if tcp.ports.available() != before {
		t.Fatal("listener close did not return its ephemeral port")
	}
}

func TestDuplicateConnectRejected(t *testing.T) {
	e := newTestEngine(t)
	remote := Endpoint{Addr: remoteIP, Port: 80}
	if _, err := e.TCPConnect(remote); err != nil {
		t.Fatal(err)
	}
	if _, err := e.TCPConnect(remote); err == nil || !errorsIs(err, ErrConnectionExists) {
		t.Fatalf("expected ErrConnectionExists, got %v", err)
	}
}

func TestConnectPortExhaustion(t *testing.T) {
	e := newTestEngine(t)
	tcp := e.ipv4.TCP
	saved := tcp.ports.free
	tcp.ports.free = nil
	if _, err := e.TCPConnect(Endpoint{Addr: remoteIP, Port: 80}); !errorsIs(err, ErrPortsExhausted) {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
	tcp.ports.free = saved[:1]
	if _, err := e.TCPConnect(Endpoint{Addr: remoteIP, Port: 80}); err != nil {
		t.Fatalf("connect after release: %v", err)
	}
}

func TestConnectionRefusedByRST(t *testing.T) {
	e := newTestEngine(t)
	f, err := e.TCPConnect(Endpoint{Addr: remoteIP, Port: 80})
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(time.Millisecond))
	pkts := egressTCP(t, e)
	if len(pkts) != 1 {
		t.Fatal("expected SYN")
	}
	iss := pkts[0].Seg.SEQ
	localPort := pkts[0].SrcPort

	err = e.Receive(remoteTCPFrame(80, localPort,
		ustack.Segment{SEQ: 0, ACK: iss + 1, Flags: ustack.FlagRST | ustack.FlagACK}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !f.Done() {
		t.Fatal("future still pending after RST")
	}
	if _, err := f.Result(); !errorsIs(err, ustack.ErrConnectionRefused) {
		t.Fatalf("expected refused, got %v", err)
	}
	_, other := drainEvents(t, e)
	if len(other) != 1 {
		t.Fatalf("expected closed event, got %v", other)
	}
	if closed := other[0].(EventTCPConnectionClosed); !errorsIs(closed.Err, ustack.ErrConnectionRefused) {
		t.Fatalf("closed err %v", closed.Err)
	}
}

func TestEstablishedResetCancelsWork(t *testing.T) {
	e := newTestEngine(t)
	fd, _ := acceptHandshake(t, e)

	// Park a push larger than the remote window can drain this tick.
	big := make([]byte, tcpBufferSize+1)
	pushF, err := e.TCPPushAsync(fd, big)
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(3 * time.Millisecond))
	egressTCP(t, e)
	if pushF.Done() {
		t.Fatal("push completed with a full transmit buffer")
	}

	err = e.Receive(remoteTCPFrame(1234, 80, ustack.Segment{SEQ: 101, Flags: ustack.FlagRST}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !pushF.Done() {
		t.Fatal("push not cancelled by teardown")
	}
	if _, err := pushF.Result(); !errorsIs(err, ErrOperationCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	_, other := drainEvents(t, e)
	foundClosed := false
	for _, ev := range other {
		if closed, ok := ev.(EventTCPConnectionClosed); ok {
			foundClosed = true
			if !errorsIs(closed.Err, ustack.ErrConnectionReset) {
				t.Fatalf("closed err %v", closed.Err)
			}
		}
	}
	if !foundClosed {
		t.Fatal("no closed event after reset")
	}
}

func TestRetransmissionTimeout(t *testing.T) {
	e := newTestEngine(t)
	f, err := e.TCPConnect(Endpoint{Addr: remoteIP, Port: 80})
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(time.Millisecond))
	pkts := egressTCP(t, e)
	if len(pkts) != 1 || !pkts[0].Seg.Flags.HasAll(ustack.FlagSYN) {
		t.Fatalf("expected SYN, got %+v", pkts)
	}

	// Default RTO 1s with exponential backoff and 5 attempts.
	when := t0.Add(time.Millisecond)
	sent := 1
	for i := 0; i < 8; i++ {
		when = when.Add(time.Minute)
		e.AdvanceClock(when)
		_, other := drainEvents(t, e)
		for _, ev := range other {
			if closed, ok := ev.(EventTCPConnectionClosed); ok {
				if !errorsIs(closed.Err, ErrTimeout) {
					t.Fatalf("closed err %v", closed.Err)
				}
				if sent != 6 { // original plus five retransmits
					t.Fatalf("sent %d SYNs before timing out", sent)
				}
				if _, err := f.Result(); !errorsIs(err, ErrTimeout) {
					t.Fatalf("future err %v", err)
				}
				return
			}
		}
		sent++
	}
	t.Fatal("connection never timed out")
}

func TestAckedDataIsNotRetransmitted(t *testing.T) {
	e := newTestEngine(t)
	fd, iss := acceptHandshake(t, e)

	if _, err := e.TCPWrite(fd, []byte("world")); err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(3 * time.Millisecond))
	pkts := egressTCP(t, e)
	if len(pkts) != 1 || pkts[0].Seg.DATALEN != 5 {
		t.Fatalf("expected one data segment, got %+v", pkts)
	}

	// The remote acknowledges the payload in full.
	err := e.Receive(remoteTCPFrame(1234, 80,
		ustack.Segment{SEQ: 101, ACK: iss + 6, WND: 2048, Flags: ustack.FlagACK}, nil))
	if err != nil {
		t.Fatal(err)
	}
	e.AdvanceClock(t0.Add(4 * time.Millisecond))
	drainEvents(t, e)

	// Ticks far beyond every retransmission deadline produce nothing: the
	// acknowledged segment has left the queue.
	for i := 1; i <= 8; i++ {
		e.AdvanceClock(t0.Add(time.Duration(i) * time.Minute))
		pkts, other := drainEvents(t, e)
		if len(pkts) != 0 || len(other) != 0 {
			t.Fatalf("tick %d: unexpected traffic %v %v", i, pkts, other)
		}
	}
}

func TestIdleTickIsNoop(t *testing.T) {
	e := newTestEngine(t)
	fd, _ := acceptHandshake(t, e)

	now := t0.Add(10 * time.Millisecond)
	e.AdvanceClock(now)
	drainEvents(t, e)
	for i := 0; i < 3; i++ {
		e.AdvanceClock(now)
		if e.PendingEvents() != 0 {
			t.Fatalf("idle tick %d produced events", i)
		}
	}
	// The connection is untouched by idle ticks.
	if _, err := e.TCPConnID(fd); err != nil {
		t.Fatal(err)
	}
}

func TestMisdeliveredFrame(t *testing.T) {
	e := newTestEngine(t)
	frame := remoteTCPFrame(1, 2, ustack.Segment{SEQ: 1, Flags: ustack.FlagSYN}, nil)
	// Readdress the frame to a foreign MAC.
	foreign := [6]byte{0x02, 0xff, 0xff, 0xff, 0xff, 0xff}
	copy(frame[0:6], foreign[:])
	if err := e.Receive(frame); !errorsIs(err, ErrMisdelivered) {
		t.Fatalf("expected ErrMisdelivered, got %v", err)
	}
	if e.PendingEvents() != 0 {
		t.Fatal("misdelivered frame produced events")
	}
}

func TestMalformedFrameRejected(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Receive([]byte{1, 2, 3}); !errorsIs(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	// Corrupt TCP checksum inside an otherwise valid frame.
	frame := remoteTCPFrame(1234, 80, ustack.Segment{SEQ: 1, Flags: ustack.FlagSYN}, nil)
	frame[len(frame)-1] ^= 0xff
	if err := e.Receive(frame); !errorsIs(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
