package stacks

import (
	"log/slog"
	"time"

	"github.com/ustack/ustack/eth"
)

// UDPPeer tracks open UDP ports and outbound datagrams in flight. Inbound
// datagrams on open ports surface as EventUDPDatagram; everything else is
// dropped.
type UDPPeer struct {
	rt   *netRuntime
	arp  *ARPPeer
	work *workSet
	open map[Port]bool
}

func newUDPPeer(rt *netRuntime, arp *ARPPeer, work *workSet) *UDPPeer {
	return &UDPPeer{rt: rt, arp: arp, work: work, open: make(map[Port]bool)}
}

// Open marks a local UDP port as receiving.
func (u *UDPPeer) Open(port Port) {
	u.open[port] = true
}

// Close stops receiving on a local UDP port.
func (u *UDPPeer) Close(port Port) {
	delete(u.open, port)
}

// IsOpen reports whether the local port accepts datagrams.
func (u *UDPPeer) IsOpen(port Port) bool { return u.open[port] }

// Cast sends one datagram from localPort to remote. The returned future
// completes once the frame has been emitted, which waits on MAC resolution
// when the remote is not yet in the ARP cache.
func (u *UDPPeer) Cast(localPort Port, remote Endpoint, payload []byte) *Future[struct{}] {
	f := &Future[struct{}]{}
	if mac, ok := u.arp.cached(remote.Addr); ok {
		u.transmit(mac, localPort, remote, payload)
		f.complete(struct{}{}, nil)
		return f
	}
	u.work.add(&udpCast{
		udp:       u,
		localPort: localPort,
		remote:    remote,
		payload:   payload,
		macF:      u.arp.Query(remote.Addr),
		f:         f,
	})
	return f
}

func (u *UDPPeer) transmit(dstMAC [6]byte, localPort Port, remote Endpoint, payload []byte) {
	rt := u.rt
	frame := make([]byte, eth.SizeEthernetHeader+eth.SizeIPv4Header+eth.SizeUDPHeader+len(payload))
	n := eth.PutUDPFrame(frame, rt.cfg.MAC, dstMAC,
		rt.cfg.Addr, remote.Addr,
		uint16(localPort), uint16(remote.Port),
		rt.nextIPID(), payload)
	rt.trace("udp:tx",
		slog.Int("lport", int(localPort)),
		slog.String("remote", remote.Addr.String()),
		slog.Int("plen", len(payload)))
	rt.queue.push(EventTransmit{Frame: frame[:n]})
}

// receive delivers one parsed datagram to an open port.
func (u *UDPPeer) receive(pkt eth.UDPPacket) error {
	if pkt.SrcPort == 0 || pkt.DstPort == 0 {
		return ErrMalformed
	}
	if !u.open[Port(pkt.DstPort)] {
		u.rt.debug("udp:closed-port", slog.Int("port", int(pkt.DstPort)))
		return nil
	}
	u.rt.queue.push(EventUDPDatagram{
		LocalPort:  pkt.DstPort,
		RemoteAddr: pkt.SrcAddr.As4(),
		RemotePort: pkt.SrcPort,
		Payload:    pkt.Payload,
	})
	return nil
}

// udpCast is a datagram parked on MAC resolution.
type udpCast struct {
	udp       *UDPPeer
	localPort Port
	remote    Endpoint
	payload   []byte
	macF      *Future[[6]byte]
	f         *Future[struct{}]
}

func (c *udpCast) step(now time.Time) (bool, error) {
	mac, err := c.macF.TryWait()
	if IsNotReady(err) {
		return false, nil
	}
	if err != nil {
		c.f.complete(struct{}{}, err)
		return true, err
	}
	c.udp.transmit(mac, c.localPort, c.remote, c.payload)
	c.f.complete(struct{}{}, nil)
	return true, nil
}

func (c *udpCast) cancel()         { c.f.cancel() }
func (c *udpCast) owner() *tcpConn { return nil }
