package stacks

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/ustack/ustack/eth"
)

// IPv4Peer validates inbound IPv4 datagrams and dispatches them by
// protocol. It owns the transport peers.
type IPv4Peer struct {
	rt   *netRuntime
	TCP  *TCPPeer
	UDP  *UDPPeer
	ICMP *ICMPPeer
}

func newIPv4Peer(rt *netRuntime, arp *ARPPeer) *IPv4Peer {
	p := &IPv4Peer{rt: rt}
	p.TCP = newTCPPeer(rt, arp)
	p.UDP = newUDPPeer(rt, arp, &p.TCP.work)
	p.ICMP = newICMPPeer(rt, arp, &p.TCP.work)
	return p
}

// receive handles one inbound IPv4 datagram.
func (p *IPv4Peer) receive(b []byte) error {
	info, payload, err := eth.ParseIPv4(b)
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	rt := p.rt
	if info.Dst != rt.cfg.Addr {
		return errors.Wrap(ErrMisdelivered, info.Dst.String())
	}
	if eth.IsFragment(b) {
		// Reassembly is out of scope; fragments are dropped whole.
		rt.debug("ipv4:fragment-dropped", slog.String("src", info.Src.String()))
		return nil
	}
	switch info.Protocol {
	case eth.ProtoTCP:
		pkt, err := eth.ParseTCPPacket(info.Src, info.Dst, payload)
		if err != nil {
			return errors.Wrap(ErrMalformed, err.Error())
		}
		return p.TCP.receive(pkt)
	case eth.ProtoUDP:
		pkt, err := eth.ParseUDPPacket(info.Src, info.Dst, payload)
		if err != nil {
			return errors.Wrap(ErrMalformed, err.Error())
		}
		return p.UDP.receive(pkt)
	case eth.ProtoICMP:
		return p.ICMP.receive(info.Src, payload)
	default:
		rt.debug("ipv4:unknown-protocol", slog.Int("protocol", int(info.Protocol)))
		return errors.Wrapf(ErrUnsupported, "ip protocol %d", info.Protocol)
	}
}

// poll runs one tick of transport work.
func (p *IPv4Peer) poll(now time.Time) {
	p.ICMP.poll(now)
	p.TCP.poll(now)
}
