package stacks

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"github.com/ustack/ustack/eth"
)

// ErrARPTimeout is the failure of an address resolution that exhausted its
// request retries without an answer.
var ErrARPTimeout = errors.New("arp resolution timed out")

// arpQuery is one in-progress resolution: every future handed out for the
// address, plus the retry schedule.
type arpQuery struct {
	futures  []*Future[[6]byte]
	nextSend time.Time
	attempts int
}

// ARPPeer resolves on-link IPv4 addresses to hardware addresses. Lookups
// hand out futures; requests go out and retry during the ARP poll phase of
// each tick, which runs before TCP so resolutions completed by an inbound
// reply unblock sends within the same tick.
type ARPPeer struct {
	rt      *netRuntime
	cache   map[netip.Addr][6]byte
	pending map[netip.Addr]*arpQuery
}

func newARPPeer(rt *netRuntime) *ARPPeer {
	return &ARPPeer{
		rt:      rt,
		cache:   make(map[netip.Addr][6]byte),
		pending: make(map[netip.Addr]*arpQuery),
	}
}

// cached returns the hardware address for addr if already resolved.
func (a *ARPPeer) cached(addr netip.Addr) ([6]byte, bool) {
	mac, ok := a.cache[addr]
	return mac, ok
}

// Query returns a future completing with addr's hardware address. A cache
// hit completes immediately; otherwise a request goes out on the next tick
// and the future completes when the reply arrives, or fails with
// ErrARPTimeout after the retry budget runs out.
func (a *ARPPeer) Query(addr netip.Addr) *Future[[6]byte] {
	f := &Future[[6]byte]{}
	if mac, ok := a.cache[addr]; ok {
		f.complete(mac, nil)
		return f
	}
	q, ok := a.pending[addr]
	if !ok {
		q = &arpQuery{nextSend: a.rt.now}
		a.pending[addr] = q
	}
	q.futures = append(q.futures, f)
	return f
}

// receive handles one inbound ARP payload. Requests for the stack's own
// address draw an immediate reply; replies feed the cache and complete
// pending queries. Either kind also opportunistically caches the sender's
// mapping.
func (a *ARPPeer) receive(payload []byte) error {
	info, err := eth.ParseARP(payload)
	if err != nil {
		return err
	}
	rt := a.rt
	switch info.Op {
	case header.ARPRequest:
		if info.TargetIP != rt.cfg.Addr {
			return nil // not for us
		}
		a.learn(info.SenderIP, info.SenderMAC)
		frame := make([]byte, eth.SizeEthernetHeader+eth.SizeARPPayload)
		n := eth.PutARPFrame(frame, header.ARPReply, rt.cfg.MAC, info.SenderMAC,
			rt.cfg.Addr, info.SenderMAC, info.SenderIP)
		rt.debug("arp:reply", slog.String("to", info.SenderIP.String()))
		rt.queue.push(EventTransmit{Frame: frame[:n]})
	case header.ARPReply:
		a.learn(info.SenderIP, info.SenderMAC)
	default:
		return errors.Errorf("unsupported ARP op %d", info.Op)
	}
	return nil
}

func (a *ARPPeer) learn(addr netip.Addr, mac [6]byte) {
	a.cache[addr] = mac
	if q, ok := a.pending[addr]; ok {
		for _, f := range q.futures {
			f.complete(mac, nil)
		}
		delete(a.pending, addr)
		a.rt.debug("arp:resolved",
			slog.String("addr", addr.String()),
			slog.Int("waiters", len(q.futures)))
	}
}

// poll sends due requests and expires queries that ran out of retries.
func (a *ARPPeer) poll(now time.Time) {
	rt := a.rt
	for addr, q := range a.pending {
		if now.Before(q.nextSend) {
			continue
		}
		if q.attempts >= rt.cfg.ARPQueryRetries {
			for _, f := range q.futures {
				f.complete([6]byte{}, ErrARPTimeout)
			}
			delete(a.pending, addr)
			rt.info("arp:timeout", slog.String("addr", addr.String()))
			continue
		}
		q.attempts++
		q.nextSend = now.Add(rt.cfg.ARPQueryInterval)
		frame := make([]byte, eth.SizeEthernetHeader+eth.SizeARPPayload)
		n := eth.PutARPFrame(frame, header.ARPRequest, rt.cfg.MAC, eth.BroadcastHW6(),
			rt.cfg.Addr, [6]byte{}, addr)
		rt.debug("arp:request",
			slog.String("addr", addr.String()),
			slog.Int("attempt", q.attempts))
		rt.queue.push(EventTransmit{Frame: frame[:n]})
	}
}

// ExportCache copies the resolution table into dst.
func (a *ARPPeer) ExportCache(dst map[netip.Addr][6]byte) {
	for addr, mac := range a.cache {
		dst[addr] = mac
	}
}

// ImportCache preloads resolutions, completing any queries already pending
// for the imported addresses.
func (a *ARPPeer) ImportCache(src map[netip.Addr][6]byte) {
	for addr, mac := range src {
		a.learn(addr, mac)
	}
}
