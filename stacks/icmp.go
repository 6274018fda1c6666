package stacks

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/ustack/ustack/eth"
)

// icmpEchoKey matches an echo reply to its outstanding request.
type icmpEchoKey struct {
	ident uint16
	seq   uint16
}

// pingState is one outstanding echo request awaiting its reply.
type pingState struct {
	sentAt   time.Time
	deadline time.Time
	dst      netip.Addr
	f        *Future[time.Duration]
}

// ICMPPeer answers inbound echo requests and runs outbound pings. Inbound
// ICMP errors referencing the stack's flows surface as EventICMPv4Error.
type ICMPPeer struct {
	rt        *netRuntime
	arp       *ARPPeer
	work      *workSet
	nextIdent uint16
	nextSeq   uint16
	inflight  map[icmpEchoKey]*pingState
}

func newICMPPeer(rt *netRuntime, arp *ARPPeer, work *workSet) *ICMPPeer {
	return &ICMPPeer{rt: rt, arp: arp, work: work, inflight: make(map[icmpEchoKey]*pingState)}
}

// Ping sends one echo request to dst and returns a future completing with
// the round-trip time in logical clock terms, or ErrTimeout if no reply
// arrives within timeout.
func (ic *ICMPPeer) Ping(dst netip.Addr, timeout time.Duration) *Future[time.Duration] {
	rt := ic.rt
	ic.nextIdent++
	ic.nextSeq++
	key := icmpEchoKey{ident: ic.nextIdent, seq: ic.nextSeq}
	st := &pingState{
		sentAt:   rt.now,
		deadline: rt.now.Add(timeout),
		dst:      dst,
		f:        &Future[time.Duration]{},
	}
	ic.inflight[key] = st

	send := func(mac [6]byte) {
		frame := make([]byte, eth.SizeEthernetHeader+eth.SizeIPv4Header+eth.SizeICMPEcho)
		n := eth.PutICMPEchoFrame(frame, false, rt.cfg.MAC, mac,
			rt.cfg.Addr, dst, rt.nextIPID(), key.ident, key.seq, nil)
		rt.debug("icmp:echo-request",
			slog.String("dst", dst.String()),
			slog.Int("seq", int(key.seq)))
		rt.queue.push(EventTransmit{Frame: frame[:n]})
	}
	if mac, ok := ic.arp.cached(dst); ok {
		send(mac)
	} else {
		ic.work.add(&icmpCast{macF: ic.arp.Query(dst), send: send})
	}
	return st.f
}

// receive handles one inbound ICMP payload from src.
func (ic *ICMPPeer) receive(src netip.Addr, payload []byte) error {
	echo, ok, err := eth.ParseICMPEcho(payload)
	if err != nil {
		return err
	}
	rt := ic.rt
	if !ok {
		// Non-echo ICMP is surfaced to the caller as an error report.
		rt.queue.push(EventICMPv4Error{
			Type:    payload[0],
			Code:    payload[1],
			Payload: payload[eth.SizeICMPEcho:],
		})
		return nil
	}
	if !echo.Reply {
		// Answer the request, mirroring ident, sequence and payload.
		mac, cached := ic.arp.cached(src)
		if !cached {
			rt.debug("icmp:no-route-back", slog.String("src", src.String()))
			return nil
		}
		frame := make([]byte, eth.SizeEthernetHeader+eth.SizeIPv4Header+eth.SizeICMPEcho+len(echo.Payload))
		n := eth.PutICMPEchoFrame(frame, true, rt.cfg.MAC, mac,
			rt.cfg.Addr, src, rt.nextIPID(), echo.Ident, echo.Sequence, echo.Payload)
		rt.debug("icmp:echo-reply", slog.String("dst", src.String()))
		rt.queue.push(EventTransmit{Frame: frame[:n]})
		return nil
	}

	key := icmpEchoKey{ident: echo.Ident, seq: echo.Sequence}
	st, found := ic.inflight[key]
	if !found || st.dst != src {
		rt.debug("icmp:stray-reply", slog.String("src", src.String()))
		return nil
	}
	delete(ic.inflight, key)
	st.f.complete(rt.now.Sub(st.sentAt), nil)
	return nil
}

// poll expires echo requests whose deadline passed without a reply.
func (ic *ICMPPeer) poll(now time.Time) {
	for key, st := range ic.inflight {
		if now.Before(st.deadline) {
			continue
		}
		delete(ic.inflight, key)
		st.f.complete(0, ErrTimeout)
		ic.rt.debug("icmp:ping-timeout", slog.String("dst", st.dst.String()))
	}
}

// icmpCast is an echo request parked on MAC resolution.
type icmpCast struct {
	macF *Future[[6]byte]
	send func(mac [6]byte)
	dead bool
}

func (c *icmpCast) step(now time.Time) (bool, error) {
	if c.dead {
		return true, ErrOperationCancelled
	}
	mac, err := c.macF.TryWait()
	if IsNotReady(err) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	c.send(mac)
	return true, nil
}

func (c *icmpCast) cancel()         { c.dead = true }
func (c *icmpCast) owner() *tcpConn { return nil }
