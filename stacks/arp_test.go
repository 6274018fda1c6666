package stacks

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/header"

	"github.com/ustack/ustack/eth"
)

func popTransmit(t *testing.T, e *Engine) []byte {
	t.Helper()
	ev := e.PopEvent()
	tx, ok := ev.(EventTransmit)
	if !ok {
		t.Fatalf("expected transmit event, got %T", ev)
	}
	return tx.Frame
}

func TestARPQueryResolvesOnReply(t *testing.T) {
	e, err := NewEngine(StackConfig{MAC: stackMAC, Addr: stackIP, RandSeed: 1}, t0)
	if err != nil {
		t.Fatal(err)
	}
	f := e.ARPQuery(remoteIP)
	if f.Done() {
		t.Fatal("resolved without a request on the wire")
	}

	e.AdvanceClock(t0.Add(time.Millisecond))
	frame, err := eth.Attach(popTransmit(t, e))
	if err != nil {
		t.Fatal(err)
	}
	if frame.EtherType() != eth.EtherTypeARP || !eth.IsBroadcastHW(frame.Destination()) {
		t.Fatal("expected broadcast ARP request")
	}
	info, err := eth.ParseARP(frame.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if info.Op != header.ARPRequest || info.TargetIP != remoteIP || info.SenderIP != stackIP {
		t.Fatalf("bad request %+v", info)
	}

	reply := make([]byte, eth.SizeEthernetHeader+eth.SizeARPPayload)
	n := eth.PutARPFrame(reply, header.ARPReply, remoteMAC, stackMAC, remoteIP, stackMAC, stackIP)
	if err := e.Receive(reply[:n]); err != nil {
		t.Fatal(err)
	}
	if !f.Done() {
		t.Fatal("future pending after reply")
	}
	mac, err := f.Result()
	if err != nil || mac != remoteMAC {
		t.Fatalf("resolved %x, %v", mac, err)
	}

	// Second query hits the cache and completes immediately.
	if f2 := e.ARPQuery(remoteIP); !f2.Done() {
		t.Fatal("cache miss on known address")
	}

	exported := make(map[netip.Addr][6]byte)
	e.ExportARPCache(exported)
	if exported[remoteIP] != remoteMAC {
		t.Fatalf("export missing mapping: %v", exported)
	}
}

func TestARPQueryTimesOut(t *testing.T) {
	e, err := NewEngine(StackConfig{MAC: stackMAC, Addr: stackIP, RandSeed: 1}, t0)
	if err != nil {
		t.Fatal(err)
	}
	f := e.ARPQuery(remoteIP)
	// Three retries a second apart, then failure on the next due poll.
	for i := 1; i <= 3; i++ {
		e.AdvanceClock(t0.Add(time.Duration(i) * 2 * time.Second))
		popTransmit(t, e)
	}
	e.AdvanceClock(t0.Add(10 * time.Second))
	if !f.Done() {
		t.Fatal("query never expired")
	}
	if _, err := f.Result(); !errorsIs(err, ErrARPTimeout) {
		t.Fatalf("expected ErrARPTimeout, got %v", err)
	}
	if e.PendingEvents() != 0 {
		t.Fatal("expired query kept transmitting")
	}
}

func TestARPAnswersRequests(t *testing.T) {
	e, err := NewEngine(StackConfig{MAC: stackMAC, Addr: stackIP, RandSeed: 1}, t0)
	if err != nil {
		t.Fatal(err)
	}
	req := make([]byte, eth.SizeEthernetHeader+eth.SizeARPPayload)
	n := eth.PutARPFrame(req, header.ARPRequest, remoteMAC, eth.BroadcastHW6(), remoteIP, [6]byte{}, stackIP)
	if err := e.Receive(req[:n]); err != nil {
		t.Fatal(err)
	}
	frame, err := eth.Attach(popTransmit(t, e))
	if err != nil {
		t.Fatal(err)
	}
	info, err := eth.ParseARP(frame.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if info.Op != header.ARPReply || info.SenderMAC != stackMAC || info.TargetIP != remoteIP {
		t.Fatalf("bad reply %+v", info)
	}
	// Answering also learns the requester's mapping.
	if _, ok := e.arp.cached(remoteIP); !ok {
		t.Fatal("requester not learned")
	}

	// Requests for other hosts are ignored.
	otherIP := netip.AddrFrom4([4]byte{10, 0, 0, 9})
	n = eth.PutARPFrame(req, header.ARPRequest, remoteMAC, eth.BroadcastHW6(), remoteIP, [6]byte{}, otherIP)
	if err := e.Receive(req[:n]); err != nil {
		t.Fatal(err)
	}
	if e.PendingEvents() != 0 {
		t.Fatal("answered a request for another host")
	}
}
