package stacks

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"
)

func TestPortPoolExhaustionAndRecovery(t *testing.T) {
	pool := newPortPool(rand.New(rand.NewSource(7)))
	if pool.available() != numPrivatePorts {
		t.Fatalf("fresh pool has %d ports", pool.available())
	}
	seen := make(map[Port]bool, numPrivatePorts)
	for i := 0; i < numPrivatePorts; i++ {
		port, err := pool.acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if !port.IsPrivate() {
			t.Fatalf("non-ephemeral port %d", port)
		}
		if seen[port] {
			t.Fatalf("port %d handed out twice", port)
		}
		seen[port] = true
	}
	if _, err := pool.acquire(); err != ErrPortsExhausted {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
	pool.release(50000)
	port, err := pool.acquire()
	if err != nil || port != 50000 {
		t.Fatalf("after release: %d, %v", port, err)
	}
}

func TestPortPoolRecyclesInFIFOOrder(t *testing.T) {
	pool := newPortPool(rand.New(rand.NewSource(7)))
	first, err := pool.acquire()
	if err != nil {
		t.Fatal(err)
	}
	pool.release(first)

	// The released port waits behind every other free port.
	for i := 0; i < numPrivatePorts-1; i++ {
		port, err := pool.acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if port == first {
			t.Fatalf("port %d reissued after %d acquisitions", first, i)
		}
	}
	port, err := pool.acquire()
	if err != nil || port != first {
		t.Fatalf("expected %d at the back of the queue, got %d, %v", first, port, err)
	}
}

func TestPortPoolShuffleIsSeeded(t *testing.T) {
	a := newPortPool(rand.New(rand.NewSource(1)))
	b := newPortPool(rand.New(rand.NewSource(1)))
	c := newPortPool(rand.New(rand.NewSource(2)))
	pa, _ := a.acquire()
	pb, _ := b.acquire()
	if pa != pb {
		t.Fatal("same seed must yield the same allocation order")
	}
	differs := false
	for i := 0; i < 16; i++ {
		p1, _ := a.acquire()
		p2, _ := c.acquire()
		if p1 != p2 {
			differs = true
			break
		}
	}
	if !differs {
		t.Fatal("different seeds yielded the same allocation order")
	}
}

func TestReleaseWellKnownPortPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	pool := newPortPool(rand.New(rand.NewSource(0)))
	pool.release(80)
}

func TestISNGeneration(t *testing.T) {
	gen := isnGenerator{secret: [16]byte{1, 2, 3}}
	now := time.Unix(1_700_000_000, 0)
	id := ConnectionID{
		Local:  Endpoint{Addr: netip.AddrFrom4([4]byte{10, 0, 0, 1}), Port: 49200},
		Remote: Endpoint{Addr: netip.AddrFrom4([4]byte{10, 0, 0, 2}), Port: 80},
	}
	if gen.Generate(now, id) != gen.Generate(now, id) {
		t.Fatal("same inputs must yield the same ISN")
	}

	other := id
	other.Remote.Port = 81
	if gen.Generate(now, id) == gen.Generate(now, other) {
		t.Fatal("distinct connections got the same ISN")
	}

	gen2 := isnGenerator{secret: [16]byte{4, 5, 6}}
	if gen.Generate(now, id) == gen2.Generate(now, id) {
		t.Fatal("distinct secrets got the same ISN")
	}

	// The clock component advances by one unit every 4 microseconds.
	later := gen.Generate(now.Add(4*time.Microsecond), id)
	if later != gen.Generate(now, id)+1 {
		t.Fatalf("clock component did not advance by 1: %d vs %d", later, gen.Generate(now, id))
	}
}

func TestDescriptorGenerations(t *testing.T) {
	tab := newSocketTable(4)
	fd, err := tab.alloc()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tab.get(fd); err != nil {
		t.Fatal(err)
	}
	if err := tab.free(fd); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.get(fd); err != ErrBadDescriptor {
		t.Fatalf("stale descriptor resolved: %v", err)
	}
	if err := tab.free(fd); err != ErrBadDescriptor {
		t.Fatalf("double free: %v", err)
	}

	// The slot is reused under a new generation; the old name stays dead.
	fd2, err := tab.alloc()
	if err != nil {
		t.Fatal(err)
	}
	if fd2.index() != fd.index() {
		t.Fatalf("expected slot reuse, got %d and %d", fd.index(), fd2.index())
	}
	if fd2 == fd {
		t.Fatal("reissued descriptor aliases the stale one")
	}
	if _, err := tab.get(fd); err != ErrBadDescriptor {
		t.Fatal("stale descriptor resolved after reuse")
	}
	if _, err := tab.get(fd2); err != nil {
		t.Fatal(err)
	}
}

func TestSocketTableLimit(t *testing.T) {
	tab := newSocketTable(2)
	if _, err := tab.alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := tab.alloc(); err != ErrTooManySockets {
		t.Fatalf("expected ErrTooManySockets, got %v", err)
	}
}
