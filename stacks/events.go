// Package stacks implements a deterministic user-space TCP/IP stack driven
// entirely by its caller: frames come in through Engine.Receive, time moves
// only when Engine.AdvanceClock is called, and everything the stack wants to
// say back (outbound frames included) is surfaced as events on a FIFO queue.
//
// There are no goroutines and no locks in this package. A single logical
// thread owns the whole stack and interleaves protocol work cooperatively.
package stacks

// Event is the closed set of notifications the stack emits. Callers switch
// on the concrete type; no type outside this package implements it.
type Event interface {
	isEvent()
}

// EventTransmit carries an outbound Ethernet frame ready for the wire.
type EventTransmit struct {
	Frame []byte
}

// EventUDPDatagram carries the payload of a datagram received on an open
// UDP port.
type EventUDPDatagram struct {
	LocalPort  uint16
	RemoteAddr [4]byte
	RemotePort uint16
	Payload    []byte
}

// EventIncomingTCPConnection announces a connection accepted on a listening
// socket. The descriptor is already connected and readable/writable.
type EventIncomingTCPConnection struct {
	FD SocketDescriptor
}

// EventTCPBytesAvailable fires when new payload bytes land in a connected
// socket's receive buffer.
type EventTCPBytesAvailable struct {
	FD SocketDescriptor
}

// EventTCPConnectionClosed fires once per connection when it reaches the
// closed state. Err is nil for an orderly close and describes the failure
// otherwise (reset, refused, timeout).
type EventTCPConnectionClosed struct {
	FD  SocketDescriptor
	Err error
}

// EventICMPv4Error reports an inbound ICMP error message concerning one of
// the stack's own flows.
type EventICMPv4Error struct {
	Type    uint8
	Code    uint8
	Payload []byte
}

func (EventTransmit) isEvent()              {}
func (EventUDPDatagram) isEvent()           {}
func (EventIncomingTCPConnection) isEvent() {}
func (EventTCPBytesAvailable) isEvent()     {}
func (EventTCPConnectionClosed) isEvent()   {}
func (EventICMPv4Error) isEvent()           {}

// eventQueue is a FIFO of pending events. Slices are handed to the caller
// as-is; the stack does not reuse event payload buffers.
type eventQueue struct {
	events []Event
}

func (q *eventQueue) push(ev Event) {
	q.events = append(q.events, ev)
}

// peek returns the oldest pending event without removing it, or nil.
func (q *eventQueue) peek() Event {
	if len(q.events) == 0 {
		return nil
	}
	return q.events[0]
}

// pop removes and returns the oldest pending event, or nil.
func (q *eventQueue) pop() Event {
	if len(q.events) == 0 {
		return nil
	}
	ev := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	if len(q.events) == 0 {
		q.events = nil // let the backing array go once drained
	}
	return ev
}

func (q *eventQueue) len() int { return len(q.events) }
