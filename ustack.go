/*
Package ustack implements TCP control flow for a deterministic, user-space
network stack.

# Transmission Control Block

The Transmission Control Block (TCB) is the core data structure of TCP. It
stores the send and receive sequence number spaces, the current state of the
connection and the pending control segment flags. The [ControlBlock] in this
package limits itself to sequence number calculation and validation of
sequential segments; buffering, retransmission timers and port bookkeeping
live in the stacks package which builds on it.

# Values and Sizes

All arithmetic dealing with sequence numbers is performed modulo 2**32.
Comparisons use signed wrap-around arithmetic so they remain correct across
the 32-bit boundary.
*/
package ustack

// Value represents the value of a sequence number.
type Value uint32

// Size represents the size (length) of a sequence number window.
type Size uint32

// LessThan checks if v is before w (modulo 32) i.e., v < w.
func LessThan(v, w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq returns true if v==w or v is before w (modulo 32).
func LessThanEq(v, w Value) bool {
	return v == w || LessThan(v, w)
}

// InRange checks if v is in the range [a,b) (modulo 32), i.e., a <= v < b.
func InRange(v, a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at 'first' and spans
// 'size' sequence numbers (modulo 32).
func InWindow(v, first Value, size Size) bool {
	return InRange(v, first, Add(first, size))
}

// Add calculates the sequence number following the [v, v+s) window.
func Add(v Value, s Size) Value {
	return v + Value(s)
}

// Sizeof calculates the size of the window defined by [v, w).
func Sizeof(v, w Value) Size {
	return Size(w - v)
}

// UpdateForward updates v such that it becomes v + s.
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// Flags is a TCP flags masked implementation i.e: SYN, FIN, ACK.
// The flag bit positions coincide with their on-wire encoding.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.

	// Common flag unions get shorthands since they appear all over RFC 9293.
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// String returns a human readable flag representation i.e:
//
//	"[SYN,ACK]"
//
// Flags are printed in order from LSB (FIN) to MSB (URG).
func (flags Flags) String() string {
	if flags == 0 {
		return "[]"
	}
	const strflags = "FINSYNRSTPSHACKURG"
	buf := make([]byte, 0, 24)
	for i := 0; i*3 < len(strflags); i++ {
		if flags&(1<<i) == 0 {
			continue
		}
		if len(buf) == 0 {
			buf = append(buf, '[')
		} else {
			buf = append(buf, ',')
		}
		buf = append(buf, strflags[i*3:i*3+3]...)
	}
	buf = append(buf, ']')
	return string(buf)
}

// State enumerates the states a TCP connection progresses through during its
// lifetime. See Figure 5 of RFC 9293.
type State uint8

const (
	// CLOSED - represents no connection state at all.
	StateClosed State = iota
	// LISTEN - waiting for a connection request from any remote TCP and port.
	StateListen
	// SYN-RECEIVED - waiting for a confirming connection request
	// acknowledgment after having both received and sent a connection request.
	StateSynRcvd
	// SYN-SENT - waiting for a matching connection request after having sent
	// a connection request.
	StateSynSent
	// ESTABLISHED - an open connection, the normal state for the data
	// transfer phase of the connection.
	StateEstablished
	// FIN-WAIT-1 - waiting for a connection termination request from the
	// remote TCP, or an acknowledgment of the one previously sent.
	StateFinWait1
	// FIN-WAIT-2 - waiting for a connection termination request from remote.
	StateFinWait2
	// CLOSING - waiting for a connection termination request acknowledgment
	// from the remote TCP.
	StateClosing
	// TIME-WAIT - waiting for enough time to pass to be sure the remote
	// received the acknowledgment of its connection termination request.
	StateTimeWait
	// CLOSE-WAIT - waiting for a connection termination request from the
	// local user.
	StateCloseWait
	// LAST-ACK - waiting for an acknowledgment of the connection termination
	// request previously sent to the remote TCP.
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "Closed",
	StateListen:      "Listen",
	StateSynRcvd:     "SynRcvd",
	StateSynSent:     "SynSent",
	StateEstablished: "Established",
	StateFinWait1:    "FinWait1",
	StateFinWait2:    "FinWait2",
	StateClosing:     "Closing",
	StateTimeWait:    "TimeWait",
	StateCloseWait:   "CloseWait",
	StateLastAck:     "LastAck",
}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsPreestablished returns true if the connection has not yet completed the
// three way handshake.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent || s == StateListen
}

// IsClosing returns true if the connection is in a closing state, that is
// any state entered after Established on the way to Closed.
func (s State) IsClosing() bool {
	switch s {
	case StateFinWait1, StateFinWait2, StateClosing, StateTimeWait, StateCloseWait, StateLastAck:
		return true
	}
	return false
}

// IsClosed returns true if the connection holds no state at all.
func (s State) IsClosed() bool { return s == StateClosed }

// IsSynchronized returns true if the connection has completed the three way
// handshake, that is Established or any later state.
func (s State) IsSynchronized() bool {
	return s == StateEstablished || s.IsClosing()
}

// Segment represents a TCP segment as the sequence number of the first octet
// and the length of the segment.
type Segment struct {
	SEQ     Value // Sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISN) and the first data octet is ISN+1.
	ACK     Value // Acknowledgment number. If ACK is set it is the sequence number of the first octet the sender expects to receive next.
	DATALEN Size  // The number of octets occupied by the payload, not counting SYN and FIN.
	WND     Size  // Segment window.
	Flags   Flags // TCP flags.
}

// LEN returns the length of the segment in octets including SYN and FIN flags.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // Add FIN bit.
	add += Size(seg.Flags>>1) & 1 // Add SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the last octet of the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}
