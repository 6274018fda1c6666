package ustack

import (
	"errors"
	"math"
)

// Sentinel errors surfaced by the ControlBlock on abnormal termination.
// Callers are expected to match them with errors.Is and deliver them exactly
// once to whatever operation awaits the connection's outcome.
var (
	// ErrConnectionRefused is surfaced when a RST answers our connection attempt.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrConnectionReset is surfaced when a RST terminates a synchronized connection.
	ErrConnectionReset = errors.New("connection reset by peer")
)

var (
	errDropSegment       = errors.New("drop segment")
	errWindowTooLarge    = errors.New("invalid window size > 2**16")
	errTCBNotClosed      = errors.New("TCB not closed")
	errInvalidState      = errors.New("invalid open state")
	errConnNotExist      = errors.New("connection does not exist")
	errConnectionClosing = errors.New("connection closing")
	errExpectedSYN       = errors.New("expected SYN")
	errExpectedACK       = errors.New("expected ACK")
	errExpectedFINACK    = errors.New("expected FIN|ACK")
	errBadSegACK         = errors.New("bad segment ack")
)

// RejectError is returned when a segment cannot be admitted into the
// Transmission Control Block. Rejected segments are dropped without
// affecting TCB state.
type RejectError struct {
	reason string
}

func newRejectErr(reason string) *RejectError {
	return &RejectError{reason: "reject in/out seg: " + reason}
}

func (e *RejectError) Error() string { return e.reason }

// IsDropped reports whether err flags a segment that was discarded without
// corrupting TCB state, as opposed to a protocol violation.
func IsDropped(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectError
	return errors.Is(err, errDropSegment) || errors.As(err, &rej)
}

// ControlBlock is a partial Transmission Control Block (TCB) implementation
// as described in RFC 9293 pages 19 and 25. It is limited to receiving
// sequential segments, leaving buffer management and out-of-order reassembly
// to the caller. Its internal state is modified by the "user calls" of
// RFC 9293 such as Open, Close, Send and Recv.
type ControlBlock struct {
	// # Send Sequence Space
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//		   SND.UNA    SND.NXT    SND.UNA
	//								+SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd sendSpace
	// # Receive Sequence Space
	//
	//		1          2          3
	//	----------|----------|----------
	//		   RCV.NXT    RCV.NXT
	//					 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv recvSpace
	// rstPtr is the sequence number used on an outgoing RST. See RFC 3540.
	rstPtr Value
	// pending is a two-deep queue of control flags awaiting transmission.
	// The second slot accommodates a FIN|ACK queued behind a plain ACK.
	// Modified by Recv and Close; consumed by Send.
	pending [2]Flags
	state   State
}

// sendSpace contains Send Sequence Space data corresponding to local data.
type sendSpace struct {
	ISS Value // Initial send sequence number, defined locally on connection start.
	UNA Value // Send unacknowledged. Sequence numbers at or above UNA have not been acked by remote.
	NXT Value // Send next. This seq and up to UNA+WND-1 are allowed to be sent.
	WND Size  // Send window defined by remote. Permitted number of unacked octets in flight.
}

// recvSpace contains Receive Sequence Space data corresponding to remote data.
type recvSpace struct {
	IRS Value // Initial receive sequence number, defined by remote in its SYN.
	NXT Value // Receive next. Sequence numbers before this have been acked.
	WND Size  // Receive window defined by local.
}

// State returns the current state of the connection.
func (tcb *ControlBlock) State() State { return tcb.state }

// RecvNext returns the next sequence number expected from remote.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns the local receive window size.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// SendNext returns the next sequence number to be sent to remote.
func (tcb *ControlBlock) SendNext() Value { return tcb.snd.NXT }

// SendUnacked returns the lowest sequence number not yet acknowledged by remote.
func (tcb *ControlBlock) SendUnacked() Value { return tcb.snd.UNA }

// ISS returns the initial send sequence number chosen on Open.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// HasPending returns true if control flags await transmission.
func (tcb *ControlBlock) HasPending() bool { return tcb.pending[0] != 0 }

// SetRecvWindow sets the local receive window size, the maximum amount of
// data permitted in flight towards us.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) { tcb.rcv.WND = wnd }

// MaxInFlightData returns the maximum payload size that can be sent without
// overrunning the remote window given currently unacked data. Returns 0
// before the remote's SYN has been processed.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if tcb.rcv.IRS == 0 && tcb.rcv.NXT == 0 {
		return 0 // Remote's SYN not yet received.
	}
	unacked := Sizeof(tcb.snd.UNA, tcb.snd.NXT)
	if unacked >= tcb.snd.WND {
		return 0
	}
	return tcb.snd.WND - unacked
}

// Open performs a passive or active open of a connection. state must be
// StateListen (passive) or StateSynSent (active). On an active open the SYN
// control flag is queued for transmission.
func (tcb *ControlBlock) Open(iss Value, wnd Size, state State) (err error) {
	switch {
	case tcb.state != StateClosed && tcb.state != StateListen:
		err = errTCBNotClosed
	case state != StateListen && state != StateSynSent:
		err = errInvalidState
	case wnd > math.MaxUint16:
		err = errWindowTooLarge
	}
	if err != nil {
		return err
	}
	tcb.state = state
	tcb.resetRcv(wnd, 0)
	tcb.resetSnd(iss, 1)
	tcb.pending = [2]Flags{}
	if state == StateSynSent {
		tcb.pending[0] = FlagSYN
	}
	return nil
}

// Close initiates an orderly teardown of the connection as per RFC 9293
// section 3.10.4. It does not delete the TCB; pending outgoing segments
// carry the closing process forward. Callers should not send more data after
// a call to Close.
func (tcb *ControlBlock) Close() (err error) {
	switch tcb.state {
	case StateClosed:
		err = errConnNotExist
	case StateCloseWait:
		tcb.state = StateLastAck
		tcb.pending = [2]Flags{finack}
	case StateListen, StateSynSent:
		tcb.Abort()
	case StateSynRcvd, StateEstablished:
		// The user has no more data to send, queue our FIN.
		tcb.pending[0] = finack
	case StateFinWait2, StateTimeWait:
		err = errConnectionClosing
	default:
		err = errInvalidState
	}
	return err
}

// Abort discards all connection state immediately. Used on RST generation,
// TimeWait expiry and fatal local errors.
func (tcb *ControlBlock) Abort() {
	tcb.state = StateClosed
	tcb.pending = [2]Flags{}
}

// PendingSegment calculates the next segment to send given an available
// payload length. Returns ok=false when there is nothing to send.
func (tcb *ControlBlock) PendingSegment(payloadLen int) (_ Segment, ok bool) {
	pending := tcb.pending[0]
	if tcb.state != StateEstablished {
		payloadLen = 0 // Data is only exchanged once established.
	}
	if payloadLen == 0 && pending == 0 {
		return Segment{}, false
	}
	if payloadLen > math.MaxUint16 || Size(payloadLen) > tcb.snd.WND {
		payloadLen = int(tcb.snd.WND)
	}
	if payloadLen > 0 {
		pending |= pshack // Data segments always acknowledge.
	}
	var ack Value
	if pending.HasAny(FlagACK) {
		ack = tcb.rcv.NXT
	}
	seq := tcb.snd.NXT
	if pending.HasAny(FlagRST) {
		seq = tcb.rstPtr
	}
	seg := Segment{
		SEQ:     seq,
		ACK:     ack,
		WND:     tcb.rcv.WND,
		Flags:   pending,
		DATALEN: Size(payloadLen),
	}
	return seg, true
}

// Send processes a segment that is being sent to the network. It updates the
// TCB if there is no error.
func (tcb *ControlBlock) Send(seg Segment) error {
	err := tcb.validateOutgoingSegment(seg)
	if err != nil {
		return err
	}

	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	var newPending Flags
	switch tcb.state {
	case StateSynRcvd, StateEstablished:
		if hasFIN {
			tcb.state = StateFinWait1 // RFC 9293: 3.10.4 CLOSE call.
		}
	case StateClosing:
		if hasACK {
			tcb.state = StateTimeWait
		}
	case StateCloseWait:
		if hasFIN {
			tcb.state = StateLastAck
		} else if hasACK {
			newPending = finack // FIN queued behind the ACK of remote's FIN.
		}
	}

	// Advance the pending flag queue.
	tcb.pending[0] &^= seg.Flags
	if tcb.pending[0] == 0 {
		// Do not re-queue a FIN that was just transmitted.
		tcb.pending = [2]Flags{tcb.pending[1] &^ (seg.Flags & FlagFIN), 0}
	}
	tcb.pending[0] |= newPending

	// The segment is valid, update TCB state.
	tcb.snd.NXT.UpdateForward(seg.LEN())
	tcb.rcv.WND = seg.WND
	return nil
}

// Recv processes a segment received from the network and updates the TCB if
// there is no error. Only the next expected sequence number is admitted;
// out-of-order handling is the caller's responsibility.
//
// A returned ErrConnectionRefused or ErrConnectionReset means the connection
// transitioned to Closed and the error must be surfaced to the owner.
func (tcb *ControlBlock) Recv(seg Segment) (err error) {
	if seg.Flags.HasAny(FlagRST) {
		return tcb.rcvRST(seg)
	}
	err = tcb.validateIncomingSegment(seg)
	if err != nil {
		return err
	}

	var pending Flags
	switch tcb.state {
	case StateListen:
		pending, err = tcb.rcvListen(seg)
	case StateSynSent:
		pending, err = tcb.rcvSynSent(seg)
	case StateSynRcvd:
		pending, err = tcb.rcvSynRcvd(seg)
	case StateEstablished:
		pending, err = tcb.rcvEstablished(seg)
	case StateFinWait1:
		pending, err = tcb.rcvFinWait1(seg)
	case StateFinWait2:
		pending, err = tcb.rcvFinWait2(seg)
	case StateCloseWait:
		// Remote keeps acking our data; nothing further expected from it.
	case StateClosing:
		if seg.Flags.HasAny(FlagACK) {
			tcb.state = StateTimeWait
		}
	case StateLastAck:
		if seg.Flags.HasAny(FlagACK) {
			tcb.Abort() // Our FIN was acknowledged, nothing left to do.
		}
	case StateTimeWait:
		// Retransmitted FINs are answered with a fresh ACK by the caller.
		pending = FlagACK
	}
	if err != nil {
		return err
	}

	tcb.pending[0] |= pending

	// The segment is admitted, update TCB state.
	tcb.snd.WND = seg.WND
	if seg.Flags.HasAny(FlagACK) {
		tcb.snd.UNA = seg.ACK
	}
	tcb.rcv.NXT.UpdateForward(seg.LEN())
	return nil
}

func (tcb *ControlBlock) rcvRST(seg Segment) error {
	switch tcb.state {
	case StateListen, StateClosed:
		return errDropSegment // A listener outlives any RST thrown at it.
	case StateSynSent, StateSynRcvd:
		tcb.Abort()
		return ErrConnectionRefused
	default:
		tcb.Abort()
		return ErrConnectionReset
	}
}

func (tcb *ControlBlock) rcvListen(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(FlagSYN) || seg.Flags.HasAny(FlagACK) {
		return 0, errExpectedSYN
	}
	// Initialize all connection state. Our ISS was chosen on Open.
	tcb.resetSnd(tcb.snd.ISS, seg.WND)
	tcb.resetRcv(tcb.rcv.WND, seg.SEQ)

	// Three way handshake: answer the SYN with our SYN|ACK.
	tcb.state = StateSynRcvd
	return synack, nil
}

func (tcb *ControlBlock) rcvSynSent(seg Segment) (pending Flags, err error) {
	hasSYN := seg.Flags.HasAny(FlagSYN)
	hasACK := seg.Flags.HasAny(FlagACK)
	switch {
	case !hasSYN:
		return 0, errExpectedSYN
	case hasACK && seg.ACK != tcb.snd.UNA+1:
		return 0, errBadSegACK
	}
	if hasACK {
		tcb.state = StateEstablished
		pending = FlagACK
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	} else {
		// Simultaneous open edge case, RFC 9293 figure 7.
		pending = synack
		tcb.state = StateSynRcvd
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
		tcb.resetRcv(tcb.rcv.WND, seg.SEQ)
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvSynRcvd(seg Segment) (pending Flags, err error) {
	switch {
	case !seg.Flags.HasAll(FlagACK):
		return 0, errExpectedACK
	case seg.ACK != tcb.snd.UNA+1:
		return 0, errBadSegACK
	}
	tcb.state = StateEstablished
	return 0, nil
}

func (tcb *ControlBlock) rcvEstablished(seg Segment) (pending Flags, err error) {
	pending = FlagACK
	if seg.Flags.HasAny(FlagFIN) {
		tcb.state = StateCloseWait
	}
	return pending, nil
}

func (tcb *ControlBlock) rcvFinWait1(seg Segment) (pending Flags, err error) {
	hasFIN := seg.Flags.HasAny(FlagFIN)
	hasACK := seg.Flags.HasAny(FlagACK)
	acksOurFIN := hasACK && seg.ACK == tcb.snd.NXT
	switch {
	case !hasACK:
		return 0, errExpectedACK
	case hasFIN && acksOurFIN:
		// Remote acknowledged our FIN and sent its own in one segment.
		tcb.state = StateTimeWait
		return FlagACK, nil
	case hasFIN:
		tcb.state = StateClosing // Simultaneous close, RFC 9293 figure 13.
		return FlagACK, nil
	case acksOurFIN:
		tcb.state = StateFinWait2
	}
	// A bare ACK needs no answer.
	return 0, nil
}

func (tcb *ControlBlock) rcvFinWait2(seg Segment) (pending Flags, err error) {
	if !seg.Flags.HasAll(finack) {
		return 0, errExpectedFINACK
	}
	tcb.state = StateTimeWait
	return FlagACK, nil
}

func (tcb *ControlBlock) resetSnd(localISS Value, remoteWND Size) {
	tcb.snd = sendSpace{
		ISS: localISS,
		UNA: localISS,
		NXT: localISS,
		WND: remoteWND,
	}
}

func (tcb *ControlBlock) resetRcv(localWND Size, remoteISS Value) {
	tcb.rcv = recvSpace{
		IRS: remoteISS,
		NXT: remoteISS,
		WND: localWND,
	}
}

func (tcb *ControlBlock) validateIncomingSegment(seg Segment) (err error) {
	flags := seg.Flags
	hasACK := flags.HasAll(FlagACK)
	// SEQ checks are short-circuited when SYN is present since the incoming
	// segment initializes the connection's sequence space.
	checkSEQ := !flags.HasAny(FlagSYN)
	established := tcb.state == StateEstablished
	preestablished := tcb.state.IsPreestablished()
	acksOld := hasACK && !LessThan(tcb.snd.UNA, seg.ACK)
	acksUnsentData := hasACK && !LessThanEq(seg.ACK, tcb.snd.NXT)
	ctlOrDataSegment := established && flags.HasAny(FlagFIN|FlagPSH)
	// See section 3.4 of RFC 9293 for the semantics of these checks.
	switch {
	case seg.WND > math.MaxUint16:
		err = errWindowTooLarge
	case tcb.state == StateClosed:
		err = errConnNotExist

	case checkSEQ && !InWindow(seg.SEQ, tcb.rcv.NXT, tcb.rcv.WND):
		err = errSeqNotInWindow

	case checkSEQ && !InWindow(seg.Last(), tcb.rcv.NXT, tcb.rcv.WND):
		err = errLastNotInWindow

	case checkSEQ && seg.SEQ != tcb.rcv.NXT:
		err = errRequireSequential
	}
	if err != nil {
		return err
	}

	// Drop-segment checks: the segment is structurally fine but carries
	// nothing new; TCB state must not be touched by it.
	switch {
	// Duplicate ACKs on an established connection are ignored completely.
	// https://www.rfc-editor.org/rfc/rfc9293.html#section-3.10.7.4-2.5.2.2.2.3.2.1
	case established && acksOld && !ctlOrDataSegment:
		err = errDropSegment
		tcb.pending[0] = 0

	case established && acksUnsentData:
		err = errDropSegment
		tcb.pending[0] = FlagACK // Ack the ack of unsent data.

	case preestablished && (acksOld || acksUnsentData):
		err = errDropSegment
		tcb.pending[0] = FlagRST
		tcb.rstPtr = seg.ACK
		tcb.resetSnd(tcb.snd.ISS, seg.WND)
	}
	return err
}

var (
	errSeqNotInWindow    = newRejectErr("seq not in rcv window")
	errLastNotInWindow   = newRejectErr("last not in rcv window")
	errRequireSequential = newRejectErr("seq != rcv.nxt (require sequential segments)")
	errSndNotInWindow    = newRejectErr("seq not in snd window")
	errSndLastNotInWnd   = newRejectErr("last not in snd window")
	errAckNotNext        = newRejectErr("ack != rcv.nxt")
)

func (tcb *ControlBlock) validateOutgoingSegment(seg Segment) (err error) {
	hasACK := seg.Flags.HasAny(FlagACK)
	checkSEQ := !seg.Flags.HasAny(FlagRST)
	seglast := seg.Last()
	switch {
	case tcb.state == StateClosed:
		err = errConnNotExist
	case seg.WND > math.MaxUint16:
		err = errWindowTooLarge
	case hasACK && seg.ACK != tcb.rcv.NXT:
		err = errAckNotNext

	case checkSEQ && !InWindow(seg.SEQ, tcb.snd.NXT, tcb.snd.WND):
		err = errSndNotInWindow

	case checkSEQ && !InWindow(seglast, tcb.snd.NXT, tcb.snd.WND):
		err = errSndLastNotInWnd
	}
	return err
}
