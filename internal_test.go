package ustack

import (
	"testing"
)

// Internal testing helpers usable from any *_test.go file in the package.

type Exchange struct {
	Outgoing    *Segment
	Incoming    *Segment
	WantPending *Segment // Expected pending segment. Not checked if nil.
	WantState   State    // Expected end state.
}

func (tcb *ControlBlock) HelperExchange(t *testing.T, exchange []Exchange) {
	t.Helper()
	const pfx = "exchange"
	for i, ex := range exchange {
		if ex.Outgoing != nil {
			err := tcb.Send(*ex.Outgoing)
			if err != nil {
				t.Fatalf(pfx+"[%d] snd: %s\nseg=%+v\nrcv=%+v\nsnd=%+v", i, err, *ex.Outgoing, tcb.rcv, tcb.snd)
			}
		}
		if ex.Incoming != nil {
			err := tcb.Recv(*ex.Incoming)
			if err != nil {
				msg := pfx + "[" + itoa(i) + "] rcv: " + err.Error()
				if IsDropped(err) {
					t.Log(msg)
				} else {
					t.Fatal(msg)
				}
			}
		}
		state := tcb.State()
		if state != ex.WantState {
			t.Errorf(pfx+"[%d] unexpected state:\n got=%s\nwant=%s", i, state, ex.WantState)
		}
		pending, ok := tcb.PendingSegment(0)
		if !ok && ex.WantPending != nil {
			t.Fatalf(pfx+"[%d] pending: got none, want=%+v", i, *ex.WantPending)
		} else if ex.WantPending != nil && pending != *ex.WantPending {
			t.Errorf(pfx+"[%d] pending:\n got=%+v\nwant=%+v", i, pending, *ex.WantPending)
		}
	}
}

func (tcb *ControlBlock) HelperInitState(state State, iss, nxt Value, localWindow Size) {
	tcb.state = state
	tcb.snd = sendSpace{
		ISS: iss,
		UNA: iss,
		NXT: nxt,
		WND: 1, // 1 byte window so the SEQ field can be tested.
	}
	tcb.rcv = recvSpace{
		WND: localWindow,
	}
}

func (tcb *ControlBlock) HelperInitRcv(irs, nxt Value, remoteWindow Size) {
	tcb.rcv.IRS = irs
	tcb.rcv.NXT = nxt
	tcb.snd.WND = remoteWindow
}

func itoa(i int) string {
	if i < 0 || i > 9 {
		return "?"
	}
	return string(rune('0' + i))
}
