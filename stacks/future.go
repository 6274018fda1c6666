package stacks

import (
	"time"

	"github.com/pkg/errors"
)

// ErrOperationCancelled is the result of a future whose underlying work was
// torn down before it could finish, typically because the owning connection
// was aborted.
var ErrOperationCancelled = errors.New("operation cancelled")

// errNotReady is returned by TryWait while a future is still pending.
var errNotReady = errors.New("result not ready")

// Future is a single-assignment completion cell. The stack completes it at
// most once during a clock advance; the caller observes it between advances
// with Done and Result. There is no blocking wait anywhere in this stack:
// polling the future after AdvanceClock is the only way to rendezvous.
type Future[T any] struct {
	val  T
	err  error
	done bool
}

// Done reports whether the future has completed.
func (f *Future[T]) Done() bool { return f.done }

// Result returns the completed value. It panics if the future is still
// pending; guard with Done or use TryWait.
func (f *Future[T]) Result() (T, error) {
	if !f.done {
		panic("ustack: Result on pending future")
	}
	return f.val, f.err
}

// TryWait returns the result if complete and errNotReady otherwise.
func (f *Future[T]) TryWait() (T, error) {
	if !f.done {
		var zero T
		return zero, errNotReady
	}
	return f.val, f.err
}

// IsNotReady reports whether err is the pending-future sentinel.
func IsNotReady(err error) bool { return errors.Is(err, errNotReady) }

func (f *Future[T]) complete(val T, err error) {
	if f.done {
		return // first completion wins
	}
	f.val = val
	f.err = err
	f.done = true
}

func (f *Future[T]) cancel() {
	var zero T
	f.complete(zero, ErrOperationCancelled)
}

// worker is one unit of background protocol work (an in-flight transmit
// waiting on ARP, a UDP cast, a ping). Each tick the set steps every worker
// exactly once; a worker reports done when it has either finished or failed
// permanently.
type worker interface {
	step(now time.Time) (done bool, err error)
	// cancel tears the work down and completes its future with
	// ErrOperationCancelled.
	cancel()
	// owner identifies the connection this work belongs to, or nil for
	// work not tied to a connection.
	owner() *tcpConn
}

// workSet holds all in-flight workers. It is the cooperative analog of a
// select-over-many: each poll steps every worker once and reaps the ones
// that completed, preserving insertion order among survivors.
type workSet struct {
	workers []worker
}

func (ws *workSet) add(w worker) {
	ws.workers = append(ws.workers, w)
}

// poll steps every worker once against the current logical time. Workers
// that finish are removed; the rest stay for the next tick. The result of
// the first worker to finish is returned, with completed false when every
// worker is still pending.
func (ws *workSet) poll(now time.Time) (completed bool, first error) {
	keep := ws.workers[:0]
	for _, w := range ws.workers {
		done, err := w.step(now)
		if !done {
			keep = append(keep, w)
			continue
		}
		if !completed {
			completed = true
			first = err
		}
	}
	for i := len(keep); i < len(ws.workers); i++ {
		ws.workers[i] = nil
	}
	ws.workers = keep
	return completed, first
}

// cancelOwned cancels and removes every worker belonging to conn. Called on
// connection teardown so no stale work fires after the descriptor dies.
func (ws *workSet) cancelOwned(conn *tcpConn) {
	keep := ws.workers[:0]
	for _, w := range ws.workers {
		if w.owner() == conn {
			w.cancel()
			continue
		}
		keep = append(keep, w)
	}
	for i := len(keep); i < len(ws.workers); i++ {
		ws.workers[i] = nil
	}
	ws.workers = keep
}

func (ws *workSet) len() int { return len(ws.workers) }
