// Package syncfence implements the synchronization primitive used by fenced
// executions: a single-shot fence that transitions from Active to either
// Signaled or Error exactly once.
//
// A fence is created by whoever produces the completion event (a backend, or
// the runtime itself) and observed by everyone else. Observation is a
// two-state view: a non-blocking poll answers "still active?", and once the
// fence has fired, its terminal state never changes.
package syncfence

import (
	"sync"
	"time"

	"github.com/gomlx/exceptions"
)

// State of a fence, as returned by Wait and Poll.
type State int

const (
	// Unknown means the fence could not be queried. It is never returned
	// by fences of this package, but backends bridging to foreign fence
	// objects may produce it.
	Unknown State = iota

	// Active means the fence has not fired yet.
	Active

	// Signaled means the producer completed successfully.
	Signaled

	// Error means the producer completed with a failure.
	Error
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Signaled:
		return "Signaled"
	case Error:
		return "Error"
	}
	return "Unknown"
}

// Fence is a single-shot completion event. The zero value is not usable; use
// New.
type Fence struct {
	done chan struct{}

	mu    sync.Mutex
	state State
}

// New returns a new fence in the Active state.
func New() *Fence {
	return &Fence{done: make(chan struct{}), state: Active}
}

// NewSignaled returns a fence already in the Signaled state, for producers
// that complete synchronously but still hand out a fence.
func NewSignaled() *Fence {
	f := New()
	f.Signal()
	return f
}

// Signal fires the fence with success. Firing a fence twice is a programmer
// error and panics.
func (f *Fence) Signal() { f.fire(Signaled) }

// SignalError fires the fence with failure.
func (f *Fence) SignalError() { f.fire(Error) }

func (f *Fence) fire(terminal State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Active {
		exceptions.Panicf("syncfence: fence fired twice (state=%s, firing %s)", f.state, terminal)
	}
	f.state = terminal
	close(f.done)
}

// Poll returns the current state without blocking. Equivalent to Wait(0).
func (f *Fence) Poll() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Wait blocks until the fence fires or timeout elapses, and returns the
// state observed. A timeout of 0 is a non-blocking poll; a negative timeout
// waits forever. If the timeout elapses first, Wait returns Active.
func (f *Fence) Wait(timeout time.Duration) State {
	if timeout == 0 {
		return f.Poll()
	}
	if timeout < 0 {
		<-f.done
		return f.Poll()
	}
	select {
	case <-f.done:
		return f.Poll()
	case <-time.After(timeout):
		return f.Poll()
	}
}

// WaitAll waits on every fence in waitFor (nil entries are skipped) without a
// timeout and reports whether all of them signaled successfully.
func WaitAll(waitFor []*Fence) bool {
	for _, f := range waitFor {
		if f == nil {
			continue
		}
		if f.Wait(-1) != Signaled {
			return false
		}
	}
	return true
}
