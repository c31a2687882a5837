package syncfence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFenceLifecycle(t *testing.T) {
	f := New()
	assert.Equal(t, Active, f.Poll())
	assert.Equal(t, Active, f.Wait(0))

	// Timeout elapses while active.
	assert.Equal(t, Active, f.Wait(time.Millisecond))

	f.Signal()
	assert.Equal(t, Signaled, f.Poll())
	assert.Equal(t, Signaled, f.Wait(-1))

	// Double fire is a programmer error.
	require.Panics(t, func() { f.Signal() })
}

func TestFenceError(t *testing.T) {
	f := New()
	f.SignalError()
	assert.Equal(t, Error, f.Poll())
	assert.Equal(t, Error, f.Wait(-1))
}

func TestFenceWaitBlocks(t *testing.T) {
	f := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Signal()
	}()
	assert.Equal(t, Signaled, f.Wait(-1))
}

func TestNewSignaled(t *testing.T) {
	assert.Equal(t, Signaled, NewSignaled().Poll())
}

func TestWaitAll(t *testing.T) {
	a, b := New(), New()
	a.Signal()
	b.Signal()
	assert.True(t, WaitAll([]*Fence{a, nil, b}))

	c := New()
	c.SignalError()
	assert.False(t, WaitAll([]*Fence{a, c}))

	assert.True(t, WaitAll(nil))
}
