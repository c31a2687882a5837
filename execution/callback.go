package execution

import (
	"sync"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/types/status"
)

// ExecutionCallback is the single-shot completion event of one non-fenced
// execution. The synchronous path waits on it inline; the asynchronous path
// hands it to the client.
type ExecutionCallback struct {
	done chan struct{}

	// onFinish runs exactly once, before the event fires; it is how the
	// builder's finish bookkeeping is attached to the driver loop.
	onFinish func(s status.Status, outputShapes []backends.OutputShape) status.Status

	once         sync.Once
	finishStatus status.Status
	outputShapes []backends.OutputShape
	timing       backends.Timing
}

func newExecutionCallback(onFinish func(status.Status, []backends.OutputShape) status.Status) *ExecutionCallback {
	return &ExecutionCallback{
		done:     make(chan struct{}),
		onFinish: onFinish,
		timing:   backends.NoTiming(),
	}
}

// notify fires the event with the execution's outcome. Later calls are
// ignored: the first outcome wins.
func (c *ExecutionCallback) notify(s status.Status, outputShapes []backends.OutputShape, timing backends.Timing) {
	c.once.Do(func() {
		if c.onFinish != nil {
			s = c.onFinish(s, outputShapes)
		}
		c.finishStatus = s
		c.outputShapes = outputShapes
		c.timing = timing
		close(c.done)
	})
}

// Wait blocks until the execution has finished.
func (c *ExecutionCallback) Wait() { <-c.done }

// Status returns the execution's final status. Call after Wait.
func (c *ExecutionCallback) Status() status.Status {
	<-c.done
	return c.finishStatus
}

// Timing returns the timing of the execution's last step, in microseconds.
// Call after Wait.
func (c *ExecutionCallback) Timing() backends.Timing {
	<-c.done
	return c.timing
}
