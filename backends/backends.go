// Package backends defines the contract between the execution runtime and
// the devices that run model partitions, plus the registry through which
// devices are discovered.
//
// A Device prepares models; a PreparedModel executes one step of a plan,
// blocking or fenced. The output-shape rules a PreparedModel must obey are
// documented on OutputShape — the runtime validates them strictly and
// promotes any violation to a general failure before it can reach a client.
//
// Devices register themselves during package initialization:
//
//	import _ "github.com/gomlx/nnrt/backends/cpu"
package backends

import (
	"sync"
	"time"

	"github.com/gomlx/nnrt/memory"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/syncfence"
	"github.com/gomlx/nnrt/types/status"
)

// CPUDeviceName is the registry name of the reference CPU device. The
// runtime uses it to locate the fallback device.
const CPUDeviceName = "cpu"

// Device is one backend able to prepare and run models.
type Device interface {
	// Name returns the registry name of the device.
	Name() string

	// PrepareModel compiles the given model for this device.
	PrepareModel(m *model.Model) (PreparedModel, status.Status)
}

// PreparedModel is a model compiled for one device, ready to execute.
type PreparedModel interface {
	// Execute runs the model blocking until done. The returned shapes
	// must follow the OutputShape contract for the returned status.
	Execute(req Request) (status.Status, []OutputShape, Timing)

	// ExecuteFenced submits the model for execution gated on waitFor and
	// returns a fence that fires on completion, without blocking for
	// results. postFenceTimeout, when nonzero, bounds the execution time
	// measured from the moment all wait fences have signaled.
	//
	// A device that cannot execute fenced may run synchronously and
	// return an already-signaled fence. The returned callback, when not
	// nil, supplies timing once the fence has fired.
	ExecuteFenced(req Request, waitFor []*syncfence.Fence, postFenceTimeout time.Duration) (status.Status, *syncfence.Fence, FencedCallback, Timing)
}

// FencedCallback reports the outcome of a fenced execution after its fence
// has fired.
type FencedCallback interface {
	// ExecutionInfo returns the final status and the timing of the
	// launched and fenced phases, in microseconds.
	ExecutionInfo() (status.Status, Timing, Timing)
}

// Burst is an opaque per-step execution hint: devices that support burst
// reuse state across the executions of one burst object. The runtime carries
// it through without interpreting it.
type Burst any

var (
	muRegistry        sync.Mutex
	registeredDevices = make(map[string]Device)
)

// Register a device under the given name. Call during initialization of the
// device's package. A later registration under the same name overwrites the
// earlier one, which is what lets tests substitute devices.
func Register(name string, device Device) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registeredDevices[name] = device
}

// Get returns the device registered under name, or nil.
func Get(name string) Device {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return registeredDevices[name]
}

// CPU returns the reference CPU device, or nil if its package was not
// linked in.
func CPU() Device {
	return Get(CPUDeviceName)
}

// IsCPU reports whether device is the registered reference CPU device.
func IsCPU(device Device) bool {
	cpu := CPU()
	return cpu != nil && device == cpu
}

// Request carries the resolved arguments of one step execution.
type Request struct {
	Inputs  []Arg
	Outputs []Arg

	// Pools are the memories referenced by Arg.PoolIndex.
	Pools []memory.Memory

	// Burst, when not nil, asks the device to execute within the given
	// burst object.
	Burst Burst

	// Measure asks the device to measure execution timing.
	Measure bool

	// Deadline, when nonzero, is the absolute point in time past which
	// the execution must fail with a missed-deadline status.
	Deadline time.Time

	// LoopTimeout, when nonzero, bounds interpreter time inside
	// control-flow operations.
	LoopTimeout time.Duration
}

// Arg is one resolved input or output of a step execution.
//
// Exactly one of the three sourcing modes applies: NoValue (optional operand
// omitted), a direct Buffer, or a PoolIndex/Offset/Length region of one of
// the request's pools.
type Arg struct {
	// NoValue marks an omitted optional operand.
	NoValue bool

	// Buffer is the argument's storage when bound by pointer. nil when
	// the argument is pool-based or has no value.
	Buffer []byte

	// PoolIndex indexes Request.Pools; -1 when Buffer sourcing is used.
	PoolIndex int
	Offset    uint32
	Length    uint32

	// Dimensions are the argument dimensions as known at submission time;
	// unspecified axes are 0.
	Dimensions []int
}

// ResolveBytes returns the host-visible bytes of the argument, or nil if the
// argument has no value or lives in a device-only pool.
func (a Arg) ResolveBytes(pools []memory.Memory) []byte {
	if a.NoValue {
		return nil
	}
	if a.Buffer != nil {
		return a.Buffer
	}
	if a.PoolIndex < 0 || a.PoolIndex >= len(pools) {
		return nil
	}
	data := pools[a.PoolIndex].Bytes()
	if data == nil {
		return nil
	}
	end := uint64(a.Offset) + uint64(a.Length)
	if a.Length == 0 && a.Offset == 0 {
		end = uint64(len(data))
	}
	if end > uint64(len(data)) {
		return nil
	}
	return data[a.Offset:end]
}

// OutputShape is the shape a device reports for one step output.
//
// The contract, by execution status:
//   - NoError: the shapes vector is either empty or has exactly one entry
//     per step output; every entry has IsSufficient true and, for tensor
//     operands, nonzero rank.
//   - InsufficientSize: exactly one entry per step output, and at least one
//     entry has IsSufficient false.
//   - Any other status: the shapes vector must be empty.
type OutputShape struct {
	Dimensions   []int
	IsSufficient bool
}

// Timing of one execution, in microseconds. UnknownMicros marks a value the
// device did not measure. The runtime's public surface is in nanoseconds;
// the conversion happens at the runtime boundary.
type Timing struct {
	OnDeviceMicros uint64
	InDriverMicros uint64
}

// UnknownMicros is the sentinel for unmeasured timing values.
const UnknownMicros = ^uint64(0)

// NoTiming is a Timing with both values unknown.
func NoTiming() Timing {
	return Timing{OnDeviceMicros: UnknownMicros, InDriverMicros: UnknownMicros}
}
