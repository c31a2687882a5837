package execution

import (
	"math"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnrt/memory"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

// ArgumentState is the sourcing state of one bound input or output.
type ArgumentState int

const (
	// Unspecified is the initial state; igniting an execution with any
	// argument still unspecified fails.
	Unspecified ArgumentState = iota

	// HasNoValue marks an optional operand deliberately omitted.
	HasNoValue

	// FromPointer sources the argument from a caller-owned buffer.
	FromPointer

	// FromMemory sources the argument from a region of a memory pool.
	FromMemory
)

// String implements fmt.Stringer.
func (s ArgumentState) String() string {
	switch s {
	case Unspecified:
		return "Unspecified"
	case HasNoValue:
		return "HasNoValue"
	case FromPointer:
		return "FromPointer"
	case FromMemory:
		return "FromMemory"
	}
	return "ArgumentState(?)"
}

// maxArgumentLength is the largest admissible binding length in bytes.
const maxArgumentLength = math.MaxUint32

// ArgumentInfo records how one model input or output is sourced, and the
// dimensions as refined so far. The zero value is the Unspecified state.
//
// An ArgumentInfo transitions out of Unspecified at most once; the runtime
// enforces bind-once at the Builder surface.
type ArgumentInfo struct {
	state ArgumentState

	// buffer holds the storage for FromPointer bindings.
	buffer []byte

	// poolIndex/offset/length locate FromMemory bindings.
	poolIndex int
	offset    uint32
	length    uint32

	dimensions   []int
	isSufficient bool
}

// newArgumentFromPointer builds a FromPointer (or, with a nil buffer,
// HasNoValue) binding for the given operand. override optionally refines the
// operand's type and dimensions; it may only concretize unspecified axes.
func newArgumentFromPointer(operand operands.Operand, override *operands.Operand, buffer []byte) (ArgumentInfo, status.Status) {
	if buffer == nil {
		if override != nil {
			klog.Warningf("unexpected operand type override for an argument with no value")
			return ArgumentInfo{}, status.BadData
		}
		return ArgumentInfo{state: HasNoValue, isSufficient: true}, status.NoError
	}
	if uint64(len(buffer)) > maxArgumentLength {
		klog.Warningf("argument length %d exceeds max length", len(buffer))
		return ArgumentInfo{}, status.BadData
	}
	arg := ArgumentInfo{
		state:        FromPointer,
		buffer:       buffer,
		poolIndex:    -1,
		length:       uint32(len(buffer)),
		isSufficient: true,
	}
	arg.dimensions = bindingDimensions(operand, override)
	return arg, status.NoError
}

// newArgumentFromMemory builds a FromMemory binding.
func newArgumentFromMemory(operand operands.Operand, override *operands.Operand, poolIndex int, offset, length uint32) (ArgumentInfo, status.Status) {
	arg := ArgumentInfo{
		state:        FromMemory,
		poolIndex:    poolIndex,
		offset:       offset,
		length:       length,
		isSufficient: true,
	}
	arg.dimensions = bindingDimensions(operand, override)
	return arg, status.NoError
}

// bindingDimensions returns the dimensions a new binding starts from: the
// override's when given, the operand's otherwise.
func bindingDimensions(operand operands.Operand, override *operands.Operand) []int {
	dims := operand.Dimensions
	if override != nil {
		dims = override.Dimensions
	}
	return append([]int{}, dims...)
}

// checkDimensionInfo validates a caller-supplied operand override against
// the model operand, per the binding rules: an override may only concretize
// unspecified axes, and without an override a tensor operand must already be
// fully specified unless allowUnspecified (outputs, omitted optionals).
func checkDimensionInfo(operand operands.Operand, override *operands.Operand, tag string, allowUnspecified bool) bool {
	if override != nil {
		if override.DType != operand.DType {
			klog.Warningf("%s: operand type override changes the element type", tag)
			return false
		}
		if override.Scale != operand.Scale || override.ZeroPoint != operand.ZeroPoint {
			klog.Warningf("%s: operand type override changes quantization parameters", tag)
			return false
		}
		if len(operand.Dimensions) == 0 {
			return true
		}
		if len(operand.Dimensions) != len(override.Dimensions) {
			klog.Warningf("%s: setting with incompatible dimension count", tag)
			return false
		}
		for i := range override.Dimensions {
			if operand.Dimensions[i] != override.Dimensions[i] && operand.Dimensions[i] != 0 {
				klog.Warningf("%s: overriding a fully specified dimension is disallowed", tag)
				return false
			}
		}
		return true
	}
	if !allowUnspecified && operand.IsTensor() && !operand.FullySpecified() {
		klog.Warningf("%s: setting with operand type that is not fully specified", tag)
		return false
	}
	return true
}

// State returns the sourcing state.
func (a *ArgumentInfo) State() ArgumentState { return a.state }

// IsUnspecified reports whether the argument was never bound.
func (a *ArgumentInfo) IsUnspecified() bool { return a.state == Unspecified }

// Dimensions returns the argument dimensions as refined so far.
func (a *ArgumentInfo) Dimensions() []int { return a.dimensions }

// SetDimensions overwrites the refined dimensions. The new dimensions must
// be an update of the current ones; violating that is a programmer error.
func (a *ArgumentInfo) SetDimensions(dims []int) {
	if !operands.Updatable(a.dimensions, dims) {
		exceptions.Panicf("ArgumentInfo.SetDimensions(%v): not an update of %v", dims, a.dimensions)
	}
	a.dimensions = append([]int{}, dims...)
}

// IsSufficient reports whether the last execution found the argument's
// buffer large enough.
func (a *ArgumentInfo) IsSufficient() bool { return a.isSufficient }

// Length returns the binding length in bytes.
func (a *ArgumentInfo) Length() uint32 { return a.length }

// PoolIndex returns the pool index of a FromMemory binding, -1 otherwise.
func (a *ArgumentInfo) PoolIndex() int {
	if a.state != FromMemory {
		return -1
	}
	return a.poolIndex
}

// memoryTracker is the per-builder (and per-step) table of memory pools.
// Adding a memory twice yields the same index.
type memoryTracker struct {
	pools []memory.Memory
	index map[memory.Memory]int
}

func (t *memoryTracker) add(m memory.Memory) int {
	if idx, ok := t.index[m]; ok {
		return idx
	}
	if t.index == nil {
		t.index = make(map[memory.Memory]int)
	}
	idx := len(t.pools)
	t.pools = append(t.pools, m)
	t.index[m] = idx
	return idx
}

func (t *memoryTracker) get(idx int) memory.Memory {
	if idx < 0 || idx >= len(t.pools) {
		exceptions.Panicf("memoryTracker: pool index %d out of range (have %d pools)", idx, len(t.pools))
	}
	return t.pools[idx]
}

func (t *memoryTracker) objects() []memory.Memory { return t.pools }

func (t *memoryTracker) clone() memoryTracker {
	c := memoryTracker{pools: append([]memory.Memory{}, t.pools...)}
	if len(t.index) > 0 {
		c.index = make(map[memory.Memory]int, len(t.index))
		for m, i := range t.index {
			c.index[m] = i
		}
	}
	return c
}
