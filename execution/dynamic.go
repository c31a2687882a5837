package execution

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnrt/memory"
	"github.com/gomlx/nnrt/types/operands"
)

// SourceOperandIndex identifies one operand of one source model of the plan.
type SourceOperandIndex struct {
	Model   int
	Operand int
}

// maxTempLength caps the length of a dynamic temporary: no redeclaration may
// exceed it, and a length is only doubled while the doubled value stays
// within it, which bounds the number of growth steps.
const maxTempLength = math.MaxUint32 / 2

// TempLocation is what a lookup of a dynamic temporary returns: the
// dimensions and length as declared so far, and the backing memory once the
// defining step's temporaries have been allocated.
type TempLocation struct {
	Dimensions []int
	Length     uint32
	Memory     *memory.Shared
}

type dynamicTemp struct {
	definingStep int
	dimensions   []int
	length       uint32

	// mem is non-nil once allocated; reallocated when length outgrows it.
	mem *memory.Shared
}

// DynamicTemporaries tracks the intermediate operands of a plan whose size
// is only known at step boundaries. One instance belongs to one execution
// (it lives on the plan controller).
//
// Redeclaration is monotonic by construction: dimensions only move along the
// refinement order towards fully specified, and length only grows, bounded
// by maxTempLength. Any redeclaration therefore strictly reduces the
// remaining distance to an upper bound, so only finitely many can occur per
// execution -- this is what terminates the insufficient-size retry loop.
type DynamicTemporaries struct {
	temps map[SourceOperandIndex]*dynamicTemp
}

// Empty reports whether no temporaries were declared.
func (dt *DynamicTemporaries) Empty() bool { return dt == nil || len(dt.temps) == 0 }

// Declare registers a dynamic temporary produced by definingStep, with its
// initial (possibly partially specified) dimensions and initial length
// estimate. Declaring the same operand twice is a programmer error.
func (dt *DynamicTemporaries) Declare(idx SourceOperandIndex, definingStep int, initialDims []int, initialLength uint32) {
	if dt.temps == nil {
		dt.temps = make(map[SourceOperandIndex]*dynamicTemp)
	}
	if _, ok := dt.temps[idx]; ok {
		exceptions.Panicf("DynamicTemporaries.Declare: operand (%d, %d) declared twice", idx.Model, idx.Operand)
	}
	dt.temps[idx] = &dynamicTemp{
		definingStep: definingStep,
		dimensions:   append([]int{}, initialDims...),
		length:       initialLength,
	}
}

// Redeclare updates a temporary with dimensions and length learned from a
// step execution, and reports whether anything changed. The new dimensions
// must refine the stored ones; violating that is a programmer error (callers
// validate driver output first). A length smaller than the stored one is
// ignored: the stored length is kept. Growing past maxTempLength is a hard
// failure.
func (dt *DynamicTemporaries) Redeclare(idx SourceOperandIndex, dims []int, length uint32) (changed bool) {
	temp, ok := dt.temps[idx]
	if !ok {
		exceptions.Panicf("DynamicTemporaries.Redeclare: operand (%d, %d) was never declared", idx.Model, idx.Operand)
	}
	if !operands.Updatable(temp.dimensions, dims) {
		exceptions.Panicf("DynamicTemporaries.Redeclare: dimensions %v do not refine %v", dims, temp.dimensions)
	}
	if length > maxTempLength {
		exceptions.Panicf("DynamicTemporaries.Redeclare: length %d exceeds the growth bound", length)
	}
	if length < temp.length {
		length = temp.length
	}
	dimsChanged := !slices.Equal(temp.dimensions, dims)
	if !dimsChanged && length == temp.length {
		return false
	}
	if klog.V(2).Enabled() {
		klog.Infof("DynamicTemporaries.Redeclare (%d, %d): %v/%d -> %v/%d",
			idx.Model, idx.Operand, temp.dimensions, temp.length, dims, length)
	}
	temp.dimensions = append([]int{}, dims...)
	temp.length = length
	return true
}

// Allocate (re)allocates backing memory for every temporary defined by
// stepIndex. Called before that step runs; a step may run only when
// Allocated(stepIndex) holds.
func (dt *DynamicTemporaries) Allocate(stepIndex int) {
	if dt.Empty() {
		return
	}
	for _, temp := range dt.temps {
		if temp.definingStep != stepIndex {
			continue
		}
		if temp.mem != nil && temp.mem.Size() >= temp.length {
			continue
		}
		temp.mem = memory.NewShared(temp.length)
	}
}

// Allocated reports whether every temporary defined by stepIndex has backing
// memory of at least its declared length.
func (dt *DynamicTemporaries) Allocated(stepIndex int) bool {
	if dt.Empty() {
		return true
	}
	for _, temp := range dt.temps {
		if temp.definingStep != stepIndex {
			continue
		}
		if temp.mem == nil || temp.mem.Size() < temp.length {
			return false
		}
	}
	return true
}

// Lookup returns the current location of a temporary, or ok=false if the
// operand is not a dynamic temporary.
func (dt *DynamicTemporaries) Lookup(idx SourceOperandIndex) (TempLocation, bool) {
	if dt == nil {
		return TempLocation{}, false
	}
	temp, ok := dt.temps[idx]
	if !ok {
		return TempLocation{}, false
	}
	return TempLocation{
		Dimensions: temp.dimensions,
		Length:     temp.length,
		Memory:     temp.mem,
	}, true
}
