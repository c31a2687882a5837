// Package operands defines the Operand descriptor consumed by the execution
// runtime, and the tools to reason about partially-specified tensor
// dimensions.
//
// An operand dimension of 0 means "unspecified": its concrete value is only
// learned at execution time, either from the caller's bindings or from the
// shapes a backend reports after running a step. The function Updatable
// defines the refinement partial order between dimension vectors; every
// fully-specified vector is an upper bound of that order, which is what makes
// shape propagation terminate (see the execution package).
package operands

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// ExtraParams holds type-specific extra parameters, e.g. for per-channel
// quantized tensors. It is opaque to the runtime and carried along verbatim.
type ExtraParams any

// Operand describes one model operand: its element type, (possibly partially
// specified) dimensions and quantization parameters.
//
// An Operand value is read-only after model construction; the runtime never
// mutates the model's operand table, it only tracks refined dimensions on the
// side (bindings and dynamic temporaries).
type Operand struct {
	DType      dtypes.DType
	Dimensions []int

	// Scale and ZeroPoint are the quantization parameters; they are zero
	// for non-quantized operands.
	Scale     float64
	ZeroPoint int

	ExtraParams ExtraParams
}

// Make returns an Operand of the given dtype and dimensions. A dimension of 0
// is allowed and means unspecified. Negative dimensions panic.
func Make(dtype dtypes.DType, dimensions ...int) Operand {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("operands.Make(%s, %v): dimensions must be >= 0 (0 means unspecified)", dtype, dimensions)
		}
	}
	return Operand{DType: dtype, Dimensions: dimensions}
}

// IsTensor reports whether the operand is tensorial, that is, it carries
// dimensions, as opposed to a scalar model parameter.
//
// Scalars are represented with an invalid dtype of rank 0 in some source
// models; here anything with a valid dtype is a tensor, including rank 0
// (a tensor holding one element with fully known shape).
func (op Operand) IsTensor() bool {
	return op.DType != dtypes.InvalidDType
}

// Rank returns the number of axes of the operand.
func (op Operand) Rank() int { return len(op.Dimensions) }

// FullySpecified reports whether every dimension of the operand is known.
func (op Operand) FullySpecified() bool {
	return FullySpecified(op.Dimensions)
}

// String implements fmt.Stringer.
func (op Operand) String() string {
	var parts []string
	for _, dim := range op.Dimensions {
		if dim == 0 {
			parts = append(parts, "?")
		} else {
			parts = append(parts, strconv.Itoa(dim))
		}
	}
	return op.DType.String() + "[" + strings.Join(parts, ", ") + "]"
}

// FullySpecified reports whether the dimensions vector has no unspecified
// (zero) axes. An empty vector is fully specified: it is a scalar.
func FullySpecified(dimensions []int) bool {
	for _, dim := range dimensions {
		if dim == 0 {
			return false
		}
	}
	return true
}

// HasZeroRank reports whether dimensions describe a scalar.
func HasZeroRank(dimensions []int) bool { return len(dimensions) == 0 }

// Updatable reports whether the dimensions "to" may be overwritten by
// dimensions "from": "from" must specify at least as much as "to".
//
// The rules: an empty "to" accepts anything (rank itself was unknown);
// otherwise ranks must match and each axis must either agree or be
// unspecified (0) in "to". This is the refinement partial order: updates only
// move towards a fully-specified vector, never away from it.
func Updatable(to, from []int) bool {
	if len(to) == 0 {
		return true
	}
	if len(to) != len(from) {
		return false
	}
	for i := range to {
		if to[i] != from[i] && to[i] != 0 {
			return false
		}
	}
	return true
}

// SizeOfData returns the number of bytes needed to store a tensor of the
// given dtype and dimensions, or ok=false if the size overflows an uint32 --
// the limit the runtime imposes on any single buffer.
//
// If any dimension is unspecified (or zero-sized), the returned size is 0.
func SizeOfData(dtype dtypes.DType, dimensions []int) (size uint32, ok bool) {
	total := uint64(dtype.Memory())
	for _, dim := range dimensions {
		total *= uint64(dim)
		if total > math.MaxUint32 {
			return 0, false
		}
	}
	return uint32(total), true
}

// HasZeroDimension reports whether any axis of a non-empty dimensions vector
// is 0. It cannot tell a zero-sized axis from an unspecified one, since both
// are 0: applied to a shape a backend reported as fully produced, a 0 means a
// genuinely empty tensor.
func HasZeroDimension(dimensions []int) bool {
	if len(dimensions) == 0 {
		return false
	}
	for _, dim := range dimensions {
		if dim == 0 {
			return true
		}
	}
	return false
}
