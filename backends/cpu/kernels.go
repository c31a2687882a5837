package cpu

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/types/status"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// execOperation interprets one operation, reading and writing the values
// table keyed by operand index.
func execOperation(m *model.Model, op model.Operation, values map[int]value) status.Status {
	switch op.Type {
	case model.OpIdentity:
		return execIdentity(op, values)
	case model.OpRelu:
		return execRelu(m, op, values)
	case model.OpAdd:
		return execAdd(m, op, values)
	case model.OpConcat:
		return execConcat(op, values)
	}
	return status.OpFailed
}

func input(op model.Operation, i int, values map[int]value) (value, bool) {
	v, ok := values[op.Inputs[i]]
	return v, ok
}

func execIdentity(op model.Operation, values map[int]value) status.Status {
	in, ok := input(op, 0, values)
	if !ok {
		return status.OpFailed
	}
	out := value{dims: in.dims, data: make([]byte, len(in.data))}
	copy(out.data, in.data)
	values[op.Outputs[0]] = out
	return status.NoError
}

func execRelu(m *model.Model, op model.Operation, values map[int]value) status.Status {
	in, ok := input(op, 0, values)
	if !ok {
		return status.OpFailed
	}
	operand := m.Operand(op.Inputs[0])
	out := value{dims: in.dims, data: make([]byte, len(in.data))}
	switch operand.DType {
	case dtypes.Float32:
		for pos := 0; pos+4 <= len(in.data); pos += 4 {
			x := math.Float32frombits(binary.LittleEndian.Uint32(in.data[pos:]))
			if x < 0 {
				x = 0
			}
			binary.LittleEndian.PutUint32(out.data[pos:], math.Float32bits(x))
		}
	case dtypes.Float16:
		for pos := 0; pos+2 <= len(in.data); pos += 2 {
			x := float16.Frombits(binary.LittleEndian.Uint16(in.data[pos:])).Float32()
			if x < 0 {
				x = 0
			}
			binary.LittleEndian.PutUint16(out.data[pos:], float16.Fromfloat32(x).Bits())
		}
	case dtypes.Int32:
		for pos := 0; pos+4 <= len(in.data); pos += 4 {
			x := int32(binary.LittleEndian.Uint32(in.data[pos:]))
			if x < 0 {
				x = 0
			}
			binary.LittleEndian.PutUint32(out.data[pos:], uint32(x))
		}
	case dtypes.Uint8:
		// Quantized relu: clamp at the zero point.
		zp := byte(operand.ZeroPoint)
		for pos, x := range in.data {
			if x < zp {
				x = zp
			}
			out.data[pos] = x
		}
	default:
		klog.Warningf("cpu: Relu unsupported for dtype %s", operand.DType)
		return status.OpFailed
	}
	values[op.Outputs[0]] = out
	return status.NoError
}

func execAdd(m *model.Model, op model.Operation, values map[int]value) status.Status {
	lhs, okL := input(op, 0, values)
	rhs, okR := input(op, 1, values)
	if !okL || !okR || len(lhs.data) != len(rhs.data) {
		return status.OpFailed
	}
	operand := m.Operand(op.Inputs[0])
	out := value{dims: lhs.dims, data: make([]byte, len(lhs.data))}
	switch operand.DType {
	case dtypes.Float32:
		for pos := 0; pos+4 <= len(lhs.data); pos += 4 {
			a := math.Float32frombits(binary.LittleEndian.Uint32(lhs.data[pos:]))
			b := math.Float32frombits(binary.LittleEndian.Uint32(rhs.data[pos:]))
			binary.LittleEndian.PutUint32(out.data[pos:], math.Float32bits(a+b))
		}
	case dtypes.Float16:
		for pos := 0; pos+2 <= len(lhs.data); pos += 2 {
			a := float16.Frombits(binary.LittleEndian.Uint16(lhs.data[pos:])).Float32()
			b := float16.Frombits(binary.LittleEndian.Uint16(rhs.data[pos:])).Float32()
			binary.LittleEndian.PutUint16(out.data[pos:], float16.Fromfloat32(a+b).Bits())
		}
	case dtypes.Int32:
		for pos := 0; pos+4 <= len(lhs.data); pos += 4 {
			a := int32(binary.LittleEndian.Uint32(lhs.data[pos:]))
			b := int32(binary.LittleEndian.Uint32(rhs.data[pos:]))
			binary.LittleEndian.PutUint32(out.data[pos:], uint32(a+b))
		}
	case dtypes.Uint8:
		// Quantized add with shared scale: add distances to the zero
		// point and clamp to the representable range.
		zp := operand.ZeroPoint
		for pos := range lhs.data {
			sum := int(lhs.data[pos]) + int(rhs.data[pos]) - zp
			if sum < 0 {
				sum = 0
			} else if sum > 255 {
				sum = 255
			}
			out.data[pos] = byte(sum)
		}
	default:
		klog.Warningf("cpu: Add unsupported for dtype %s", operand.DType)
		return status.OpFailed
	}
	values[op.Outputs[0]] = out
	return status.NoError
}

// execConcat concatenates along axis 0. With row-major layout and equal
// trailing dimensions that is a plain byte concatenation.
func execConcat(op model.Operation, values map[int]value) status.Status {
	if len(op.Inputs) == 0 {
		return status.OpFailed
	}
	var dims []int
	var total int
	for i := range op.Inputs {
		in, ok := input(op, i, values)
		if !ok || len(in.dims) == 0 {
			return status.OpFailed
		}
		if dims == nil {
			dims = append([]int{}, in.dims...)
		} else {
			if len(in.dims) != len(dims) {
				return status.OpFailed
			}
			for axis := 1; axis < len(dims); axis++ {
				if in.dims[axis] != dims[axis] {
					return status.OpFailed
				}
			}
			dims[0] += in.dims[0]
		}
		total += len(in.data)
	}
	out := value{dims: dims, data: make([]byte, 0, total)}
	for i := range op.Inputs {
		in, _ := input(op, i, values)
		out.data = append(out.data, in.data...)
	}
	values[op.Outputs[0]] = out
	return status.NoError
}
