// Package model defines the compiled model value consumed by the execution
// runtime.
//
// The runtime never builds or rewrites models: a Model arrives fully formed
// from the compilation layer (or from a partitioner, as a step model) and is
// treated as read-only from then on. Only the small surface the runtime and
// the reference backend need is defined here; graph construction, type
// checking and serialization live upstream.
package model

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/nnrt/types/operands"
)

// OpType enumerates the operations the reference backend interprets.
type OpType int

const (
	// OpIdentity copies its single input to its single output.
	OpIdentity OpType = iota

	// OpRelu applies max(0, x) elementwise.
	OpRelu

	// OpAdd adds two inputs elementwise. Both inputs must have the same
	// dimensions; broadcasting is resolved upstream.
	OpAdd

	// OpConcat concatenates its inputs along axis 0.
	OpConcat
)

// String implements fmt.Stringer.
func (op OpType) String() string {
	switch op {
	case OpIdentity:
		return "Identity"
	case OpRelu:
		return "Relu"
	case OpAdd:
		return "Add"
	case OpConcat:
		return "Concat"
	}
	return "Unknown"
}

// Operation is one node of the model graph: an op applied to operand indices.
type Operation struct {
	Type    OpType
	Inputs  []int
	Outputs []int
}

// Model is a compiled (sub-)model: an operand table, a topologically sorted
// operation list, and the indices of the model's inputs and outputs into the
// operand table.
type Model struct {
	Operands   []operands.Operand
	Operations []Operation

	// Inputs and Outputs index into Operands.
	Inputs  []int
	Outputs []int
}

// InputCount returns the number of model inputs.
func (m *Model) InputCount() int { return len(m.Inputs) }

// OutputCount returns the number of model outputs.
func (m *Model) OutputCount() int { return len(m.Outputs) }

// InputOperand returns the operand descriptor of input i.
func (m *Model) InputOperand(i int) operands.Operand {
	if i < 0 || i >= len(m.Inputs) {
		exceptions.Panicf("model.InputOperand(%d): model has %d inputs", i, len(m.Inputs))
	}
	return m.Operands[m.Inputs[i]]
}

// OutputOperand returns the operand descriptor of output i.
func (m *Model) OutputOperand(i int) operands.Operand {
	if i < 0 || i >= len(m.Outputs) {
		exceptions.Panicf("model.OutputOperand(%d): model has %d outputs", i, len(m.Outputs))
	}
	return m.Operands[m.Outputs[i]]
}

// OutputOperandIndex returns the operand-table index of output i.
func (m *Model) OutputOperandIndex(i int) int {
	if i < 0 || i >= len(m.Outputs) {
		exceptions.Panicf("model.OutputOperandIndex(%d): model has %d outputs", i, len(m.Outputs))
	}
	return m.Outputs[i]
}

// Operand returns the operand descriptor at table index idx.
func (m *Model) Operand(idx int) operands.Operand {
	if idx < 0 || idx >= len(m.Operands) {
		exceptions.Panicf("model.Operand(%d): model has %d operands", idx, len(m.Operands))
	}
	return m.Operands[idx]
}
