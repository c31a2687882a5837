package model

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnrt/types/operands"
)

func TestModelAccessors(t *testing.T) {
	m := &Model{
		Operands: []operands.Operand{
			operands.Make(dtypes.Float32, 2, 2),
			operands.Make(dtypes.Float32, 0, 0),
		},
		Operations: []Operation{{Type: OpIdentity, Inputs: []int{0}, Outputs: []int{1}}},
		Inputs:     []int{0},
		Outputs:    []int{1},
	}
	assert.Equal(t, 1, m.InputCount())
	assert.Equal(t, 1, m.OutputCount())
	assert.Equal(t, []int{2, 2}, m.InputOperand(0).Dimensions)
	assert.Equal(t, 1, m.OutputOperandIndex(0))
	assert.False(t, m.OutputOperand(0).FullySpecified())

	require.Panics(t, func() { m.InputOperand(1) })
	require.Panics(t, func() { m.Operand(5) })
}

func TestOpTypeString(t *testing.T) {
	assert.Equal(t, "Identity", OpIdentity.String())
	assert.Equal(t, "Concat", OpConcat.String())
	assert.Equal(t, "Unknown", OpType(42).String())
}
