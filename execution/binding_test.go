package execution

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/memory"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

func TestSetInputValidation(t *testing.T) {
	m := identityModel([]int{2, 2}, []int{0, 0})
	plan, s := NewSimplePlan(m, backends.CPU())
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan))

	// Bad index.
	assert.Equal(t, status.BadData, b.SetInput(1, nil, f32Bytes(0, 0, 0, 0)))
	assert.Equal(t, status.BadData, b.SetInput(-1, nil, f32Bytes(0, 0, 0, 0)))

	// Bind once, rebinding is a state error.
	assert.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(1, 2, 3, 4)))
	assert.Equal(t, status.BadState, b.SetInput(0, nil, f32Bytes(1, 2, 3, 4)))
}

func TestSetInputRequiresFullySpecifiedDimensions(t *testing.T) {
	// Input operand has an unspecified axis: binding without an override
	// must fail, binding with a concretizing override must succeed.
	m := identityModel([]int{0, 2}, []int{0, 0})
	plan, s := NewSimplePlan(m, backends.CPU())
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan))

	assert.Equal(t, status.BadData, b.SetInput(0, nil, f32Bytes(1, 2, 3, 4)))

	override := operands.Make(dtypes.Float32, 2, 2)
	assert.Equal(t, status.NoError, b.SetInput(0, &override, f32Bytes(1, 2, 3, 4)))
}

func TestSetInputOverrideRules(t *testing.T) {
	m := identityModel([]int{2, 2}, []int{0, 0})
	plan, s := NewSimplePlan(m, backends.CPU())
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan))

	// Contradicting a fully specified dimension is rejected.
	bad := operands.Make(dtypes.Float32, 3, 2)
	assert.Equal(t, status.BadData, b.SetInput(0, &bad, f32Bytes(1, 2, 3, 4)))

	// Changing the element type is rejected.
	badType := operands.Make(dtypes.Int32, 2, 2)
	assert.Equal(t, status.BadData, b.SetInput(0, &badType, f32Bytes(1, 2, 3, 4)))

	// Rank change is rejected.
	badRank := operands.Make(dtypes.Float32, 4)
	assert.Equal(t, status.BadData, b.SetInput(0, &badRank, f32Bytes(1, 2, 3, 4)))

	// Matching override is fine.
	good := operands.Make(dtypes.Float32, 2, 2)
	assert.Equal(t, status.NoError, b.SetInput(0, &good, f32Bytes(1, 2, 3, 4)))
}

func TestSetFromMemoryValidatorRejection(t *testing.T) {
	m := identityModel([]int{2, 2}, []int{0, 0})
	plan, s := NewSimplePlan(m, backends.CPU())
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan))

	mem := memory.NewShared(8)
	// Out-of-bounds region is rejected by the memory's validator.
	assert.Equal(t, status.BadData, b.SetInputFromMemory(0, nil, mem, 0, 16))

	// Whole-memory binding (offset 0, length 0) resolves to the real size.
	big := memory.NewShared(16)
	assert.Equal(t, status.NoError, b.SetInputFromMemory(0, nil, big, 0, 0))
	assert.Equal(t, uint32(16), b.inputs[0].Length())
}

func TestBindAfterStartFails(t *testing.T) {
	m := identityModel([]int{2, 2}, []int{2, 2})
	plan, s := NewSimplePlan(m, backends.CPU())
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan, withExplicitDevice(backends.CPU())))

	require.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(1, 2, 3, 4)))
	out := make([]byte, 16)
	require.Equal(t, status.NoError, b.SetOutput(0, nil, out))
	require.Equal(t, status.NoError, b.Compute())

	// Every mutation fails once the execution has started.
	assert.Equal(t, status.BadState, b.SetInput(0, nil, f32Bytes(0, 0, 0, 0)))
	assert.Equal(t, status.BadState, b.SetOutput(0, nil, out))
	assert.Equal(t, status.BadState, b.SetInputFromMemory(0, nil, memory.NewShared(16), 0, 16))
	assert.Equal(t, status.BadState, b.SetOutputFromMemory(0, nil, memory.NewShared(16), 0, 16))
	assert.Equal(t, status.BadState, b.SetMeasureTiming(true))
	assert.Equal(t, status.BadState, b.SetTimeout(0))
	assert.Equal(t, status.BadState, b.SetLoopTimeout(0))
	assert.Equal(t, status.BadState, b.Compute())
}

func TestSetNoValueOptionalArgument(t *testing.T) {
	m := identityModel([]int{2, 2}, []int{0, 0})
	plan, s := NewSimplePlan(m, backends.CPU())
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan))

	require.Equal(t, status.NoError, b.SetOutput(0, nil, nil))
	assert.Equal(t, HasNoValue, b.outputs[0].State())
}

func TestMemoryTrackerDedupes(t *testing.T) {
	tracker := &memoryTracker{}
	a, b := memory.NewShared(4), memory.NewShared(4)
	assert.Equal(t, 0, tracker.add(a))
	assert.Equal(t, 1, tracker.add(b))
	assert.Equal(t, 0, tracker.add(a))
	assert.Len(t, tracker.objects(), 2)
}
