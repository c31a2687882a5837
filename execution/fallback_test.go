package execution

import (
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

// twoStepPlan builds a two-step pipeline main-input -> temp -> main-output,
// with step 1 on the given device and step 2 on CPU. tempDims are the
// temp operand's declared dimensions (zero axes make it dynamic).
func twoStepPlan(t *testing.T, step1Device backends.Device, tempDims []int, tempLen uint32) (*model.Model, *CompoundPlan) {
	t.Helper()
	mainModel := &model.Model{
		Operands: []operands.Operand{
			operands.Make(dtypes.Float32, tempDims...), // main input
			operands.Make(dtypes.Float32, tempDims...), // temp
			operands.Make(dtypes.Float32, 0, 0),        // main output
		},
		Operations: []model.Operation{
			{Type: model.OpIdentity, Inputs: []int{0}, Outputs: []int{1}},
			{Type: model.OpIdentity, Inputs: []int{1}, Outputs: []int{2}},
		},
		Inputs:  []int{0},
		Outputs: []int{2},
	}
	step1Model := identityModel(tempDims, tempDims)
	step2Model := identityModel(tempDims, []int{0, 0})

	prepared1, s := step1Device.PrepareModel(step1Model)
	require.Equal(t, status.NoError, s)
	prepared2, s := backends.CPU().PrepareModel(step2Model)
	require.Equal(t, status.NoError, s)

	temp := SourceOperandIndex{Model: 0, Operand: 1}
	steps := []*Step{
		{
			Index:     0,
			StepModel: step1Model,
			Device:    step1Device,
			Prepared:  prepared1,
			Inputs:    []StepSource{{MainInput: 0}},
			Outputs:   []StepSink{{MainOutput: -1, Temp: temp}},
		},
		{
			Index:     1,
			StepModel: step2Model,
			Device:    backends.CPU(),
			Prepared:  prepared2,
			Inputs:    []StepSource{{MainInput: -1, Temp: temp}},
			Outputs:   []StepSink{{MainOutput: 0}},
		},
	}
	decl := TempDecl{
		Source:        temp,
		DefiningStep:  0,
		InitialDims:   append([]int{}, tempDims...),
		InitialLength: tempLen,
		Dynamic:       !operands.FullySpecified(tempDims),
	}
	return mainModel, NewCompoundPlan(steps, []TempDecl{decl})
}

// Insufficient-size retry converges: the accelerator first reports the
// dynamic temp too small with the real shape, the driver grows the temp and
// retries the same step, and the execution completes.
func TestInsufficientSizeRetryConverges(t *testing.T) {
	want := make([]float32, 15)
	for i := range want {
		want[i] = float32(i + 1)
	}
	accel := &fakeDevice{name: "accel"}
	accel.onExecute = func(call int, req backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
		if call == 1 {
			return status.InsufficientSize,
				[]backends.OutputShape{{Dimensions: []int{3, 5}, IsSufficient: false}},
				backends.NoTiming()
		}
		writeOutput(req, 0, f32Bytes(want...))
		return status.NoError, okShapes([]int{3, 5}), backends.NoTiming()
	}

	m, plan := twoStepPlan(t, accel, []int{0, 0}, 4)
	b := NewBuilder(newCompilation(m, plan))

	override := operands.Make(dtypes.Float32, 3, 5)
	require.Equal(t, status.NoError, b.SetInput(0, &override, f32Bytes(want...)))
	output := make([]byte, 60)
	require.Equal(t, status.NoError, b.SetOutput(0, nil, output))

	require.Equal(t, status.NoError, b.Compute())

	// The accelerator ran twice: the insufficient attempt and the retry.
	assert.Equal(t, 2, accel.executeCalls)

	dims, ds := b.GetOutputOperandDimensions(0)
	require.Equal(t, status.NoError, ds)
	assert.Equal(t, []int{3, 5}, dims)
	assert.Equal(t, want, f32FromBytes(output))
}

// Insufficient size on a main output is terminal: the client gets the code
// and the dimensions the backend reported, with no retry.
func TestInsufficientSizeOnMainOutputIsTerminal(t *testing.T) {
	m := identityModel([]int{3, 5}, []int{0, 0})
	accel := &fakeDevice{name: "accel"}
	accel.onExecute = func(int, backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
		return status.InsufficientSize,
			[]backends.OutputShape{{Dimensions: []int{3, 5}, IsSufficient: false}},
			backends.NoTiming()
	}
	plan, s := NewSimplePlan(m, accel)
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan)) // fallback allowed, still no retry

	input := make([]byte, 60)
	require.Equal(t, status.NoError, b.SetInput(0, nil, input))
	require.Equal(t, status.NoError, b.SetOutput(0, nil, make([]byte, 8)))

	assert.Equal(t, status.InsufficientSize, b.Compute())
	assert.Equal(t, 1, accel.executeCalls)
	assert.Equal(t, CompletionOutputInsufficientSize, b.CompletedWith())

	dims, ds := b.GetOutputOperandDimensions(0)
	assert.Equal(t, status.InsufficientSize, ds)
	assert.Equal(t, []int{3, 5}, dims)
	rank, rs := b.GetOutputOperandRank(0)
	assert.Equal(t, status.InsufficientSize, rs)
	assert.Equal(t, 2, rank)
}

// Partial CPU fallback: step 1 fails on the accelerator, is re-run on CPU,
// and the plan then proceeds to step 2 as normal.
func TestPartialCPUFallback(t *testing.T) {
	accel := &fakeDevice{name: "accel"}
	accel.onExecute = func(int, backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
		return status.OpFailed, nil, backends.NoTiming()
	}

	m, plan := twoStepPlan(t, accel, []int{2, 2}, 16)
	b := NewBuilder(newCompilation(m, plan))

	require.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(1, 2, 3, 4)))
	output := make([]byte, 16)
	require.Equal(t, status.NoError, b.SetOutput(0, nil, output))

	require.Equal(t, status.NoError, b.Compute())

	// The accelerator was attempted exactly once; the CPU re-ran the step.
	assert.Equal(t, 1, accel.executeCalls)
	assert.Equal(t, []float32{1, 2, 3, 4}, f32FromBytes(output))
	assert.Equal(t, CompletionNoError, b.CompletedWith())
}

// When CPU fallback is not allowed, a step failure is surfaced directly.
func TestStepFailureWithoutFallback(t *testing.T) {
	accel := &fakeDevice{name: "accel"}
	accel.onExecute = func(int, backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
		return status.OpFailed, nil, backends.NoTiming()
	}
	m := identityModel([]int{2, 2}, []int{2, 2})
	plan, s := NewSimplePlan(m, accel)
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan, withoutCPUFallback()))

	require.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(1, 2, 3, 4)))
	require.Equal(t, status.NoError, b.SetOutput(0, nil, make([]byte, 16)))

	assert.Equal(t, status.OpFailed, b.Compute())
	assert.Equal(t, CompletionOtherError, b.CompletedWith())
}

// Full CPU fallback on a simple plan: the accelerator fails, and the whole
// model is recompiled and re-run on the CPU.
func TestFullCPUFallbackOnSimplePlan(t *testing.T) {
	accel := &fakeDevice{name: "accel"}
	accel.onExecute = func(int, backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
		return status.OpFailed, nil, backends.NoTiming()
	}
	m := identityModel([]int{2, 2}, []int{0, 0})
	plan, s := NewSimplePlan(m, accel)
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan)) // fallback allowed

	require.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(9, 8, 7, 6)))
	output := make([]byte, 16)
	require.Equal(t, status.NoError, b.SetOutput(0, nil, output))

	require.Equal(t, status.NoError, b.Compute())
	assert.Equal(t, []float32{9, 8, 7, 6}, f32FromBytes(output))
	assert.Equal(t, CompletionNoError, b.CompletedWith())
}

// A missed deadline short-circuits CPU fallback even when it is enabled.
func TestMissedDeadlineBypassesFallback(t *testing.T) {
	accel := &fakeDevice{name: "accel"}
	accel.onExecute = func(int, backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
		return status.MissedDeadlinePersistent, nil, backends.NoTiming()
	}
	m := identityModel([]int{2, 2}, []int{2, 2})
	plan, s := NewSimplePlan(m, accel)
	require.Equal(t, status.NoError, s)
	b := NewBuilder(newCompilation(m, plan, withExplicitDevice(accel)))

	require.Equal(t, status.NoError, b.SetTimeout(10*time.Millisecond))
	require.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(1, 2, 3, 4)))
	require.Equal(t, status.NoError, b.SetOutput(0, nil, make([]byte, 16)))

	assert.Equal(t, status.MissedDeadlinePersistent, b.Compute())
	assert.Equal(t, 1, accel.executeCalls)
	assert.Equal(t, CompletionOtherError, b.CompletedWith())

	// The step received the absolute deadline derived from SetTimeout.
	require.Len(t, accel.deadlines, 1)
	assert.False(t, accel.deadlines[0].IsZero())
}

// A zero-sized step output feeding a downstream step cannot be handled by
// the plan-driven path: the driver falls back to a full-model CPU run.
func TestZeroSizedInputForcesFullFallback(t *testing.T) {
	accel := &fakeDevice{name: "accel"}
	accel.onExecute = func(int, backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
		// The accelerator claims a zero-sized temp.
		return status.NoError, okShapes([]int{0, 5}), backends.NoTiming()
	}

	m, plan := twoStepPlan(t, accel, []int{0, 0}, 4)
	b := NewBuilder(newCompilation(m, plan))

	override := operands.Make(dtypes.Float32, 2, 2)
	require.Equal(t, status.NoError, b.SetInput(0, &override, f32Bytes(1, 2, 3, 4)))
	output := make([]byte, 16)
	require.Equal(t, status.NoError, b.SetOutput(0, nil, output))

	require.Equal(t, status.NoError, b.Compute())

	// One accelerator attempt, then the whole model ran on the CPU.
	assert.Equal(t, 1, accel.executeCalls)
	assert.Equal(t, []float32{1, 2, 3, 4}, f32FromBytes(output))
}

// A CPU-recompiled step produces the same result as the step itself: running
// the full fallback on an already-CPU plan step is a no-op semantically.
func TestCPUFallbackIdempotentOnCPUStep(t *testing.T) {
	m := identityModel([]int{2, 2}, []int{0, 0})
	plan, s := NewSimplePlan(m, backends.CPU())
	require.Equal(t, status.NoError, s)

	run := func(c *Compilation) []float32 {
		b := NewBuilder(c)
		require.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(4, 3, 2, 1)))
		output := make([]byte, 16)
		require.Equal(t, status.NoError, b.SetOutput(0, nil, output))
		require.Equal(t, status.NoError, b.Compute())
		return f32FromBytes(output)
	}

	direct := run(newCompilation(m, plan))

	// Force the full-fallback path by driving the same model through a
	// fresh builder's fallback executor.
	b := NewBuilder(newCompilation(m, plan))
	require.Equal(t, status.NoError, b.SetInput(0, nil, f32Bytes(4, 3, 2, 1)))
	output := make([]byte, 16)
	require.Equal(t, status.NoError, b.SetOutput(0, nil, output))
	b.started = true
	fs, _, _ := b.cpuFallbackFull()
	require.Equal(t, status.NoError, fs)

	assert.Equal(t, direct, f32FromBytes(output))
}
