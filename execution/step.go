package execution

import (
	"time"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/memory"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/syncfence"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

// StepExecutor executes one partition of the plan on one device. It lives
// only across one step: the controller builds a fresh executor per step (and
// per retry).
type StepExecutor struct {
	builder      *Builder
	stepModel    *model.Model
	device       backends.Device
	prepared     backends.PreparedModel
	step         *Step
	dynamicTemps *DynamicTemporaries

	inputs   []ArgumentInfo
	outputs  []ArgumentInfo
	memories memoryTracker
}

// NewStepExecutor returns an executor for stepModel on device. step and
// dynamicTemps are nil exactly when the executor runs the whole main model
// (the full CPU fallback path).
func NewStepExecutor(b *Builder, stepModel *model.Model, device backends.Device, prepared backends.PreparedModel, step *Step, dynamicTemps *DynamicTemporaries) *StepExecutor {
	if (step == nil) != (dynamicTemps == nil) {
		exceptions.Panicf("NewStepExecutor: step and dynamicTemps must be both nil or both set")
	}
	if device == nil {
		exceptions.Panicf("NewStepExecutor: nil device")
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s StepExecutor with %d inputs and %d outputs",
			b.logTag(), stepModel.InputCount(), stepModel.OutputCount())
	}
	return &StepExecutor{
		builder:      b,
		stepModel:    stepModel,
		device:       device,
		prepared:     prepared,
		step:         step,
		dynamicTemps: dynamicTemps,
		inputs:       make([]ArgumentInfo, stepModel.InputCount()),
		outputs:      make([]ArgumentInfo, stepModel.OutputCount()),
	}
}

// IsCPU reports whether the executor targets the reference CPU device.
func (e *StepExecutor) IsCPU() bool { return backends.IsCPU(e.device) }

// AreDynamicTemporariesAllocated reports whether every temporary of this
// executor's step has backing memory.
func (e *StepExecutor) AreDynamicTemporariesAllocated() bool {
	return e.dynamicTemps == nil || e.dynamicTemps.Allocated(e.step.Index)
}

// MapTrivially copies all builder bindings verbatim. Used when the step is
// the whole model.
func (e *StepExecutor) MapTrivially() {
	e.inputs = append([]ArgumentInfo{}, e.builder.inputs...)
	e.outputs = append([]ArgumentInfo{}, e.builder.outputs...)
	e.memories = e.builder.memories.clone()
}

// MapInput maps the builder's input mainIndex to step input stepIndex.
func (e *StepExecutor) MapInput(mainIndex, stepIndex int) {
	e.mapArgument(&e.builder.inputs[mainIndex], &e.inputs[stepIndex], nil)
}

// MapOutput maps the builder's output mainIndex to step output stepIndex.
func (e *StepExecutor) MapOutput(mainIndex, stepIndex int) {
	e.mapArgument(&e.builder.outputs[mainIndex], &e.outputs[stepIndex], nil)
}

// mapArgument copies one builder argument into an executor slot,
// re-indexing memory pools into the executor's own pool table.
// overrideDims, when set, replaces the copied dimensions.
func (e *StepExecutor) mapArgument(src, dst *ArgumentInfo, overrideDims []int) {
	*dst = *src
	dst.dimensions = append([]int{}, src.dimensions...)
	switch dst.state {
	case HasNoValue, Unspecified:
		// Nothing to relocate.
	case FromPointer:
		if overrideDims != nil {
			dst.dimensions = append([]int{}, overrideDims...)
		}
	case FromMemory:
		if overrideDims != nil {
			dst.dimensions = append([]int{}, overrideDims...)
		}
		mem := e.builder.memories.get(src.poolIndex)
		dst.poolIndex = e.memories.add(mem)
	default:
		exceptions.Panicf("StepExecutor.mapArgument: unexpected state %s", dst.state)
	}
}

// BindStepInternalInput attaches a step-private memory region (a dynamic or
// static temporary) as step input stepIndex.
func (e *StepExecutor) BindStepInternalInput(stepIndex int, mem memory.Memory, offset uint32, dims []int, length uint32) status.Status {
	return e.bindStepInternal(e.stepModel.InputOperand(stepIndex), &e.inputs[stepIndex], mem, offset, dims, length)
}

// BindStepInternalOutput attaches a step-private memory region as step
// output stepIndex.
func (e *StepExecutor) BindStepInternalOutput(stepIndex int, mem memory.Memory, offset uint32, dims []int, length uint32) status.Status {
	return e.bindStepInternal(e.stepModel.OutputOperand(stepIndex), &e.outputs[stepIndex], mem, offset, dims, length)
}

func (e *StepExecutor) bindStepInternal(operand operands.Operand, slot *ArgumentInfo, mem memory.Memory, offset uint32, dims []int, length uint32) status.Status {
	if !slot.IsUnspecified() {
		exceptions.Panicf("StepExecutor.bindStepInternal: slot already bound (%s)", slot.state)
	}
	poolIndex := e.memories.add(mem)
	if length == 0 {
		length, _ = operands.SizeOfData(operand.DType, operand.Dimensions)
	}
	arg, s := newArgumentFromMemory(operand, nil, poolIndex, offset, length)
	if s.IsError() {
		return s
	}
	if len(dims) > 0 {
		if !operands.Updatable(arg.dimensions, dims) {
			exceptions.Panicf("StepExecutor.bindStepInternal: dimensions %v do not refine %v", dims, arg.dimensions)
		}
		arg.dimensions = append([]int{}, dims...)
	}
	*slot = arg
	return status.NoError
}

// request assembles the backend request from the executor's arguments.
func (e *StepExecutor) request(pools []memory.Memory, burst backends.Burst, deadline time.Time) backends.Request {
	return backends.Request{
		Inputs:      argumentsToArgs(e.inputs),
		Outputs:     argumentsToArgs(e.outputs),
		Pools:       pools,
		Burst:       burst,
		Measure:     e.builder.measureTiming,
		Deadline:    deadline,
		LoopTimeout: e.builder.loopTimeoutDuration,
	}
}

func argumentsToArgs(args []ArgumentInfo) []backends.Arg {
	out := make([]backends.Arg, len(args))
	for i := range args {
		a := &args[i]
		switch a.state {
		case HasNoValue:
			out[i] = backends.Arg{NoValue: true, PoolIndex: -1}
		case FromPointer:
			out[i] = backends.Arg{Buffer: a.buffer, PoolIndex: -1, Dimensions: a.dimensions}
		case FromMemory:
			out[i] = backends.Arg{PoolIndex: a.poolIndex, Offset: a.offset, Length: a.length, Dimensions: a.dimensions}
		default:
			exceptions.Panicf("argument %d still %s at compute time", i, a.state)
		}
	}
	return out
}

// Compute runs the step blocking, on the executor's device.
func (e *StepExecutor) Compute(deadline time.Time, burst backends.Burst) (status.Status, []backends.OutputShape, backends.Timing) {
	return e.computeWithMemories(deadline, e.memories.objects(), burst)
}

func (e *StepExecutor) computeWithMemories(deadline time.Time, pools []memory.Memory, burst backends.Burst) (status.Status, []backends.OutputShape, backends.Timing) {
	if e.prepared == nil {
		exceptions.Panicf("StepExecutor.compute without a prepared model")
	}
	e.logArguments()
	s, outputShapes, timing := e.prepared.Execute(e.request(pools, burst, deadline))
	e.builder.reportTimingWithoutFencedExecutionCallback(timing)
	return s, outputShapes, timing
}

// ComputeFenced submits the step gated on waitFor and returns its fence and
// fenced callback without blocking for results.
func (e *StepExecutor) ComputeFenced(waitFor []*syncfence.Fence, postFenceTimeout time.Duration, deadline time.Time) (status.Status, *syncfence.Fence, backends.FencedCallback) {
	if e.prepared == nil {
		exceptions.Panicf("StepExecutor.computeFenced without a prepared model")
	}
	e.logArguments()
	s, fence, callback, timing := e.prepared.ExecuteFenced(
		e.request(e.memories.objects(), nil, deadline), waitFor, postFenceTimeout)
	if fence == nil && callback == nil {
		e.builder.reportTimingWithoutFencedExecutionCallback(timing)
	}
	return s, fence, callback
}

// ComputeOnCPUFallback re-prepares the step model for the CPU device and
// runs it once, staging any device-only memories through host-visible
// buffers: contents of pools used as inputs are copied in before the run,
// and pools used as outputs are written back after success.
func (e *StepExecutor) ComputeOnCPUFallback() (status.Status, []backends.OutputShape, backends.Timing) {
	klog.V(1).Infof("%s re-compiling the step model on CPU", e.builder.logTag())
	cpu := backends.CPU()
	if cpu == nil {
		klog.Warningf("CPU fallback requested but no CPU device is registered")
		return status.Unavailable, nil, backends.NoTiming()
	}
	e.device = cpu
	prepared, s := cpu.PrepareModel(e.stepModel)
	if s.IsError() {
		return s, nil, backends.NoTiming()
	}
	e.prepared = prepared

	pools := append([]memory.Memory{}, e.memories.objects()...)
	usedAsInput := make([]bool, len(pools))
	usedAsOutput := make([]bool, len(pools))
	for i := range e.inputs {
		if e.inputs[i].state == FromMemory {
			usedAsInput[e.inputs[i].poolIndex] = true
		}
	}
	for i := range e.outputs {
		if e.outputs[i].state == FromMemory {
			poolIndex := e.outputs[i].poolIndex
			if pools[poolIndex].Validator().CreatedWithUnknownShape() {
				klog.Warningf("cannot fall back to CPU: an output memory has unknown shape")
				return status.OpFailed, nil, backends.NoTiming()
			}
			usedAsOutput[poolIndex] = true
		}
	}

	// Stage device-only pools through host-visible shared memory.
	staged := make([]*memory.Shared, len(pools))
	for i, pool := range pools {
		if pool.Bytes() != nil {
			continue
		}
		device, ok := pool.(memory.DeviceBacked)
		if !ok || pool.Size() == 0 {
			klog.Warningf("cannot fall back to CPU: pool %d is device-only and cannot be staged", i)
			return status.OpFailed, nil, backends.NoTiming()
		}
		host := memory.NewShared(pool.Size())
		if usedAsInput[i] {
			if err := device.ReadTo(host.Bytes()); err != nil {
				klog.Warningf("reading device memory for CPU fallback: %+v", err)
				return status.OpFailed, nil, backends.NoTiming()
			}
		}
		staged[i] = host
		pools[i] = host
	}

	s, outputShapes, timing := e.computeWithMemories(time.Time{}, pools, nil)
	if s.IsError() {
		return s, outputShapes, timing
	}

	// Write outputs back to the device memories.
	for i, host := range staged {
		if host == nil || !usedAsOutput[i] {
			continue
		}
		device := e.memories.get(i).(memory.DeviceBacked)
		if err := device.WriteFrom(host.Bytes()); err != nil {
			klog.Warningf("writing device memory after CPU fallback: %+v", err)
			return status.OpFailed, nil, backends.NoTiming()
		}
	}
	return status.NoError, outputShapes, timing
}

func (e *StepExecutor) logArguments() {
	if !klog.V(2).Enabled() {
		return
	}
	log := func(kind string, args []ArgumentInfo) {
		for i := range args {
			a := &args[i]
			switch a.state {
			case FromPointer:
				klog.Infof("%s %s[%d] = POINTER(%d bytes) dim%v", e.builder.logTag(), kind, i, a.length, a.dimensions)
			case FromMemory:
				klog.Infof("%s %s[%d] = MEMORY(pool=%d, off=%d) dim%v", e.builder.logTag(), kind, i, a.poolIndex, a.offset, a.dimensions)
			default:
				klog.Infof("%s %s[%d] = %s", e.builder.logTag(), kind, i, a.state)
			}
		}
	}
	log("input", e.inputs)
	log("output", e.outputs)
}

// UpdateOutputShapes is the result summary of one step's shape propagation.
type UpdateOutputShapes struct {
	// UpdatedDynamicTemporary is set when a redeclaration changed the
	// dimensions or length of some dynamic temporary.
	UpdatedDynamicTemporary bool

	// MainOutputInsufficient is set when a main-model output buffer was
	// reported too small.
	MainOutputInsufficient bool

	// ZeroSizedInput is set when a zero-sized step output feeds a
	// downstream step's input; only a full-model CPU run handles that.
	ZeroSizedInput bool
}

// validateOutputShapesFromDriver enforces the backends.OutputShape contract
// for the given execution status. Violations are backend bugs; the caller
// promotes them to GeneralFailure.
func validateOutputShapesFromDriver(executionStatus status.Status, m *model.Model, shapes []backends.OutputShape) bool {
	switch executionStatus {
	case status.NoError:
		if len(shapes) != 0 && len(shapes) != m.OutputCount() {
			klog.Warningf("with status %s, output shapes must be empty or of length %d, got %d",
				executionStatus, m.OutputCount(), len(shapes))
			return false
		}
		for i, shape := range shapes {
			if !shape.IsSufficient {
				klog.Warningf("with status %s, output#%d unexpectedly marked insufficient", executionStatus, i)
				return false
			}
			if m.OutputOperand(i).IsTensor() && len(shape.Dimensions) == 0 {
				klog.Warningf("with status %s, output#%d shape unexpectedly has zero rank", executionStatus, i)
				return false
			}
		}
	case status.InsufficientSize:
		if len(shapes) != m.OutputCount() {
			klog.Warningf("with status %s, output shapes must be of length %d, got %d",
				executionStatus, m.OutputCount(), len(shapes))
			return false
		}
		sufficient := true
		for _, shape := range shapes {
			sufficient = sufficient && shape.IsSufficient
		}
		if sufficient {
			klog.Warningf("with status %s, at least one output shape must be marked insufficient", executionStatus)
			return false
		}
	default:
		if len(shapes) != 0 {
			klog.Warningf("with status %s, output shapes must be empty, got length %d", executionStatus, len(shapes))
			return false
		}
	}
	return true
}

// isZeroSizedTensor reports whether a successfully produced output is a
// genuinely empty tensor (a fully reported shape containing a zero axis).
func isZeroSizedTensor(executionStatus status.Status, shape backends.OutputShape) bool {
	return executionStatus == status.NoError && shape.IsSufficient &&
		len(shape.Dimensions) > 0 && operands.HasZeroDimension(shape.Dimensions)
}

// UpdateOutputShapes propagates the shapes a device reported for this step
// into the builder's output shapes and the dynamic temporaries. It returns
// false when the device violated its contract or an update is impossible;
// the caller treats that as a general failure.
func (e *StepExecutor) UpdateOutputShapes(executionStatus status.Status, from []backends.OutputShape, to *[]backends.OutputShape, update *UpdateOutputShapes) bool {
	*update = UpdateOutputShapes{}
	if !validateOutputShapesFromDriver(executionStatus, e.stepModel, from) {
		return false
	}
	if len(from) == 0 {
		return true
	}

	if e.step == nil {
		// Whole-model execution: shapes map one to one.
		if len(from) != len(*to) {
			klog.Warningf("driver reported %d output shapes for a model with %d outputs", len(from), len(*to))
			return false
		}
		for i := range from {
			if !operands.Updatable((*to)[i].Dimensions, from[i].Dimensions) {
				klog.Warningf("output#%d dimensions %v cannot update %v", i, from[i].Dimensions, (*to)[i].Dimensions)
				return false
			}
			(*to)[i] = from[i]
		}
		return true
	}

	// Propagate step outputs that are main-model outputs.
	for i, sink := range e.step.Outputs {
		if sink.MainOutput < 0 {
			continue
		}
		toIndex := sink.MainOutput
		if toIndex >= len(*to) {
			klog.Warningf("step output %d maps to main output %d, but only %d exist", i, toIndex, len(*to))
			return false
		}
		if !operands.Updatable((*to)[toIndex].Dimensions, from[i].Dimensions) {
			klog.Warningf("main output#%d dimensions %v cannot update %v", toIndex, from[i].Dimensions, (*to)[toIndex].Dimensions)
			return false
		}
		(*to)[toIndex] = from[i]
		update.MainOutputInsufficient = update.MainOutputInsufficient || !from[i].IsSufficient
		if sink.DownstreamInput && isZeroSizedTensor(executionStatus, from[i]) {
			update.ZeroSizedInput = true
		}
	}

	// Propagate step outputs that are dynamic temporaries.
	if !e.dynamicTemps.Empty() {
		for i, sink := range e.step.Outputs {
			if sink.MainOutput >= 0 {
				continue
			}
			loc, ok := e.dynamicTemps.Lookup(sink.Temp)
			if !ok {
				// Not declared in the plan's temporaries table.
				continue
			}
			if klog.V(2).Enabled() {
				klog.Infof("%s updateOutputShapes: step output#%d is dynamic temporary (%d, %d)",
					e.builder.logTag(), i, sink.Temp.Model, sink.Temp.Operand)
			}
			if !operands.Updatable(loc.Dimensions, from[i].Dimensions) {
				klog.Warningf("temporary (%d, %d) dimensions %v cannot update %v",
					sink.Temp.Model, sink.Temp.Operand, from[i].Dimensions, loc.Dimensions)
				return false
			}
			actualSize, sizeOK := operands.SizeOfData(e.stepModel.OutputOperand(i).DType, from[i].Dimensions)
			if !sizeOK {
				klog.Warningf("temporary (%d, %d) size overflows", sink.Temp.Model, sink.Temp.Operand)
				return false
			}
			changed := false
			switch {
			case actualSize > 0:
				if actualSize > maxTempLength {
					klog.Warningf("temporary (%d, %d) length %d exceeds the growth bound", sink.Temp.Model, sink.Temp.Operand, actualSize)
					return false
				}
				changed = e.dynamicTemps.Redeclare(sink.Temp, from[i].Dimensions, actualSize)
			case !from[i].IsSufficient:
				if loc.Length > maxTempLength/2 {
					klog.Warningf("temporary (%d, %d) length overflow", sink.Temp.Model, sink.Temp.Operand)
					return false
				}
				changed = e.dynamicTemps.Redeclare(sink.Temp, from[i].Dimensions, 2*loc.Length)
			default:
				// Not fully specified yet sufficient: only possible
				// for a zero-sized tensor, which by definition feeds
				// a downstream step.
				if executionStatus == status.NoError {
					if !isZeroSizedTensor(executionStatus, from[i]) {
						return false
					}
					update.ZeroSizedInput = true
				}
			}
			if changed {
				update.UpdatedDynamicTemporary = true
			}
		}
	}
	return true
}
