package execution

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/memory"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/syncfence"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

// MaxLoopTimeout is the upper bound on the loop timeout: longer values are
// clamped.
const MaxLoopTimeout = 15 * time.Second

// UnknownDuration is returned by GetDuration for values that were not (or
// could not be) measured.
const UnknownDuration = ^uint64(0)

// Completion is how a finished execution ended.
type Completion int

const (
	// CompletionNoError: the execution produced its outputs.
	CompletionNoError Completion = iota

	// CompletionOutputInsufficientSize: at least one output buffer was
	// too small; output dimensions report what would have been needed.
	CompletionOutputInsufficientSize

	// CompletionOtherError: any other failure.
	CompletionOtherError
)

// DurationKind selects which measured duration GetDuration returns.
type DurationKind int

const (
	// DurationOnHardware is the time spent on the device, launched phase.
	DurationOnHardware DurationKind = iota

	// DurationInDriver is the time spent in the driver, launched phase.
	DurationInDriver

	// DurationFencedOnHardware is the on-device time of the fenced phase.
	DurationFencedOnHardware

	// DurationFencedInDriver is the in-driver time of the fenced phase.
	DurationFencedInDriver
)

// Compilation is the read-only view of a compiled model the builder needs:
// the model, its partitioned plan, and the compilation-level policies.
type Compilation struct {
	Model *model.Model
	Plan  Plan

	// ExplicitDeviceList is set when the compilation was created for an
	// explicit list of devices. Timing measurement and execution
	// deadlines require an explicit list with exactly one device.
	ExplicitDeviceList bool
	Devices            []backends.Device

	// AllowCPUFallback is the partitioning policy: whether failed steps
	// may be retried on the CPU device.
	AllowCPUFallback bool

	// SyncExec makes StartCompute run the driver loop inline on the
	// caller goroutine instead of spawning one; a completed callback is
	// still returned.
	SyncExec bool
}

// singleExplicitDevice reports whether the compilation targets exactly one
// explicitly chosen device.
func (c *Compilation) singleExplicitDevice() bool {
	return c.ExplicitDeviceList && len(c.Devices) == 1
}

// Builder is the execution state machine: it holds the argument bindings of
// one execution, drives the plan when ignited, and carries the results.
//
// A Builder is configured single-threaded, ignited once, and introspected
// after IsFinished reports true.
type Builder struct {
	compilation *Compilation
	model       *model.Model
	plan        Plan

	inputs   []ArgumentInfo
	outputs  []ArgumentInfo
	memories memoryTracker

	started bool

	finishedWithoutSyncFence  bool
	completionWithoutSyncFence Completion

	// syncFence is non-nil when the execution completes through a fence;
	// mutually exclusive with finishedWithoutSyncFence.
	syncFence      *syncfence.Fence
	fencedCallback backends.FencedCallback

	measureTiming       bool
	timeoutDuration     time.Duration
	loopTimeoutDuration time.Duration

	// timing of the last (non-fenced) step, microseconds.
	timing backends.Timing

	execID string
}

// NewBuilder returns a builder bound to the given compilation, with all
// arguments unspecified.
func NewBuilder(compilation *Compilation) *Builder {
	if compilation == nil || compilation.Model == nil || compilation.Plan == nil {
		exceptions.Panicf("execution.NewBuilder: compilation must carry a model and a plan")
	}
	b := &Builder{
		compilation: compilation,
		model:       compilation.Model,
		plan:        compilation.Plan,
		inputs:      make([]ArgumentInfo, compilation.Model.InputCount()),
		outputs:     make([]ArgumentInfo, compilation.Model.OutputCount()),
		timing:      backends.NoTiming(),
		execID:      uuid.NewString()[:8],
	}
	klog.V(1).Infof("%s new builder with %d inputs and %d outputs", b.logTag(), len(b.inputs), len(b.outputs))
	return b
}

func (b *Builder) logTag() string { return "execution " + b.execID }

// SetInput binds input index to a caller-owned buffer. A nil buffer marks an
// omitted optional operand. override, when non-nil, refines the operand's
// declared type; it may only concretize unspecified dimensions.
func (b *Builder) SetInput(index int, override *operands.Operand, buffer []byte) status.Status {
	if b.started {
		klog.Warningf("SetInput called after the execution has started")
		return status.BadState
	}
	if index < 0 || index >= len(b.inputs) {
		klog.Warningf("SetInput bad index %d, have %d inputs", index, len(b.inputs))
		return status.BadData
	}
	if !checkDimensionInfo(b.model.InputOperand(index), override, "SetInput", buffer == nil) {
		return status.BadData
	}
	if !b.inputs[index].IsUnspecified() {
		klog.Warningf("SetInput called when input %d has already been provided", index)
		return status.BadState
	}
	arg, s := newArgumentFromPointer(b.model.InputOperand(index), override, buffer)
	if s.IsError() {
		return s
	}
	b.inputs[index] = arg
	return status.NoError
}

// SetInputFromMemory binds input index to the region [offset, offset+length)
// of mem. offset == 0 && length == 0 selects the whole memory for memories
// that declare their own size.
func (b *Builder) SetInputFromMemory(index int, override *operands.Operand, mem memory.Memory, offset, length uint32) status.Status {
	return b.setFromMemory(index, override, mem, offset, length, memory.Input)
}

// SetOutput binds output index to a caller-owned buffer. Output dimensions
// may be left unspecified; the backend supplies them.
func (b *Builder) SetOutput(index int, override *operands.Operand, buffer []byte) status.Status {
	if b.started {
		klog.Warningf("SetOutput called after the execution has started")
		return status.BadState
	}
	if index < 0 || index >= len(b.outputs) {
		klog.Warningf("SetOutput bad index %d, have %d outputs", index, len(b.outputs))
		return status.BadData
	}
	if !checkDimensionInfo(b.model.OutputOperand(index), override, "SetOutput", true) {
		return status.BadData
	}
	if !b.outputs[index].IsUnspecified() {
		klog.Warningf("SetOutput called when output %d has already been provided", index)
		return status.BadState
	}
	arg, s := newArgumentFromPointer(b.model.OutputOperand(index), override, buffer)
	if s.IsError() {
		return s
	}
	b.outputs[index] = arg
	return status.NoError
}

// SetOutputFromMemory binds output index to a region of mem.
func (b *Builder) SetOutputFromMemory(index int, override *operands.Operand, mem memory.Memory, offset, length uint32) status.Status {
	return b.setFromMemory(index, override, mem, offset, length, memory.Output)
}

func (b *Builder) setFromMemory(index int, override *operands.Operand, mem memory.Memory, offset, length uint32, role memory.Role) status.Status {
	tag := "SetInputFromMemory"
	args, count := b.inputs, len(b.inputs)
	operand := func() operands.Operand { return b.model.InputOperand(index) }
	allowUnspecified := false
	if role == memory.Output {
		tag = "SetOutputFromMemory"
		args, count = b.outputs, len(b.outputs)
		operand = func() operands.Operand { return b.model.OutputOperand(index) }
		allowUnspecified = true
	}
	if b.started {
		klog.Warningf("%s called after the execution has started", tag)
		return status.BadState
	}
	if index < 0 || index >= count {
		klog.Warningf("%s bad index %d, have %d arguments", tag, index, count)
		return status.BadData
	}
	if !checkDimensionInfo(operand(), override, tag, allowUnspecified) {
		return status.BadData
	}
	if err := mem.Validator().Validate(role, offset, length); err != nil {
		klog.Warningf("%s rejected by memory validator: %v", tag, err)
		return status.BadData
	}
	// Whole-memory binding: resolve the real length, drivers expect one.
	if offset == 0 && length == 0 && mem.Size() > 0 {
		length = mem.Size()
	}
	poolIndex := b.memories.add(mem)
	if !args[index].IsUnspecified() {
		klog.Warningf("%s called when the argument has already been provided", tag)
		return status.BadState
	}
	arg, s := newArgumentFromMemory(operand(), override, poolIndex, offset, length)
	if s.IsError() {
		return s
	}
	args[index] = arg
	return status.NoError
}

// SetMeasureTiming enables duration collection. Requires a compilation
// created for exactly one explicit device.
func (b *Builder) SetMeasureTiming(measure bool) status.Status {
	if !b.compilation.singleExplicitDevice() {
		klog.Warningf("SetMeasureTiming requires a compilation with exactly one explicit device")
		return status.BadData
	}
	if b.started {
		klog.Warningf("SetMeasureTiming called after the execution has started")
		return status.BadState
	}
	b.measureTiming = measure
	return status.NoError
}

// SetTimeout sets the execution deadline duration; 0 clears it. Requires a
// compilation created for exactly one explicit device.
func (b *Builder) SetTimeout(duration time.Duration) status.Status {
	if !b.compilation.singleExplicitDevice() {
		klog.Warningf("SetTimeout requires a compilation with exactly one explicit device")
		return status.BadData
	}
	if b.started {
		klog.Warningf("SetTimeout called after the execution has started")
		return status.BadState
	}
	b.timeoutDuration = max(duration, 0)
	return status.NoError
}

// SetLoopTimeout bounds interpreter time inside control-flow operations.
// Values above MaxLoopTimeout are clamped.
func (b *Builder) SetLoopTimeout(duration time.Duration) status.Status {
	if b.started {
		klog.Warningf("SetLoopTimeout called after the execution has started")
		return status.BadState
	}
	if duration > MaxLoopTimeout {
		klog.Warningf("SetLoopTimeout input exceeds the maximum allowed duration: %s > %s", duration, MaxLoopTimeout)
		duration = MaxLoopTimeout
	}
	b.loopTimeoutDuration = duration
	return status.NoError
}

func (b *Builder) hasSyncFence() bool { return b.syncFence != nil }

// IsFinished reports whether the execution has completed, probing the sync
// fence non-blocking when the execution is fenced.
func (b *Builder) IsFinished() bool {
	if b.finishedWithoutSyncFence && b.hasSyncFence() {
		exceptions.Panicf("execution finished through both completion channels")
	}
	if b.finishedWithoutSyncFence {
		return true
	}
	if b.hasSyncFence() {
		state := b.syncFence.Poll()
		if state == syncfence.Unknown {
			exceptions.Panicf("sync fence in unknown state")
		}
		return state != syncfence.Active
	}
	return false
}

// CompletedWith returns how the execution ended. Call only after IsFinished
// reports true.
func (b *Builder) CompletedWith() Completion {
	if !b.IsFinished() {
		exceptions.Panicf("CompletedWith called before the execution has finished")
	}
	if b.hasSyncFence() {
		if b.syncFence.Poll() == syncfence.Signaled {
			return CompletionNoError
		}
		return CompletionOtherError
	}
	return b.completionWithoutSyncFence
}

// GetOutputOperandRank returns the rank of output index as produced by the
// execution. Fails with BadState before the execution has finished, and
// reports InsufficientSize when the output buffer was too small.
func (b *Builder) GetOutputOperandRank(index int) (int, status.Status) {
	if !b.IsFinished() {
		klog.Warningf("GetOutputOperandRank called before the execution has finished")
		return 0, status.BadState
	}
	if b.CompletedWith() == CompletionOtherError {
		klog.Warningf("GetOutputOperandRank called on an execution that has encountered an error")
		return 0, status.BadState
	}
	if index < 0 || index >= len(b.outputs) {
		klog.Warningf("GetOutputOperandRank bad index %d, have %d outputs", index, len(b.outputs))
		return 0, status.BadData
	}
	arg := &b.outputs[index]
	if arg.isSufficient {
		return len(arg.dimensions), status.NoError
	}
	return len(arg.dimensions), status.InsufficientSize
}

// GetOutputOperandDimensions returns the dimensions of output index as
// produced by the execution.
func (b *Builder) GetOutputOperandDimensions(index int) ([]int, status.Status) {
	if !b.IsFinished() {
		klog.Warningf("GetOutputOperandDimensions called before the execution has finished")
		return nil, status.BadState
	}
	if b.CompletedWith() == CompletionOtherError {
		klog.Warningf("GetOutputOperandDimensions called on an execution that has encountered an error")
		return nil, status.BadState
	}
	if index < 0 || index >= len(b.outputs) {
		klog.Warningf("GetOutputOperandDimensions bad index %d, have %d outputs", index, len(b.outputs))
		return nil, status.BadData
	}
	arg := &b.outputs[index]
	if len(arg.dimensions) == 0 {
		klog.Warningf("GetOutputOperandDimensions cannot query dimensions of a scalar")
		return nil, status.BadData
	}
	dims := append([]int{}, arg.dimensions...)
	if arg.isSufficient {
		return dims, status.NoError
	}
	return dims, status.InsufficientSize
}

// GetDuration returns the measured duration of the given kind in
// nanoseconds. It fails with BadState unless timing was enabled, the
// execution has finished, and it finished without error; unmeasured values
// are UnknownDuration.
func (b *Builder) GetDuration(kind DurationKind) (uint64, status.Status) {
	if !b.IsFinished() {
		klog.Warningf("GetDuration called before the execution has finished")
		return UnknownDuration, status.BadState
	}
	if b.CompletedWith() != CompletionNoError {
		klog.Warningf("GetDuration called on an execution that has encountered an error")
		return UnknownDuration, status.BadState
	}
	if !b.measureTiming {
		return UnknownDuration, status.BadState
	}

	timingLaunched := b.timing
	timingFenced := timingLaunched
	if b.fencedCallback != nil {
		s, launched, fenced := b.fencedCallback.ExecutionInfo()
		if s.IsError() {
			return UnknownDuration, status.BadState
		}
		timingLaunched, timingFenced = launched, fenced
	}
	var micros uint64
	switch kind {
	case DurationOnHardware:
		micros = timingLaunched.OnDeviceMicros
	case DurationInDriver:
		micros = timingLaunched.InDriverMicros
	case DurationFencedOnHardware:
		micros = timingFenced.OnDeviceMicros
	case DurationFencedInDriver:
		micros = timingFenced.InDriverMicros
	default:
		exceptions.Panicf("GetDuration: unexpected duration kind %d", kind)
	}
	if micros == backends.UnknownMicros {
		return UnknownDuration, status.NoError
	}
	const nanosPerMicro = 1000
	return micros * nanosPerMicro, status.NoError
}

// reportTimingWithoutFencedExecutionCallback records the timing of the most
// recent non-fenced step.
func (b *Builder) reportTimingWithoutFencedExecutionCallback(timing backends.Timing) {
	b.timing = timing
}

// getInitialOutputShapes seeds the output shapes from the bindings.
func (b *Builder) getInitialOutputShapes() []backends.OutputShape {
	outputShapes := make([]backends.OutputShape, len(b.outputs))
	for i := range b.outputs {
		var dims []int
		if b.outputs[i].state != HasNoValue {
			dims = append([]int{}, b.outputs[i].dimensions...)
		}
		outputShapes[i] = backends.OutputShape{Dimensions: dims, IsSufficient: true}
	}
	return outputShapes
}

// updateOutputShapes folds the final output shapes into the bindings,
// enforcing the driver contract and the refinement order.
func (b *Builder) updateOutputShapes(executionStatus status.Status, outputShapes []backends.OutputShape) bool {
	if !validateOutputShapesFromDriver(executionStatus, b.model, outputShapes) {
		return false
	}
	if len(outputShapes) == 0 {
		return true
	}
	if len(outputShapes) != len(b.outputs) {
		klog.Warningf("finishing with %d output shapes, model has %d outputs", len(outputShapes), len(b.outputs))
		return false
	}
	for i := range outputShapes {
		if !operands.Updatable(b.outputs[i].dimensions, outputShapes[i].Dimensions) {
			klog.Warningf("output#%d: final dimensions %v cannot update %v",
				i, outputShapes[i].Dimensions, b.outputs[i].dimensions)
			return false
		}
		if _, ok := operands.SizeOfData(b.model.OutputOperand(i).DType, outputShapes[i].Dimensions); !ok {
			klog.Warningf("output#%d: final dimensions %v overflow", i, outputShapes[i].Dimensions)
			return false
		}
	}
	for i := range outputShapes {
		b.outputs[i].dimensions = append([]int{}, outputShapes[i].Dimensions...)
		b.outputs[i].isSufficient = outputShapes[i].IsSufficient
	}
	return true
}

// updateMemories pushes refined output dimensions into the validators of the
// memories that back outputs.
func (b *Builder) updateMemories() bool {
	for i := range b.outputs {
		if b.outputs[i].state != FromMemory {
			continue
		}
		mem := b.memories.get(b.outputs[i].poolIndex)
		if err := mem.Validator().UpdateMetadata(memory.Metadata{Dimensions: b.outputs[i].Dimensions()}); err != nil {
			klog.Warningf("output#%d: memory metadata update rejected: %v", i, err)
			return false
		}
	}
	return true
}

// finishWithoutSyncFence completes the non-fenced execution path: it folds
// the final shapes into the bindings, updates the memory validators and the
// initialized state of output memories, and records the completion. It must
// run exactly once, and never on an execution that has a sync fence.
func (b *Builder) finishWithoutSyncFence(executionStatus status.Status, outputShapes []backends.OutputShape) status.Status {
	if b.finishedWithoutSyncFence {
		exceptions.Panicf("finishWithoutSyncFence called twice")
	}
	if b.hasSyncFence() {
		exceptions.Panicf("finishWithoutSyncFence called on an execution with a sync fence")
	}
	if !b.updateOutputShapes(executionStatus, outputShapes) || !b.updateMemories() {
		executionStatus = status.GeneralFailure
	}
	success := executionStatus == status.NoError
	for i := range b.outputs {
		if b.outputs[i].state != FromMemory {
			continue
		}
		b.memories.get(b.outputs[i].poolIndex).Validator().SetInitialized(success)
	}
	switch executionStatus {
	case status.NoError:
		b.completionWithoutSyncFence = CompletionNoError
	case status.InsufficientSize:
		b.completionWithoutSyncFence = CompletionOutputInsufficientSize
	default:
		b.completionWithoutSyncFence = CompletionOtherError
	}
	b.finishedWithoutSyncFence = true
	klog.V(1).Infof("%s finished: %s", b.logTag(), executionStatus)
	return executionStatus
}

// makeDeadline converts the configured timeout into an absolute deadline at
// ignition time; the zero time means no deadline.
func (b *Builder) makeDeadline() time.Time {
	if b.timeoutDuration <= 0 {
		return time.Time{}
	}
	return time.Now().Add(b.timeoutDuration)
}

// preflight validates the bindings common to all ignition modes.
func (b *Builder) preflight(tag string) status.Status {
	for i := range b.inputs {
		switch b.inputs[i].state {
		case Unspecified:
			klog.Warningf("%s: not all inputs specified", tag)
			return status.BadData
		case FromMemory:
			mem := b.memories.get(b.inputs[i].poolIndex)
			if err := mem.Validator().ValidateInputDimensions(b.inputs[i].Dimensions()); err != nil {
				klog.Warningf("%s: input#%d dimensions rejected by memory validator: %v", tag, i, err)
				return status.OpFailed
			}
		}
	}
	for i := range b.outputs {
		if b.outputs[i].state == Unspecified {
			klog.Warningf("%s: not all outputs specified", tag)
			return status.BadData
		}
	}
	return status.NoError
}

// Compute runs the execution synchronously and returns its final status.
func (b *Builder) Compute() status.Status {
	return b.computeSynchronously(nil)
}

// ComputeWithBurst runs the execution synchronously within the given burst
// object.
func (b *Builder) ComputeWithBurst(burst backends.Burst) status.Status {
	return b.computeSynchronously(burst)
}

func (b *Builder) computeSynchronously(burst backends.Burst) status.Status {
	controller, allowCPUFallback, deadline, s := b.ignite("Compute", burst)
	if s.IsError() {
		return s
	}
	callback := newExecutionCallback(b.finishWithoutSyncFence)
	klog.V(1).Infof("%s compute (synchronous API)", b.logTag())
	b.driveNonFenced(controller, allowCPUFallback, deadline, callback)
	callback.Wait()
	if b.measureTiming {
		b.timing = callback.Timing()
	}
	return callback.Status()
}

// StartCompute launches the execution and returns a callback to wait on.
// When the compilation is configured for synchronous execution (SyncExec),
// the driver loop runs inline on the caller goroutine and the returned
// callback is already completed.
func (b *Builder) StartCompute() (*ExecutionCallback, status.Status) {
	controller, allowCPUFallback, deadline, s := b.ignite("StartCompute", nil)
	if s.IsError() {
		return nil, s
	}
	callback := newExecutionCallback(b.finishWithoutSyncFence)
	if b.compilation.SyncExec {
		klog.V(1).Infof("%s compute (asynchronous API, inline)", b.logTag())
		b.driveNonFenced(controller, allowCPUFallback, deadline, callback)
	} else {
		klog.V(1).Infof("%s compute (asynchronous API)", b.logTag())
		go b.driveNonFenced(controller, allowCPUFallback, deadline, callback)
	}
	return callback, status.NoError
}

// ignite performs the common pre-flight checks, marks the execution started,
// and allocates the plan controller.
func (b *Builder) ignite(tag string, burst backends.Burst) (Controller, bool, time.Time, status.Status) {
	if b.started {
		klog.Warningf("%s called on an execution that has already started", tag)
		return nil, false, time.Time{}, status.BadState
	}
	if s := b.preflight(tag); s.IsError() {
		return nil, false, time.Time{}, s
	}
	deadline := b.makeDeadline()
	b.started = true
	allowCPUFallback := b.compilation.AllowCPUFallback
	controller := b.plan.Controller(b, burst)
	return controller, allowCPUFallback, deadline, status.NoError
}

// ComputeFenced ignites the fenced execution path: the execution is gated on
// waitFor and the result is a fence that fires on completion. A nil fence
// with NoError means the execution already completed synchronously.
//
// postFenceTimeout, when nonzero, bounds execution time measured from the
// moment the wait fences have all signaled; it requires a compilation with
// exactly one explicit device.
func (b *Builder) ComputeFenced(waitFor []*syncfence.Fence, postFenceTimeout time.Duration) (status.Status, *syncfence.Fence) {
	if b.started {
		klog.Warningf("ComputeFenced called on an execution that has already started")
		return status.BadState, nil
	}
	if postFenceTimeout > 0 && !b.compilation.singleExplicitDevice() {
		klog.Warningf("ComputeFenced with nonzero post-fence timeout requires a compilation with exactly one explicit device")
		return status.BadData, nil
	}
	if b.plan.HasDynamicTemporaries() {
		klog.Warningf("ComputeFenced is unavailable for plans with dynamic temporaries")
		return status.BadData, nil
	}
	deadline := b.makeDeadline()
	for i := range b.inputs {
		if b.inputs[i].state == Unspecified {
			klog.Warningf("ComputeFenced: not all inputs specified")
			return status.BadData, nil
		}
	}
	for i := range b.outputs {
		if b.outputs[i].state == Unspecified {
			klog.Warningf("ComputeFenced: not all outputs specified")
			return status.BadData, nil
		}
		if b.outputs[i].state != HasNoValue {
			operand := b.model.OutputOperand(i)
			if operand.IsTensor() && !operands.FullySpecified(b.outputs[i].dimensions) {
				klog.Warningf("ComputeFenced: not all outputs have fully specified dimensions")
				return status.BadData, nil
			}
		}
	}
	b.started = true
	allowCPUFallback := b.compilation.AllowCPUFallback
	controller := b.plan.Controller(b, nil)
	klog.V(1).Infof("%s computeFenced (from plan, iteratively)", b.logTag())
	result, fence, callback := b.driveFenced(controller, waitFor, postFenceTimeout, deadline, allowCPUFallback)
	b.syncFence = fence
	b.fencedCallback = callback
	return result, fence
}

// driveNonFenced is the main driver loop: it walks the plan step by step,
// propagates shapes, retries steps after insufficient-size recovery, falls
// back to CPU partially or fully, and fires the callback exactly once.
func (b *Builder) driveNonFenced(controller Controller, allowCPUFallback bool, deadline time.Time, callback *ExecutionCallback) {
	klog.V(1).Infof("%s compute (from plan, iteratively)", b.logTag())
	outputShapes := b.getInitialOutputShapes()
	timing := backends.NoTiming()
	// CPU fallback is pointless when the plan already is a single CPU step.
	allowCPUFallback = allowCPUFallback && !b.plan.IsSimpleCPU()

	// Whether this iteration repeats the previous step because it
	// reported insufficient size.
	doInsufficientSizeFallback := false

	for {
		klog.V(1).Infof("%s looking for next StepExecutor", b.logTag())
		var s status.Status
		var executor *StepExecutor
		var burst backends.Burst
		if doInsufficientSizeFallback {
			s, executor, burst = controller.Fallback(outputShapes)
		} else {
			s, executor, burst = controller.Next(outputShapes, nil)
		}
		doInsufficientSizeFallback = false
		if s.IsError() {
			// A loop timeout inside interpreted control flow can
			// surface here as a missed deadline.
			if allowCPUFallback && !s.IsMissedDeadline() {
				break
			}
			callback.notify(s, nil, backends.NoTiming())
			return
		}
		if executor == nil {
			// Plan exhausted without error.
			callback.notify(status.NoError, outputShapes, timing)
			return
		}
		executorIsCPU := executor.IsCPU()

		stepStatus, stepShapes, stepTiming := executor.Compute(deadline, burst)

		var update UpdateOutputShapes
		if !executor.UpdateOutputShapes(stepStatus, stepShapes, &outputShapes, &update) {
			stepStatus = status.GeneralFailure
		}

		if stepStatus == status.NoError {
			if update.ZeroSizedInput {
				// A zero-sized tensor flowed into a downstream
				// step; only a full-model CPU run handles that.
				klog.V(1).Infof("%s zero-sized input, forcing full fallback", b.logTag())
				stepStatus = status.OpFailed
			} else {
				if !executor.AreDynamicTemporariesAllocated() {
					exceptions.Panicf("step succeeded with unallocated dynamic temporaries")
				}
				// Timing is only meaningful for single-step
				// plans, so keeping the last step's value is
				// enough.
				timing = stepTiming
				continue
			}
		}

		if stepStatus == status.InsufficientSize {
			if update.MainOutputInsufficient || !update.UpdatedDynamicTemporary {
				// Either a main output is too small (the caller
				// must grow it), or nothing new was learned:
				// not recoverable.
				callback.notify(status.InsufficientSize, outputShapes, backends.NoTiming())
				return
			}
			// All main outputs fit, and some dynamic temporary
			// grew: retry the same step.
			doInsufficientSizeFallback = true
			continue
		}

		if stepStatus.IsMissedDeadline() {
			// A deadline miss is not retried on CPU, even when
			// fallback is allowed.
			callback.notify(stepStatus, nil, backends.NoTiming())
			return
		}

		if !allowCPUFallback {
			callback.notify(stepStatus, nil, backends.NoTiming())
			return
		}

		if executorIsCPU {
			// CPU already failed; a partial fallback cannot help.
			if !b.plan.IsSimple() {
				break
			}
			callback.notify(stepStatus, nil, backends.NoTiming())
			return
		}

		if update.ZeroSizedInput {
			break
		}

		switch b.partialCPUFallback(controller, &outputShapes, &timing, callback) {
		case fallbackNextStep:
			continue
		case fallbackNotified:
			return
		case fallbackFull:
		}
		break
	}

	// A potentially recoverable error occurred; run the whole model on
	// the CPU instead.
	fullStatus, fullShapes, fullTiming := b.cpuFallbackFull()
	callback.notify(fullStatus, fullShapes, fullTiming)
}

type fallbackOutcome int

const (
	// fallbackNextStep: the step succeeded on CPU, continue the plan.
	fallbackNextStep fallbackOutcome = iota

	// fallbackNotified: the execution ended, the callback has fired.
	fallbackNotified

	// fallbackFull: partial fallback failed, do a full-model fallback.
	fallbackFull
)

// partialCPUFallback re-runs the current step on the CPU device, repeating
// it while insufficient-size recovery keeps making progress.
func (b *Builder) partialCPUFallback(controller Controller, outputShapes *[]backends.OutputShape, timing *backends.Timing, callback *ExecutionCallback) fallbackOutcome {
	for {
		klog.V(1).Infof("%s cpuFallbackPartial", b.logTag())
		s, executor, _ := controller.Fallback(*outputShapes)
		if s.IsError() || executor == nil {
			if b.plan.IsSimple() {
				callback.notify(s, nil, backends.NoTiming())
				return fallbackNotified
			}
			return fallbackFull
		}
		fallbackStatus, fallbackShapes, fallbackTiming := executor.ComputeOnCPUFallback()

		var update UpdateOutputShapes
		if !executor.UpdateOutputShapes(fallbackStatus, fallbackShapes, outputShapes, &update) {
			fallbackStatus = status.GeneralFailure
		}

		if fallbackStatus == status.NoError {
			if update.ZeroSizedInput {
				return fallbackFull
			}
			if !executor.AreDynamicTemporariesAllocated() {
				exceptions.Panicf("fallback step succeeded with unallocated dynamic temporaries")
			}
			*timing = fallbackTiming
			return fallbackNextStep
		}

		if fallbackStatus == status.InsufficientSize {
			if update.MainOutputInsufficient || !update.UpdatedDynamicTemporary {
				callback.notify(status.InsufficientSize, *outputShapes, backends.NoTiming())
				return fallbackNotified
			}
			// A dynamic temporary grew: repeat the fallback step.
			continue
		}

		// Do not fall back twice when the plan is simple.
		if b.plan.IsSimple() {
			callback.notify(fallbackStatus, nil, backends.NoTiming())
			return fallbackNotified
		}
		return fallbackFull
	}
}

// cpuFallbackFull recompiles the whole model for the CPU device and runs it
// once.
func (b *Builder) cpuFallbackFull() (status.Status, []backends.OutputShape, backends.Timing) {
	klog.V(1).Infof("%s cpuFallbackFull", b.logTag())
	cpu := backends.CPU()
	if cpu == nil {
		klog.Warningf("full CPU fallback requested but no CPU device is registered")
		return status.Unavailable, nil, backends.NoTiming()
	}
	executor := NewStepExecutor(b, b.model, cpu, nil, nil, nil)
	executor.MapTrivially()
	return executor.ComputeOnCPUFallback()
}

// driveFenced walks the plan submitting each step gated on the previous
// step's fence; the final step's fence and callback are returned to the
// caller. Insufficient-size recovery is unavailable here (pre-checked at
// ignition), which keeps the loop simple.
func (b *Builder) driveFenced(controller Controller, waitFor []*syncfence.Fence, postFenceTimeout time.Duration, deadline time.Time, allowCPUFallback bool) (status.Status, *syncfence.Fence, backends.FencedCallback) {
	allowCPUFallback = allowCPUFallback && !b.plan.IsSimpleCPU()

	waitForFences := append([]*syncfence.Fence{}, waitFor...)
	var syncFence *syncfence.Fence
	var fencedCallback backends.FencedCallback

	for {
		klog.V(1).Infof("%s looking for next StepExecutor", b.logTag())
		s, executor, _ := controller.Next(nil, syncFence)
		if s.IsError() {
			if allowCPUFallback && !s.IsMissedDeadline() {
				break
			}
			return s, nil, nil
		}
		if executor == nil {
			// Plan exhausted. If no step produced a fence, the
			// execution already completed synchronously.
			if syncFence == nil {
				b.finishWithoutSyncFence(status.NoError, b.getInitialOutputShapes())
			}
			return status.NoError, syncFence, fencedCallback
		}
		executorIsCPU := executor.IsCPU()

		stepStatus, fence, callback := executor.ComputeFenced(waitForFences, postFenceTimeout, deadline)

		syncFence = fence
		fencedCallback = callback
		waitForFences = nil
		if fence != nil {
			waitForFences = []*syncfence.Fence{fence}
		}

		if stepStatus == status.NoError {
			continue
		}
		if stepStatus.IsMissedDeadline() || !allowCPUFallback {
			return stepStatus, nil, nil
		}
		if executorIsCPU {
			if !b.plan.IsSimple() {
				break
			}
			return stepStatus, nil, nil
		}
		break
	}

	// Full CPU fallback: wait for the execution's original dependencies,
	// then run the whole model on the CPU.
	klog.V(1).Infof("%s performing full fallback on the CPU", b.logTag())
	if !syncfence.WaitAll(waitFor) {
		return status.OpFailed, nil, nil
	}
	fullStatus, fullShapes, fullTiming := b.cpuFallbackFull()
	b.finishWithoutSyncFence(fullStatus, fullShapes)
	b.reportTimingWithoutFencedExecutionCallback(fullTiming)
	return fullStatus, nil, nil
}
