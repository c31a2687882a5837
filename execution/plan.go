package execution

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/syncfence"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

// Plan is the partitioned execution plan the builder drives. The plan itself
// is an immutable value produced by the compilation layer; all per-execution
// state lives on the Controller.
type Plan interface {
	// Controller allocates the iteration state for one execution. A
	// controller is consumed by exactly one execution.
	Controller(b *Builder, burst backends.Burst) Controller

	// IsSimple reports whether the plan is a single step.
	IsSimple() bool

	// IsSimpleCPU reports whether the plan is a single step targeting the
	// CPU device. CPU fallback is pointless (and disabled) for such
	// plans.
	IsSimpleCPU() bool

	// HasDynamicTemporaries reports whether any intermediate operand of
	// the plan has a size only known at step boundaries. Fenced execution
	// is unavailable for such plans.
	HasDynamicTemporaries() bool
}

// Controller is the mutable cursor of one execution through a plan.
type Controller interface {
	// Next yields the executor of the next step, or nil with NoError when
	// the plan is exhausted. outputShapes are the builder's output shapes
	// as known so far; priorFence, in fenced mode, is the fence of the
	// previously submitted step.
	Next(outputShapes []backends.OutputShape, priorFence *syncfence.Fence) (status.Status, *StepExecutor, backends.Burst)

	// Fallback re-yields the step most recently yielded by Next, for a
	// retry after an insufficient-size recovery or for a partial CPU
	// fallback.
	Fallback(outputShapes []backends.OutputShape) (status.Status, *StepExecutor, backends.Burst)
}

// StepSource says where one step-model input comes from.
type StepSource struct {
	// MainInput is the main-model input index this step input maps to,
	// or -1 when the input is a temporary produced by an earlier step.
	MainInput int

	// Temp identifies the temporary when MainInput is -1.
	Temp SourceOperandIndex
}

// StepSink says where one step-model output goes.
type StepSink struct {
	// MainOutput is the main-model output index this step output maps
	// to, or -1 when the output is a temporary consumed downstream.
	MainOutput int

	// Temp identifies the temporary when MainOutput is -1.
	Temp SourceOperandIndex

	// DownstreamInput marks a main-model output that additionally feeds
	// a later step of the plan. A zero-sized tensor flowing through such
	// an edge forces a full-model CPU fallback.
	DownstreamInput bool
}

// Step is one partition of a compound plan: a step model prepared for one
// device, plus the mappings between step-model and main-model arguments.
type Step struct {
	Index            int
	SourceModelIndex int
	StepModel        *model.Model
	Device           backends.Device
	Prepared         backends.PreparedModel

	// Inputs and Outputs parallel the step model's inputs and outputs.
	Inputs  []StepSource
	Outputs []StepSink
}

// TempDecl declares one inter-step temporary of a compound plan.
type TempDecl struct {
	Source       SourceOperandIndex
	DefiningStep int

	// InitialDims and InitialLength seed the temporary before its
	// defining step has ever run; for a dynamic temporary the length is
	// an estimate that grows through redeclaration.
	InitialDims   []int
	InitialLength uint32

	// Dynamic marks a temporary whose size is only known once its
	// defining step has run. Plans with dynamic temporaries cannot
	// execute fenced.
	Dynamic bool
}

// simplePlan is the whole model on a single device.
type simplePlan struct {
	m        *model.Model
	device   backends.Device
	prepared backends.PreparedModel
}

// NewSimplePlan returns a plan executing the whole model on one device,
// preparing the model for it.
func NewSimplePlan(m *model.Model, device backends.Device) (Plan, status.Status) {
	prepared, s := device.PrepareModel(m)
	if s.IsError() {
		return nil, s
	}
	return &simplePlan{m: m, device: device, prepared: prepared}, status.NoError
}

func (p *simplePlan) IsSimple() bool    { return true }
func (p *simplePlan) IsSimpleCPU() bool { return backends.IsCPU(p.device) }

func (p *simplePlan) HasDynamicTemporaries() bool { return false }

func (p *simplePlan) Controller(b *Builder, burst backends.Burst) Controller {
	return &simpleController{plan: p, builder: b, burst: burst}
}

type simpleController struct {
	plan    *simplePlan
	builder *Builder
	burst   backends.Burst
	done    bool
}

func (c *simpleController) Next([]backends.OutputShape, *syncfence.Fence) (status.Status, *StepExecutor, backends.Burst) {
	if c.done {
		return status.NoError, nil, nil
	}
	c.done = true
	return status.NoError, c.makeExecutor(), c.burst
}

func (c *simpleController) Fallback([]backends.OutputShape) (status.Status, *StepExecutor, backends.Burst) {
	c.done = true
	return status.NoError, c.makeExecutor(), c.burst
}

func (c *simpleController) makeExecutor() *StepExecutor {
	executor := NewStepExecutor(c.builder, c.plan.m, c.plan.device, c.plan.prepared, nil, nil)
	executor.MapTrivially()
	return executor
}

// CompoundPlan is a sequential plan of two or more steps, possibly linked
// through dynamic temporaries.
type CompoundPlan struct {
	steps     []*Step
	tempDecls []TempDecl
}

// NewCompoundPlan returns a plan driving the given steps in order. Every
// step must already carry its prepared model.
func NewCompoundPlan(steps []*Step, tempDecls []TempDecl) *CompoundPlan {
	return &CompoundPlan{steps: steps, tempDecls: tempDecls}
}

// IsSimple implements Plan.
func (p *CompoundPlan) IsSimple() bool { return len(p.steps) == 1 }

// IsSimpleCPU implements Plan.
func (p *CompoundPlan) IsSimpleCPU() bool {
	return p.IsSimple() && backends.IsCPU(p.steps[0].Device)
}

// HasDynamicTemporaries implements Plan.
func (p *CompoundPlan) HasDynamicTemporaries() bool {
	for _, decl := range p.tempDecls {
		if decl.Dynamic {
			return true
		}
	}
	return false
}

// Controller implements Plan.
func (p *CompoundPlan) Controller(b *Builder, burst backends.Burst) Controller {
	c := &compoundController{
		plan:         p,
		builder:      b,
		burst:        burst,
		fallbackStep: -1,
		dynTemps:     &DynamicTemporaries{},
	}
	for _, decl := range p.tempDecls {
		c.dynTemps.Declare(decl.Source, decl.DefiningStep, decl.InitialDims, decl.InitialLength)
	}
	return c
}

type compoundController struct {
	plan    *CompoundPlan
	builder *Builder
	burst   backends.Burst

	nextStep     int
	fallbackStep int
	dynTemps     *DynamicTemporaries
}

func (c *compoundController) Next([]backends.OutputShape, *syncfence.Fence) (status.Status, *StepExecutor, backends.Burst) {
	if c.nextStep >= len(c.plan.steps) {
		return status.NoError, nil, nil
	}
	step := c.plan.steps[c.nextStep]
	c.fallbackStep = c.nextStep
	c.nextStep++
	executor, s := c.makeStepExecutor(step)
	if s.IsError() {
		return s, nil, nil
	}
	return status.NoError, executor, c.burst
}

func (c *compoundController) Fallback(outputShapes []backends.OutputShape) (status.Status, *StepExecutor, backends.Burst) {
	if c.fallbackStep < 0 {
		klog.Warningf("plan fallback requested before any step was yielded")
		return status.GeneralFailure, nil, nil
	}
	c.nextStep = c.fallbackStep
	return c.Next(outputShapes, nil)
}

// makeStepExecutor allocates the step's temporaries and maps the builder's
// arguments (and temporaries) into the step executor.
func (c *compoundController) makeStepExecutor(step *Step) (*StepExecutor, status.Status) {
	c.dynTemps.Allocate(step.Index)

	executor := NewStepExecutor(c.builder, step.StepModel, step.Device, step.Prepared, step, c.dynTemps)
	for i, src := range step.Inputs {
		if src.MainInput >= 0 {
			executor.MapInput(src.MainInput, i)
			continue
		}
		loc, ok := c.dynTemps.Lookup(src.Temp)
		if !ok || loc.Memory == nil {
			klog.Warningf("step %d input %d: temporary (%d, %d) is not allocated",
				step.Index, i, src.Temp.Model, src.Temp.Operand)
			return nil, status.GeneralFailure
		}
		if s := executor.BindStepInternalInput(i, loc.Memory, 0, loc.Dimensions, loc.Length); s.IsError() {
			return nil, s
		}
	}
	for i, sink := range step.Outputs {
		if sink.MainOutput >= 0 {
			executor.MapOutput(sink.MainOutput, i)
			continue
		}
		loc, ok := c.dynTemps.Lookup(sink.Temp)
		if !ok || loc.Memory == nil {
			klog.Warningf("step %d output %d: temporary (%d, %d) is not allocated",
				step.Index, i, sink.Temp.Model, sink.Temp.Operand)
			return nil, status.GeneralFailure
		}
		if s := executor.BindStepInternalOutput(i, loc.Memory, 0, loc.Dimensions, loc.Length); s.IsError() {
			return nil, s
		}
	}
	return executor, status.NoError
}

// tempInitialLength is a helper for plan constructors: the initial length
// estimate of a temporary, from its operand when fully specified, otherwise
// a one-element guess that redeclaration will grow.
func tempInitialLength(operand operands.Operand) uint32 {
	if size, ok := operands.SizeOfData(operand.DType, operand.Dimensions); ok && size > 0 {
		return size
	}
	return uint32(operand.DType.Memory())
}

// TempDeclFor builds a TempDecl from the operand descriptor of a temporary:
// operands without fully specified dimensions become dynamic.
func TempDeclFor(source SourceOperandIndex, definingStep int, operand operands.Operand) TempDecl {
	return TempDecl{
		Source:        source,
		DefiningStep:  definingStep,
		InitialDims:   append([]int{}, operand.Dimensions...),
		InitialLength: tempInitialLength(operand),
		Dynamic:       !operand.FullySpecified(),
	}
}
