// Package cpu implements the reference CPU device: a portable, not very
// fast interpreter for the runtime's op set.
//
// It is the device every execution can fall back to, so it accepts every
// model the op set allows, infers unspecified output dimensions from its
// inputs, and reports insufficient output buffers per the backends contract
// instead of failing.
package cpu

import (
	"time"

	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/syncfence"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
	"k8s.io/klog/v2"
)

func init() {
	backends.Register(backends.CPUDeviceName, New())
}

// Device is the reference CPU device. Use New, or fetch the registered
// instance with backends.CPU().
type Device struct{}

var _ backends.Device = (*Device)(nil)

// New returns a CPU device.
func New() *Device { return &Device{} }

// Name implements backends.Device.
func (d *Device) Name() string { return backends.CPUDeviceName }

// PrepareModel implements backends.Device. Preparation on CPU only checks
// that every operation is interpretable.
func (d *Device) PrepareModel(m *model.Model) (backends.PreparedModel, status.Status) {
	for _, op := range m.Operations {
		switch op.Type {
		case model.OpIdentity, model.OpRelu, model.OpAdd, model.OpConcat:
		default:
			klog.Warningf("cpu: cannot prepare model, unsupported operation %s", op.Type)
			return nil, status.OpFailed
		}
	}
	return &preparedModel{model: m}, status.NoError
}

type preparedModel struct {
	model *model.Model
}

var _ backends.PreparedModel = (*preparedModel)(nil)

// Execute implements backends.PreparedModel.
func (p *preparedModel) Execute(req backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
	start := time.Now()
	s, shapes := p.run(req)
	timing := backends.NoTiming()
	if req.Measure && !s.IsError() {
		elapsed := uint64(time.Since(start).Microseconds())
		timing = backends.Timing{OnDeviceMicros: elapsed, InDriverMicros: elapsed}
	}
	return s, shapes, timing
}

// ExecuteFenced implements backends.PreparedModel. The CPU device has no
// hardware queue: it waits for the dependencies inline, executes, and
// signals synchronous completion by returning a nil fence.
func (p *preparedModel) ExecuteFenced(req backends.Request, waitFor []*syncfence.Fence, postFenceTimeout time.Duration) (status.Status, *syncfence.Fence, backends.FencedCallback, backends.Timing) {
	if !syncfence.WaitAll(waitFor) {
		return status.OpFailed, nil, nil, backends.NoTiming()
	}
	if postFenceTimeout > 0 {
		req.Deadline = earliestDeadline(req.Deadline, time.Now().Add(postFenceTimeout))
	}
	s, _, timing := p.Execute(req)
	if s.IsError() {
		return s, nil, nil, timing
	}
	return status.NoError, nil, nil, timing
}

func earliestDeadline(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

// value is one operand's runtime storage during interpretation.
type value struct {
	dims []int
	data []byte
}

// run interprets the model over the request's arguments. It returns the
// output shapes per the backends.OutputShape contract.
func (p *preparedModel) run(req backends.Request) (status.Status, []backends.OutputShape) {
	m := p.model
	if !req.Deadline.IsZero() && time.Now().After(req.Deadline) {
		return status.MissedDeadlinePersistent, nil
	}
	if len(req.Inputs) != m.InputCount() || len(req.Outputs) != m.OutputCount() {
		klog.Warningf("cpu: request has %d/%d arguments, model wants %d/%d",
			len(req.Inputs), len(req.Outputs), m.InputCount(), m.OutputCount())
		return status.BadData, nil
	}

	values := make(map[int]value, len(m.Operands))

	// Bind inputs.
	for i, arg := range req.Inputs {
		if arg.NoValue {
			continue
		}
		operand := m.InputOperand(i)
		dims := arg.Dimensions
		if len(dims) == 0 {
			dims = operand.Dimensions
		}
		data := arg.ResolveBytes(req.Pools)
		if data == nil && !operands.HasZeroDimension(dims) {
			klog.Warningf("cpu: input %d has no host-visible bytes", i)
			return status.OpFailed, nil
		}
		values[m.Inputs[i]] = value{dims: dims, data: data}
	}

	// Interpret operations in order.
	for _, op := range m.Operations {
		if s := execOperation(m, op, values); s.IsError() {
			return s, nil
		}
	}

	// Write outputs, collecting shapes and sufficiency.
	shapes := make([]backends.OutputShape, m.OutputCount())
	insufficient := false
	for i, arg := range req.Outputs {
		out, ok := values[m.Outputs[i]]
		if !ok {
			klog.Warningf("cpu: output %d was never produced", i)
			return status.OpFailed, nil
		}
		shapes[i] = backends.OutputShape{Dimensions: out.dims, IsSufficient: true}
		if arg.NoValue {
			continue
		}
		dst := arg.ResolveBytes(req.Pools)
		if len(dst) < len(out.data) {
			shapes[i].IsSufficient = false
			insufficient = true
			continue
		}
		copy(dst, out.data)
	}
	if insufficient {
		return status.InsufficientSize, shapes
	}
	return status.NoError, shapes
}
