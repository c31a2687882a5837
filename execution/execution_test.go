package execution

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/nnrt/backends"
	_ "github.com/gomlx/nnrt/backends/cpu"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/syncfence"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

// identityModel returns a one-op model copying its single input to its
// single output.
func identityModel(inDims, outDims []int) *model.Model {
	return &model.Model{
		Operands: []operands.Operand{
			operands.Make(dtypes.Float32, inDims...),
			operands.Make(dtypes.Float32, outDims...),
		},
		Operations: []model.Operation{{Type: model.OpIdentity, Inputs: []int{0}, Outputs: []int{1}}},
		Inputs:     []int{0},
		Outputs:    []int{1},
	}
}

// chainModel returns an n-op identity chain with one input, one output and
// n-1 intermediate operands.
func chainModel(n int, dims []int) *model.Model {
	m := &model.Model{}
	for i := 0; i <= n; i++ {
		m.Operands = append(m.Operands, operands.Make(dtypes.Float32, dims...))
	}
	for i := 0; i < n; i++ {
		m.Operations = append(m.Operations, model.Operation{
			Type: model.OpIdentity, Inputs: []int{i}, Outputs: []int{i + 1},
		})
	}
	m.Inputs = []int{0}
	m.Outputs = []int{n}
	return m
}

func f32Bytes(values ...float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func f32FromBytes(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}

// fakeDevice scripts a backend for the driver-loop tests, in the spirit of
// an in-test fake backend: each Execute (and ExecuteFenced) call is handed
// to the test's hook together with the call number, so tests can fail the
// first attempt and succeed the second.
type fakeDevice struct {
	name       string
	prepareErr status.Status

	onExecute func(call int, req backends.Request) (status.Status, []backends.OutputShape, backends.Timing)
	onFenced  func(call int, req backends.Request, waitFor []*syncfence.Fence) (status.Status, *syncfence.Fence, backends.FencedCallback, backends.Timing)

	executeCalls int
	fencedCalls  int
	fencedWaits  [][]*syncfence.Fence
	deadlines    []time.Time
}

var _ backends.Device = (*fakeDevice)(nil)

func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) PrepareModel(m *model.Model) (backends.PreparedModel, status.Status) {
	if d.prepareErr.IsError() {
		return nil, d.prepareErr
	}
	return &fakePrepared{device: d}, status.NoError
}

type fakePrepared struct {
	device *fakeDevice
}

func (p *fakePrepared) Execute(req backends.Request) (status.Status, []backends.OutputShape, backends.Timing) {
	d := p.device
	d.executeCalls++
	d.deadlines = append(d.deadlines, req.Deadline)
	return d.onExecute(d.executeCalls, req)
}

func (p *fakePrepared) ExecuteFenced(req backends.Request, waitFor []*syncfence.Fence, postFenceTimeout time.Duration) (status.Status, *syncfence.Fence, backends.FencedCallback, backends.Timing) {
	d := p.device
	d.fencedCalls++
	d.fencedWaits = append(d.fencedWaits, append([]*syncfence.Fence{}, waitFor...))
	return d.onFenced(d.fencedCalls, req, waitFor)
}

// writeOutput fills a request's output argument with the given bytes.
func writeOutput(req backends.Request, index int, data []byte) {
	dst := req.Outputs[index].ResolveBytes(req.Pools)
	copy(dst, data)
}

// okShapes marks every given dimension vector sufficient.
func okShapes(dims ...[]int) []backends.OutputShape {
	shapes := make([]backends.OutputShape, len(dims))
	for i, d := range dims {
		shapes[i] = backends.OutputShape{Dimensions: d, IsSufficient: true}
	}
	return shapes
}

// newCompilation wires a model and plan with the defaults the tests use.
func newCompilation(m *model.Model, plan Plan, opts ...func(*Compilation)) *Compilation {
	c := &Compilation{Model: m, Plan: plan, AllowCPUFallback: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func withExplicitDevice(device backends.Device) func(*Compilation) {
	return func(c *Compilation) {
		c.ExplicitDeviceList = true
		c.Devices = []backends.Device{device}
	}
}

func withoutCPUFallback() func(*Compilation) {
	return func(c *Compilation) { c.AllowCPUFallback = false }
}
