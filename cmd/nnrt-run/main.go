// nnrt-run drives a small demo model through the execution runtime: it
// compiles an add+relu model for the reference CPU device, executes it
// blocking or fenced, and prints the resulting shapes and durations.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnrt/backends"
	_ "github.com/gomlx/nnrt/backends/cpu"
	"github.com/gomlx/nnrt/execution"
	"github.com/gomlx/nnrt/model"
	"github.com/gomlx/nnrt/types/operands"
	"github.com/gomlx/nnrt/types/status"
)

var (
	flagFenced  bool
	flagTimeout time.Duration
	flagSize    int
)

func main() {
	root := &cobra.Command{
		Use:   "nnrt-run",
		Short: "Run a demo model through the nnrt execution runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().BoolVar(&flagFenced, "fenced", false, "use fenced execution instead of blocking")
	root.Flags().DurationVar(&flagTimeout, "timeout", 0, "execution deadline (0 = none)")
	root.Flags().IntVar(&flagSize, "size", 8, "number of elements per input vector")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// demoModel is relu(a + b) over float32 vectors.
func demoModel(size int) *model.Model {
	return &model.Model{
		Operands: []operands.Operand{
			operands.Make(dtypes.Float32, size),
			operands.Make(dtypes.Float32, size),
			operands.Make(dtypes.Float32, size),
			operands.Make(dtypes.Float32, size),
		},
		Operations: []model.Operation{
			{Type: model.OpAdd, Inputs: []int{0, 1}, Outputs: []int{2}},
			{Type: model.OpRelu, Inputs: []int{2}, Outputs: []int{3}},
		},
		Inputs:  []int{0, 1},
		Outputs: []int{3},
	}
}

func run() error {
	defer klog.Flush()
	cpu := backends.CPU()
	m := demoModel(flagSize)
	plan, s := execution.NewSimplePlan(m, cpu)
	if s.IsError() {
		return s.Err()
	}
	compilation := &execution.Compilation{
		Model:              m,
		Plan:               plan,
		ExplicitDeviceList: true,
		Devices:            []backends.Device{cpu},
		AllowCPUFallback:   true,
	}

	a := make([]byte, 4*flagSize)
	b := make([]byte, 4*flagSize)
	for i := 0; i < flagSize; i++ {
		binary.LittleEndian.PutUint32(a[4*i:], math.Float32bits(float32(i)-float32(flagSize)/2))
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(0.5))
	}
	out := make([]byte, 4*flagSize)

	builder := execution.NewBuilder(compilation)
	for i, buf := range [][]byte{a, b} {
		if s := builder.SetInput(i, nil, buf); s.IsError() {
			return s.Err()
		}
	}
	if s := builder.SetOutput(0, nil, out); s.IsError() {
		return s.Err()
	}
	if s := builder.SetMeasureTiming(true); s.IsError() {
		return s.Err()
	}
	if flagTimeout > 0 {
		if s := builder.SetTimeout(flagTimeout); s.IsError() {
			return s.Err()
		}
	}

	fmt.Printf("model: relu(a + b), %d elements per input (%s per buffer)\n",
		flagSize, humanize.Bytes(uint64(4*flagSize)))

	if flagFenced {
		s, fence := builder.ComputeFenced(nil, 0)
		if s.IsError() {
			return s.Err()
		}
		if fence != nil {
			fence.Wait(-1)
		}
	} else {
		if s := builder.Compute(); s.IsError() {
			return s.Err()
		}
	}

	dims, s := builder.GetOutputOperandDimensions(0)
	if s.IsError() && s != status.InsufficientSize {
		return s.Err()
	}
	fmt.Printf("output dimensions: %v\n", dims)
	for i := 0; i < min(flagSize, 8); i++ {
		fmt.Printf("  out[%d] = %g\n", i, math.Float32frombits(binary.LittleEndian.Uint32(out[4*i:])))
	}
	if duration, ds := builder.GetDuration(execution.DurationOnHardware); !ds.IsError() && duration != execution.UnknownDuration {
		fmt.Printf("on-device: %s\n", time.Duration(duration))
	}
	return nil
}
