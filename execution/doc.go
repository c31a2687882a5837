// Package execution implements the execution runtime: the state machine
// that binds a compiled, partitioned model to a set of inputs and outputs,
// drives the plan step by step through the backends, propagates dynamic
// output shapes between steps, and recovers from accelerator failures by
// re-executing on the reference CPU device.
//
// The entry point is Builder, created from a Compilation. A client binds
// arguments (SetInput, SetOutput and the FromMemory variants), optionally
// configures timing measurement and deadlines, and ignites the execution
// with Compute (blocking), StartCompute (asynchronous) or ComputeFenced
// (returns a sync fence instead of blocking for results).
//
// Internally the builder asks the plan for a Controller and then loops:
// plan -> StepExecutor -> device compute -> shape propagation -> repeat.
// Recoverable failures take one of three paths: re-running the same step
// after growing a dynamic temporary (insufficient size), re-running the
// failed step on the CPU device (partial fallback), or recompiling the whole
// model for CPU and running it once (full fallback). A missed deadline takes
// none of them.
package execution
