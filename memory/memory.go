// Package memory defines the memory objects an execution binds its inputs
// and outputs to, and the validator interface through which memory objects
// admit or reject each use.
//
// The runtime is only a consumer here: a Memory owns its Validator, decides
// which (role, offset, length) accesses are admissible, and tracks whether
// its contents were initialized by a successful execution. The one write the
// runtime performs on shared state is flipping that initialized bit when an
// execution finishes.
package memory

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Role distinguishes input from output uses of a memory region.
type Role int

const (
	// Input marks a memory region read by an execution.
	Input Role = iota

	// Output marks a memory region written by an execution.
	Output
)

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == Input {
		return "input"
	}
	return "output"
}

// Metadata carries what a validator learns about its memory across
// executions, currently the refined dimensions of the operand stored there.
type Metadata struct {
	Dimensions []int
}

// Validator admits or rejects uses of one memory object. Implementations are
// owned by the Memory; the runtime only consults them.
type Validator interface {
	// Validate reports whether binding the region [offset, offset+length)
	// in the given role is admissible. length == 0 together with
	// offset == 0 means "the whole memory" for memories that declare
	// their own size.
	Validate(role Role, offset, length uint32) error

	// ValidateInputDimensions is consulted at ignition for every input
	// bound to this memory, with the dimensions the caller supplied.
	ValidateInputDimensions(dimensions []int) error

	// UpdateMetadata records refined dimensions after a successful
	// execution. It fails if the update contradicts earlier metadata.
	UpdateMetadata(m Metadata) error

	// Metadata returns the current metadata.
	Metadata() Metadata

	// SetInitialized records whether the producing execution succeeded.
	// Subsequent reads of an output memory whose producer failed are
	// rejected by the validator.
	SetInitialized(success bool)

	// CreatedWithUnknownShape reports whether the memory was allocated
	// without a fully known shape; such memories cannot back outputs of a
	// CPU-fallback run.
	CreatedWithUnknownShape() bool
}

// Memory is one pool that bindings may reference. Many bindings may share
// one Memory.
type Memory interface {
	// Size returns the total size in bytes, or 0 if unknown.
	Size() uint32

	// Validator returns the validator owning admission for this memory.
	Validator() Validator

	// Bytes returns the host-visible backing store, or nil if the memory
	// is device-only. Device-only memories must implement DeviceBacked to
	// be usable with CPU fallback.
	Bytes() []byte
}

// DeviceBacked is implemented by device-only memories that can stage their
// contents through host buffers. CPU fallback materializes such memories into
// shared memory before running, and writes outputs back afterwards.
type DeviceBacked interface {
	Memory

	// ReadTo copies the device contents into dst.
	ReadTo(dst []byte) error

	// WriteFrom copies src into the device memory.
	WriteFrom(src []byte) error
}

// Shared is a host-visible heap-backed memory with a permissive validator.
// It is what the runtime allocates for CPU-fallback staging, and the default
// pool type used by clients without a device allocator.
type Shared struct {
	data      []byte
	validator *sharedValidator
}

var _ Memory = (*Shared)(nil)

// NewShared allocates a host-visible memory of the given size.
func NewShared(size uint32) *Shared {
	if klog.V(2).Enabled() {
		klog.Infof("memory.NewShared: allocating %s", humanize.Bytes(uint64(size)))
	}
	s := &Shared{data: make([]byte, size)}
	s.validator = &sharedValidator{mem: s}
	return s
}

// Size implements Memory.
func (s *Shared) Size() uint32 { return uint32(len(s.data)) }

// Validator implements Memory.
func (s *Shared) Validator() Validator { return s.validator }

// Bytes implements Memory.
func (s *Shared) Bytes() []byte { return s.data }

// sharedValidator admits any in-bounds access and tracks metadata and the
// initialized bit.
type sharedValidator struct {
	mem         *Shared
	metadata    Metadata
	initialized bool
}

func (v *sharedValidator) Validate(role Role, offset, length uint32) error {
	if offset == 0 && length == 0 {
		return nil // Whole-memory binding; the memory declares its size.
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(v.mem.data)) {
		return errors.Errorf("%s region [%d, %d) out of bounds of memory of size %s",
			role, offset, end, humanize.Bytes(uint64(len(v.mem.data))))
	}
	return nil
}

func (v *sharedValidator) ValidateInputDimensions([]int) error { return nil }

func (v *sharedValidator) UpdateMetadata(m Metadata) error {
	v.metadata = m
	return nil
}

func (v *sharedValidator) Metadata() Metadata { return v.metadata }

func (v *sharedValidator) SetInitialized(success bool) { v.initialized = success }

func (v *sharedValidator) CreatedWithUnknownShape() bool { return false }
