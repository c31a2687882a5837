package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedValidate(t *testing.T) {
	mem := NewShared(64)
	assert.Equal(t, uint32(64), mem.Size())
	require.Len(t, mem.Bytes(), 64)

	v := mem.Validator()
	assert.NoError(t, v.Validate(Input, 0, 64))
	assert.NoError(t, v.Validate(Output, 32, 32))
	assert.Error(t, v.Validate(Input, 32, 64))

	// Whole-memory binding.
	assert.NoError(t, v.Validate(Input, 0, 0))
}

func TestSharedMetadata(t *testing.T) {
	mem := NewShared(16)
	v := mem.Validator()
	require.NoError(t, v.UpdateMetadata(Metadata{Dimensions: []int{2, 2}}))
	assert.Equal(t, []int{2, 2}, v.Metadata().Dimensions)
	assert.False(t, v.CreatedWithUnknownShape())

	v.SetInitialized(true)
	v.SetInitialized(false)
}
