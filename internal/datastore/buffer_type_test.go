package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryRef_Packing(t *testing.T) {
	layout := NewRefLayout(DefaultOffsetBits)

	ref := layout.MakeRef(3, 12345)
	assert.Equal(t, uint32(3), layout.BufferID(ref))
	assert.Equal(t, uint32(12345), layout.Offset(ref))
	assert.True(t, ref.Valid())

	// Ref zero is the invalid sentinel
	assert.False(t, EntryRef(0).Valid())
}

func TestEntryRef_NarrowLayout(t *testing.T) {
	// 10 offset bits leave 22 bits of buffer id
	layout := NewRefLayout(10)
	assert.Equal(t, uint32(1024), layout.OffsetSize())

	ref := layout.MakeRef(100, 1023)
	assert.Equal(t, uint32(100), layout.BufferID(ref))
	assert.Equal(t, uint32(1023), layout.Offset(ref))

	// Offset beyond the layout's width must panic
	assert.Panics(t, func() { layout.MakeRef(0, 1024) })
}

func TestBufferType_CalcArraysToAlloc_MinArrays(t *testing.T) {
	typ := NewBufferType[int32](4, BufferTypeConfig{MinArrays: 16, MaxArrays: 1024})

	// Nothing used yet: the minimum wins
	got := typ.CalcArraysToAlloc(1, 1, false)
	assert.Equal(t, 16, got)
}

func TestBufferType_CalcArraysToAlloc_Growth(t *testing.T) {
	typ := NewBufferType[int32](4, BufferTypeConfig{
		MinArrays:       4,
		MaxArrays:       1024,
		AllocGrowFactor: 0.5,
	})

	// Simulate 100 arrays in use across active buffers
	used := 400
	typ.activeUsed = used

	// Growth is half of current usage
	got := typ.CalcArraysToAlloc(1, 1, false)
	assert.Equal(t, 50, got)
}

func TestBufferType_CalcArraysToAlloc_NeededWins(t *testing.T) {
	typ := NewBufferType[int32](4, BufferTypeConfig{MinArrays: 2, MaxArrays: 1024})

	// A large request overrides both min and grow sizing
	got := typ.CalcArraysToAlloc(1, 400, false)
	assert.Equal(t, 100, got)
}

func TestBufferType_CalcArraysToAlloc_ClampedToMax(t *testing.T) {
	typ := NewBufferType[int32](4, BufferTypeConfig{
		MinArrays:       4,
		MaxArrays:       32,
		AllocGrowFactor: 10.0,
	})
	typ.activeUsed = 4 * 20

	got := typ.CalcArraysToAlloc(1, 1, false)
	assert.Equal(t, 32, got)
}

func TestBufferType_CalcArraysToAlloc_OverflowPanics(t *testing.T) {
	typ := NewBufferType[int32](4, BufferTypeConfig{MinArrays: 1, MaxArrays: 8})

	// Needs 16 arrays but the type caps at 8
	assert.Panics(t, func() { typ.CalcArraysToAlloc(1, 64, false) })
}

func TestBufferType_CalcArraysToAlloc_Resizing(t *testing.T) {
	typ := NewBufferType[int32](4, BufferTypeConfig{
		MinArrays:       1,
		MaxArrays:       1024,
		AllocGrowFactor: 0.5,
	})
	used := 40
	typ.lastUsedElems = &used

	// Resizing keeps current usage and grows on top of it
	got := typ.CalcArraysToAlloc(1, 4, true)
	// 10 used arrays + 5 grow arrays
	assert.Equal(t, 15, got)
	require.GreaterOrEqual(t, got*4, used+4)
}

func TestBufferType_ReservedElems(t *testing.T) {
	typ := NewBufferType[int32](8, BufferTypeConfig{MinArrays: 1, MaxArrays: 16})

	// Buffer 0 reserves one array so offset 0 is never handed out
	assert.Equal(t, 8, typ.ReservedElems(0))
	assert.Equal(t, 0, typ.ReservedElems(1))
}

func TestBufferType_ClampMaxArrays(t *testing.T) {
	typ := NewBufferType[int32](4, BufferTypeConfig{MinArrays: 100, MaxArrays: 1000})

	typ.ClampMaxArrays(50)
	assert.Equal(t, 50, typ.MaxArrays())
	// Min follows the clamp down
	assert.Equal(t, 50, typ.minArrays)
}
