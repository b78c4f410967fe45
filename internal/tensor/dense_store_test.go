package tensor

import (
	"strconv"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/internal/datastore"
)

func TestDenseTensorStore_StoreAndGet(t *testing.T) {
	typ := denseType(4)
	store := NewDenseTensorStore(typ, memory.DefaultAllocator)

	v := NewValue(typ, nil, float32Cells(1, 2, 3, 4))
	ref := store.StoreTensor(v)
	require.True(t, ref.Valid())

	got := store.GetTensor(ref)
	require.NotNil(t, got)
	assert.True(t, v.Equal(got))

	// Cells read back without copying
	assert.Equal(t, v.Cells(), store.GetCells(ref))
}

func TestDenseTensorStore_InvalidRefYieldsZeroCells(t *testing.T) {
	typ := denseType(3)
	store := NewDenseTensorStore(typ, memory.DefaultAllocator)

	assert.Nil(t, store.GetTensor(0))
	cells := store.GetCells(0)
	assert.Equal(t, typ.BufSize(), len(cells))
	for _, b := range cells {
		assert.Zero(t, b)
	}
}

func TestDenseTensorStore_WrongTypePanics(t *testing.T) {
	store := NewDenseTensorStore(denseType(2), memory.DefaultAllocator)
	other := NewValue(denseType(3), nil, float32Cells(1, 2, 3))
	assert.Panics(t, func() { store.StoreTensor(other) })
}

func TestDenseTensorStore_ManyTensors(t *testing.T) {
	typ := denseType(8)
	store := NewDenseTensorStore(typ, memory.DefaultAllocator)

	refs := make([]datastore.EntryRef, 1000)
	for i := range refs {
		refs[i] = store.StoreTensor(NewValue(typ, nil, float32Cells(
			float32(i), float32(i+1), float32(i+2), float32(i+3),
			float32(i+4), float32(i+5), float32(i+6), float32(i+7))))
	}
	for i, ref := range refs {
		cells := store.GetCells(ref)
		assert.Equal(t, float32Cells(
			float32(i), float32(i+1), float32(i+2), float32(i+3),
			float32(i+4), float32(i+5), float32(i+6), float32(i+7)), cells, "tensor %d", i)
	}
}

func TestDenseTensorStore_HoldAndMove(t *testing.T) {
	typ := denseType(2)
	store := NewDenseTensorStore(typ, memory.DefaultAllocator)

	ref := store.StoreTensor(NewValue(typ, nil, float32Cells(7, 8)))
	moved := store.Move(ref)
	assert.NotEqual(t, ref, moved)
	assert.Equal(t, float32Cells(7, 8), store.GetCells(moved))

	// Invalid refs are no-ops
	assert.Equal(t, datastore.EntryRef(0), store.Move(0))
	store.HoldTensor(0)

	store.TransferHoldLists(1)
	store.TrimHoldLists(2)
	assert.Equal(t, float32Cells(7, 8), store.GetCells(moved))
}

func TestDenseTensorStore_SlotReuseAfterReclaim(t *testing.T) {
	typ := denseType(2)
	store := NewDenseTensorStore(typ, memory.DefaultAllocator)

	ref := store.StoreTensor(NewValue(typ, nil, float32Cells(1, 2)))
	store.HoldTensor(ref)
	store.TransferHoldLists(1)
	store.TrimHoldLists(2)

	reused := store.StoreTensor(NewValue(typ, nil, float32Cells(3, 4)))
	assert.Equal(t, ref, reused)
	assert.Equal(t, float32Cells(3, 4), store.GetCells(reused))
}

func TestDenseTensorStore_UpdateStatAndCompact(t *testing.T) {
	typ := denseType(16)
	store := NewDenseTensorStore(typ, memory.DefaultAllocator)

	cells := make([]byte, typ.BufSize())
	refs := make([]datastore.AtomicEntryRef, 500)
	for i := range refs {
		refs[i].StoreRelease(store.StoreTensor(NewValue(typ, nil, cells)))
	}
	// Kill most of them
	for i := 0; i < 400; i++ {
		store.HoldTensor(refs[i].LoadRelaxed())
		refs[i].StoreRelease(0)
	}
	store.TransferHoldLists(1)
	store.TrimHoldLists(2)

	usage := store.UpdateStat(datastore.DefaultCompactionStrategy())
	assert.Positive(t, usage.DeadBytes)
	require.True(t, store.ConsiderCompact())

	ctx := store.StartCompact(datastore.DefaultCompactionStrategy())
	ctx.Compact(refs[:])
	ctx.Done()

	store.TransferHoldLists(3)
	store.TrimHoldLists(4)
	for i := 400; i < 500; i++ {
		assert.True(t, refs[i].LoadRelaxed().Valid(), strconv.Itoa(i))
		assert.Equal(t, cells, store.GetCells(refs[i].LoadRelaxed()))
	}
}
