package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/internal/datastore"
)

func TestDirectTensorStore_StoreAndGet(t *testing.T) {
	store := NewDirectTensorStore()
	typ := mixedType()

	v := NewValue(typ, []string{"a", "b"}, float32Cells(1, 2, 3, 4))
	ref := store.StoreTensor(v)
	require.True(t, ref.Valid())

	// Boxed storage hands back the same value, no copy
	assert.Same(t, v, store.GetTensorPtr(ref))
	assert.Nil(t, store.GetTensorPtr(0))
}

func TestDirectTensorStore_ExtraBytesAccounting(t *testing.T) {
	store := NewDirectTensorStore()
	typ := denseType(64)

	before := store.MemoryUsage().UsedBytes
	v := NewValue(typ, nil, make([]byte, typ.BufSize()))
	ref := store.StoreTensor(v)
	after := store.MemoryUsage().UsedBytes

	// The heap payload shows up in used bytes, not just the slot
	assert.GreaterOrEqual(t, after-before, v.MemoryBytes())

	store.HoldTensor(ref)
	assert.GreaterOrEqual(t, store.MemoryUsage().AllocatedBytesOnHold, v.MemoryBytes())

	// Reclaim drops the payload accounting via the clean-hold hook
	store.TransferHoldLists(1)
	store.TrimHoldLists(2)
	assert.Less(t, store.MemoryUsage().UsedBytes, after)
	assert.Zero(t, store.MemoryUsage().AllocatedBytesOnHold)
}

func TestDirectTensorStore_MovePreservesValue(t *testing.T) {
	store := NewDirectTensorStore()
	typ := denseType(2)

	v := NewValue(typ, nil, float32Cells(5, 6))
	ref := store.StoreTensor(v)
	moved := store.Move(ref)
	assert.NotEqual(t, ref, moved)
	assert.Same(t, v, store.GetTensorPtr(moved))

	assert.Equal(t, datastore.EntryRef(0), store.Move(0))
}

func TestDirectTensorStore_SlotReuseAfterReclaim(t *testing.T) {
	store := NewDirectTensorStore()
	typ := denseType(2)

	ref := store.StoreTensor(NewValue(typ, nil, float32Cells(1, 2)))
	store.HoldTensor(ref)
	store.TransferHoldLists(1)
	store.TrimHoldLists(2)

	// Free lists recycle the cleaned slot
	ref2 := store.StoreTensor(NewValue(typ, nil, float32Cells(3, 4)))
	assert.Equal(t, ref, ref2)
	assert.Equal(t, float32Cells(3, 4), store.GetTensorPtr(ref2).Cells())
}

func TestDirectTensorStore_UpdateStat(t *testing.T) {
	store := NewDirectTensorStore()
	typ := denseType(4)

	refs := make([]datastore.EntryRef, 100)
	for i := range refs {
		refs[i] = store.StoreTensor(NewValue(typ, nil, make([]byte, typ.BufSize())))
	}
	for _, ref := range refs[:80] {
		store.HoldTensor(ref)
	}
	store.TransferHoldLists(1)
	store.TrimHoldLists(2)

	store.UpdateStat(datastore.DefaultCompactionStrategy())
	// Address-space pressure never triggers for boxed slots
	assert.False(t, store.spec.CompactAddressSpace)
	assert.True(t, store.ConsiderCompact())
}
