package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type int64Mover struct {
	store  *Store
	typeID uint32
}

func (m int64Mover) Move(ref EntryRef) EntryRef {
	val := *GetEntry[int64](m.store, ref)
	res := NewAllocator[int64](m.store, m.typeID).Alloc(val)
	m.store.HoldEntries(ref, 1, 0)
	return res.Ref
}

func TestCompactionStrategy_ShouldCompact(t *testing.T) {
	strategy := DefaultCompactionStrategy()

	clean := strategy.ShouldCompact(
		MemoryUsage{UsedBytes: 1000, DeadBytes: 10},
		AddressSpace{Used: 1000, Dead: 10, Limit: 1 << 20})
	assert.False(t, clean.Compact())

	deadMemory := strategy.ShouldCompact(
		MemoryUsage{UsedBytes: 1000, DeadBytes: 100},
		AddressSpace{Used: 1000, Dead: 10, Limit: 1 << 20})
	assert.True(t, deadMemory.CompactMemory)
	assert.False(t, deadMemory.CompactAddressSpace)

	deadAddresses := strategy.ShouldCompact(
		MemoryUsage{UsedBytes: 1000, DeadBytes: 10},
		AddressSpace{Used: 1000, Dead: 500, Limit: 1 << 20})
	assert.True(t, deadAddresses.CompactAddressSpace)
}

func TestStore_Compaction_PreservesValues(t *testing.T) {
	store, typeID := newTestStore(t, BufferTypeConfig{MinArrays: 4, MaxArrays: 8})
	alloc := NewAllocator[int64](store, typeID)

	// Spread allocations over several buffers
	refs := make([]AtomicEntryRef, 30)
	for i := range refs {
		refs[i].StoreRelease(alloc.Alloc(int64(i * 10)).Ref)
	}

	// Kill most of buffer 0 so it becomes the worst buffer
	killed := 0
	for i := range refs {
		ref := refs[i].LoadRelaxed()
		if store.Layout().BufferID(ref) == 0 && killed < 5 {
			store.HoldEntries(ref, 1, 0)
			refs[i].StoreRelease(0)
			killed++
		}
	}
	require.Equal(t, 5, killed)
	store.TransferHoldLists(1)
	store.TrimHoldLists(2)

	victims := store.StartCompactWorstBuffers(typeID, DefaultCompactionStrategy())
	require.Equal(t, []uint32{0}, victims)

	ctx := NewCompactionContext(store, int64Mover{store: store, typeID: typeID}, victims)
	ctx.Compact(refs[:])
	ctx.Done()

	// The victim is held, not yet freed
	assert.True(t, store.HasHeldBuffers())

	store.TransferHoldLists(3)
	store.TrimHoldLists(4)
	assert.False(t, store.HasHeldBuffers())
	assert.Nil(t, store.Mem(0))

	// Every surviving value reads back, none from the victim
	for i := range refs {
		ref := refs[i].LoadRelaxed()
		if !ref.Valid() {
			continue
		}
		assert.NotEqual(t, uint32(0), store.Layout().BufferID(ref))
		assert.Equal(t, int64(i*10), *GetEntry[int64](store, ref))
	}
}

func TestStore_Compaction_SwitchesPrimaryOffVictim(t *testing.T) {
	store, typeID := newTestStore(t, smallCfg())
	alloc := NewAllocator[int64](store, typeID)

	ref := alloc.Alloc(1).Ref
	store.HoldEntries(ref, 1, 0)
	store.TransferHoldLists(1)
	store.TrimHoldLists(2)

	primary := store.PrimaryBufferID(typeID)
	victims := store.StartCompactWorstBuffers(typeID, DefaultCompactionStrategy())
	require.Contains(t, victims, primary)

	// Allocations must no longer land in the victim
	assert.NotEqual(t, primary, store.PrimaryBufferID(typeID))
}

func TestStore_Compaction_NoopWhenClean(t *testing.T) {
	store, typeID := newTestStore(t, smallCfg())
	NewAllocator[int64](store, typeID).Alloc(1)

	// Only the reserved array is dead in buffer 0; it still counts as
	// dead, so exclude it by allocating in a later buffer instead.
	store.activateNewBuffer(typeID, 0)
	NewAllocator[int64](store, typeID).Alloc(2)

	victims := store.StartCompactWorstBuffers(typeID, CompactionStrategy{
		MaxDeadBytesRatio:        0.05,
		MaxDeadAddressSpaceRatio: 0.2,
		MaxBuffersPerCompaction:  2,
	})
	// Buffer 0 has its reserved array dead and is eligible; buffer 1 is
	// clean and must not be selected.
	for _, id := range victims {
		assert.NotEqual(t, uint32(1), id)
	}
}
