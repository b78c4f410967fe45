package tensor

import (
	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/generation"
)

// TensorStore is the contract between an attribute and the encoding-specific
// stores. All methods are writer-thread only except where a concrete store
// documents otherwise; readers go through the store's typed getters under a
// generation guard.
type TensorStore interface {
	datastore.Compactable

	// StoreTensor writes the value and returns its ref.
	StoreTensor(v *Value) datastore.EntryRef
	// GetTensor reads the value at ref; invalid refs yield nil.
	GetTensor(ref datastore.EntryRef) *Value
	// HoldTensor defers reuse of the value's memory until the current
	// generation has been reclaimed. No-op for invalid refs.
	HoldTensor(ref datastore.EntryRef)

	// UpdateStat refreshes the store's compaction decision from current
	// usage and returns the usage.
	UpdateStat(strategy datastore.CompactionStrategy) datastore.MemoryUsage
	// ConsiderCompact reports whether the last UpdateStat called for
	// compaction and no previous compaction is still holding buffers.
	ConsiderCompact() bool
	// StartCompact selects victim buffers and returns the context that
	// remaps reference holders. Call Done on it exactly once.
	StartCompact(strategy datastore.CompactionStrategy) datastore.CompactionContext

	TransferHoldLists(gen generation.Generation)
	TrimHoldLists(firstUsed generation.Generation)
	ClearHoldLists()
	MemoryUsage() datastore.MemoryUsage
	AddressSpaceUsage() datastore.AddressSpace
}

// storeBase carries the arena and the sticky compaction decision shared by
// every tensor store encoding.
type storeBase struct {
	store *datastore.Store
	spec  datastore.CompactionSpec
}

func (b *storeBase) ConsiderCompact() bool {
	return b.spec.Compact() && !b.store.HasHeldBuffers()
}

func (b *storeBase) TransferHoldLists(gen generation.Generation) {
	b.store.TransferHoldLists(gen)
}

func (b *storeBase) TrimHoldLists(firstUsed generation.Generation) {
	b.store.TrimHoldLists(firstUsed)
}

func (b *storeBase) ClearHoldLists() {
	b.store.ClearHoldLists()
}

func (b *storeBase) MemoryUsage() datastore.MemoryUsage {
	return b.store.MemoryUsage()
}

func (b *storeBase) AddressSpaceUsage() datastore.AddressSpace {
	return b.store.AddressSpaceUsage()
}
