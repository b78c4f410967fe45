// Package uniquestore deduplicates values into an arena-backed store with a
// dictionary mapping each distinct value to its entry ref. Values are
// reference counted; lookups by concurrent readers go through frozen
// dictionary views and the generation-guard protocol.
package uniquestore

import (
	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/generation"
	"github.com/quiverdb/quiver/internal/metrics"
)

// Config supplies the value semantics a store cannot infer: total ordering
// for the btree dictionary and a hash for the sharded dictionary.
type Config[T any] struct {
	Compare func(a, b T) int
	Hash    func(v T) uint64
}

type entry[T any] struct {
	value    T
	refCount uint32
}

// DictionaryKind selects the dictionary structure backing a store.
type DictionaryKind int

const (
	// BTreeDict is the ordered dictionary with O(1) frozen snapshots.
	BTreeDict DictionaryKind = iota
	// HashDict is the 3-shard hash dictionary with lock-free reads.
	HashDict
)

// UniqueStore owns the arena holding one entry per distinct value plus the
// dictionary indexing them. Single writer; readers resolve refs and frozen
// lookups under a generation guard.
type UniqueStore[T any] struct {
	store  *datastore.Store
	typeID uint32
	cfg    Config[T]
	dict   Dictionary[T]
}

func New[T any](cfg Config[T], kind DictionaryKind) *UniqueStore[T] {
	layout := datastore.NewRefLayout(datastore.DefaultOffsetBits)
	store := datastore.NewStore(layout)
	typ := datastore.NewBufferType[entry[T]](1, datastore.BufferTypeConfig{
		MinArrays: 1024,
		MaxArrays: int(layout.OffsetSize()),
	})
	u := &UniqueStore[T]{
		store:  store,
		typeID: store.AddType(typ),
		cfg:    cfg,
	}
	store.EnableFreeLists(u.typeID)
	store.InitPrimaryBuffers()
	resolve := func(ref datastore.EntryRef) T {
		return datastore.GetEntry[entry[T]](store, ref).value
	}
	switch kind {
	case HashDict:
		u.dict = NewShardedHashMap[T](resolve, cfg.Compare, cfg.Hash)
	default:
		u.dict = NewBTreeDictionary[T](resolve, cfg.Compare)
	}
	return u
}

// Get resolves a ref to its value. Reader-safe under a guard.
func (u *UniqueStore[T]) Get(ref datastore.EntryRef) T {
	return datastore.GetEntry[entry[T]](u.store, ref).value
}

// RefCount returns the number of Add calls minus Remove calls for the entry.
func (u *UniqueStore[T]) RefCount(ref datastore.EntryRef) uint32 {
	return datastore.GetEntry[entry[T]](u.store, ref).refCount
}

// Add interns the value: an existing entry gains a reference, a new value
// is allocated only on confirmed dictionary miss.
func (u *UniqueStore[T]) Add(value T) datastore.EntryRef {
	allocator := datastore.NewFreeListAllocator[entry[T]](u.store, u.typeID)
	ref := u.dict.Add(value, func() datastore.EntryRef {
		res := allocator.Alloc(entry[T]{value: value})
		metrics.DictionaryInsertsTotal.Inc()
		return res.Ref
	})
	datastore.GetEntry[entry[T]](u.store, ref).refCount++
	return ref
}

// Find returns the ref of the value without adding a reference.
func (u *UniqueStore[T]) Find(value T) (datastore.EntryRef, bool) {
	return u.dict.Find(value)
}

// FindFrozen is the reader-side lookup against the frozen dictionary view.
func (u *UniqueStore[T]) FindFrozen(value T) (datastore.EntryRef, bool) {
	return u.dict.FindFrozen(value)
}

// Remove drops one reference; the last reference removes the entry from the
// dictionary and holds its arena slot for generation-safe reuse.
func (u *UniqueStore[T]) Remove(ref datastore.EntryRef) {
	e := datastore.GetEntry[entry[T]](u.store, ref)
	if e.refCount == 0 {
		panic("uniquestore: removing entry with zero ref count")
	}
	e.refCount--
	if e.refCount > 0 {
		return
	}
	if _, ok := u.dict.Remove(e.value); !ok {
		panic("uniquestore: entry missing from dictionary")
	}
	u.store.HoldEntries(ref, 1, 0)
	metrics.DictionaryRemovalsTotal.Inc()
}

// Dictionary exposes the dictionary for posting-list maintenance and
// enumeration.
func (u *UniqueStore[T]) Dictionary() Dictionary[T] {
	return u.dict
}

// ForEachKey visits every distinct entry ref in the dictionary.
func (u *UniqueStore[T]) ForEachKey(fn func(ref datastore.EntryRef)) {
	u.dict.ForEachKey(fn)
}

func (u *UniqueStore[T]) Size() int {
	return u.dict.Size()
}

func (u *UniqueStore[T]) MemoryUsage() datastore.MemoryUsage {
	usage := u.store.MemoryUsage()
	usage.Merge(u.dict.MemoryUsage())
	return usage
}

func (u *UniqueStore[T]) AddressSpaceUsage() datastore.AddressSpace {
	return u.store.AddressSpaceUsage()
}

// TransferHoldLists tags pending holds in the arena and dictionary with the
// generation about to end.
func (u *UniqueStore[T]) TransferHoldLists(gen generation.Generation) {
	u.store.TransferHoldLists(gen)
	u.dict.TransferHoldLists(gen)
}

// TrimHoldLists reclaims everything no reader can see anymore.
func (u *UniqueStore[T]) TrimHoldLists(firstUsed generation.Generation) {
	u.store.TrimHoldLists(firstUsed)
	u.dict.TrimHoldLists(firstUsed)
}

// ConsiderCompact reports whether the store's fragmentation crosses the
// strategy thresholds and no buffers are already held.
func (u *UniqueStore[T]) ConsiderCompact(strategy datastore.CompactionStrategy) bool {
	if u.store.HasHeldBuffers() {
		return false
	}
	spec := strategy.ShouldCompact(u.store.MemoryUsage(), u.store.AddressSpaceUsage())
	return spec.Compact()
}

// Compact moves live entries out of the worst buffers and remaps every
// dictionary key. Holders of refs outside the dictionary must be remapped
// by the caller through the returned mapping.
func (u *UniqueStore[T]) Compact(strategy datastore.CompactionStrategy) map[datastore.EntryRef]datastore.EntryRef {
	victims := u.store.StartCompactWorstBuffers(u.typeID, strategy)
	if len(victims) == 0 {
		return nil
	}
	inVictim := make(map[uint32]struct{}, len(victims))
	for _, id := range victims {
		inVictim[id] = struct{}{}
	}
	layout := u.store.Layout()
	allocator := datastore.NewAllocator[entry[T]](u.store, u.typeID)
	moved := make(map[datastore.EntryRef]datastore.EntryRef)
	u.dict.MoveKeys(func(old datastore.EntryRef) datastore.EntryRef {
		if _, hit := inVictim[layout.BufferID(old)]; !hit {
			return old
		}
		e := datastore.GetEntry[entry[T]](u.store, old)
		res := allocator.Alloc(*e)
		u.store.HoldEntries(old, 1, 0)
		moved[old] = res.Ref
		return res.Ref
	})
	u.store.FinishCompact(victims)
	metrics.CompactionOperationsTotal.WithLabelValues("completed").Inc()
	metrics.CompactionEntriesMovedTotal.Add(float64(len(moved)))
	return moved
}
