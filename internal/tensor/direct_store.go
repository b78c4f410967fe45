package tensor

import (
	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/metrics"
)

const directMinArrays = 8192

// DirectTensorStore boxes values on the heap and stores only the pointers
// in the arena. The arena accounts fixed slot bytes on its own; the
// variable heap payload is tracked through extra-byte accounting on every
// store, hold and move, and released in the type's clean-hold hook.
type DirectTensorStore struct {
	storeBase
	typeID uint32
}

func NewDirectTensorStore() *DirectTensorStore {
	layout := datastore.NewRefLayout(datastore.DefaultOffsetBits)
	store := datastore.NewStore(layout)
	typ := datastore.NewBufferType[*Value](1, datastore.BufferTypeConfig{
		MinArrays: directMinArrays,
		MaxArrays: int(layout.OffsetSize()),
	})
	typ.SetCleanHold(func(buf []*Value, offset, numElems int, ctx datastore.CleanContext) {
		for i := offset; i < offset+numElems; i++ {
			if buf[i] != nil {
				ctx.ExtraBytesCleaned(buf[i].MemoryBytes())
				buf[i] = nil
			}
		}
	})
	s := &DirectTensorStore{storeBase: storeBase{store: store}}
	s.typeID = store.AddType(typ)
	store.EnableFreeLists(s.typeID)
	store.InitPrimaryBuffers()
	return s
}

// GetTensorPtr returns the boxed value at ref without copying. Reader-safe
// under a guard; the value itself is immutable.
func (s *DirectTensorStore) GetTensorPtr(ref datastore.EntryRef) *Value {
	if !ref.Valid() {
		return nil
	}
	return *datastore.GetEntry[*Value](s.store, ref)
}

func (s *DirectTensorStore) addEntry(v *Value) datastore.EntryRef {
	res := datastore.NewFreeListAllocator[*Value](s.store, s.typeID).Alloc(v)
	s.store.AddExtraUsedBytes(res.Ref, v.MemoryBytes())
	return res.Ref
}

func (s *DirectTensorStore) StoreTensor(v *Value) datastore.EntryRef {
	if v == nil {
		panic("tensor: storing nil value")
	}
	metrics.TensorValuesStoredTotal.Inc()
	return s.addEntry(v)
}

func (s *DirectTensorStore) GetTensor(ref datastore.EntryRef) *Value {
	return s.GetTensorPtr(ref)
}

func (s *DirectTensorStore) HoldTensor(ref datastore.EntryRef) {
	if !ref.Valid() {
		return
	}
	v := s.GetTensorPtr(ref)
	s.store.HoldEntries(ref, 1, v.MemoryBytes())
}

func (s *DirectTensorStore) Move(ref datastore.EntryRef) datastore.EntryRef {
	if !ref.Valid() {
		return 0
	}
	v := s.GetTensorPtr(ref)
	newRef := s.addEntry(v)
	s.store.HoldEntries(ref, 1, v.MemoryBytes())
	return newRef
}

// UpdateStat never requests address-space compaction: boxed slots are
// single elements, so dead address space tracks dead bytes and the memory
// threshold alone decides.
func (s *DirectTensorStore) UpdateStat(strategy datastore.CompactionStrategy) datastore.MemoryUsage {
	usage := s.store.MemoryUsage()
	s.spec = datastore.CompactionSpec{
		CompactMemory: usage.DeadRatio() > strategy.MaxDeadBytesRatio,
	}
	return usage
}

func (s *DirectTensorStore) StartCompact(strategy datastore.CompactionStrategy) datastore.CompactionContext {
	victims := s.store.StartCompactWorstBuffers(s.typeID, strategy)
	return datastore.NewCompactionContext(s.store, s, victims)
}
