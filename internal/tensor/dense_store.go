package tensor

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/metrics"
)

const (
	denseMinArrays = 1024
	denseAlignment = 8
)

// DenseTensorStore stores tensors of one fixed dense type as raw cell
// blocks. Every value occupies exactly one array of the buffer type, sized
// once from the type, so refs address whole cell blocks and reads are a
// single slice into arena memory.
type DenseTensorStore struct {
	storeBase
	typ       Type
	typeID    uint32
	bufSize   int
	arraySize int
	empty     []byte
}

// NewDenseTensorStore builds a store for the given dense type. alloc backs
// the raw buffers; pass memory.DefaultAllocator unless the caller pools.
func NewDenseTensorStore(typ Type, alloc memory.Allocator) *DenseTensorStore {
	assertDense(typ)
	layout := datastore.NewRefLayout(datastore.DefaultOffsetBits)
	store := datastore.NewStore(layout)
	bufSize := typ.BufSize()
	arraySize := (bufSize + denseAlignment - 1) / denseAlignment * denseAlignment
	if arraySize == 0 {
		arraySize = denseAlignment
	}
	typ2 := datastore.NewRawByteBufferType(arraySize, datastore.BufferTypeConfig{
		MinArrays: denseMinArrays,
		MaxArrays: int(layout.OffsetSize()) / arraySize,
	}, alloc)
	s := &DenseTensorStore{
		storeBase: storeBase{store: store},
		typ:       typ,
		bufSize:   bufSize,
		arraySize: arraySize,
		empty:     make([]byte, bufSize),
	}
	s.typeID = store.AddType(typ2)
	store.EnableFreeLists(s.typeID)
	store.InitPrimaryBuffers()
	return s
}

func (s *DenseTensorStore) Type() Type     { return s.typ }
func (s *DenseTensorStore) ArraySize() int { return s.arraySize }

// GetCells returns the cell block at ref, aliasing arena memory; callers
// hold a generation guard across every use of the slice. An invalid ref
// yields the type's zero cells.
func (s *DenseTensorStore) GetCells(ref datastore.EntryRef) []byte {
	if !ref.Valid() {
		return s.empty
	}
	return datastore.GetEntryArray[byte](s.store, ref, s.arraySize)[:s.bufSize]
}

func (s *DenseTensorStore) StoreTensor(v *Value) datastore.EntryRef {
	if !v.Type().Equal(s.typ) {
		panic(fmt.Sprintf("tensor: storing %s into dense store of %s", v.Type(), s.typ))
	}
	res := datastore.NewFreeListRawAllocator[byte](s.store, s.typeID).Alloc(s.arraySize)
	n := copy(res.Data, v.Cells())
	for i := n; i < len(res.Data); i++ {
		res.Data[i] = 0
	}
	metrics.TensorValuesStoredTotal.Inc()
	return res.Ref
}

func (s *DenseTensorStore) GetTensor(ref datastore.EntryRef) *Value {
	if !ref.Valid() {
		return nil
	}
	cells := make([]byte, s.bufSize)
	copy(cells, s.GetCells(ref))
	return NewValue(s.typ, nil, cells)
}

func (s *DenseTensorStore) HoldTensor(ref datastore.EntryRef) {
	if !ref.Valid() {
		return
	}
	s.store.HoldEntries(ref, s.arraySize, 0)
}

func (s *DenseTensorStore) Move(ref datastore.EntryRef) datastore.EntryRef {
	if !ref.Valid() {
		return 0
	}
	res := datastore.NewRawAllocator[byte](s.store, s.typeID).Alloc(s.arraySize)
	copy(res.Data, datastore.GetEntryArray[byte](s.store, ref, s.arraySize))
	s.store.HoldEntries(ref, s.arraySize, 0)
	return res.Ref
}

func (s *DenseTensorStore) UpdateStat(strategy datastore.CompactionStrategy) datastore.MemoryUsage {
	usage := s.store.MemoryUsage()
	s.spec = strategy.ShouldCompact(usage, s.store.AddressSpaceUsage())
	return usage
}

func (s *DenseTensorStore) StartCompact(strategy datastore.CompactionStrategy) datastore.CompactionContext {
	victims := s.store.StartCompactWorstBuffers(s.typeID, strategy)
	return datastore.NewCompactionContext(s.store, s, victims)
}
