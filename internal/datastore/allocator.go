package datastore

// GetEntry resolves a ref to a pointer at the entry. Readers must hold a
// generation guard spanning the lookup and every dereference of the result.
func GetEntry[T any](s *Store, ref EntryRef) *T {
	mem := s.Mem(s.layout.BufferID(ref)).([]T)
	return &mem[s.layout.Offset(ref)]
}

// GetEntryArray resolves a ref to the arraySize elements it addresses.
func GetEntryArray[T any](s *Store, ref EntryRef, arraySize int) []T {
	mem := s.Mem(s.layout.BufferID(ref)).([]T)
	offset := s.layout.Offset(ref)
	return mem[offset : int(offset)+arraySize : int(offset)+arraySize]
}

// AllocResult is a fresh entry and its ref. The entry pointer is only valid
// on the writer thread until the next allocation; readers go through the
// ref.
type AllocResult[T any] struct {
	Ref   EntryRef
	Entry *T
}

// Allocator allocates single entries from the tail of the type's primary
// buffer.
type Allocator[T any] struct {
	store  *Store
	typeID uint32
}

func NewAllocator[T any](s *Store, typeID uint32) Allocator[T] {
	return Allocator[T]{store: s, typeID: typeID}
}

func (a Allocator[T]) Alloc(value T) AllocResult[T] {
	arraySize := a.store.types[a.typeID].typ.ArraySize()
	ref, bufferID, offset := a.store.allocEntries(a.typeID, arraySize)
	mem := a.store.Mem(bufferID).([]T)
	mem[offset] = value
	return AllocResult[T]{Ref: ref, Entry: &mem[offset]}
}

// FreeListAllocator prefers recycling a reclaimed slot over growing the
// buffer. Falls back to tail allocation when the free list is empty or
// disabled.
type FreeListAllocator[T any] struct {
	store  *Store
	typeID uint32
}

func NewFreeListAllocator[T any](s *Store, typeID uint32) FreeListAllocator[T] {
	return FreeListAllocator[T]{store: s, typeID: typeID}
}

func (a FreeListAllocator[T]) Alloc(value T) AllocResult[T] {
	if ref, ok := a.store.popFreeList(a.typeID); ok {
		entry := GetEntry[T](a.store, ref)
		*entry = value
		return AllocResult[T]{Ref: ref, Entry: entry}
	}
	return NewAllocator[T](a.store, a.typeID).Alloc(value)
}

// RawAllocResult is a contiguous run of elements and the ref of its first
// element. Data is the padded run; callers are responsible for its layout.
type RawAllocResult[T any] struct {
	Ref  EntryRef
	Data []T
}

// RawAllocator carves variable-length runs out of the type's buffers,
// rounded up to whole arrays so the array size acts as the allocation
// alignment.
type RawAllocator[T any] struct {
	store  *Store
	typeID uint32
}

func NewRawAllocator[T any](s *Store, typeID uint32) RawAllocator[T] {
	return RawAllocator[T]{store: s, typeID: typeID}
}

// PaddedElems returns numElems rounded up to the allocation granularity.
func (a RawAllocator[T]) PaddedElems(numElems int) int {
	arraySize := a.store.types[a.typeID].typ.ArraySize()
	return (numElems + arraySize - 1) / arraySize * arraySize
}

func (a RawAllocator[T]) Alloc(numElems int) RawAllocResult[T] {
	assertf(numElems > 0, "raw alloc of %d elems", numElems)
	padded := a.PaddedElems(numElems)
	ref, bufferID, offset := a.store.allocEntries(a.typeID, padded)
	mem := a.store.Mem(bufferID).([]T)
	return RawAllocResult[T]{
		Ref:  ref,
		Data: mem[offset : offset+padded : offset+padded],
	}
}

// FreeListRawAllocator recycles a reclaimed run when the padded request is
// exactly one array, the granularity the free list tracks. Larger runs come
// from the buffer tail.
type FreeListRawAllocator[T any] struct {
	raw RawAllocator[T]
}

func NewFreeListRawAllocator[T any](s *Store, typeID uint32) FreeListRawAllocator[T] {
	return FreeListRawAllocator[T]{raw: NewRawAllocator[T](s, typeID)}
}

func (a FreeListRawAllocator[T]) PaddedElems(numElems int) int {
	return a.raw.PaddedElems(numElems)
}

func (a FreeListRawAllocator[T]) Alloc(numElems int) RawAllocResult[T] {
	arraySize := a.raw.store.types[a.raw.typeID].typ.ArraySize()
	if a.raw.PaddedElems(numElems) == arraySize {
		if ref, ok := a.raw.store.popFreeList(a.raw.typeID); ok {
			return RawAllocResult[T]{
				Ref:  ref,
				Data: GetEntryArray[T](a.raw.store, ref, arraySize),
			}
		}
	}
	return a.raw.Alloc(numElems)
}
