package datastore

import (
	"fmt"
	"sync/atomic"
)

// EntryRef is an opaque handle to an entry in a Store. It packs a buffer id
// and an offset within that buffer into a single 32-bit word; the split is
// defined by the owning store's RefLayout. The zero value is never a valid
// allocation and means "no entry".
type EntryRef uint32

// Valid reports whether the ref points at an allocated entry.
func (r EntryRef) Valid() bool {
	return r != 0
}

// DefaultOffsetBits matches the layout used by the tensor stores: 22 offset
// bits leaves room for 1024 buffers of up to 4Mi entries each.
const DefaultOffsetBits = 22

// RefLayout defines how EntryRefs split into (bufferId, offset) for one
// store. All refs handed out by a store share its layout.
type RefLayout struct {
	offsetBits uint32
	offsetMask uint32
}

func NewRefLayout(offsetBits uint32) RefLayout {
	if offsetBits < 1 || offsetBits > 31 {
		panic(fmt.Sprintf("datastore: offset bits %d out of range [1,31]", offsetBits))
	}
	return RefLayout{
		offsetBits: offsetBits,
		offsetMask: (uint32(1) << offsetBits) - 1,
	}
}

// OffsetSize returns the number of addressable offsets per buffer.
func (l RefLayout) OffsetSize() uint32 {
	return uint32(1) << l.offsetBits
}

// NumBuffers returns the number of addressable buffers.
func (l RefLayout) NumBuffers() uint32 {
	return uint32(1) << (32 - l.offsetBits)
}

func (l RefLayout) MakeRef(bufferID, offset uint32) EntryRef {
	if offset > l.offsetMask {
		panic(fmt.Sprintf("datastore: offset %d exceeds %d offset bits", offset, l.offsetBits))
	}
	if bufferID >= l.NumBuffers() {
		panic(fmt.Sprintf("datastore: buffer id %d exceeds buffer id space %d", bufferID, l.NumBuffers()))
	}
	return EntryRef(bufferID<<l.offsetBits | offset)
}

func (l RefLayout) BufferID(ref EntryRef) uint32 {
	return uint32(ref) >> l.offsetBits
}

func (l RefLayout) Offset(ref EntryRef) uint32 {
	return uint32(ref) & l.offsetMask
}

// AtomicEntryRef is an EntryRef slot shared between one writer and many
// readers. The writer publishes a fully written entry by storing its ref;
// the store/load pair gives readers the usual publish-by-ref guarantee.
type AtomicEntryRef struct {
	ref atomic.Uint32
}

// StoreRelease publishes a new ref. Entry contents must be fully written
// before this call.
func (a *AtomicEntryRef) StoreRelease(ref EntryRef) {
	a.ref.Store(uint32(ref))
}

// LoadAcquire reads the current ref on a reader thread.
func (a *AtomicEntryRef) LoadAcquire() EntryRef {
	return EntryRef(a.ref.Load())
}

// LoadRelaxed reads the current ref on the writer thread, where no ordering
// against entry contents is needed.
func (a *AtomicEntryRef) LoadRelaxed() EntryRef {
	return EntryRef(a.ref.Load())
}
