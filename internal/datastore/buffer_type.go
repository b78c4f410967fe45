package datastore

import (
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

func sizeOf[T any](zero T) uintptr {
	return unsafe.Sizeof(zero)
}

const defaultAllocGrowFactor = 0.2

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("datastore: " + fmt.Sprintf(format, args...))
	}
}

// BufferTypeConfig holds the sizing policy knobs for one buffer type. The
// defaults match the behavior the engine was tuned with; they are exposed so
// operators can override them per store.
type BufferTypeConfig struct {
	MinArrays             int
	MaxArrays             int
	NumArraysForNewBuffer int
	AllocGrowFactor       float64
}

func (c BufferTypeConfig) withDefaults() BufferTypeConfig {
	if c.AllocGrowFactor == 0 {
		c.AllocGrowFactor = defaultAllocGrowFactor
	}
	if c.MinArrays > c.MaxArrays {
		c.MinArrays = c.MaxArrays
	}
	if c.NumArraysForNewBuffer > c.MaxArrays {
		c.NumArraysForNewBuffer = c.MaxArrays
	}
	return c
}

// CleanContext lets a buffer type's CleanHold adjust the owning buffer's
// extra-byte accounting when it releases heap payloads.
type CleanContext struct {
	state *BufferState
}

// ExtraBytesCleaned subtracts bytes that a CleanHold released from both the
// used and hold extra-byte totals of the buffer.
func (c CleanContext) ExtraBytesCleaned(n int) {
	assertf(c.state.extraUsedBytes >= n, "extra used bytes underflow: %d < %d", c.state.extraUsedBytes, n)
	assertf(c.state.extraHoldBytes >= n, "extra hold bytes underflow: %d < %d", c.state.extraHoldBytes, n)
	c.state.extraUsedBytes -= n
	c.state.extraHoldBytes -= n
}

// BufferTypeBase is the type-erased view of a buffer type that the store and
// buffer states operate through. One instance handles every buffer holding
// its element type within one store.
type BufferTypeBase interface {
	ArraySize() int
	MaxArrays() int
	CalcArraysToAlloc(bufferID uint32, elemsNeeded int, resizing bool) int

	// ReservedElems returns the number of elements at the start of the
	// buffer that are never handed out. Buffer 0 reserves one array so
	// that EntryRef 0 stays invalid.
	ReservedElems(bufferID uint32) int
	ElemBytes() int
	ClampMaxArrays(maxArrays int)

	OnActive(bufferID uint32, usedElems *int, deadElems *int, mem any)
	OnHold(usedElems *int)
	OnFree(usedElems int)

	AllocMem(arrays int) any
	ResizeMem(old any, usedElems, newArrays int) any
	FreeMem(mem any)
	CleanHold(mem any, offset, numElems int, ctx CleanContext)
}

// BufferType is the concrete buffer type for element type T. Buffers are
// []T slices carved into arrays of ArraySize elements; an entry ref
// addresses one array.
type BufferType[T any] struct {
	arraySize             int
	minArrays             int
	maxArrays             int
	numArraysForNewBuffer int
	allocGrowFactor       float64
	elemBytes             int

	activeBuffers int
	holdBuffers   int
	activeUsed    int
	holdUsed      int
	lastUsedElems *int
	allocFn       func(arrays int) []T
	freeFn        func([]T)
	cleanHoldFn   func(buf []T, offset, numElems int, ctx CleanContext)
}

func NewBufferType[T any](arraySize int, cfg BufferTypeConfig) *BufferType[T] {
	assertf(arraySize > 0, "array size must be positive, got %d", arraySize)
	cfg = cfg.withDefaults()
	var zero T
	t := &BufferType[T]{
		arraySize:             arraySize,
		minArrays:             cfg.MinArrays,
		maxArrays:             cfg.MaxArrays,
		numArraysForNewBuffer: cfg.NumArraysForNewBuffer,
		allocGrowFactor:       cfg.AllocGrowFactor,
		elemBytes:             int(sizeOf(zero)),
	}
	t.allocFn = func(arrays int) []T {
		return make([]T, arrays*t.arraySize)
	}
	return t
}

// NewRawByteBufferType returns a byte buffer type whose backing memory comes
// from the given arrow allocator instead of the Go heap. Freed buffers are
// handed back to the allocator.
func NewRawByteBufferType(arraySize int, cfg BufferTypeConfig, alloc memory.Allocator) *BufferType[byte] {
	t := NewBufferType[byte](arraySize, cfg)
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	t.allocFn = func(arrays int) []byte {
		buf := alloc.Allocate(arrays * arraySize)
		clear(buf)
		return buf
	}
	t.freeFn = func(buf []byte) {
		alloc.Free(buf)
	}
	return t
}

// SetCleanHold installs a hook invoked when held entries become
// unreachable, before their slots are recycled. Stores that keep heap
// payloads per entry (boxed tensors) use it to drop references and adjust
// extra-byte accounting.
func (t *BufferType[T]) SetCleanHold(fn func(buf []T, offset, numElems int, ctx CleanContext)) {
	t.cleanHoldFn = fn
}

func (t *BufferType[T]) ArraySize() int { return t.arraySize }
func (t *BufferType[T]) MaxArrays() int { return t.maxArrays }
func (t *BufferType[T]) ElemBytes() int { return t.elemBytes }

func (t *BufferType[T]) ClampMaxArrays(maxArrays int) {
	if t.maxArrays > maxArrays {
		t.maxArrays = maxArrays
	}
	if t.minArrays > t.maxArrays {
		t.minArrays = t.maxArrays
	}
	if t.numArraysForNewBuffer > t.maxArrays {
		t.numArraysForNewBuffer = t.maxArrays
	}
}

func (t *BufferType[T]) ReservedElems(bufferID uint32) int {
	if bufferID == 0 {
		return t.arraySize
	}
	return 0
}

func (t *BufferType[T]) flushLastUsed() {
	if t.lastUsedElems != nil {
		t.activeUsed += *t.lastUsedElems
		t.lastUsedElems = nil
	}
}

func (t *BufferType[T]) OnActive(bufferID uint32, usedElems *int, deadElems *int, mem any) {
	t.flushLastUsed()
	t.activeBuffers++
	t.lastUsedElems = usedElems
	if reserved := t.ReservedElems(bufferID); reserved != 0 {
		*usedElems = reserved
		*deadElems = reserved
	}
	_ = mem
}

func (t *BufferType[T]) OnHold(usedElems *int) {
	if usedElems == t.lastUsedElems {
		t.flushLastUsed()
	}
	t.activeBuffers--
	t.holdBuffers++
	assertf(t.activeUsed >= *usedElems, "active used elems underflow: %d < %d", t.activeUsed, *usedElems)
	t.activeUsed -= *usedElems
	t.holdUsed += *usedElems
}

func (t *BufferType[T]) OnFree(usedElems int) {
	t.holdBuffers--
	assertf(t.holdUsed >= usedElems, "hold used elems underflow: %d < %d", t.holdUsed, usedElems)
	t.holdUsed -= usedElems
}

// CalcArraysToAlloc computes the number of arrays a new or resized buffer
// should hold. Growth is geometric from current usage by allocGrowFactor,
// clamped to [minArrays, maxArrays] and never below what the request needs.
func (t *BufferType[T]) CalcArraysToAlloc(bufferID uint32, elemsNeeded int, resizing bool) int {
	reserved := t.ReservedElems(bufferID)
	used := 0
	if !resizing {
		used = t.activeUsed
	}
	if t.lastUsedElems != nil {
		used += *t.lastUsedElems
	}
	assertf(used%t.arraySize == 0, "used elems %d not a multiple of array size %d", used, t.arraySize)
	usedArrays := used / t.arraySize
	needBase := reserved
	if resizing {
		needBase = used
	}
	neededArrays := (elemsNeeded + needBase + t.arraySize - 1) / t.arraySize
	growArrays := int(float64(usedArrays) * t.allocGrowFactor)
	wantedArrays := growArrays
	if resizing {
		wantedArrays += usedArrays
	}
	if wantedArrays < t.minArrays {
		wantedArrays = t.minArrays
	}
	result := wantedArrays
	if result < neededArrays {
		result = neededArrays
	}
	if result > t.maxArrays {
		result = t.maxArrays
	}
	assertf(result >= neededArrays, "cannot allocate %d arrays, need %d (max %d)", result, neededArrays, t.maxArrays)
	return result
}

func (t *BufferType[T]) AllocMem(arrays int) any {
	return t.allocFn(arrays)
}

func (t *BufferType[T]) ResizeMem(old any, usedElems, newArrays int) any {
	oldBuf := old.([]T)
	newBuf := t.allocFn(newArrays)
	copy(newBuf, oldBuf[:usedElems])
	return newBuf
}

func (t *BufferType[T]) FreeMem(mem any) {
	if t.freeFn != nil {
		t.freeFn(mem.([]T))
	}
}

func (t *BufferType[T]) CleanHold(mem any, offset, numElems int, ctx CleanContext) {
	if t.cleanHoldFn != nil {
		t.cleanHoldFn(mem.([]T), offset, numElems, ctx)
	}
}
