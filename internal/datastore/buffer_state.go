package datastore

// Buffer lifecycle. A buffer is free until a type activates it, accepts
// allocations while active, stops accepting them when held (old readers may
// still reference it), and returns to free once no reader can see it.
const (
	bufferFree = iota
	bufferActive
	bufferHold
)

// BufferState carries the bookkeeping for one buffer: element counters,
// lifecycle state and the optional free list of recycled slots. The memory
// itself lives in the store's buffer table so readers can reach it without
// touching this struct.
type BufferState struct {
	usedElems  int
	allocElems int
	deadElems  int
	holdElems  int

	extraUsedBytes int
	extraHoldBytes int

	state     int
	typ       BufferTypeBase
	typeID    uint32
	arraySize int

	freeListEnabled bool
	freeList        []EntryRef

	// disableElemHoldList short-circuits the deferred free protocol for
	// buffers whose entries are provably reader-invisible (load paths).
	disableElemHoldList bool

	// compacting marks a buffer whose live entries are being moved out;
	// it suppresses re-selection by the compaction picker.
	compacting bool
}

func (s *BufferState) isActive() bool { return s.state == bufferActive }
func (s *BufferState) isHeld() bool   { return s.state == bufferHold }
func (s *BufferState) isFree() bool   { return s.state == bufferFree }

// onActive transitions the buffer free -> active for the given type and
// returns the freshly allocated memory, with reserved elements initialized
// and counted dead.
func (s *BufferState) onActive(bufferID, typeID uint32, typ BufferTypeBase, elemsNeeded int) any {
	assertf(s.isFree(), "buffer %d: activating non-free buffer (state %d)", bufferID, s.state)
	assertf(s.usedElems == 0 && s.holdElems == 0 && s.deadElems == 0,
		"buffer %d: stale counters on activation (used=%d hold=%d dead=%d)",
		bufferID, s.usedElems, s.holdElems, s.deadElems)
	arrays := typ.CalcArraysToAlloc(bufferID, elemsNeeded, false)
	mem := typ.AllocMem(arrays)
	s.state = bufferActive
	s.typ = typ
	s.typeID = typeID
	s.arraySize = typ.ArraySize()
	s.allocElems = arrays * s.arraySize
	s.freeList = nil
	typ.OnActive(bufferID, &s.usedElems, &s.deadElems, mem)
	return mem
}

// onHold transitions active -> hold. No further allocations land here; the
// buffer is physically freed once its hold generation is reclaimed.
func (s *BufferState) onHold() {
	assertf(s.isActive(), "holding non-active buffer (state %d)", s.state)
	s.state = bufferHold
	s.compacting = false
	s.freeList = nil
	s.typ.OnHold(&s.usedElems)
}

// onFree transitions hold -> free and drops the buffer memory.
func (s *BufferState) onFree(mem any) {
	assertf(s.isHeld(), "freeing non-held buffer (state %d)", s.state)
	assertf(s.holdElems == 0, "freeing buffer with %d elems still on hold", s.holdElems)
	s.deadElems = 0
	s.holdElems = 0
	s.typ.FreeMem(mem)
	s.typ.OnFree(s.usedElems)
	s.usedElems = 0
	s.allocElems = 0
	s.extraUsedBytes = 0
	s.extraHoldBytes = 0
	s.typ = nil
	s.typeID = 0
	s.arraySize = 0
	s.state = bufferFree
}

// holdElems marks numElems as logically freed but still potentially visible
// to readers. It returns true if the elements were disposed of immediately
// (hold list disabled for this buffer), false if the caller must queue them
// on the store's hold list.
func (s *BufferState) holdEntries(numElems, extraBytes int) bool {
	assertf(s.isActive() || s.isHeld(), "holding elems in free buffer")
	if s.disableElemHoldList {
		return true
	}
	s.holdElems += numElems
	s.extraHoldBytes += extraBytes
	return false
}

// freeEntries makes numElems available for reuse. wasHeld is true when the
// elements travelled through the generation hold list.
func (s *BufferState) freeEntries(ref EntryRef, numElems int, wasHeld bool, mem any, offset uint32) {
	if wasHeld {
		assertf(s.holdElems >= numElems, "freeing %d held elems, only %d held", numElems, s.holdElems)
		s.holdElems -= numElems
		s.typ.CleanHold(mem, int(offset), numElems, CleanContext{state: s})
	}
	s.deadElems += numElems
	assertf(s.deadElems <= s.usedElems, "dead elems %d exceed used elems %d", s.deadElems, s.usedElems)
	if s.freeListEnabled && s.isActive() {
		s.freeList = append(s.freeList, ref)
	}
}

// popFreeList returns a previously freed slot, if any. The slot's dead
// accounting is reverted by the caller on reuse.
func (s *BufferState) popFreeList() (EntryRef, bool) {
	n := len(s.freeList)
	if n == 0 {
		return 0, false
	}
	ref := s.freeList[n-1]
	s.freeList = s.freeList[:n-1]
	return ref, true
}

func (s *BufferState) remaining() int {
	return s.allocElems - s.usedElems
}

// DeadRatio is the fraction of allocated elements that are dead; the
// compaction picker targets the buffers where it is highest.
func (s *BufferState) DeadRatio() float64 {
	if s.allocElems == 0 {
		return 0
	}
	return float64(s.deadElems) / float64(s.allocElems)
}
