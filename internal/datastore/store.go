package datastore

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quiverdb/quiver/internal/generation"
	"github.com/quiverdb/quiver/internal/metrics"
)

type elemHold1Elem struct {
	ref      EntryRef
	numElems int
}

type elemHold2Elem struct {
	ref      EntryRef
	numElems int
	gen      generation.Generation
}

type bufferHoldElem struct {
	bufferID uint32
	gen      generation.Generation
}

type memHoldElem struct {
	typ   BufferTypeBase
	mem   any
	bytes int
	gen   generation.Generation
}

type typeInfo struct {
	typ             BufferTypeBase
	primaryBufferID uint32
	freeListEnabled bool
}

// Store owns a fixed set of buffers addressed by EntryRefs and hands out
// allocations for the buffer types registered with it. One writer thread
// mutates a store; readers resolve refs through Mem without locks, protected
// by the generation-guard protocol of the owning component.
type Store struct {
	layout RefLayout
	types  []typeInfo
	states []BufferState

	// buffers holds the live memory per buffer id. Readers load it
	// atomically; the writer publishes memory before publishing any ref
	// pointing into it.
	buffers []atomic.Pointer[any]

	// Two-phase hold lists: entries land on the first list when held,
	// get generation-tagged on TransferHoldLists, and are physically
	// freed by TrimHoldLists once no reader can see them.
	elemHold1 []elemHold1Elem
	elemHold2 []elemHold2Elem
	bufHold1  []uint32
	bufHold2  []bufferHoldElem
	memHold1  []memHoldElem
	memHold2  []memHoldElem

	initialized bool
	logger      zerolog.Logger
}

func NewStore(layout RefLayout) *Store {
	n := layout.NumBuffers()
	return &Store{
		layout:  layout,
		states:  make([]BufferState, n),
		buffers: make([]atomic.Pointer[any], n),
		logger:  zerolog.Nop(),
	}
}

func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

func (s *Store) Layout() RefLayout {
	return s.layout
}

// AddType registers a buffer type and returns its type id. All types must be
// registered before InitPrimaryBuffers.
func (s *Store) AddType(typ BufferTypeBase) uint32 {
	assertf(!s.initialized, "cannot add type after primary buffers are initialized")
	maxArrays := int(s.layout.OffsetSize()) / typ.ArraySize()
	if typ.MaxArrays() > maxArrays {
		typ.ClampMaxArrays(maxArrays)
	}
	typeID := uint32(len(s.types))
	s.types = append(s.types, typeInfo{typ: typ})
	return typeID
}

// EnableFreeLists turns on slot recycling for the given type: entries freed
// after their hold generation is reclaimed become available for reuse by the
// free-list allocator.
func (s *Store) EnableFreeLists(typeID uint32) {
	info := &s.types[typeID]
	info.freeListEnabled = true
	s.states[info.primaryBufferID].freeListEnabled = true
}

// DisableElemHoldList makes frees in the type's current primary buffer take
// effect immediately instead of going through the hold lists. Only valid
// while no reader can reach the buffer, such as initial load.
func (s *Store) DisableElemHoldList(typeID uint32) {
	s.primaryState(typeID).disableElemHoldList = true
}

// InitPrimaryBuffers activates one buffer per registered type.
func (s *Store) InitPrimaryBuffers() {
	assertf(!s.initialized, "primary buffers already initialized")
	s.initialized = true
	for typeID := range s.types {
		s.activateNewBuffer(uint32(typeID), 0)
	}
}

func (s *Store) primaryState(typeID uint32) *BufferState {
	return &s.states[s.types[typeID].primaryBufferID]
}

// PrimaryBufferID returns the buffer currently accepting allocations for the
// type.
func (s *Store) PrimaryBufferID(typeID uint32) uint32 {
	return s.types[typeID].primaryBufferID
}

func (s *Store) findFreeBufferID() uint32 {
	for id := range s.states {
		if s.states[id].isFree() {
			return uint32(id)
		}
	}
	panic("datastore: buffer id space exhausted")
}

func (s *Store) activateNewBuffer(typeID uint32, elemsNeeded int) uint32 {
	info := &s.types[typeID]
	bufferID := s.findFreeBufferID()
	state := &s.states[bufferID]
	mem := state.onActive(bufferID, typeID, info.typ, elemsNeeded)
	state.freeListEnabled = info.freeListEnabled
	s.buffers[bufferID].Store(&mem)
	info.primaryBufferID = bufferID
	metrics.ArenaBuffersActivatedTotal.Inc()
	s.logger.Debug().
		Uint32("buffer", bufferID).
		Uint32("type", typeID).
		Int("alloc_elems", state.allocElems).
		Msg("activated buffer")
	return bufferID
}

// switchOrGrowPrimary makes room for elemsNeeded more elements of the type,
// either by resizing the primary buffer in place or by activating a fresh
// one. The old memory of a resized buffer stays readable until reclaimed.
func (s *Store) switchOrGrowPrimary(typeID uint32, elemsNeeded int) {
	info := &s.types[typeID]
	bufferID := info.primaryBufferID
	state := &s.states[bufferID]
	typ := info.typ
	arraySize := typ.ArraySize()

	curArrays := state.allocElems / arraySize
	neededArrays := (elemsNeeded + state.usedElems + arraySize - 1) / arraySize
	canResize := neededArrays <= typ.MaxArrays() && !state.compacting
	wantArrays := 0
	if canResize {
		wantArrays = typ.CalcArraysToAlloc(bufferID, elemsNeeded, true)
	}
	if canResize && wantArrays > curArrays {
		oldMemPtr := s.buffers[bufferID].Load()
		newMem := typ.ResizeMem(*oldMemPtr, state.usedElems, wantArrays)
		s.buffers[bufferID].Store(&newMem)
		s.memHold1 = append(s.memHold1, memHoldElem{
			typ:   typ,
			mem:   *oldMemPtr,
			bytes: state.allocElems * typ.ElemBytes(),
		})
		state.allocElems = wantArrays * arraySize
		metrics.ArenaBuffersResizedTotal.Inc()
		s.logger.Debug().
			Uint32("buffer", bufferID).
			Int("arrays", wantArrays).
			Msg("resized buffer")
		return
	}
	s.activateNewBuffer(typeID, elemsNeeded)
	metrics.ArenaBufferSwitchesTotal.Inc()
}

// allocEntries reserves numElems contiguous elements in the primary buffer
// of the type and returns the ref of the first one.
func (s *Store) allocEntries(typeID uint32, numElems int) (EntryRef, uint32, int) {
	assertf(s.initialized, "store not initialized")
	state := s.primaryState(typeID)
	if state.remaining() < numElems {
		s.switchOrGrowPrimary(typeID, numElems)
		state = s.primaryState(typeID)
		assertf(state.remaining() >= numElems,
			"buffer cannot fit %d elems after switch (remaining %d)", numElems, state.remaining())
	}
	bufferID := s.types[typeID].primaryBufferID
	offset := state.usedElems
	state.usedElems += numElems
	return s.layout.MakeRef(bufferID, uint32(offset)), bufferID, offset
}

// popFreeList tries to recycle a freed slot for the type. Only slots whose
// hold generation has been reclaimed are ever on a free list.
func (s *Store) popFreeList(typeID uint32) (EntryRef, bool) {
	info := &s.types[typeID]
	if !info.freeListEnabled {
		return 0, false
	}
	state := &s.states[info.primaryBufferID]
	ref, ok := state.popFreeList()
	if !ok {
		return 0, false
	}
	assertf(state.deadElems >= state.arraySize, "free list slot without dead accounting")
	state.deadElems -= state.arraySize
	return ref, true
}

// Mem returns the live memory of a buffer for readers. The returned slice
// header must be type-asserted by the caller (GetEntry does this).
func (s *Store) Mem(bufferID uint32) any {
	p := s.buffers[bufferID].Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *Store) state(bufferID uint32) *BufferState {
	return &s.states[bufferID]
}

// AddExtraUsedBytes accounts heap payload bytes hanging off the entry at
// ref. Buffer types whose entries box variable-size data call this on every
// store so MemoryUsage stays truthful.
func (s *Store) AddExtraUsedBytes(ref EntryRef, bytes int) {
	assertf(ref.Valid(), "accounting extra bytes on invalid ref")
	s.state(s.layout.BufferID(ref)).extraUsedBytes += bytes
}

// HoldEntries marks the entries at ref as logically freed. Physical reuse is
// deferred through the hold lists until the generation protocol proves no
// reader can still dereference them. extraBytes accounts heap payloads
// hanging off the entries.
func (s *Store) HoldEntries(ref EntryRef, numElems, extraBytes int) {
	assertf(ref.Valid(), "holding invalid entry ref")
	state := s.state(s.layout.BufferID(ref))
	if state.holdEntries(numElems, extraBytes) {
		s.freeEntriesInternal(ref, numElems, false)
		return
	}
	s.elemHold1 = append(s.elemHold1, elemHold1Elem{ref: ref, numElems: numElems})
}

func (s *Store) freeEntriesInternal(ref EntryRef, numElems int, wasHeld bool) {
	bufferID := s.layout.BufferID(ref)
	state := s.state(bufferID)
	state.freeEntries(ref, numElems, wasHeld, s.Mem(bufferID), s.layout.Offset(ref))
}

// HoldBuffer takes a whole buffer out of service. Used after compaction has
// moved its live entries, and at shutdown.
func (s *Store) HoldBuffer(bufferID uint32) {
	state := s.state(bufferID)
	state.onHold()
	s.bufHold1 = append(s.bufHold1, bufferID)
}

// TransferHoldLists tags everything held since the previous transfer with
// the current generation. Must be called before the owning component bumps
// its generation.
func (s *Store) TransferHoldLists(gen generation.Generation) {
	if len(s.elemHold1) > 0 {
		for _, h := range s.elemHold1 {
			s.elemHold2 = append(s.elemHold2, elemHold2Elem{ref: h.ref, numElems: h.numElems, gen: gen})
		}
		s.elemHold1 = s.elemHold1[:0]
	}
	if len(s.bufHold1) > 0 {
		for _, id := range s.bufHold1 {
			s.bufHold2 = append(s.bufHold2, bufferHoldElem{bufferID: id, gen: gen})
		}
		s.bufHold1 = s.bufHold1[:0]
	}
	if len(s.memHold1) > 0 {
		for _, h := range s.memHold1 {
			h.gen = gen
			s.memHold2 = append(s.memHold2, h)
		}
		s.memHold1 = s.memHold1[:0]
	}
}

// TrimHoldLists frees everything whose recorded generation is strictly
// older than usedGen, the oldest generation any reader still guards. The
// hold lists are generation-ordered FIFOs, so the walk stops at the first
// entry that is still potentially visible.
func (s *Store) TrimHoldLists(usedGen generation.Generation) {
	n := 0
	for _, h := range s.elemHold2 {
		if h.gen >= usedGen {
			break
		}
		s.freeEntriesInternal(h.ref, h.numElems, true)
		n++
	}
	if n > 0 {
		s.elemHold2 = append(s.elemHold2[:0], s.elemHold2[n:]...)
	}

	n = 0
	for _, h := range s.memHold2 {
		if h.gen >= usedGen {
			break
		}
		h.typ.FreeMem(h.mem)
		n++
	}
	if n > 0 {
		s.memHold2 = append(s.memHold2[:0], s.memHold2[n:]...)
	}

	n = 0
	for _, h := range s.bufHold2 {
		if h.gen >= usedGen {
			break
		}
		s.freeBuffer(h.bufferID)
		n++
	}
	if n > 0 {
		s.bufHold2 = append(s.bufHold2[:0], s.bufHold2[n:]...)
	}
}

// ClearHoldLists drops all deferred frees unconditionally. Only safe when no
// reader exists, such as shutdown.
func (s *Store) ClearHoldLists() {
	for _, h := range s.elemHold1 {
		s.freeEntriesInternal(h.ref, h.numElems, true)
	}
	s.elemHold1 = s.elemHold1[:0]
	for _, h := range s.elemHold2 {
		s.freeEntriesInternal(h.ref, h.numElems, true)
	}
	s.elemHold2 = s.elemHold2[:0]
	for _, h := range s.memHold1 {
		h.typ.FreeMem(h.mem)
	}
	s.memHold1 = s.memHold1[:0]
	for _, h := range s.memHold2 {
		h.typ.FreeMem(h.mem)
	}
	s.memHold2 = s.memHold2[:0]
	for _, id := range s.bufHold1 {
		s.freeBuffer(id)
	}
	s.bufHold1 = s.bufHold1[:0]
	for _, h := range s.bufHold2 {
		s.freeBuffer(h.bufferID)
	}
	s.bufHold2 = s.bufHold2[:0]
}

func (s *Store) freeBuffer(bufferID uint32) {
	state := s.state(bufferID)
	mem := s.Mem(bufferID)
	state.onFree(mem)
	s.buffers[bufferID].Store(nil)
	metrics.ArenaBuffersFreedTotal.Inc()
}

// DropBuffers releases every buffer. Shutdown path: all readers must be
// gone.
func (s *Store) DropBuffers() {
	s.ClearHoldLists()
	for id := range s.states {
		state := &s.states[id]
		if state.isActive() {
			state.onHold()
			s.freeBuffer(uint32(id))
		}
	}
}

// HasHeldBuffers reports whether any buffer is awaiting generation-safe
// release. Compaction is suppressed while this is true.
func (s *Store) HasHeldBuffers() bool {
	return len(s.bufHold1) > 0 || len(s.bufHold2) > 0
}

// MemoryUsage sums the allocation accounting across all buffers.
func (s *Store) MemoryUsage() MemoryUsage {
	var u MemoryUsage
	for id := range s.states {
		state := &s.states[id]
		if state.isFree() {
			continue
		}
		eb := state.typ.ElemBytes()
		u.AllocatedBytes += state.allocElems * eb
		u.UsedBytes += state.usedElems*eb + state.extraUsedBytes
		u.DeadBytes += state.deadElems * eb
		u.AllocatedBytesOnHold += state.holdElems*eb + state.extraHoldBytes
		if state.isHeld() {
			u.AllocatedBytesOnHold += (state.usedElems - state.deadElems - state.holdElems) * eb
		}
	}
	for _, h := range s.memHold1 {
		u.AllocatedBytes += h.bytes
		u.AllocatedBytesOnHold += h.bytes
	}
	for _, h := range s.memHold2 {
		u.AllocatedBytes += h.bytes
		u.AllocatedBytesOnHold += h.bytes
	}
	metrics.ArenaUsedBytes.Set(float64(u.UsedBytes))
	metrics.ArenaDeadBytes.Set(float64(u.DeadBytes))
	metrics.ArenaHoldBytes.Set(float64(u.AllocatedBytesOnHold))
	return u
}

// AddressSpaceUsage reports how much of the ref-addressable element space is
// consumed, driving address-space triggered compaction.
func (s *Store) AddressSpaceUsage() AddressSpace {
	a := AddressSpace{
		Limit: uint64(s.layout.NumBuffers()) * uint64(s.layout.OffsetSize()),
	}
	for id := range s.states {
		state := &s.states[id]
		if state.isFree() {
			continue
		}
		a.Used += uint64(state.usedElems)
		a.Dead += uint64(state.deadElems)
	}
	return a
}

// PopulateState fills a state-explorer snapshot with per-buffer details.
func (s *Store) PopulateState(out map[string]any) {
	usage := s.MemoryUsage()
	out["allocated_bytes"] = usage.AllocatedBytes
	out["used_bytes"] = usage.UsedBytes
	out["dead_bytes"] = usage.DeadBytes
	out["hold_bytes"] = usage.AllocatedBytesOnHold
	buffers := make([]map[string]any, 0)
	for id := range s.states {
		state := &s.states[id]
		if state.isFree() {
			continue
		}
		buffers = append(buffers, map[string]any{
			"buffer_id":   id,
			"type_id":     state.typeID,
			"state":       bufferStateName(state.state),
			"used_elems":  state.usedElems,
			"alloc_elems": state.allocElems,
			"dead_elems":  state.deadElems,
			"hold_elems":  state.holdElems,
		})
	}
	out["buffers"] = buffers
}

func bufferStateName(state int) string {
	switch state {
	case bufferActive:
		return "active"
	case bufferHold:
		return "hold"
	default:
		return "free"
	}
}
