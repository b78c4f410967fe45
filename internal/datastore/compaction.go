package datastore

import (
	"sort"

	"github.com/quiverdb/quiver/internal/metrics"
)

// CompactionStrategy holds the dead-ratio thresholds that decide when a
// store is fragmented enough to be worth compacting. The defaults match the
// tuning the engine shipped with; operators can override them per attribute.
type CompactionStrategy struct {
	MaxDeadBytesRatio        float64
	MaxDeadAddressSpaceRatio float64
	MaxBuffersPerCompaction  int
}

func DefaultCompactionStrategy() CompactionStrategy {
	return CompactionStrategy{
		MaxDeadBytesRatio:        0.05,
		MaxDeadAddressSpaceRatio: 0.2,
		MaxBuffersPerCompaction:  1,
	}
}

// ShouldCompact computes the compaction decision from current usage.
func (s CompactionStrategy) ShouldCompact(mem MemoryUsage, addr AddressSpace) CompactionSpec {
	return CompactionSpec{
		CompactMemory:       mem.DeadRatio() > s.MaxDeadBytesRatio,
		CompactAddressSpace: addr.DeadRatio() > s.MaxDeadAddressSpaceRatio,
	}
}

// CompactionSpec is the outcome of a strategy evaluation: which kind of
// pressure, if any, calls for compaction.
type CompactionSpec struct {
	CompactMemory       bool
	CompactAddressSpace bool
}

func (c CompactionSpec) Compact() bool {
	return c.CompactMemory || c.CompactAddressSpace
}

// Compactable moves one live entry out of a victim buffer: allocate a fresh
// entry, copy the value, hold the old ref, return the new ref.
type Compactable interface {
	Move(ref EntryRef) EntryRef
}

// CompactionContext rewrites external reference holders after victim
// buffers have been selected. Call Compact for every holder, then Done
// exactly once to put the victims on hold.
type CompactionContext interface {
	Compact(refs []AtomicEntryRef)
	Done()
}

// StartCompactWorstBuffers picks the fullest-of-dead buffers of the type,
// makes sure none of them is the primary allocation target, and marks them
// as compacting. Returns the victim buffer ids, worst first; empty when
// nothing is eligible.
func (s *Store) StartCompactWorstBuffers(typeID uint32, strategy CompactionStrategy) []uint32 {
	var candidates []uint32
	for id := range s.states {
		state := &s.states[id]
		if state.isActive() && state.typeID == typeID && !state.compacting && state.deadElems > 0 {
			candidates = append(candidates, uint32(id))
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return s.states[candidates[i]].DeadRatio() > s.states[candidates[j]].DeadRatio()
	})
	limit := strategy.MaxBuffersPerCompaction
	if limit <= 0 {
		limit = 1
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, id := range candidates {
		if s.types[typeID].primaryBufferID == id {
			s.activateNewBuffer(typeID, 0)
			metrics.ArenaBufferSwitchesTotal.Inc()
		}
		s.states[id].compacting = true
	}
	return candidates
}

// FinishCompact holds the drained victim buffers; they are physically freed
// once their hold generation is reclaimed.
func (s *Store) FinishCompact(bufferIDs []uint32) {
	for _, id := range bufferIDs {
		s.HoldBuffer(id)
	}
}

type compactionContext struct {
	store       *Store
	compactable Compactable
	victims     map[uint32]struct{}
	bufferIDs   []uint32
	moved       int
	done        bool
}

// NewCompactionContext wraps victim buffers and a mover into a context that
// remaps every holder passed to Compact.
func NewCompactionContext(s *Store, compactable Compactable, bufferIDs []uint32) CompactionContext {
	victims := make(map[uint32]struct{}, len(bufferIDs))
	for _, id := range bufferIDs {
		victims[id] = struct{}{}
	}
	return &compactionContext{
		store:       s,
		compactable: compactable,
		victims:     victims,
		bufferIDs:   bufferIDs,
	}
}

func (c *compactionContext) Compact(refs []AtomicEntryRef) {
	assertf(!c.done, "compaction context reused after Done")
	for i := range refs {
		ref := refs[i].LoadRelaxed()
		if !ref.Valid() {
			continue
		}
		if _, hit := c.victims[c.store.layout.BufferID(ref)]; !hit {
			continue
		}
		newRef := c.compactable.Move(ref)
		refs[i].StoreRelease(newRef)
		c.moved++
	}
}

func (c *compactionContext) Done() {
	assertf(!c.done, "compaction context reused after Done")
	c.done = true
	c.store.FinishCompact(c.bufferIDs)
	metrics.CompactionEntriesMovedTotal.Add(float64(c.moved))
	metrics.CompactionOperationsTotal.WithLabelValues("completed").Inc()
	c.store.logger.Debug().
		Int("buffers", len(c.bufferIDs)).
		Int("entries_moved", c.moved).
		Msg("compaction finished")
}
