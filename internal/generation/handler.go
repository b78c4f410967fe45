// Package generation implements the epoch-based safe-memory-reclamation
// primitive the stores are built on. A single writer advances a
// monotonically increasing generation counter; readers pin the current
// generation with a Guard. Memory logically freed at generation G may only
// be physically reused once no live guard pins a generation <= G.
package generation

import (
	"sync/atomic"

	"github.com/quiverdb/quiver/internal/metrics"
)

// Generation is the logical epoch counter value.
type Generation = uint64

type guardNode struct {
	generation Generation
	refCount   atomic.Int64
	next       atomic.Pointer[guardNode]
}

// Guard pins a generation on behalf of a reader. The zero value is an
// invalid guard. Guards must be released; a leaked guard blocks reclamation
// forever.
type Guard struct {
	node *guardNode
}

func (g Guard) Valid() bool {
	return g.node != nil
}

func (g Guard) Generation() Generation {
	return g.node.generation
}

// Release drops the pin. Must be called exactly once per guard.
func (g Guard) Release() {
	n := g.node.refCount.Add(-1)
	if n < 0 {
		panic("generation: guard released twice")
	}
	metrics.GenerationGuardsActive.Dec()
}

// Handler is the process-wide epoch counter for one store family. Exactly
// one thread may call IncGeneration and UpdateFirstUsedGeneration; any
// number of threads may take and release guards concurrently.
type Handler struct {
	current atomic.Uint64

	// last is the node guards attach to; first trails it, advanced by the
	// writer past fully released nodes.
	last  atomic.Pointer[guardNode]
	first *guardNode

	firstUsed atomic.Uint64
}

func NewHandler() *Handler {
	h := &Handler{}
	node := &guardNode{generation: 0}
	h.last.Store(node)
	h.first = node
	return h
}

// Current returns the current generation.
func (h *Handler) Current() Generation {
	return h.current.Load()
}

// TakeGuard pins the current generation for a reader. The retry loop closes
// the race against a concurrent IncGeneration: if the node moved after we
// pinned it, the pin still only ever lands on an older generation, but we
// retry to keep FirstUsed tight.
func (h *Handler) TakeGuard() Guard {
	for {
		node := h.last.Load()
		node.refCount.Add(1)
		if h.last.Load() == node {
			metrics.GenerationGuardsActive.Inc()
			return Guard{node: node}
		}
		node.refCount.Add(-1)
	}
}

// IncGeneration advances the epoch. Writer only.
func (h *Handler) IncGeneration() {
	next := h.current.Load() + 1
	node := &guardNode{generation: next}
	h.last.Load().next.Store(node)
	h.last.Store(node)
	h.current.Store(next)
	metrics.GenerationIncrementsTotal.Inc()
	h.UpdateFirstUsedGeneration()
}

// FirstUsedGeneration returns the oldest generation any live guard pins, as
// of the last UpdateFirstUsedGeneration. Memory freed at generations
// strictly older than this is reclaimable.
func (h *Handler) FirstUsedGeneration() Generation {
	return h.firstUsed.Load()
}

// UpdateFirstUsedGeneration advances past nodes with no remaining guards.
// Writer only.
func (h *Handler) UpdateFirstUsedGeneration() {
	node := h.first
	for node != h.last.Load() && node.refCount.Load() == 0 {
		node = node.next.Load()
	}
	h.first = node
	h.firstUsed.Store(node.generation)
}

// GuardCount returns the number of live guards on the oldest generation
// node; introspection only.
func (h *Handler) GuardCount() int64 {
	var total int64
	for node := h.first; node != nil; node = node.next.Load() {
		total += node.refCount.Load()
	}
	return total
}
