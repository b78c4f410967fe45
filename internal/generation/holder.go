package generation

// Holder defers release of arbitrary resources (replaced ref-vector arrays,
// swapped-out hash shards) until the generation protocol proves no reader
// can still touch them. Go's GC does the actual freeing; the holder keeps
// the resources reachable until it is safe to drop them, and accounts their
// bytes so memory statistics stay truthful while readers may still be using
// the old memory.
type Holder struct {
	pre  []held
	held []held
}

type held struct {
	data    any
	bytes   int
	release func()
	gen     Generation
}

// Hold defers the given resource. bytes is its accounted size.
func (h *Holder) Hold(data any, bytes int) {
	h.pre = append(h.pre, held{data: data, bytes: bytes})
}

// HoldFunc defers a release callback together with a resource.
func (h *Holder) HoldFunc(data any, bytes int, release func()) {
	h.pre = append(h.pre, held{data: data, bytes: bytes, release: release})
}

// AssignGeneration tags everything held since the previous call. Writer
// only, called right before the generation is bumped.
func (h *Holder) AssignGeneration(gen Generation) {
	for _, e := range h.pre {
		e.gen = gen
		h.held = append(h.held, e)
	}
	h.pre = h.pre[:0]
}

// Reclaim drops every resource whose generation is strictly older than
// firstUsed. Writer only.
func (h *Holder) Reclaim(firstUsed Generation) {
	n := 0
	for _, e := range h.held {
		if e.gen >= firstUsed {
			break
		}
		if e.release != nil {
			e.release()
		}
		n++
	}
	if n > 0 {
		h.held = append(h.held[:0], h.held[n:]...)
	}
}

// ReclaimAll drops everything unconditionally; shutdown only.
func (h *Holder) ReclaimAll() {
	for _, e := range h.pre {
		if e.release != nil {
			e.release()
		}
	}
	for _, e := range h.held {
		if e.release != nil {
			e.release()
		}
	}
	h.pre = h.pre[:0]
	h.held = h.held[:0]
}

// HeldBytes reports the bytes currently pinned by deferred releases.
func (h *Holder) HeldBytes() int {
	total := 0
	for _, e := range h.pre {
		total += e.bytes
	}
	for _, e := range h.held {
		total += e.bytes
	}
	return total
}
