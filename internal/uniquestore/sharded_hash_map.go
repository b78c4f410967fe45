package uniquestore

import (
	"sync/atomic"
	"unsafe"

	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/generation"
	"github.com/quiverdb/quiver/internal/metrics"
)

const (
	numShards        = 3
	minShardCapacity = 16
)

// hashNode is one chained entry. key is immutable once the node is
// published; next is atomic so readers can traverse while the writer
// unlinks. Unlinked nodes keep their contents until their hold generation
// is reclaimed, so a reader caught mid-chain still sees consistent data.
type hashNode struct {
	key     datastore.EntryRef
	posting datastore.AtomicEntryRef
	next    atomic.Uint32 // node index + 1; 0 terminates the chain
}

type heldNode struct {
	idx uint32
	gen generation.Generation
}

// fixedHashMap is a fixed-capacity chained hash map. The writer fills the
// node array front to back and recycles reclaimed nodes; when it runs out
// the shard is rebuilt at double capacity and swapped in.
type fixedHashMap struct {
	mask      uint64
	buckets   []atomic.Uint32 // head node index + 1; 0 = empty
	nodes     []hashNode
	nodeCount int
	count     int
	freeNodes []uint32
	holdPre   []uint32
	holdNodes []heldNode
}

func newFixedHashMap(capacity int) *fixedHashMap {
	if capacity < minShardCapacity {
		capacity = minShardCapacity
	}
	buckets := 1
	for buckets < capacity {
		buckets <<= 1
	}
	return &fixedHashMap{
		mask:    uint64(buckets - 1),
		buckets: make([]atomic.Uint32, buckets),
		nodes:   make([]hashNode, buckets),
	}
}

func (m *fixedHashMap) bucket(hash uint64) *atomic.Uint32 {
	return &m.buckets[hash&m.mask]
}

// find walks the chain with atomic loads; safe for concurrent readers.
func (m *fixedHashMap) find(hash uint64, eq func(datastore.EntryRef) bool) *hashNode {
	idx := m.bucket(hash).Load()
	for idx != 0 {
		node := &m.nodes[idx-1]
		if eq(node.key) {
			return node
		}
		idx = node.next.Load()
	}
	return nil
}

// add links a new head node. Returns false when the map is out of nodes and
// must be grown. Writer only; the value must not already be present.
func (m *fixedHashMap) add(hash uint64, key datastore.EntryRef) bool {
	var idx uint32
	if n := len(m.freeNodes); n > 0 {
		idx = m.freeNodes[n-1]
		m.freeNodes = m.freeNodes[:n-1]
	} else if m.nodeCount < len(m.nodes) {
		idx = uint32(m.nodeCount)
		m.nodeCount++
	} else {
		return false
	}
	node := &m.nodes[idx]
	node.key = key
	node.posting.StoreRelease(0)
	head := m.bucket(hash)
	node.next.Store(head.Load())
	head.Store(idx + 1)
	m.count++
	return true
}

// remove unlinks the value's node and defers its reuse through the hold
// list. Writer only.
func (m *fixedHashMap) remove(hash uint64, eq func(datastore.EntryRef) bool) (datastore.EntryRef, bool) {
	head := m.bucket(hash)
	prev := (*hashNode)(nil)
	idx := head.Load()
	for idx != 0 {
		node := &m.nodes[idx-1]
		if eq(node.key) {
			if prev == nil {
				head.Store(node.next.Load())
			} else {
				prev.next.Store(node.next.Load())
			}
			m.count--
			m.holdPre = append(m.holdPre, idx-1)
			return node.key, true
		}
		prev = node
		idx = node.next.Load()
	}
	return 0, false
}

func (m *fixedHashMap) forEach(fn func(node *hashNode)) {
	for b := range m.buckets {
		idx := m.buckets[b].Load()
		for idx != 0 {
			node := &m.nodes[idx-1]
			fn(node)
			idx = node.next.Load()
		}
	}
}

func (m *fixedHashMap) deadNodes() int {
	return m.nodeCount - m.count
}

func (m *fixedHashMap) sizeBytes() int {
	return len(m.nodes)*int(unsafe.Sizeof(hashNode{})) + len(m.buckets)*8
}

// ShardedHashMap is the hash-based dictionary: keys are partitioned over a
// fixed number of shards to keep rebuild units small, each shard being a
// fixedHashMap swapped wholesale on growth or compaction. Reads are
// lock-free; replaced shards stay readable until their generation is
// reclaimed.
type ShardedHashMap[T any] struct {
	shards  [numShards]atomic.Pointer[fixedHashMap]
	holder  generation.Holder
	resolve func(ref datastore.EntryRef) T
	compare func(a, b T) int
	hash    func(v T) uint64
}

func NewShardedHashMap[T any](resolve func(datastore.EntryRef) T, compare func(a, b T) int, hash func(T) uint64) *ShardedHashMap[T] {
	s := &ShardedHashMap[T]{
		resolve: resolve,
		compare: compare,
		hash:    hash,
	}
	for i := range s.shards {
		s.shards[i].Store(newFixedHashMap(minShardCapacity))
	}
	return s
}

func (s *ShardedHashMap[T]) locate(value T) (uint64, int) {
	h := s.hash(value)
	return h, int(h % numShards)
}

func (s *ShardedHashMap[T]) eq(value T) func(datastore.EntryRef) bool {
	return func(ref datastore.EntryRef) bool {
		return s.compare(s.resolve(ref), value) == 0
	}
}

func (s *ShardedHashMap[T]) Find(value T) (datastore.EntryRef, bool) {
	h, shard := s.locate(value)
	node := s.shards[shard].Load().find(h, s.eq(value))
	if node == nil {
		return 0, false
	}
	return node.key, true
}

// FindFrozen is identical to Find: the shard structure is immutable from a
// reader's point of view (nodes are never mutated in place once published).
func (s *ShardedHashMap[T]) FindFrozen(value T) (datastore.EntryRef, bool) {
	return s.Find(value)
}

func (s *ShardedHashMap[T]) Add(value T, insertEntry func() datastore.EntryRef) datastore.EntryRef {
	h, shard := s.locate(value)
	m := s.shards[shard].Load()
	if node := m.find(h, s.eq(value)); node != nil {
		return node.key
	}
	ref := insertEntry()
	if !m.add(h, ref) {
		m = s.growShard(shard, len(m.nodes)*2)
		if !m.add(h, ref) {
			panic("uniquestore: shard add failed after growth")
		}
	}
	return ref
}

func (s *ShardedHashMap[T]) Remove(value T) (datastore.EntryRef, bool) {
	h, shard := s.locate(value)
	return s.shards[shard].Load().remove(h, s.eq(value))
}

func (s *ShardedHashMap[T]) UpdatePostingList(value T, posting datastore.EntryRef) bool {
	h, shard := s.locate(value)
	node := s.shards[shard].Load().find(h, s.eq(value))
	if node == nil {
		return false
	}
	node.posting.StoreRelease(posting)
	return true
}

func (s *ShardedHashMap[T]) FindPostingList(value T) (datastore.EntryRef, bool) {
	h, shard := s.locate(value)
	node := s.shards[shard].Load().find(h, s.eq(value))
	if node == nil {
		return 0, false
	}
	return node.posting.LoadAcquire(), true
}

func (s *ShardedHashMap[T]) ForEachKey(fn func(ref datastore.EntryRef)) {
	for i := range s.shards {
		s.shards[i].Load().forEach(func(node *hashNode) {
			fn(node.key)
		})
	}
}

func (s *ShardedHashMap[T]) ForEachPosting(fn func(key, posting datastore.EntryRef)) {
	for i := range s.shards {
		s.shards[i].Load().forEach(func(node *hashNode) {
			fn(node.key, node.posting.LoadAcquire())
		})
	}
}

// rebuildShard replaces one shard with a fresh map of the given capacity,
// re-adding every live node with its key passed through mapKey. The old
// map is held until no reader can be traversing it.
func (s *ShardedHashMap[T]) rebuildShard(shard, capacity int, mapKey func(datastore.EntryRef) datastore.EntryRef) *fixedHashMap {
	old := s.shards[shard].Load()
	fresh := newFixedHashMap(capacity)
	old.forEach(func(node *hashNode) {
		key := mapKey(node.key)
		h := s.hash(s.resolve(key))
		if !fresh.add(h, key) {
			panic("uniquestore: shard rebuild overflow")
		}
		// carry the posting ref over
		idx := fresh.bucket(h).Load()
		fresh.nodes[idx-1].posting.StoreRelease(node.posting.LoadAcquire())
	})
	s.shards[shard].Store(fresh)
	s.holder.Hold(old, old.sizeBytes())
	return fresh
}

func (s *ShardedHashMap[T]) growShard(shard, capacity int) *fixedHashMap {
	return s.rebuildShard(shard, capacity, func(ref datastore.EntryRef) datastore.EntryRef { return ref })
}

func (s *ShardedHashMap[T]) MoveKeys(fn func(old datastore.EntryRef) datastore.EntryRef) {
	for i := range s.shards {
		m := s.shards[i].Load()
		s.rebuildShard(i, len(m.nodes), fn)
	}
}

func (s *ShardedHashMap[T]) NormalizeValues(fn func(posting datastore.EntryRef) datastore.EntryRef) bool {
	changed := false
	for i := range s.shards {
		s.shards[i].Load().forEach(func(node *hashNode) {
			old := node.posting.LoadAcquire()
			if next := fn(old); next != old {
				node.posting.StoreRelease(next)
				changed = true
			}
		})
	}
	return changed
}

// CompactWorstShard rebuilds the shard with the most dead nodes at a
// capacity fitting its live count.
func (s *ShardedHashMap[T]) CompactWorstShard() {
	worst, worstDead := 0, -1
	for i := range s.shards {
		if dead := s.shards[i].Load().deadNodes(); dead > worstDead {
			worst, worstDead = i, dead
		}
	}
	m := s.shards[worst].Load()
	s.rebuildShard(worst, m.count, func(ref datastore.EntryRef) datastore.EntryRef { return ref })
	metrics.DictionaryShardCompactionsTotal.Inc()
}

// HasHeldShards reports whether replaced shard maps are still pinned for
// readers.
func (s *ShardedHashMap[T]) HasHeldShards() bool {
	return s.holder.HeldBytes() > 0
}

func (s *ShardedHashMap[T]) Size() int {
	total := 0
	for i := range s.shards {
		total += s.shards[i].Load().count
	}
	return total
}

func (s *ShardedHashMap[T]) MemoryUsage() datastore.MemoryUsage {
	var usage datastore.MemoryUsage
	for i := range s.shards {
		m := s.shards[i].Load()
		usage.AllocatedBytes += m.sizeBytes()
		usage.UsedBytes += m.count * int(unsafe.Sizeof(hashNode{}))
		usage.DeadBytes += m.deadNodes() * int(unsafe.Sizeof(hashNode{}))
	}
	held := s.holder.HeldBytes()
	usage.AllocatedBytes += held
	usage.AllocatedBytesOnHold += held
	return usage
}

// TransferHoldLists tags unlinked nodes and replaced shard maps with the
// closing generation.
func (s *ShardedHashMap[T]) TransferHoldLists(gen generation.Generation) {
	for i := range s.shards {
		m := s.shards[i].Load()
		for _, idx := range m.holdPre {
			m.holdNodes = append(m.holdNodes, heldNode{idx: idx, gen: gen})
		}
		m.holdPre = m.holdPre[:0]
	}
	s.holder.AssignGeneration(gen)
}

// TrimHoldLists recycles nodes and drops replaced shard maps that no
// reader can still see.
func (s *ShardedHashMap[T]) TrimHoldLists(firstUsed generation.Generation) {
	for i := range s.shards {
		m := s.shards[i].Load()
		n := 0
		for _, h := range m.holdNodes {
			if h.gen >= firstUsed {
				break
			}
			m.freeNodes = append(m.freeNodes, h.idx)
			n++
		}
		if n > 0 {
			m.holdNodes = append(m.holdNodes[:0], m.holdNodes[n:]...)
		}
	}
	s.holder.Reclaim(firstUsed)
}
