package uniquestore

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/generation"
)

const btreeDegree = 32

// btreeItem carries a dictionary key and its posting ref. A lookup pivot
// carries the lookup value directly so comparisons against it never need an
// allocated entry.
type btreeItem[T any] struct {
	key     datastore.EntryRef
	posting datastore.EntryRef
	lookup  *T
}

// BTreeDictionary is the ordered dictionary. The live tree is mutated by
// the single writer; every mutation publishes a copy-on-write clone as the
// frozen view, so readers get torn-free snapshots at zero synchronization
// cost on the read path.
type BTreeDictionary[T any] struct {
	tree    *btree.BTreeG[btreeItem[T]]
	frozen  atomic.Pointer[btree.BTreeG[btreeItem[T]]]
	resolve func(ref datastore.EntryRef) T
	compare func(a, b T) int
}

func NewBTreeDictionary[T any](resolve func(datastore.EntryRef) T, compare func(a, b T) int) *BTreeDictionary[T] {
	d := &BTreeDictionary[T]{
		resolve: resolve,
		compare: compare,
	}
	d.tree = btree.NewG(btreeDegree, d.less)
	d.freeze()
	return d
}

func (d *BTreeDictionary[T]) valueOf(it btreeItem[T]) T {
	if it.lookup != nil {
		return *it.lookup
	}
	return d.resolve(it.key)
}

func (d *BTreeDictionary[T]) less(a, b btreeItem[T]) bool {
	return d.compare(d.valueOf(a), d.valueOf(b)) < 0
}

func (d *BTreeDictionary[T]) freeze() {
	d.frozen.Store(d.tree.Clone())
}

func (d *BTreeDictionary[T]) pivot(value *T) btreeItem[T] {
	return btreeItem[T]{lookup: value}
}

func (d *BTreeDictionary[T]) Find(value T) (datastore.EntryRef, bool) {
	it, ok := d.tree.Get(d.pivot(&value))
	if !ok {
		return 0, false
	}
	return it.key, true
}

func (d *BTreeDictionary[T]) FindFrozen(value T) (datastore.EntryRef, bool) {
	it, ok := d.frozen.Load().Get(d.pivot(&value))
	if !ok {
		return 0, false
	}
	return it.key, true
}

func (d *BTreeDictionary[T]) Add(value T, insertEntry func() datastore.EntryRef) datastore.EntryRef {
	if it, ok := d.tree.Get(d.pivot(&value)); ok {
		return it.key
	}
	ref := insertEntry()
	d.tree.ReplaceOrInsert(btreeItem[T]{key: ref})
	d.freeze()
	return ref
}

func (d *BTreeDictionary[T]) Remove(value T) (datastore.EntryRef, bool) {
	it, ok := d.tree.Delete(d.pivot(&value))
	if !ok {
		return 0, false
	}
	d.freeze()
	return it.key, true
}

func (d *BTreeDictionary[T]) UpdatePostingList(value T, posting datastore.EntryRef) bool {
	it, ok := d.tree.Get(d.pivot(&value))
	if !ok {
		return false
	}
	it.posting = posting
	d.tree.ReplaceOrInsert(it)
	d.freeze()
	return true
}

func (d *BTreeDictionary[T]) FindPostingList(value T) (datastore.EntryRef, bool) {
	it, ok := d.frozen.Load().Get(d.pivot(&value))
	if !ok {
		return 0, false
	}
	return it.posting, true
}

// ForEachKey visits keys in value order over the frozen view.
func (d *BTreeDictionary[T]) ForEachKey(fn func(ref datastore.EntryRef)) {
	d.frozen.Load().Ascend(func(it btreeItem[T]) bool {
		fn(it.key)
		return true
	})
}

// FrozenView is one immutable snapshot of the ordered dictionary, the
// entry point for reader-side range queries. Refs resolved from it stay
// valid for as long as the reader's generation guard is held.
type FrozenView[T any] struct {
	dict *BTreeDictionary[T]
	tree *btree.BTreeG[btreeItem[T]]
}

// FrozenRoot captures the current frozen snapshot. Later writer mutations
// publish new snapshots and never touch this one.
func (d *BTreeDictionary[T]) FrozenRoot() FrozenView[T] {
	return FrozenView[T]{dict: d, tree: d.frozen.Load()}
}

// ForEachInRange visits every entry whose value lies in [from, to), in
// value order.
func (v FrozenView[T]) ForEachInRange(from, to T, fn func(key, posting datastore.EntryRef)) {
	v.tree.AscendGreaterOrEqual(v.dict.pivot(&from), func(it btreeItem[T]) bool {
		if v.dict.compare(v.dict.valueOf(it), to) >= 0 {
			return false
		}
		fn(it.key, it.posting)
		return true
	})
}

// CollectFolded gathers the refs of every value that folds to the same
// form as the given value under the folding comparator. fold must be a
// coarsening of the dictionary's comparator: values equal under fold form
// a contiguous run in value order.
func (v FrozenView[T]) CollectFolded(value T, fold func(a, b T) int) []datastore.EntryRef {
	var below []datastore.EntryRef
	v.tree.DescendLessOrEqual(v.dict.pivot(&value), func(it btreeItem[T]) bool {
		if fold(v.dict.valueOf(it), value) != 0 {
			return false
		}
		below = append(below, it.key)
		return true
	})
	refs := make([]datastore.EntryRef, 0, len(below))
	for i := len(below) - 1; i >= 0; i-- {
		refs = append(refs, below[i])
	}
	v.tree.AscendGreaterOrEqual(v.dict.pivot(&value), func(it btreeItem[T]) bool {
		val := v.dict.valueOf(it)
		if v.dict.compare(val, value) == 0 {
			// the value's own entry was already collected descending
			return true
		}
		if fold(val, value) != 0 {
			return false
		}
		refs = append(refs, it.key)
		return true
	})
	return refs
}

// ForEachPosting visits keys and their posting refs over the frozen view.
func (d *BTreeDictionary[T]) ForEachPosting(fn func(key, posting datastore.EntryRef)) {
	d.frozen.Load().Ascend(func(it btreeItem[T]) bool {
		fn(it.key, it.posting)
		return true
	})
}

// MoveKeys rebuilds the tree with rewritten key refs. Value order is
// unchanged because the moved entries carry the same values.
func (d *BTreeDictionary[T]) MoveKeys(fn func(old datastore.EntryRef) datastore.EntryRef) {
	items := make([]btreeItem[T], 0, d.tree.Len())
	d.tree.Ascend(func(it btreeItem[T]) bool {
		it.key = fn(it.key)
		items = append(items, it)
		return true
	})
	tree := btree.NewG(btreeDegree, d.less)
	for _, it := range items {
		tree.ReplaceOrInsert(it)
	}
	d.tree = tree
	d.freeze()
}

func (d *BTreeDictionary[T]) NormalizeValues(fn func(posting datastore.EntryRef) datastore.EntryRef) bool {
	changed := false
	items := make([]btreeItem[T], 0, d.tree.Len())
	d.tree.Ascend(func(it btreeItem[T]) bool {
		if next := fn(it.posting); next != it.posting {
			it.posting = next
			changed = true
		}
		items = append(items, it)
		return true
	})
	if !changed {
		return false
	}
	tree := btree.NewG(btreeDegree, d.less)
	for _, it := range items {
		tree.ReplaceOrInsert(it)
	}
	d.tree = tree
	d.freeze()
	return true
}

func (d *BTreeDictionary[T]) Size() int {
	return d.tree.Len()
}

func (d *BTreeDictionary[T]) MemoryUsage() datastore.MemoryUsage {
	// Tree nodes live on the Go heap; approximate by item count.
	itemBytes := d.tree.Len() * 16
	return datastore.MemoryUsage{
		AllocatedBytes: itemBytes,
		UsedBytes:      itemBytes,
	}
}

// Old frozen clones are garbage collected once the last reader drops them;
// the tree needs no explicit hold bookkeeping.
func (d *BTreeDictionary[T]) TransferHoldLists(generation.Generation) {}
func (d *BTreeDictionary[T]) TrimHoldLists(generation.Generation)    {}
