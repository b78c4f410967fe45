package uniquestore

import (
	"sort"

	"github.com/quiverdb/quiver/internal/datastore"
)

// Enumerator assigns dense enum values 1..N to the distinct entries of a
// store, in dictionary iteration order re-sorted by value. Used when the
// store is serialized or its refs are rewritten into a compact external
// numbering. Writer only; the mapping is a point-in-time snapshot.
type Enumerator[T any] struct {
	store  *UniqueStore[T]
	refs   []datastore.EntryRef
	mapped map[datastore.EntryRef]uint32
}

func NewEnumerator[T any](store *UniqueStore[T]) *Enumerator[T] {
	return &Enumerator[T]{store: store}
}

// Enumerate snapshots every key in the dictionary and assigns enum values
// in ascending value order. Returns the number of enumerated entries.
func (e *Enumerator[T]) Enumerate() int {
	e.refs = e.refs[:0]
	e.store.ForEachKey(func(ref datastore.EntryRef) {
		e.refs = append(e.refs, ref)
	})
	sort.Slice(e.refs, func(i, j int) bool {
		return e.store.cfg.Compare(e.store.Get(e.refs[i]), e.store.Get(e.refs[j])) < 0
	})
	e.mapped = make(map[datastore.EntryRef]uint32, len(e.refs))
	for i, ref := range e.refs {
		e.mapped[ref] = uint32(i + 1)
	}
	return len(e.refs)
}

// MapEntryRefToEnumValue returns the enum value of a ref, or 0 when the ref
// was not part of the enumeration.
func (e *Enumerator[T]) MapEntryRefToEnumValue(ref datastore.EntryRef) uint32 {
	return e.mapped[ref]
}

// ForEachEnumValue visits entries in enum order.
func (e *Enumerator[T]) ForEachEnumValue(fn func(enumValue uint32, ref datastore.EntryRef)) {
	for i, ref := range e.refs {
		fn(uint32(i+1), ref)
	}
}

// Clear drops the snapshot.
func (e *Enumerator[T]) Clear() {
	e.refs = e.refs[:0]
	e.mapped = nil
}
