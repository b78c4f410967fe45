package uniquestore

import (
	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/generation"
)

// Dictionary maps distinct values to their entry refs, with an optional
// posting-list ref per value. Implementations support one writer and many
// concurrent readers; readers use FindFrozen / FindPostingList and must
// hold a generation guard while resolving the returned refs.
type Dictionary[T any] interface {
	// Find looks up on the writer's live view.
	Find(value T) (datastore.EntryRef, bool)
	// FindFrozen looks up on an immutable snapshot without synchronization.
	FindFrozen(value T) (datastore.EntryRef, bool)
	// Add returns the existing ref for the value or invokes insertEntry to
	// allocate one on confirmed miss.
	Add(value T, insertEntry func() datastore.EntryRef) datastore.EntryRef
	// Remove unmaps the value and returns its ref.
	Remove(value T) (datastore.EntryRef, bool)

	// UpdatePostingList attaches a posting-list ref to the value's entry.
	UpdatePostingList(value T, posting datastore.EntryRef) bool
	// FindPostingList returns the posting-list ref attached to the value.
	FindPostingList(value T) (datastore.EntryRef, bool)

	// ForEachKey visits every key in the dictionary's iteration order
	// (sorted for the btree dictionary).
	ForEachKey(fn func(ref datastore.EntryRef))
	// ForEachPosting visits every key together with its posting-list ref.
	ForEachPosting(fn func(key, posting datastore.EntryRef))
	// MoveKeys rewrites every key ref through the callback; used when
	// compaction relocates store entries.
	MoveKeys(fn func(old datastore.EntryRef) datastore.EntryRef)
	// NormalizeValues rewrites every posting ref through the callback and
	// reports whether any changed.
	NormalizeValues(fn func(posting datastore.EntryRef) datastore.EntryRef) bool

	Size() int
	MemoryUsage() datastore.MemoryUsage

	TransferHoldLists(gen generation.Generation)
	TrimHoldLists(firstUsed generation.Generation)
}
