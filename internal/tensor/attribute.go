package tensor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/rs/zerolog"

	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/generation"
	"github.com/quiverdb/quiver/internal/logging"
	"github.com/quiverdb/quiver/internal/metrics"
)

// ErrWrongTensorType is returned when a value's type does not match the
// attribute's declared type. The only recoverable error in this package;
// everything else is a contract violation and panics.
var ErrWrongTensorType = errors.New("wrong tensor type")

const initialRefVectorSize = 1024

// AttributeConfig tunes one attribute instance.
type AttributeConfig struct {
	// Compaction overrides the default dead-ratio thresholds.
	Compaction datastore.CompactionStrategy
	// Logger receives commit and compaction events. Nop when unset.
	Logger *zerolog.Logger
}

// TensorAttribute maps document ids to tensor values through a ref vector
// over a TensorStore. Single writer; readers resolve refs lock-free under a
// generation guard. Every mutation becomes reader-visible at the next
// Commit, which also advances the generation and reclaims memory no guard
// can still reach.
type TensorAttribute struct {
	typ      Type
	store    TensorStore
	gens     *generation.Handler
	holder   generation.Holder
	strategy datastore.CompactionStrategy
	logger   zerolog.Logger

	refVector atomic.Pointer[[]datastore.AtomicEntryRef]

	// writer-side state
	docs         *roaring.Bitmap
	docIDLimit   uint32
	committedLid atomic.Uint32
}

func NewTensorAttribute(typ Type, store TensorStore, cfg AttributeConfig) *TensorAttribute {
	if cfg.Compaction == (datastore.CompactionStrategy{}) {
		cfg.Compaction = datastore.DefaultCompactionStrategy()
	}
	logger := logging.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	a := &TensorAttribute{
		typ:      typ,
		store:    store,
		gens:     generation.NewHandler(),
		strategy: cfg.Compaction,
		logger:   logger,
		docs:     roaring.New(),
	}
	refs := make([]datastore.AtomicEntryRef, initialRefVectorSize)
	a.refVector.Store(&refs)
	return a
}

func (a *TensorAttribute) Type() Type { return a.typ }

// TakeGuard pins the current generation for a reader. Release it as soon as
// the read is over; an unreleased guard blocks all reclamation.
func (a *TensorAttribute) TakeGuard() generation.Guard {
	return a.gens.TakeGuard()
}

// GetTensor returns the document's value, or nil when the document has
// none. Reader-safe under a guard.
func (a *TensorAttribute) GetTensor(docID uint32) *Value {
	return a.store.GetTensor(a.RefForDoc(docID))
}

// RefForDoc resolves the document's current entry ref. Reader-safe under a
// guard.
func (a *TensorAttribute) RefForDoc(docID uint32) datastore.EntryRef {
	refs := *a.refVector.Load()
	if int(docID) >= len(refs) {
		return 0
	}
	return refs[docID].LoadAcquire()
}

// HasTensor reports whether the document holds a value. Writer only.
func (a *TensorAttribute) HasTensor(docID uint32) bool {
	return a.docs.Contains(docID)
}

// ensureSpace grows the ref vector to cover docID. The old array stays
// readable until its hold generation is reclaimed.
func (a *TensorAttribute) ensureSpace(docID uint32) {
	refs := *a.refVector.Load()
	if int(docID) < len(refs) {
		return
	}
	newLen := len(refs) * 2
	for newLen <= int(docID) {
		newLen *= 2
	}
	grown := make([]datastore.AtomicEntryRef, newLen)
	for i := range refs {
		grown[i].StoreRelease(refs[i].LoadRelaxed())
	}
	a.refVector.Store(&grown)
	a.holder.Hold(&refs, len(refs)*int(unsafe.Sizeof(datastore.AtomicEntryRef{})))
}

// setRef publishes a new ref for the document and holds the old value.
// This is the single update protocol every mutation funnels through.
func (a *TensorAttribute) setRef(docID uint32, ref datastore.EntryRef) {
	refs := *a.refVector.Load()
	old := refs[docID].LoadRelaxed()
	refs[docID].StoreRelease(ref)
	a.store.HoldTensor(old)
}

// SetTensor stores the value for the document, replacing any previous one.
// Writer only.
func (a *TensorAttribute) SetTensor(docID uint32, v *Value) error {
	if !v.Type().Equal(a.typ) {
		return fmt.Errorf("%w: attribute is %s, value is %s", ErrWrongTensorType, a.typ, v.Type())
	}
	a.ensureSpace(docID)
	ref := a.store.StoreTensor(v)
	a.setRef(docID, ref)
	a.docs.Add(docID)
	if docID >= a.docIDLimit {
		a.docIDLimit = docID + 1
	}
	return nil
}

// ClearDoc removes the document's value. Writer only.
func (a *TensorAttribute) ClearDoc(docID uint32) {
	refs := *a.refVector.Load()
	if int(docID) >= len(refs) {
		return
	}
	a.setRef(docID, 0)
	a.docs.Remove(docID)
}

// ClearDocs removes the values of every document in [fromDocID, toDocID).
// Writer only.
func (a *TensorAttribute) ClearDocs(fromDocID, toDocID uint32) {
	for docID := fromDocID; docID < toDocID; docID++ {
		if a.docs.Contains(docID) {
			a.ClearDoc(docID)
		}
	}
}

// NumValidDocs counts documents currently holding a value.
func (a *TensorAttribute) NumValidDocs() uint64 {
	return a.docs.GetCardinality()
}

// ValidDocs returns a copy of the document-id set, for save and iteration
// paths. Writer only.
func (a *TensorAttribute) ValidDocs() *roaring.Bitmap {
	return a.docs.Clone()
}

// CommittedDocIDLimit is one past the highest document id any committed
// mutation has touched. Reader-safe.
func (a *TensorAttribute) CommittedDocIDLimit() uint32 {
	return a.committedLid.Load()
}

// OnShrinkLidSpace drops every document at or above the new limit and
// shrinks the ref vector to match it. The old array stays readable until
// its hold generation is reclaimed; the shrink becomes reader-visible at
// the next Commit. Writer only.
func (a *TensorAttribute) OnShrinkLidSpace(docIDLimit uint32) {
	refs := *a.refVector.Load()
	upper := uint32(len(refs))
	for docID := docIDLimit; docID < upper; docID++ {
		if a.docs.Contains(docID) {
			a.setRef(docID, 0)
			a.docs.Remove(docID)
		}
	}
	if a.docIDLimit > docIDLimit {
		a.docIDLimit = docIDLimit
	}

	newLen := initialRefVectorSize
	for newLen < int(docIDLimit) {
		newLen *= 2
	}
	if newLen >= len(refs) {
		return
	}
	shrunk := make([]datastore.AtomicEntryRef, newLen)
	for i := range shrunk {
		shrunk[i].StoreRelease(refs[i].LoadRelaxed())
	}
	a.refVector.Store(&shrunk)
	a.holder.Hold(&refs, len(refs)*int(unsafe.Sizeof(datastore.AtomicEntryRef{})))
}

// cycleGeneration runs one full reclamation round: pending holds get the
// closing generation, the generation advances, and everything older than
// the oldest guarded generation is reclaimed.
func (a *TensorAttribute) cycleGeneration() {
	current := a.gens.Current()
	a.store.TransferHoldLists(current)
	a.holder.AssignGeneration(current)
	a.gens.IncGeneration()
	firstUsed := a.gens.FirstUsedGeneration()
	a.store.TrimHoldLists(firstUsed)
	a.holder.Reclaim(firstUsed)
}

// Commit makes every mutation since the previous Commit reader-visible,
// advances the generation, reclaims unreachable memory and compacts the
// store when fragmentation crosses the strategy thresholds. Writer only.
func (a *TensorAttribute) Commit() {
	a.committedLid.Store(a.docIDLimit)
	a.cycleGeneration()
	usage := a.store.UpdateStat(a.strategy)
	if a.store.ConsiderCompact() {
		a.compactStore()
		a.cycleGeneration()
		a.logger.Debug().
			Int("used_bytes", usage.UsedBytes).
			Int("dead_bytes", usage.DeadBytes).
			Msg("attribute store compacted")
	}
	metrics.AttributeCommitsTotal.Inc()
}

// compactStore moves live tensors out of the worst buffers and remaps the
// ref vector in place.
func (a *TensorAttribute) compactStore() {
	ctx := a.store.StartCompact(a.strategy)
	refs := *a.refVector.Load()
	ctx.Compact(refs[:a.docIDLimit])
	ctx.Done()
}

// MemoryUsage aggregates the store's usage with the ref vector and anything
// still on hold for readers.
func (a *TensorAttribute) MemoryUsage() datastore.MemoryUsage {
	usage := a.store.MemoryUsage()
	refs := *a.refVector.Load()
	refBytes := len(refs) * int(unsafe.Sizeof(datastore.AtomicEntryRef{}))
	usage.AllocatedBytes += refBytes
	usage.UsedBytes += int(a.docIDLimit) * int(unsafe.Sizeof(datastore.AtomicEntryRef{}))
	held := a.holder.HeldBytes()
	usage.AllocatedBytes += held
	usage.AllocatedBytesOnHold += held
	return usage
}

func (a *TensorAttribute) AddressSpaceUsage() datastore.AddressSpace {
	return a.store.AddressSpaceUsage()
}

// Close releases everything unconditionally. No reader may be active.
func (a *TensorAttribute) Close() {
	a.store.ClearHoldLists()
	a.holder.ReclaimAll()
}
