package tensor

import (
	"encoding/binary"
	"fmt"

	"github.com/quiverdb/quiver/internal/datastore"
	"github.com/quiverdb/quiver/internal/metrics"
)

const (
	streamedMinArrays = 1024
	streamedAlignment = 8
	lenPrefixBytes    = 4
)

// StreamedValueStore stores tensors in serialized form: a 4-byte length
// prefix followed by the encoded value body, carved out of raw byte buffers
// in alignment-sized elements with zeroed padding. Used for mixed and
// sparse types whose size varies per value.
type StreamedValueStore struct {
	storeBase
	typ    Type
	typeID uint32
	raw    datastore.RawAllocator[byte]
}

func NewStreamedValueStore(typ Type) *StreamedValueStore {
	layout := datastore.NewRefLayout(datastore.DefaultOffsetBits)
	store := datastore.NewStore(layout)
	bufType := datastore.NewBufferType[byte](streamedAlignment, datastore.BufferTypeConfig{
		MinArrays: streamedMinArrays,
		MaxArrays: int(layout.OffsetSize()) / streamedAlignment,
	})
	s := &StreamedValueStore{
		storeBase: storeBase{store: store},
		typ:       typ,
	}
	s.typeID = store.AddType(bufType)
	store.InitPrimaryBuffers()
	s.raw = datastore.NewRawAllocator[byte](store, s.typeID)
	return s
}

func (s *StreamedValueStore) Type() Type { return s.typ }

// allocRawBuffer carves room for size payload bytes plus the length prefix,
// writes the prefix and zeroes the alignment pad. Returns the ref and the
// payload slice.
func (s *StreamedValueStore) allocRawBuffer(size int) (datastore.EntryRef, []byte) {
	res := s.raw.Alloc(size + lenPrefixBytes)
	binary.LittleEndian.PutUint32(res.Data, uint32(size))
	for i := lenPrefixBytes + size; i < len(res.Data); i++ {
		res.Data[i] = 0
	}
	return res.Ref, res.Data[lenPrefixBytes : lenPrefixBytes+size]
}

// getRawBuffer returns the payload bytes at ref, aliasing arena memory.
// Callers hold a guard across every use of the slice.
func (s *StreamedValueStore) getRawBuffer(ref datastore.EntryRef) []byte {
	prefix := datastore.GetEntryArray[byte](s.store, ref, lenPrefixBytes)
	size := int(binary.LittleEndian.Uint32(prefix))
	full := datastore.GetEntryArray[byte](s.store, ref, s.raw.PaddedElems(size+lenPrefixBytes))
	return full[lenPrefixBytes : lenPrefixBytes+size]
}

func (s *StreamedValueStore) StoreTensor(v *Value) datastore.EntryRef {
	if !v.Type().Equal(s.typ) {
		panic(fmt.Sprintf("tensor: storing %s into streamed store of %s", v.Type(), s.typ))
	}
	return s.StoreEncodedTensor(v.Encode())
}

// StoreEncodedTensor stores an already-serialized value body, the path used
// when loading persisted attributes.
func (s *StreamedValueStore) StoreEncodedTensor(body []byte) datastore.EntryRef {
	ref, payload := s.allocRawBuffer(len(body))
	copy(payload, body)
	metrics.TensorValuesStoredTotal.Inc()
	return ref
}

func (s *StreamedValueStore) GetTensor(ref datastore.EntryRef) *Value {
	if !ref.Valid() {
		return nil
	}
	v, err := DecodeValue(s.typ, s.getRawBuffer(ref))
	if err != nil {
		panic(fmt.Sprintf("tensor: stored value corrupt: %v", err))
	}
	return v
}

// EncodeTensor copies the serialized body at ref, for save paths. Returns
// nil for invalid refs.
func (s *StreamedValueStore) EncodeTensor(ref datastore.EntryRef) []byte {
	if !ref.Valid() {
		return nil
	}
	raw := s.getRawBuffer(ref)
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

func (s *StreamedValueStore) holdElems(ref datastore.EntryRef) int {
	prefix := datastore.GetEntryArray[byte](s.store, ref, lenPrefixBytes)
	size := int(binary.LittleEndian.Uint32(prefix))
	return s.raw.PaddedElems(size + lenPrefixBytes)
}

func (s *StreamedValueStore) HoldTensor(ref datastore.EntryRef) {
	if !ref.Valid() {
		return
	}
	s.store.HoldEntries(ref, s.holdElems(ref), 0)
}

func (s *StreamedValueStore) Move(ref datastore.EntryRef) datastore.EntryRef {
	if !ref.Valid() {
		return 0
	}
	old := s.getRawBuffer(ref)
	newRef, payload := s.allocRawBuffer(len(old))
	copy(payload, old)
	s.store.HoldEntries(ref, s.holdElems(ref), 0)
	return newRef
}

func (s *StreamedValueStore) UpdateStat(strategy datastore.CompactionStrategy) datastore.MemoryUsage {
	usage := s.store.MemoryUsage()
	s.spec = strategy.ShouldCompact(usage, s.store.AddressSpaceUsage())
	return usage
}

func (s *StreamedValueStore) StartCompact(strategy datastore.CompactionStrategy) datastore.CompactionContext {
	victims := s.store.StartCompactWorstBuffers(s.typeID, strategy)
	return datastore.NewCompactionContext(s.store, s, victims)
}
