package tensor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/internal/metrics"
)

func newDenseAttribute(t *testing.T, dims int) *TensorAttribute {
	t.Helper()
	typ := denseType(dims)
	return NewTensorAttribute(typ, NewDenseTensorStore(typ, memory.DefaultAllocator), AttributeConfig{})
}

func TestTensorAttribute_SlotLifecycle(t *testing.T) {
	attr := newDenseAttribute(t, 2)
	typ := attr.Type()

	// unset
	assert.Nil(t, attr.GetTensor(1))
	assert.False(t, attr.HasTensor(1))

	// set
	require.NoError(t, attr.SetTensor(1, NewValue(typ, nil, float32Cells(1, 2))))
	firstRef := attr.RefForDoc(1)
	assert.True(t, firstRef.Valid())
	assert.Equal(t, float32Cells(1, 2), attr.GetTensor(1).Cells())

	// updated: new ref, old one held
	require.NoError(t, attr.SetTensor(1, NewValue(typ, nil, float32Cells(3, 4))))
	assert.NotEqual(t, firstRef, attr.RefForDoc(1))
	assert.Equal(t, float32Cells(3, 4), attr.GetTensor(1).Cells())

	// cleared
	attr.ClearDoc(1)
	assert.Nil(t, attr.GetTensor(1))
	assert.False(t, attr.HasTensor(1))

	attr.Commit()
}

func TestTensorAttribute_CommitAdvancesGenerationOnce(t *testing.T) {
	attr := newDenseAttribute(t, 2)
	typ := attr.Type()
	require.NoError(t, attr.SetTensor(0, NewValue(typ, nil, float32Cells(1, 2))))
	attr.Commit()

	// Steady state: no dead entries, so a commit is exactly one cycle
	before := testutil.ToFloat64(metrics.GenerationIncrementsTotal)
	attr.Commit()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.GenerationIncrementsTotal))
}

func TestTensorAttribute_ClearDocsRange(t *testing.T) {
	attr := newDenseAttribute(t, 2)
	typ := attr.Type()

	for docID := uint32(0); docID < 10; docID++ {
		require.NoError(t, attr.SetTensor(docID, NewValue(typ, nil, float32Cells(float32(docID), 0))))
	}

	attr.ClearDocs(3, 7)

	for docID := uint32(0); docID < 10; docID++ {
		if docID >= 3 && docID < 7 {
			assert.False(t, attr.HasTensor(docID))
		} else {
			assert.True(t, attr.HasTensor(docID))
		}
	}
	assert.EqualValues(t, 6, attr.NumValidDocs())
	attr.Commit()
}

func TestTensorAttribute_WrongTypeRejected(t *testing.T) {
	attr := newDenseAttribute(t, 2)

	err := attr.SetTensor(0, NewValue(denseType(3), nil, float32Cells(1, 2, 3)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrongTensorType)
	assert.Nil(t, attr.GetTensor(0))
}

func TestTensorAttribute_DocIDLimitTracking(t *testing.T) {
	attr := newDenseAttribute(t, 2)
	typ := attr.Type()

	assert.Zero(t, attr.CommittedDocIDLimit())

	require.NoError(t, attr.SetTensor(41, NewValue(typ, nil, float32Cells(1, 2))))
	// Not yet committed
	assert.Zero(t, attr.CommittedDocIDLimit())

	attr.Commit()
	assert.Equal(t, uint32(42), attr.CommittedDocIDLimit())
}

func TestTensorAttribute_GrowsRefVector(t *testing.T) {
	attr := newDenseAttribute(t, 2)
	typ := attr.Type()

	// Far beyond the initial vector size
	for _, docID := range []uint32{0, 1000, 5000, 100000} {
		require.NoError(t, attr.SetTensor(docID, NewValue(typ, nil, float32Cells(float32(docID), 1))))
	}
	attr.Commit()

	for _, docID := range []uint32{0, 1000, 5000, 100000} {
		v := attr.GetTensor(docID)
		require.NotNil(t, v, docID)
		assert.Equal(t, float32Cells(float32(docID), 1), v.Cells())
	}
	assert.Equal(t, uint64(4), attr.NumValidDocs())
	assert.True(t, attr.ValidDocs().Contains(5000))
}

func TestTensorAttribute_CommitReclaimsAndCompacts(t *testing.T) {
	typ := denseType(16)
	attr := NewTensorAttribute(typ, NewDenseTensorStore(typ, memory.DefaultAllocator), AttributeConfig{})

	cells := make([]byte, typ.BufSize())
	for doc := uint32(0); doc < 500; doc++ {
		require.NoError(t, attr.SetTensor(doc, NewValue(typ, nil, cells)))
	}
	attr.Commit()

	// Overwrite everything twice to pile up dead entries
	for round := 0; round < 2; round++ {
		for doc := uint32(0); doc < 500; doc++ {
			require.NoError(t, attr.SetTensor(doc, NewValue(typ, nil, cells)))
		}
		attr.Commit()
	}

	// All documents still read back after reclamation and compaction
	for doc := uint32(0); doc < 500; doc++ {
		require.NotNil(t, attr.GetTensor(doc), doc)
	}
	usage := attr.MemoryUsage()
	assert.Positive(t, usage.UsedBytes)
}

func TestTensorAttribute_OnShrinkLidSpace(t *testing.T) {
	attr := newDenseAttribute(t, 2)
	typ := attr.Type()

	for doc := uint32(0); doc < 10; doc++ {
		require.NoError(t, attr.SetTensor(doc, NewValue(typ, nil, float32Cells(1, 2))))
	}
	attr.Commit()
	require.Equal(t, uint32(10), attr.CommittedDocIDLimit())

	attr.OnShrinkLidSpace(4)
	attr.Commit()

	assert.Equal(t, uint32(4), attr.CommittedDocIDLimit())
	assert.Equal(t, uint64(4), attr.NumValidDocs())
	assert.NotNil(t, attr.GetTensor(3))
	assert.Nil(t, attr.GetTensor(4))
}

func TestTensorAttribute_ShrinkReleasesRefVector(t *testing.T) {
	attr := newDenseAttribute(t, 2)
	typ := attr.Type()

	require.NoError(t, attr.SetTensor(5000, NewValue(typ, nil, float32Cells(1, 2))))
	require.NoError(t, attr.SetTensor(3, NewValue(typ, nil, float32Cells(3, 4))))
	grownLen := len(*attr.refVector.Load())
	require.Greater(t, grownLen, initialRefVectorSize)

	attr.OnShrinkLidSpace(4)
	assert.Less(t, len(*attr.refVector.Load()), grownLen)
	attr.Commit()

	assert.Equal(t, uint32(4), attr.CommittedDocIDLimit())
	assert.Equal(t, float32Cells(3, 4), attr.GetTensor(3).Cells())
	assert.Nil(t, attr.GetTensor(5000))
}

// Readers run guarded gets while the writer overwrites documents and
// commits; every observed value must be fully formed.
func TestTensorAttribute_ConcurrentReaders(t *testing.T) {
	typ := denseType(4)
	attr := NewTensorAttribute(typ, NewDenseTensorStore(typ, memory.DefaultAllocator), AttributeConfig{})

	const numDocs = 64
	seed := func(doc uint32, gen float32) *Value {
		return NewValue(typ, nil, float32Cells(gen, gen, gen, float32(doc)))
	}
	for doc := uint32(0); doc < numDocs; doc++ {
		require.NoError(t, attr.SetTensor(doc, seed(doc, 0)))
	}
	attr.Commit()

	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := uint32(0)
			for !stop.Load() {
				guard := attr.TakeGuard()
				if v := attr.GetTensor(doc % numDocs); v != nil {
					cells := v.Cells()
					// First three floats were written equal
					if cells[0] != cells[4] || cells[4] != cells[8] {
						torn.Add(1)
					}
				}
				guard.Release()
				doc++
			}
		}()
	}

	for gen := 1; gen <= 200; gen++ {
		for doc := uint32(0); doc < numDocs; doc++ {
			require.NoError(t, attr.SetTensor(doc, seed(doc, float32(gen))))
		}
		attr.Commit()
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load())
}

func TestTensorAttribute_DirectStoreBacked(t *testing.T) {
	typ := mixedType()
	attr := NewTensorAttribute(typ, NewDirectTensorStore(), AttributeConfig{})

	v := NewValue(typ, []string{"a"}, float32Cells(1, 2))
	require.NoError(t, attr.SetTensor(3, v))
	assert.Same(t, v, attr.GetTensor(3))
	attr.Commit()

	attr.ClearDoc(3)
	attr.Commit()
	assert.Nil(t, attr.GetTensor(3))
}

func TestTensorAttribute_StreamedStoreBacked(t *testing.T) {
	typ := mixedType()
	attr := NewTensorAttribute(typ, NewStreamedValueStore(typ), AttributeConfig{})

	v := NewValue(typ, []string{"x", "y"}, float32Cells(1, 2, 3, 4))
	require.NoError(t, attr.SetTensor(0, v))
	attr.Commit()

	got := attr.GetTensor(0)
	require.NotNil(t, got)
	assert.True(t, v.Equal(got))
}
