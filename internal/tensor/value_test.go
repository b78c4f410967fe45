package tensor

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func float32Cell() arrow.FixedWidthDataType {
	return arrow.PrimitiveTypes.Float32.(arrow.FixedWidthDataType)
}

func int8Cell() arrow.FixedWidthDataType {
	return arrow.PrimitiveTypes.Int8.(arrow.FixedWidthDataType)
}

func denseType(dims ...int) Type {
	var ds []Dimension
	for i, d := range dims {
		ds = append(ds, Dimension{Name: string(rune('x' + i)), Size: d})
	}
	return NewType(float32Cell(), ds...)
}

func mixedType() Type {
	return NewType(float32Cell(),
		Dimension{Name: "cat"},
		Dimension{Name: "x", Size: 2})
}

func float32Cells(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func TestType_DenseSizing(t *testing.T) {
	typ := denseType(3, 4)
	assert.True(t, typ.IsDense())
	assert.Equal(t, 12, typ.NumCells())
	assert.Equal(t, 4, typ.CellSize())
	assert.Equal(t, 48, typ.BufSize())

	small := NewType(int8Cell(), Dimension{Name: "x", Size: 5})
	assert.Equal(t, 1, small.CellSize())
	assert.Equal(t, 5, small.BufSize())
}

func TestType_Mixed(t *testing.T) {
	typ := mixedType()
	assert.False(t, typ.IsDense())
	assert.Equal(t, 1, typ.NumMappedDimensions())
	assert.Equal(t, 2, typ.DenseSubspaceSize())
	assert.Equal(t, "tensor<float32>(cat{},x[2])", typ.String())
}

func TestType_Equal(t *testing.T) {
	assert.True(t, denseType(3).Equal(denseType(3)))
	assert.False(t, denseType(3).Equal(denseType(4)))
	assert.False(t, denseType(3).Equal(NewType(int8Cell(), Dimension{Name: "x", Size: 3})))
	assert.False(t, denseType(3).Equal(mixedType()))
}

func TestValue_DenseValidation(t *testing.T) {
	typ := denseType(2)

	v := NewValue(typ, nil, float32Cells(1, 2))
	assert.Equal(t, 1, v.NumSubspaces())

	// Wrong cell count panics
	assert.Panics(t, func() { NewValue(typ, nil, float32Cells(1, 2, 3)) })
	// Dense values carry no labels
	assert.Panics(t, func() { NewValue(typ, []string{"a"}, float32Cells(1, 2)) })
}

func TestValue_EncodeDecode_Dense(t *testing.T) {
	typ := denseType(3)
	v := NewValue(typ, nil, float32Cells(1.5, -2.5, 3.25))

	decoded, err := DecodeValue(typ, v.Encode())
	require.NoError(t, err)
	assert.True(t, v.Equal(decoded))
}

func TestValue_EncodeDecode_Mixed(t *testing.T) {
	typ := mixedType()
	v := NewValue(typ,
		[]string{"tabby", "siamese"},
		float32Cells(1, 2, 3, 4))
	assert.Equal(t, 2, v.NumSubspaces())

	decoded, err := DecodeValue(typ, v.Encode())
	require.NoError(t, err)
	assert.True(t, v.Equal(decoded))
	assert.Equal(t, []string{"tabby", "siamese"}, decoded.Labels())
}

func TestValue_DecodeRejectsTruncated(t *testing.T) {
	typ := mixedType()
	v := NewValue(typ, []string{"a"}, float32Cells(1, 2))
	enc := v.Encode()

	for _, cut := range []int{1, 5, len(enc) - 1} {
		_, err := DecodeValue(typ, enc[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestValue_DecodeCopiesInput(t *testing.T) {
	typ := denseType(2)
	enc := NewValue(typ, nil, float32Cells(5, 6)).Encode()

	decoded, err := DecodeValue(typ, enc)
	require.NoError(t, err)

	// Clobbering the input must not affect the decoded value
	for i := range enc {
		enc[i] = 0xFF
	}
	assert.Equal(t, float32Cells(5, 6), decoded.Cells())
}
