// Package tensor stores tensor values in arena-backed stores and exposes
// them per document through a lock-free attribute. Three encodings cover the
// value shapes: fixed dense cell blocks, heap-boxed values, and a streamed
// variable-length form for mixed tensors.
package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// Dimension is one axis of a tensor type. Size > 0 is an indexed (dense)
// dimension; Size == 0 is a mapped dimension addressed by string labels.
type Dimension struct {
	Name string
	Size int
}

func (d Dimension) Mapped() bool { return d.Size == 0 }

// Type is the declared shape of a tensor: a fixed-width arrow cell type
// plus an ordered dimension list.
type Type struct {
	Cell       arrow.FixedWidthDataType
	Dimensions []Dimension
}

func NewType(cell arrow.FixedWidthDataType, dims ...Dimension) Type {
	return Type{Cell: cell, Dimensions: dims}
}

// CellSize is the byte width of one cell.
func (t Type) CellSize() int {
	return t.Cell.BitWidth() / 8
}

// DenseSubspaceSize is the number of cells in one dense subspace: the
// product of the indexed dimension sizes.
func (t Type) DenseSubspaceSize() int {
	size := 1
	for _, d := range t.Dimensions {
		if !d.Mapped() {
			size *= d.Size
		}
	}
	return size
}

// NumMappedDimensions counts the label-addressed dimensions.
func (t Type) NumMappedDimensions() int {
	n := 0
	for _, d := range t.Dimensions {
		if d.Mapped() {
			n++
		}
	}
	return n
}

// IsDense reports whether every dimension is indexed, which means the cell
// count is fixed by the type alone.
func (t Type) IsDense() bool {
	return t.NumMappedDimensions() == 0
}

// NumCells is the fixed cell count of a dense type.
func (t Type) NumCells() int {
	assertDense(t)
	return t.DenseSubspaceSize()
}

// BufSize is the fixed byte size of a dense type's cell block.
func (t Type) BufSize() int {
	return t.NumCells() * t.CellSize()
}

func (t Type) Equal(other Type) bool {
	if t.Cell.ID() != other.Cell.ID() || len(t.Dimensions) != len(other.Dimensions) {
		return false
	}
	for i, d := range t.Dimensions {
		if d != other.Dimensions[i] {
			return false
		}
	}
	return true
}

func (t Type) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tensor<%s>(", t.Cell.Name())
	for i, d := range t.Dimensions {
		if i > 0 {
			buf.WriteByte(',')
		}
		if d.Mapped() {
			fmt.Fprintf(&buf, "%s{}", d.Name)
		} else {
			fmt.Fprintf(&buf, "%s[%d]", d.Name, d.Size)
		}
	}
	buf.WriteByte(')')
	return buf.String()
}

func assertDense(t Type) {
	if !t.IsDense() {
		panic(fmt.Sprintf("tensor: type %s is not dense", t))
	}
}

// Value is one tensor value: a run of subspaces, each addressed by one
// label per mapped dimension and carrying a fixed dense cell block. A dense
// value has exactly one unlabeled subspace. Values are immutable once
// built; readers share them without synchronization.
type Value struct {
	typ    Type
	labels []string
	cells  []byte
}

// NewValue builds a value from its flattened parts: labels has one entry
// per (subspace, mapped dimension) pair in subspace-major order, cells is
// the concatenated cell blocks.
func NewValue(typ Type, labels []string, cells []byte) *Value {
	numMapped := typ.NumMappedDimensions()
	subspaceBytes := typ.DenseSubspaceSize() * typ.CellSize()
	if numMapped == 0 {
		if len(labels) != 0 || len(cells) != subspaceBytes {
			panic(fmt.Sprintf("tensor: dense value of type %s needs %d cell bytes, got %d labels and %d bytes",
				typ, subspaceBytes, len(labels), len(cells)))
		}
	} else {
		if len(labels)%numMapped != 0 {
			panic(fmt.Sprintf("tensor: %d labels do not tile %d mapped dimensions", len(labels), numMapped))
		}
		if len(cells) != (len(labels)/numMapped)*subspaceBytes {
			panic(fmt.Sprintf("tensor: cell bytes %d do not match %d subspaces of type %s",
				len(cells), len(labels)/numMapped, typ))
		}
	}
	return &Value{typ: typ, labels: labels, cells: cells}
}

func (v *Value) Type() Type       { return v.typ }
func (v *Value) Cells() []byte    { return v.cells }
func (v *Value) Labels() []string { return v.labels }

func (v *Value) NumSubspaces() int {
	if n := v.typ.NumMappedDimensions(); n > 0 {
		return len(v.labels) / n
	}
	return 1
}

// MemoryBytes approximates the heap footprint of the value, used for
// extra-byte accounting when values are boxed instead of serialized.
func (v *Value) MemoryBytes() int {
	bytes := len(v.cells) + 16*len(v.labels)
	for _, l := range v.labels {
		bytes += len(l)
	}
	return bytes + 64
}

func (v *Value) Equal(other *Value) bool {
	if other == nil || !v.typ.Equal(other.typ) || len(v.labels) != len(other.labels) {
		return false
	}
	for i, l := range v.labels {
		if l != other.labels[i] {
			return false
		}
	}
	return bytes.Equal(v.cells, other.cells)
}

// Encode serializes the value body: subspace count, labels, then the raw
// cell bytes. The streamed store prefixes the result with its own length
// word; the body itself is self-describing given the type.
func (v *Value) Encode() []byte {
	size := 4
	for _, l := range v.labels {
		size += 4 + len(l)
	}
	size += len(v.cells)
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.NumSubspaces()))
	for _, l := range v.labels {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(l)))
		buf = append(buf, l...)
	}
	return append(buf, v.cells...)
}

// DecodeValue rebuilds a value of the given type from an Encode body. The
// returned value owns copies of its data; it never aliases the input (which
// may live in arena memory only pinned for the duration of a guard).
func DecodeValue(typ Type, buf []byte) (*Value, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("tensor: truncated value body (%d bytes)", len(buf))
	}
	numSubspaces := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	numLabels := numSubspaces * typ.NumMappedDimensions()
	labels := make([]string, 0, numLabels)
	for i := 0; i < numLabels; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("tensor: truncated label length at label %d", i)
		}
		n := int(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		if len(buf) < n {
			return nil, fmt.Errorf("tensor: truncated label at label %d", i)
		}
		labels = append(labels, string(buf[:n]))
		buf = buf[n:]
	}
	cellBytes := numSubspaces * typ.DenseSubspaceSize() * typ.CellSize()
	if len(buf) < cellBytes {
		return nil, fmt.Errorf("tensor: %d cell bytes present, type %s needs %d", len(buf), typ, cellBytes)
	}
	cells := make([]byte, cellBytes)
	copy(cells, buf)
	return NewValue(typ, labels, cells), nil
}
