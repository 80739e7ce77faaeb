// Package pario provides a parallel read engine for columnar container
// files: read requests are described as serializable Ops, dispatched
// over shared-memory ring queues to a pool of workers each holding its
// own file-adapter handle, and results land in named shared-memory
// stages the caller views without an extra serialize/copy step.
package pario

import (
	"fmt"

	"github.com/archlab/go-pario/internal/wire"
)

// DType enumerates the element types a Node's data can carry. It is
// deliberately small: go-pario's Non-goals exclude authoring new file
// formats, so this only needs to describe what a FileAdapter can already
// produce, not every dtype a columnar library might define internally.
type DType int

const (
	DTypeInt8 DType = iota
	DTypeInt16
	DTypeInt32
	DTypeInt64
	DTypeUint8
	DTypeUint16
	DTypeUint32
	DTypeUint64
	DTypeFloat32
	DTypeFloat64
	DTypeBool
	DTypeBytes
)

// ItemSize returns the per-element size in bytes for fixed-width dtypes.
// DTypeBytes has no fixed item size and returns 0; callers computing a
// byte count for DTypeBytes must consult the Value's own length.
func (d DType) ItemSize() int64 {
	switch d {
	case DTypeInt8, DTypeUint8, DTypeBool:
		return 1
	case DTypeInt16, DTypeUint16:
		return 2
	case DTypeInt32, DTypeUint32, DTypeFloat32:
		return 4
	case DTypeInt64, DTypeUint64, DTypeFloat64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case DTypeInt8:
		return "int8"
	case DTypeInt16:
		return "int16"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	case DTypeUint8:
		return "uint8"
	case DTypeUint16:
		return "uint16"
	case DTypeUint32:
		return "uint32"
	case DTypeUint64:
		return "uint64"
	case DTypeFloat32:
		return "float32"
	case DTypeFloat64:
		return "float64"
	case DTypeBool:
		return "bool"
	case DTypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// NBytes computes the byte size of a value with the given shape under
// dtype.
func NBytes(dtype DType, shape []int64) int64 {
	n := dtype.ItemSize()
	for _, s := range shape {
		n *= s
	}
	return n
}

// Value is a self-describing, materialized result returned by a Node's
// indexing/coordinate/sort/where methods -- the pieces of the adapter
// contract that cannot write directly into a caller-provided view because
// their result shape depends on data, not just arguments (a Where clause
// or a fancy-index selection).
type Value struct {
	DType DType
	Shape []int64
	Data  []byte
}

// IndexKey describes one fancy-indexing argument to Node.Index: either an
// integer list of row positions, a boolean mask the same length as the
// node's first dimension, or a raw opaque key a test adapter may choose
// to interpret itself.
type IndexKey struct {
	Positions []int64
	Mask      []bool
	Raw       interface{}
}

// indexKeyWire is IndexKey's envelope: positions and the mask (packed as
// 0/1 values) ride the size-switched array encoding, so a large
// selection becomes raw bytes instead of a JSON number array.
type indexKeyWire struct {
	Positions *wire.Int64Array `json:"positions,omitempty"`
	Mask      *wire.Int64Array `json:"mask,omitempty"`
	Raw       interface{}      `json:"raw,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (k IndexKey) MarshalJSON() ([]byte, error) {
	var w indexKeyWire
	if k.Positions != nil {
		w.Positions = &wire.Int64Array{Values: k.Positions}
	}
	if k.Mask != nil {
		bits := make([]int64, len(k.Mask))
		for i, m := range k.Mask {
			if m {
				bits[i] = 1
			}
		}
		w.Mask = &wire.Int64Array{Values: bits}
	}
	w.Raw = k.Raw
	return opJSON.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *IndexKey) UnmarshalJSON(data []byte) error {
	var w indexKeyWire
	if err := opJSON.Unmarshal(data, &w); err != nil {
		return err
	}
	k.Positions, k.Mask, k.Raw = nil, nil, w.Raw
	if w.Positions != nil {
		k.Positions = w.Positions.Values
	}
	if w.Mask != nil {
		k.Mask = make([]bool, len(w.Mask.Values))
		for i, v := range w.Mask.Values {
			k.Mask[i] = v != 0
		}
	}
	return nil
}

// Node is a handle onto one dataset path inside an opened FileAdapter.
// Read is the only method that writes directly into a caller-supplied
// TypedView; every other method returns a materialized Value because its
// result shape cannot be predicted from arguments alone.
type Node interface {
	DType() DType
	Shape() []int64
	ChunkShape() []int64 // nil if the node is not chunked

	Read(start, stop, step *int64, field string, out TypedView) error
	Index(key IndexKey) (Value, error)
	Col(name string) (Node, error)
	ReadCoordinates(coords []int64, field string) (Value, error)
	ReadSorted(sortBy string, checkCSI bool, field string, start, stop, step *int64) (Value, error)
	ReadWhere(cond string, condvars map[string]Value, start, stop, step *int64) (Value, error)
}

// OpenOptions carries FileAdapter-specific tuning for an OpenFunc. Its
// only field is ReadOnly, which nothing in go-pario reads; adapters can
// grow their own options without changing the OpenFunc signature.
type OpenOptions struct {
	ReadOnly bool
}

// FileAdapter opens dataset paths inside one backing file. Each worker
// opens its own handle from inside its run loop (internal/worker) and
// keeps it for its lifetime, since a real columnar-file library's handle
// is not guaranteed safe to share across independently scheduled
// execution contexts. No handle is opened at package init or by
// NewReader; OpenDataset, Dataset.Col and OpenVLArrayDataset open
// short-lived handles from the caller's goroutine to read metadata and
// close them before returning.
type FileAdapter interface {
	GetNode(path string) (Node, error)
	Close() error
}

// OpenFunc is the shape of a function that opens a FileAdapter onto the
// file at path. Nothing in go-pario registers or calls one: a Reader gets
// its handles from ReaderConfig.OpenAdapter, and the reference
// implementation exercised by the tests is package backend's File, whose
// Open method fits that field.
type OpenFunc func(path string, opts OpenOptions) (FileAdapter, error)
