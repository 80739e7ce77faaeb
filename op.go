package pario

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/archlab/go-pario/internal/wire"
)

var opJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrShapeUnpredictable is returned by PredictShape for the handful of Op
// kinds whose result length genuinely depends on the data (a boolean
// mask, a Where clause, or a variable-length row) and so
// cannot be computed from arguments alone. A worker encountering this
// must materialize the Value first and read the shape back off it before
// sizing a stage, instead of sizing the stage up front.
var ErrShapeUnpredictable = errors.New("pario: op result shape is not predictable without reading data")

// Op is one unit of work dispatched to a worker: a request to read,
// select, or filter data out of a Node and land the result in a stage.
// Every concrete Op is a plain struct so it round-trips through
// internal/wire's JSON envelope with ordinary struct tags.
type Op interface {
	// Kind names the concrete Op type, used as the envelope's op_kind tag.
	Kind() string
	// TargetPath is the dataset path this op reads from.
	TargetPath() string
	// CanWriteDirect reports whether Execute writes straight into the
	// caller-supplied TypedView (true) or returns a materialized Value
	// the caller must copy into a stage itself (false).
	CanWriteDirect() bool
	// PredictShape returns the dtype/shape Execute will produce given the
	// node's own dtype/shape, without running the op, or
	// ErrShapeUnpredictable if that cannot be known in advance.
	PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error)
	// Execute runs the op against node. When CanWriteDirect is true, view
	// must be non-zero and sized for the predicted shape; Execute writes
	// into it and returns a Value whose Data is nil. When false, view is
	// ignored and Execute returns a fully materialized Value.
	Execute(node Node, view TypedView) (Value, error)
}

// sliceLen computes the number of elements a [start:stop:step) slice
// yields, the arithmetic every op uses to size a read before issuing it.
func sliceLen(start, stop, step int64) int64 {
	if step == 0 {
		step = 1
	}
	if step > 0 {
		if stop <= start {
			return 0
		}
		return (stop - start + step - 1) / step
	}
	if stop >= start {
		return 0
	}
	return (start - stop - step - 1) / (-step)
}

func resolveSlice(start, stop, step *int64, dimLen int64) (int64, int64, int64) {
	s, e, st := int64(0), dimLen, int64(1)
	if step != nil {
		st = *step
	}
	if start != nil {
		s = *start
	}
	if stop != nil {
		e = *stop
	}
	return s, e, st
}

// ReadOp reads a plain (possibly strided) slice along axis 0. It is the
// common case and the only single-range op that can always write
// directly into shared memory, since its result length is a pure
// function of the slice bounds.
type ReadOp struct {
	Path  string `json:"path"`
	Start *int64 `json:"start,omitempty"`
	Stop  *int64 `json:"stop,omitempty"`
	Step  *int64 `json:"step,omitempty"`
	Field string `json:"field,omitempty"`
}

func (o ReadOp) Kind() string       { return "ReadOp" }
func (o ReadOp) TargetPath() string { return o.Path }
func (o ReadOp) CanWriteDirect() bool { return true }

func (o ReadOp) PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error) {
	if len(nodeShape) == 0 {
		return 0, nil, errors.New("pario: ReadOp requires a node with at least one dimension")
	}
	s, e, st := resolveSlice(o.Start, o.Stop, o.Step, nodeShape[0])
	out := append([]int64{sliceLen(s, e, st)}, nodeShape[1:]...)
	return nodeDType, out, nil
}

func (o ReadOp) Execute(node Node, view TypedView) (Value, error) {
	if err := node.Read(o.Start, o.Stop, o.Step, o.Field, view); err != nil {
		return Value{}, err
	}
	return Value{DType: view.DType(), Shape: view.Shape()}, nil
}

// ReadScalarOp reads a single element, the Go analogue of the original
// implementation's scalar fast path that skips building a length-1 slice
// result and unwraps it.
type ReadScalarOp struct {
	Path  string `json:"path"`
	Index int64  `json:"index"`
	Field string `json:"field,omitempty"`
}

func (o ReadScalarOp) Kind() string         { return "ReadScalarOp" }
func (o ReadScalarOp) TargetPath() string   { return o.Path }
func (o ReadScalarOp) CanWriteDirect() bool { return false }

func (o ReadScalarOp) PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error) {
	if len(nodeShape) == 0 {
		return 0, nil, errors.New("pario: ReadScalarOp requires a node with at least one dimension")
	}
	return nodeDType, append([]int64{}, nodeShape[1:]...), nil
}

func (o ReadScalarOp) Execute(node Node, _ TypedView) (Value, error) {
	dtype, shape, err := o.PredictShape(node.DType(), node.Shape())
	if err != nil {
		return Value{}, err
	}
	buf := make([]byte, NBytes(dtype, shape))
	tmp := NewTypedView(dtype, shape, buf)
	start, stop := o.Index, o.Index+1
	if err := node.Read(&start, &stop, nil, o.Field, tmp); err != nil {
		return Value{}, err
	}
	return Value{DType: dtype, Shape: shape, Data: buf}, nil
}

// JoinedSlicesOp reads several disjoint [start:stop) ranges along axis 0
// and concatenates them into one contiguous result, which is how a
// cyclic scan joins the dataset's tail and head into one block. It
// can still write directly into shared memory because the total length
// is the sum of each range's length, known without touching the data.
type JoinedSlicesOp struct {
	Path   string       `json:"path"`
	Ranges []SliceRange `json:"ranges"`
	Field  string       `json:"field,omitempty"`
}

// SliceRange is one [Start, Stop) range with an optional Step, used by
// JoinedSlicesOp.
type SliceRange struct {
	Start int64  `json:"start"`
	Stop  int64  `json:"stop"`
	Step  *int64 `json:"step,omitempty"`
}

func (o JoinedSlicesOp) Kind() string         { return "JoinedSlicesOp" }
func (o JoinedSlicesOp) TargetPath() string   { return o.Path }
func (o JoinedSlicesOp) CanWriteDirect() bool { return true }

func (o JoinedSlicesOp) PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error) {
	if len(nodeShape) == 0 {
		return 0, nil, errors.New("pario: JoinedSlicesOp requires a node with at least one dimension")
	}
	var total int64
	for _, r := range o.Ranges {
		step := int64(1)
		if r.Step != nil {
			step = *r.Step
		}
		total += sliceLen(r.Start, r.Stop, step)
	}
	out := append([]int64{total}, nodeShape[1:]...)
	return nodeDType, out, nil
}

func (o JoinedSlicesOp) Execute(node Node, view TypedView) (Value, error) {
	itemElems := int64(1)
	for _, s := range view.Shape()[1:] {
		itemElems *= s
	}
	itemBytes := itemElems * view.DType().ItemSize()
	raw := view.Bytes()
	var offset int64
	for _, r := range o.Ranges {
		step := int64(1)
		if r.Step != nil {
			step = *r.Step
		}
		n := sliceLen(r.Start, r.Stop, step)
		if n == 0 {
			continue
		}
		sub := NewTypedView(view.DType(), append([]int64{n}, view.Shape()[1:]...), raw[offset:offset+n*itemBytes])
		start, stop := r.Start, r.Stop
		if err := node.Read(&start, &stop, r.Step, o.Field, sub); err != nil {
			return Value{}, err
		}
		offset += n * itemBytes
	}
	return Value{DType: view.DType(), Shape: view.Shape()}, nil
}

// IndexOp performs fancy indexing by an explicit set of row positions or a
// boolean mask. A mask's result length depends on how many entries are
// true, so PredictShape only succeeds when Positions is used.
type IndexOp struct {
	Path  string   `json:"path"`
	Key   IndexKey `json:"key"`
	Field string   `json:"field,omitempty"`
}

func (o IndexOp) Kind() string         { return "IndexOp" }
func (o IndexOp) TargetPath() string   { return o.Path }
func (o IndexOp) CanWriteDirect() bool { return false }

func (o IndexOp) PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error) {
	if o.Key.Mask != nil {
		return 0, nil, ErrShapeUnpredictable
	}
	if len(nodeShape) == 0 {
		return 0, nil, errors.New("pario: IndexOp requires a node with at least one dimension")
	}
	out := append([]int64{int64(len(o.Key.Positions))}, nodeShape[1:]...)
	return nodeDType, out, nil
}

func (o IndexOp) Execute(node Node, _ TypedView) (Value, error) {
	return node.Index(o.Key)
}

// ColOp selects a named sub-column/field of a compound node and delegates
// the remaining read shape to an inner op, so "read column x, rows 10:20"
// is one dispatched request rather than two round trips.
type ColOp struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Inner Op     `json:"-"`

	// InnerKind/InnerPayload carry Inner across the wire, since an Op
	// interface field cannot round-trip through jsoniter on its own.
	// EncodeOp/DecodeOp populate and consume these; callers that build a
	// ColOp in-process only ever need to set Inner.
	InnerKind    string `json:"inner_kind,omitempty"`
	InnerPayload []byte `json:"inner_payload,omitempty"`
}

func (o ColOp) Kind() string         { return "ColOp" }
func (o ColOp) TargetPath() string   { return o.Path }
func (o ColOp) CanWriteDirect() bool { return o.Inner != nil && o.Inner.CanWriteDirect() }

func (o ColOp) PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error) {
	if o.Inner == nil {
		return nodeDType, nodeShape, nil
	}
	return o.Inner.PredictShape(nodeDType, nodeShape)
}

func (o ColOp) Execute(node Node, view TypedView) (Value, error) {
	col, err := node.Col(o.Name)
	if err != nil {
		return Value{}, err
	}
	if o.Inner == nil {
		return Value{}, errors.New("pario: ColOp requires an inner op")
	}
	return o.Inner.Execute(col, view)
}

// CoordOp reads an explicit, arbitrary-order list of row coordinates, the
// Go analogue of PyTables' read_coordinates: like an IndexOp position
// list, a coordinate read may repeat or reorder rows, and it is always
// materialized rather than written direct.
type CoordOp struct {
	Path   string
	Coords []int64
	Field  string
}

// coordOpWire is CoordOp's envelope: the coordinate list rides the
// size-switched array encoding, so a large selection becomes raw bytes
// instead of a JSON number array.
type coordOpWire struct {
	Path   string          `json:"path"`
	Coords wire.Int64Array `json:"coords"`
	Field  string          `json:"field,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (o CoordOp) MarshalJSON() ([]byte, error) {
	return opJSON.Marshal(coordOpWire{Path: o.Path, Coords: wire.Int64Array{Values: o.Coords}, Field: o.Field})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *CoordOp) UnmarshalJSON(data []byte) error {
	var w coordOpWire
	if err := opJSON.Unmarshal(data, &w); err != nil {
		return err
	}
	o.Path, o.Coords, o.Field = w.Path, w.Coords.Values, w.Field
	return nil
}

func (o CoordOp) Kind() string         { return "CoordOp" }
func (o CoordOp) TargetPath() string   { return o.Path }
func (o CoordOp) CanWriteDirect() bool { return false }

func (o CoordOp) PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error) {
	if len(nodeShape) == 0 {
		return 0, nil, errors.New("pario: CoordOp requires a node with at least one dimension")
	}
	out := append([]int64{int64(len(o.Coords))}, nodeShape[1:]...)
	return nodeDType, out, nil
}

func (o CoordOp) Execute(node Node, _ TypedView) (Value, error) {
	return node.ReadCoordinates(o.Coords, o.Field)
}

// SortOp reads a range ordered by an indexed column, optionally
// confirming the column carries a fully-sorted (CSI) index first.
type SortOp struct {
	Path     string `json:"path"`
	SortBy   string `json:"sort_by"`
	CheckCSI bool   `json:"check_csi,omitempty"`
	Field    string `json:"field,omitempty"`
	Start    *int64 `json:"start,omitempty"`
	Stop     *int64 `json:"stop,omitempty"`
	Step     *int64 `json:"step,omitempty"`
}

func (o SortOp) Kind() string         { return "SortOp" }
func (o SortOp) TargetPath() string   { return o.Path }
func (o SortOp) CanWriteDirect() bool { return false }

func (o SortOp) PredictShape(nodeDType DType, nodeShape []int64) (DType, []int64, error) {
	if len(nodeShape) == 0 {
		return 0, nil, errors.New("pario: SortOp requires a node with at least one dimension")
	}
	s, e, st := resolveSlice(o.Start, o.Stop, o.Step, nodeShape[0])
	out := append([]int64{sliceLen(s, e, st)}, nodeShape[1:]...)
	return nodeDType, out, nil
}

func (o SortOp) Execute(node Node, _ TypedView) (Value, error) {
	return node.ReadSorted(o.SortBy, o.CheckCSI, o.Field, o.Start, o.Stop, o.Step)
}

// WhereOp selects rows matching a boolean expression evaluated by the
// adapter, optionally against extra named condition variables. Its result
// length depends entirely on the data, so it is always materialized.
type WhereOp struct {
	Path     string           `json:"path"`
	Cond     string           `json:"cond"`
	Condvars map[string]Value `json:"condvars,omitempty"`
	Start    *int64           `json:"start,omitempty"`
	Stop     *int64           `json:"stop,omitempty"`
	Step     *int64           `json:"step,omitempty"`
}

func (o WhereOp) Kind() string         { return "WhereOp" }
func (o WhereOp) TargetPath() string   { return o.Path }
func (o WhereOp) CanWriteDirect() bool { return false }

func (o WhereOp) PredictShape(_ DType, _ []int64) (DType, []int64, error) {
	return 0, nil, ErrShapeUnpredictable
}

func (o WhereOp) Execute(node Node, _ TypedView) (Value, error) {
	return node.ReadWhere(o.Cond, o.Condvars, o.Start, o.Stop, o.Step)
}

// FuseAdjacent merges a run of ReadOp requests on the same path and field
// into a single JoinedSlicesOp, avoiding a worker round trip per range.
func FuseAdjacent(ops []ReadOp) Op {
	if len(ops) == 1 {
		return ops[0]
	}
	ranges := make([]SliceRange, len(ops))
	path, field := "", ""
	if len(ops) > 0 {
		path, field = ops[0].Path, ops[0].Field
	}
	for i, op := range ops {
		start, stop := int64(0), int64(0)
		if op.Start != nil {
			start = *op.Start
		}
		if op.Stop != nil {
			stop = *op.Stop
		}
		ranges[i] = SliceRange{Start: start, Stop: stop, Step: op.Step}
	}
	return JoinedSlicesOp{Path: path, Ranges: ranges, Field: field}
}

// EncodeOp serializes op into a wire.Descriptor's op_kind/op_payload pair,
// resolving a ColOp's fused inner op into its own nested kind/payload
// first since an Op interface field cannot round-trip through jsoniter by
// itself.
func EncodeOp(op Op) (kind string, payload []byte, err error) {
	if col, ok := op.(ColOp); ok && col.Inner != nil {
		innerKind, innerPayload, err := EncodeOp(col.Inner)
		if err != nil {
			return "", nil, err
		}
		col.InnerKind = innerKind
		col.InnerPayload = innerPayload
		payload, err = opJSON.Marshal(col)
		return col.Kind(), payload, err
	}
	payload, err = opJSON.Marshal(op)
	return op.Kind(), payload, err
}

// DecodeOp reconstructs an Op from the kind/payload pair EncodeOp produced.
func DecodeOp(kind string, payload []byte) (Op, error) {
	switch kind {
	case "ReadOp":
		var o ReadOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	case "ReadScalarOp":
		var o ReadScalarOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	case "JoinedSlicesOp":
		var o JoinedSlicesOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	case "IndexOp":
		var o IndexOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	case "ColOp":
		var o ColOp
		if err := opJSON.Unmarshal(payload, &o); err != nil {
			return nil, err
		}
		if o.InnerKind != "" {
			inner, err := DecodeOp(o.InnerKind, o.InnerPayload)
			if err != nil {
				return nil, err
			}
			o.Inner = inner
		}
		return o, nil
	case "CoordOp":
		var o CoordOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	case "SortOp":
		var o SortOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	case "WhereOp":
		var o WhereOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	case "VLRowOp":
		var o VLRowOp
		err := opJSON.Unmarshal(payload, &o)
		return o, err
	default:
		return nil, fmt.Errorf("pario: unknown op kind %q", kind)
	}
}
