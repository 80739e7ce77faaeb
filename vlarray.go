package pario

// RaggedNode is implemented by a Node backing a VLArrayDataset: a node
// whose rows vary in length row to row, the Go analogue of an HDF5/
// PyTables variable-length array. RowLength/ReadRow exist because a
// ragged row's length is inherently data-dependent and cannot be folded
// into the ordinary Node.Read/Index contract, which assumes a fixed
// per-row shape.
type RaggedNode interface {
	Node
	RowLength(index int64) (int64, error)
	ReadRow(index int64) (Value, error)
}

// VLRowOp reads a single ragged row. Its result length depends on the
// row itself, so it is always materialized rather than written direct.
type VLRowOp struct {
	Path  string `json:"path"`
	Index int64  `json:"index"`
}

func (o VLRowOp) Kind() string         { return "VLRowOp" }
func (o VLRowOp) TargetPath() string   { return o.Path }
func (o VLRowOp) CanWriteDirect() bool { return false }

func (o VLRowOp) PredictShape(_ DType, _ []int64) (DType, []int64, error) {
	return 0, nil, ErrShapeUnpredictable
}

func (o VLRowOp) Execute(node Node, _ TypedView) (Value, error) {
	rn, ok := node.(RaggedNode)
	if !ok {
		return Value{}, NewError("VLRowOp", ErrCodeInvalid, "node does not support ragged rows")
	}
	return rn.ReadRow(o.Index)
}

// VLArrayDataset is a convenience handle, analogous to Dataset, bound to
// a path whose underlying node implements RaggedNode.
type VLArrayDataset struct {
	reader  *Reader
	path    string
	dtype   DType
	numRows int64
}

// OpenVLArrayDataset opens path's element dtype and row count through a
// short-lived adapter handle, verifying the node implements RaggedNode.
func (rd *Reader) OpenVLArrayDataset(path string) (*VLArrayDataset, error) {
	adapter, err := rd.cfg.OpenAdapter()
	if err != nil {
		return nil, WrapError("OpenVLArrayDataset", err)
	}
	defer adapter.Close()

	node, err := adapter.GetNode(path)
	if err != nil {
		return nil, WrapError("OpenVLArrayDataset", err)
	}
	rn, ok := node.(RaggedNode)
	if !ok {
		return nil, NewError("OpenVLArrayDataset", ErrCodeInvalid, "node at "+path+" is not a ragged array")
	}
	shape := rn.Shape()
	numRows := int64(0)
	if len(shape) > 0 {
		numRows = shape[0]
	}
	return &VLArrayDataset{reader: rd, path: path, dtype: rn.DType(), numRows: numRows}, nil
}

// DType returns the dataset's element type.
func (v *VLArrayDataset) DType() DType { return v.dtype }

// NumRows returns the number of ragged rows.
func (v *VLArrayDataset) NumRows() int64 { return v.numRows }

// ReadRow requests one ragged row by index. Passing from as nil stages
// the result in the Reader's own pool.
func (v *VLArrayDataset) ReadRow(from Acquirer, index int64) (*Request, error) {
	return v.reader.Request(VLRowOp{Path: v.path, Index: index}, from)
}
