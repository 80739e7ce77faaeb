package pario

// Dataset is a convenience handle bound to one Reader and one dataset
// path: it fetches the node's dtype/shape/chunking once, synchronously,
// through a short-lived adapter handle opened just for that purpose, so
// every subsequent read through the Reader's worker pool can size its
// stage without a worker round trip first.
type Dataset struct {
	reader     *Reader
	path       string
	field      string
	dtype      DType
	shape      []int64
	chunkShape []int64
}

// OpenDataset opens path's metadata (dtype, shape, chunk shape) through a
// fresh adapter handle, immediately closed afterward, and binds it to rd
// for subsequent reads.
func (rd *Reader) OpenDataset(path string) (*Dataset, error) {
	adapter, err := rd.cfg.OpenAdapter()
	if err != nil {
		return nil, WrapError("OpenDataset", err)
	}
	defer adapter.Close()

	node, err := adapter.GetNode(path)
	if err != nil {
		return nil, WrapError("OpenDataset", err)
	}
	return &Dataset{
		reader:     rd,
		path:       path,
		dtype:      node.DType(),
		shape:      node.Shape(),
		chunkShape: node.ChunkShape(),
	}, nil
}

// Path returns the dataset's path.
func (d *Dataset) Path() string { return d.path }

// DType returns the dataset's element type.
func (d *Dataset) DType() DType { return d.dtype }

// Shape returns the dataset's full shape.
func (d *Dataset) Shape() []int64 { return d.shape }

// ChunkShape returns the dataset's on-disk chunk shape, nil if unchunked.
func (d *Dataset) ChunkShape() []int64 { return d.chunkShape }

// NumRows returns the length of axis 0.
func (d *Dataset) NumRows() int64 {
	if len(d.shape) == 0 {
		return 0
	}
	return d.shape[0]
}

// RowNBytes returns the byte size of one row (one slice along axis 0).
func (d *Dataset) RowNBytes() int64 {
	if len(d.shape) == 0 {
		return d.dtype.ItemSize()
	}
	return NBytes(d.dtype, d.shape[1:])
}

// CreateStage creates a standalone stage sized for `rows` rows of this
// dataset.
func (d *Dataset) CreateStage(rows int64) (*Stage, error) {
	return NewStage(rows * d.RowNBytes())
}

// CreateStagePool creates a pool of n stages, each sized for `rows` rows.
func (d *Dataset) CreateStagePool(n int, rows int64) (*StagePool, error) {
	return NewStagePool(n, rows*d.RowNBytes())
}

// Read requests a plain (optionally strided) slice along axis 0. Passing
// from as nil stages the result in the Reader's own pool.
func (d *Dataset) Read(from Acquirer, start, stop, step *int64) (*Request, error) {
	op := ReadOp{Path: d.path, Start: start, Stop: stop, Step: step, Field: d.field}
	return d.reader.Request(op, from)
}

// ReadScalar requests a single element.
func (d *Dataset) ReadScalar(from Acquirer, index int64) (*Request, error) {
	op := ReadScalarOp{Path: d.path, Index: index, Field: d.field}
	return d.reader.Request(op, from)
}

// ReadJoined requests several disjoint ranges fused into one contiguous
// result, the building block of the Streamer's cyclic wrap-around.
func (d *Dataset) ReadJoined(from Acquirer, ranges []SliceRange) (*Request, error) {
	op := JoinedSlicesOp{Path: d.path, Ranges: ranges, Field: d.field}
	return d.reader.Request(op, from)
}

// Index requests a fancy-indexed selection.
func (d *Dataset) Index(from Acquirer, key IndexKey) (*Request, error) {
	op := IndexOp{Path: d.path, Key: key, Field: d.field}
	return d.reader.Request(op, from)
}

// ReadCoordinates requests an explicit, arbitrary-order list of row
// coordinates.
func (d *Dataset) ReadCoordinates(from Acquirer, coords []int64) (*Request, error) {
	op := CoordOp{Path: d.path, Coords: coords, Field: d.field}
	return d.reader.Request(op, from)
}

// ReadSorted requests a range ordered by an indexed column.
func (d *Dataset) ReadSorted(from Acquirer, sortBy string, checkCSI bool, start, stop, step *int64) (*Request, error) {
	op := SortOp{Path: d.path, SortBy: sortBy, CheckCSI: checkCSI, Field: d.field, Start: start, Stop: stop, Step: step}
	return d.reader.Request(op, from)
}

// ReadWhere requests every row matching a boolean expression.
func (d *Dataset) ReadWhere(from Acquirer, cond string, condvars map[string]Value, start, stop, step *int64) (*Request, error) {
	op := WhereOp{Path: d.path, Cond: cond, Condvars: condvars, Start: start, Stop: stop, Step: step}
	return d.reader.Request(op, from)
}

// Col opens a named sub-column of a compound row type as its own Dataset,
// so a column read like col("A").Read(...) dispatches as a single ReadOp
// bearing the column name -- the same request a field-qualified slice of
// the parent table produces.
func (d *Dataset) Col(name string) (*Dataset, error) {
	adapter, err := d.reader.cfg.OpenAdapter()
	if err != nil {
		return nil, WrapError("Col", err)
	}
	defer adapter.Close()

	node, err := adapter.GetNode(d.path)
	if err != nil {
		return nil, WrapError("Col", err)
	}
	col, err := node.Col(name)
	if err != nil {
		return nil, WrapError("Col", err)
	}
	return &Dataset{
		reader:     d.reader,
		path:       d.path,
		field:      name,
		dtype:      col.DType(),
		shape:      col.Shape(),
		chunkShape: d.chunkShape,
	}, nil
}
