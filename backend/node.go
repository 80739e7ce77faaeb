package backend

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	pario "github.com/archlab/go-pario"
)

// File is an in-memory tree of dataset nodes, the stand-in for one
// opened columnar container file. Populate it up front with AddArray/
// AddTable/AddVLArray, then hand File.Open to ReaderConfig.OpenAdapter;
// every worker "opens" its own adapter handle onto the same shared node
// tree, which is safe because the engine never writes through it.
type File struct {
	mu    sync.RWMutex
	nodes map[string]pario.Node
}

// NewFile creates an empty File.
func NewFile() *File {
	return &File{nodes: make(map[string]pario.Node)}
}

// AddArray registers a fixed-shape array node at path. data must hold
// exactly NBytes(dtype, shape) bytes; chunk may be nil for an unchunked
// node.
func (f *File) AddArray(path string, dtype pario.DType, shape, chunk []int64, data []byte) error {
	want := pario.NBytes(dtype, shape)
	if int64(len(data)) != want {
		return fmt.Errorf("backend: array %s: %d data bytes, want %d", path, len(data), want)
	}
	store := NewMemory(want)
	if _, err := store.WriteAt(data, 0); err != nil {
		return err
	}
	f.put(path, &ArrayNode{dtype: dtype, shape: shape, chunk: chunk, store: store})
	return nil
}

// ColumnSpec describes one table column: a name, an element type, the
// column's full data, and whether it carries a sorted index (the
// precondition a checkCSI sorted read verifies).
type ColumnSpec struct {
	Name    string
	DType   pario.DType
	Data    []byte
	Indexed bool
}

// AddTable registers a table node of `rows` rows at path. Every column
// must hold rows elements of its own dtype.
func (f *File) AddTable(path string, rows int64, cols []ColumnSpec) error {
	t := &TableNode{rows: rows, byName: make(map[string]*tableColumn)}
	for _, spec := range cols {
		want := spec.DType.ItemSize() * rows
		if int64(len(spec.Data)) != want {
			return fmt.Errorf("backend: table %s column %s: %d data bytes, want %d", path, spec.Name, len(spec.Data), want)
		}
		store := NewMemory(want)
		if _, err := store.WriteAt(spec.Data, 0); err != nil {
			return err
		}
		col := &tableColumn{name: spec.Name, dtype: spec.DType, store: store, indexed: spec.Indexed}
		t.cols = append(t.cols, col)
		t.byName[spec.Name] = col
	}
	if len(t.cols) == 0 {
		return fmt.Errorf("backend: table %s needs at least one column", path)
	}
	f.put(path, t)
	return nil
}

// AddVLArray registers a ragged node at path whose rows each hold a
// variable number of dtype elements.
func (f *File) AddVLArray(path string, dtype pario.DType, rows [][]byte) {
	f.put(path, &VLNode{dtype: dtype, rows: rows})
}

func (f *File) put(path string, n pario.Node) {
	f.mu.Lock()
	f.nodes[path] = n
	f.mu.Unlock()
}

// Open returns a fresh adapter handle onto this File. It matches the
// signature ReaderConfig.OpenAdapter expects.
func (f *File) Open() (pario.FileAdapter, error) {
	return &handle{file: f}, nil
}

type handle struct {
	file *File
}

func (h *handle) GetNode(path string) (pario.Node, error) {
	h.file.mu.RLock()
	n, ok := h.file.nodes[path]
	h.file.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: no node at %s", path)
	}
	return n, nil
}

func (h *handle) Close() error { return nil }

// resolveSlice applies the usual slice defaults against dimLen and
// validates the result; the engine hands adapters raw optional bounds.
func resolveSlice(start, stop, step *int64, dimLen int64) (s, e, st int64, err error) {
	s, e, st = 0, dimLen, 1
	if start != nil {
		s = *start
	}
	if stop != nil {
		e = *stop
	}
	if step != nil {
		st = *step
	}
	if st <= 0 {
		return 0, 0, 0, fmt.Errorf("backend: step must be positive, got %d", st)
	}
	if s < 0 || e > dimLen || s > e {
		return 0, 0, 0, fmt.Errorf("backend: slice [%d:%d] out of range for length %d", s, e, dimLen)
	}
	return s, e, st, nil
}

// ArrayNode is a fixed-shape, single-dtype dataset node.
type ArrayNode struct {
	dtype pario.DType
	shape []int64
	chunk []int64
	store *Memory
}

func (a *ArrayNode) DType() pario.DType  { return a.dtype }
func (a *ArrayNode) Shape() []int64      { return a.shape }
func (a *ArrayNode) ChunkShape() []int64 { return a.chunk }

func (a *ArrayNode) rows() int64 {
	if len(a.shape) == 0 {
		return 0
	}
	return a.shape[0]
}

func (a *ArrayNode) rowBytes() int64 {
	return pario.NBytes(a.dtype, a.shape[1:])
}

func (a *ArrayNode) Read(start, stop, step *int64, field string, out pario.TypedView) error {
	if field != "" {
		return fmt.Errorf("backend: array node has no column %q", field)
	}
	s, e, st, err := resolveSlice(start, stop, step, a.rows())
	if err != nil {
		return err
	}
	rb := a.rowBytes()
	dst := out.Bytes()
	if st == 1 {
		_, err := a.store.ReadAt(dst[:(e-s)*rb], s*rb)
		return err
	}
	var off int64
	for i := s; i < e; i += st {
		if _, err := a.store.ReadAt(dst[off:off+rb], i*rb); err != nil {
			return err
		}
		off += rb
	}
	return nil
}

// gather copies the given row indices, in order, into an owned Value.
func (a *ArrayNode) gather(indices []int64) (pario.Value, error) {
	rb := a.rowBytes()
	shape := append([]int64{int64(len(indices))}, a.shape[1:]...)
	data := make([]byte, int64(len(indices))*rb)
	for i, idx := range indices {
		if idx < 0 || idx >= a.rows() {
			return pario.Value{}, fmt.Errorf("backend: row %d out of range for length %d", idx, a.rows())
		}
		if _, err := a.store.ReadAt(data[int64(i)*rb:int64(i+1)*rb], idx*rb); err != nil {
			return pario.Value{}, err
		}
	}
	return pario.Value{DType: a.dtype, Shape: shape, Data: data}, nil
}

func (a *ArrayNode) Index(key pario.IndexKey) (pario.Value, error) {
	if key.Mask != nil {
		if int64(len(key.Mask)) != a.rows() {
			return pario.Value{}, fmt.Errorf("backend: mask length %d does not match %d rows", len(key.Mask), a.rows())
		}
		var indices []int64
		for i, keep := range key.Mask {
			if keep {
				indices = append(indices, int64(i))
			}
		}
		return a.gather(indices)
	}
	return a.gather(key.Positions)
}

func (a *ArrayNode) Col(string) (pario.Node, error) {
	return nil, fmt.Errorf("backend: array node has no columns")
}

func (a *ArrayNode) ReadCoordinates(coords []int64, field string) (pario.Value, error) {
	if field != "" {
		return pario.Value{}, fmt.Errorf("backend: array node has no column %q", field)
	}
	return a.gather(coords)
}

func (a *ArrayNode) ReadSorted(string, bool, string, *int64, *int64, *int64) (pario.Value, error) {
	return pario.Value{}, fmt.Errorf("backend: array node has no sortable columns")
}

func (a *ArrayNode) ReadWhere(string, map[string]pario.Value, *int64, *int64, *int64) (pario.Value, error) {
	return pario.Value{}, fmt.Errorf("backend: array node does not support condition reads")
}

type tableColumn struct {
	name    string
	dtype   pario.DType
	store   *Memory
	indexed bool
}

func (c *tableColumn) node(rows int64) *ArrayNode {
	return &ArrayNode{dtype: c.dtype, shape: []int64{rows}, store: c.store}
}

// TableNode is a columnar table of named, same-length columns. Reads
// must name a column; a compound whole-row read has no single element
// dtype to describe it through the adapter contract, so the engine's
// column binding (a ColOp or a field-qualified ReadOp) is the way in.
type TableNode struct {
	rows   int64
	cols   []*tableColumn
	byName map[string]*tableColumn
}

func (t *TableNode) DType() pario.DType  { return t.cols[0].dtype }
func (t *TableNode) Shape() []int64      { return []int64{t.rows} }
func (t *TableNode) ChunkShape() []int64 { return nil }

func (t *TableNode) column(field string) (*tableColumn, error) {
	if field == "" {
		return nil, fmt.Errorf("backend: table read requires a column")
	}
	col, ok := t.byName[field]
	if !ok {
		return nil, fmt.Errorf("backend: table has no column %q", field)
	}
	return col, nil
}

func (t *TableNode) Read(start, stop, step *int64, field string, out pario.TypedView) error {
	col, err := t.column(field)
	if err != nil {
		return err
	}
	return col.node(t.rows).Read(start, stop, step, "", out)
}

func (t *TableNode) Index(key pario.IndexKey) (pario.Value, error) {
	return pario.Value{}, fmt.Errorf("backend: table fancy indexing requires a column")
}

func (t *TableNode) Col(name string) (pario.Node, error) {
	col, err := t.column(name)
	if err != nil {
		return nil, err
	}
	return col.node(t.rows), nil
}

func (t *TableNode) ReadCoordinates(coords []int64, field string) (pario.Value, error) {
	col, err := t.column(field)
	if err != nil {
		return pario.Value{}, err
	}
	return col.node(t.rows).gather(coords)
}

// ReadSorted returns rows of `field` (defaulting to the sort column
// itself) in ascending sortBy order, sliced [start:stop:step] over the
// sorted sequence. With checkCSI set it refuses unless the sort column
// was registered as indexed.
func (t *TableNode) ReadSorted(sortBy string, checkCSI bool, field string, start, stop, step *int64) (pario.Value, error) {
	sortCol, err := t.column(sortBy)
	if err != nil {
		return pario.Value{}, err
	}
	if checkCSI && !sortCol.indexed {
		return pario.Value{}, fmt.Errorf("backend: column %q has no full sorted index", sortBy)
	}
	if field == "" {
		field = sortBy
	}
	outCol, err := t.column(field)
	if err != nil {
		return pario.Value{}, err
	}

	order := make([]int64, t.rows)
	for i := range order {
		order[i] = int64(i)
	}
	keys, err := columnFloats(sortCol, t.rows)
	if err != nil {
		return pario.Value{}, err
	}
	sort.SliceStable(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })

	s, e, st, err := resolveSlice(start, stop, step, t.rows)
	if err != nil {
		return pario.Value{}, err
	}
	var picked []int64
	for i := s; i < e; i += st {
		picked = append(picked, order[i])
	}
	return outCol.node(t.rows).gather(picked)
}

// ReadWhere evaluates a single comparison of the form "column OP rhs",
// where OP is one of < <= > >= == != and rhs is a numeric literal or the
// name of a scalar condvar, and returns the matching values of the
// compared column over rows [start:stop:step].
func (t *TableNode) ReadWhere(cond string, condvars map[string]pario.Value, start, stop, step *int64) (pario.Value, error) {
	colName, op, rhs, err := parseCondition(cond, condvars)
	if err != nil {
		return pario.Value{}, err
	}
	col, err := t.column(colName)
	if err != nil {
		return pario.Value{}, err
	}
	keys, err := columnFloats(col, t.rows)
	if err != nil {
		return pario.Value{}, err
	}

	s, e, st, err := resolveSlice(start, stop, step, t.rows)
	if err != nil {
		return pario.Value{}, err
	}
	var picked []int64
	for i := s; i < e; i += st {
		if compare(keys[i], op, rhs) {
			picked = append(picked, i)
		}
	}
	return col.node(t.rows).gather(picked)
}

func parseCondition(cond string, condvars map[string]pario.Value) (col, op string, rhs float64, err error) {
	fields := strings.Fields(cond)
	if len(fields) != 3 {
		return "", "", 0, fmt.Errorf("backend: condition %q is not of the form \"column OP value\"", cond)
	}
	col, op = fields[0], fields[1]
	switch op {
	case "<", "<=", ">", ">=", "==", "!=":
	default:
		return "", "", 0, fmt.Errorf("backend: unsupported condition operator %q", op)
	}
	if v, ok := condvars[fields[2]]; ok {
		if len(v.Data) < int(v.DType.ItemSize()) {
			return "", "", 0, fmt.Errorf("backend: condvar %q carries no scalar", fields[2])
		}
		rhs = elemFloat(v.DType, v.Data)
		return col, op, rhs, nil
	}
	rhs, err = strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("backend: condition value %q is neither a number nor a condvar", fields[2])
	}
	return col, op, rhs, nil
}

func compare(lhs float64, op string, rhs float64) bool {
	switch op {
	case "<":
		return lhs < rhs
	case "<=":
		return lhs <= rhs
	case ">":
		return lhs > rhs
	case ">=":
		return lhs >= rhs
	case "==":
		return lhs == rhs
	default:
		return lhs != rhs
	}
}

// columnFloats decodes a whole column to float64 comparison keys.
func columnFloats(col *tableColumn, rows int64) ([]float64, error) {
	item := col.dtype.ItemSize()
	raw := make([]byte, rows*item)
	if _, err := col.store.ReadAt(raw, 0); err != nil {
		return nil, err
	}
	out := make([]float64, rows)
	for i := int64(0); i < rows; i++ {
		out[i] = elemFloat(col.dtype, raw[i*item:(i+1)*item])
	}
	return out, nil
}

func elemFloat(dtype pario.DType, b []byte) float64 {
	switch dtype {
	case pario.DTypeInt8:
		return float64(int8(b[0]))
	case pario.DTypeUint8, pario.DTypeBool:
		return float64(b[0])
	case pario.DTypeInt16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case pario.DTypeUint16:
		return float64(binary.LittleEndian.Uint16(b))
	case pario.DTypeInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case pario.DTypeUint32:
		return float64(binary.LittleEndian.Uint32(b))
	case pario.DTypeInt64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case pario.DTypeUint64:
		return float64(binary.LittleEndian.Uint64(b))
	case pario.DTypeFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case pario.DTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

// VLNode is a ragged dataset node: each row holds a variable number of
// dtype elements.
type VLNode struct {
	dtype pario.DType
	rows  [][]byte
}

func (v *VLNode) DType() pario.DType  { return v.dtype }
func (v *VLNode) Shape() []int64      { return []int64{int64(len(v.rows))} }
func (v *VLNode) ChunkShape() []int64 { return nil }

func (v *VLNode) RowLength(index int64) (int64, error) {
	if index < 0 || index >= int64(len(v.rows)) {
		return 0, fmt.Errorf("backend: row %d out of range for %d ragged rows", index, len(v.rows))
	}
	return int64(len(v.rows[index])) / v.dtype.ItemSize(), nil
}

func (v *VLNode) ReadRow(index int64) (pario.Value, error) {
	n, err := v.RowLength(index)
	if err != nil {
		return pario.Value{}, err
	}
	data := make([]byte, len(v.rows[index]))
	copy(data, v.rows[index])
	return pario.Value{DType: v.dtype, Shape: []int64{n}, Data: data}, nil
}

func (v *VLNode) Read(*int64, *int64, *int64, string, pario.TypedView) error {
	return fmt.Errorf("backend: ragged node rows must be read one at a time")
}

func (v *VLNode) Index(pario.IndexKey) (pario.Value, error) {
	return pario.Value{}, fmt.Errorf("backend: ragged node rows must be read one at a time")
}

func (v *VLNode) Col(string) (pario.Node, error) {
	return nil, fmt.Errorf("backend: ragged node has no columns")
}

func (v *VLNode) ReadCoordinates([]int64, string) (pario.Value, error) {
	return pario.Value{}, fmt.Errorf("backend: ragged node rows must be read one at a time")
}

func (v *VLNode) ReadSorted(string, bool, string, *int64, *int64, *int64) (pario.Value, error) {
	return pario.Value{}, fmt.Errorf("backend: ragged node has no sortable columns")
}

func (v *VLNode) ReadWhere(string, map[string]pario.Value, *int64, *int64, *int64) (pario.Value, error) {
	return pario.Value{}, fmt.Errorf("backend: ragged node does not support condition reads")
}

// Int64Bytes packs values into little-endian bytes, a convenience for
// populating int64 nodes.
func Int64Bytes(values []int64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}

var (
	_ pario.Node       = (*ArrayNode)(nil)
	_ pario.Node       = (*TableNode)(nil)
	_ pario.Node       = (*VLNode)(nil)
	_ pario.RaggedNode = (*VLNode)(nil)
)
