package pario

import (
	"sync"
	"unsafe"
)

// TypedView is a zero-copy, dtype-aware window onto a byte slice backing
// a stage (or, for a Node.Read call, directly onto shared memory). The
// typed accessors reinterpret the underlying bytes via unsafe.Slice
// rather than copying through encoding/binary element by element, the
// same trade a mmap'd region already makes: callers that want their own
// copy should go through Request's Copy access mode, not keep a TypedView
// past the stage's lease.
type TypedView struct {
	dtype DType
	shape []int64
	raw   []byte
}

// NewTypedView wraps raw as a view of the given dtype and shape. It does
// not validate raw's length against NBytes(dtype, shape); callers that
// build one directly (as opposed to receiving one from a Request) are
// expected to size raw correctly themselves.
func NewTypedView(dtype DType, shape []int64, raw []byte) TypedView {
	return TypedView{dtype: dtype, shape: shape, raw: raw}
}

func (v TypedView) DType() DType   { return v.dtype }
func (v TypedView) Shape() []int64 { return v.shape }
func (v TypedView) Bytes() []byte  { return v.raw }
func (v TypedView) Len() int64 {
	n := int64(1)
	for _, s := range v.shape {
		n *= s
	}
	return n
}

func (v TypedView) Float64s() []float64 {
	return unsafe.Slice((*float64)(unsafe.Pointer(&v.raw[0])), len(v.raw)/8)
}

func (v TypedView) Float32s() []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&v.raw[0])), len(v.raw)/4)
}

func (v TypedView) Int64s() []int64 {
	return unsafe.Slice((*int64)(unsafe.Pointer(&v.raw[0])), len(v.raw)/8)
}

func (v TypedView) Int32s() []int32 {
	return unsafe.Slice((*int32)(unsafe.Pointer(&v.raw[0])), len(v.raw)/4)
}

func (v TypedView) Int16s() []int16 {
	return unsafe.Slice((*int16)(unsafe.Pointer(&v.raw[0])), len(v.raw)/2)
}

func (v TypedView) Uint64s() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&v.raw[0])), len(v.raw)/8)
}

func (v TypedView) Uint32s() []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&v.raw[0])), len(v.raw)/4)
}

func (v TypedView) Uint16s() []uint16 {
	return unsafe.Slice((*uint16)(unsafe.Pointer(&v.raw[0])), len(v.raw)/2)
}

// Bools reinterprets the view as a bool slice. Any nonzero byte is true,
// matching how Node implementations are expected to encode DTypeBool.
func (v TypedView) Bools() []bool {
	out := make([]bool, len(v.raw))
	for i, b := range v.raw {
		out[i] = b != 0
	}
	return out
}

// Resource is a releasable handle over a TypedView: it can be
// invalidated once, after which every further access returns
// ErrReleasedResource instead of silently dereferencing torn-down shared
// memory. Go has no runtime-generated proxy mechanism, so Resource
// exposes the check explicitly and relies on callers to go through
// View() instead of keeping the raw TypedView.
type Resource struct {
	mu        sync.RWMutex
	released  bool
	view      TypedView
	onRelease func()
}

// NewResource wraps view; onRelease, if non-nil, runs exactly once when
// Release is first called (typically releasing a Stage back to its pool).
func NewResource(view TypedView, onRelease func()) *Resource {
	return &Resource{view: view, onRelease: onRelease}
}

// View returns the wrapped TypedView, or ErrReleasedResource if Release
// has already run.
func (r *Resource) View() (TypedView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.released {
		return TypedView{}, ErrReleasedResource
	}
	return r.view, nil
}

// Released reports whether Release has already run.
func (r *Resource) Released() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.released
}

// Release invalidates the resource and runs its cleanup callback. It is
// safe to call more than once; only the first call has effect.
func (r *Resource) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	if r.onRelease != nil {
		r.onRelease()
	}
}
