package pario

import "sync"

// Request is a pending or resolved read, returned by Reader.Request. It
// resolves asynchronously: the worker executing its Op lands the raw
// result in the request's Stage and the Reader's dispatch loop fills in
// the result metadata, so every access mode below first waits for
// readiness. The result lives in the Stage until one of the four access
// modes releases it: an unsafe raw view for the fastest path, a
// caller-managed direct view, a proxy that still checks liveness on
// every access, and a fully copied value with no lifetime tied to the
// stage at all.
type Request struct {
	ID    uint64
	stage *Stage

	ready chan struct{}
	dtype DType
	shape []int64
	err   error

	releaseOnce sync.Once
	onClose     func()
}

func newRequest(id uint64, stage *Stage, onClose func()) *Request {
	return &Request{ID: id, stage: stage, ready: make(chan struct{}), onClose: onClose}
}

// resolve publishes a successful result's metadata and wakes waiters.
// Called exactly once, by the Reader's dispatch loop.
func (r *Request) resolve(dtype DType, shape []int64) {
	r.dtype = dtype
	r.shape = shape
	close(r.ready)
}

// fail publishes a failure, releases the stage (it holds nothing useful),
// and wakes waiters. Called exactly once, by the dispatch loop.
func (r *Request) fail(err error) {
	r.err = err
	close(r.ready)
	r.release()
}

// Wait blocks until the request has been resolved one way or the other
// and returns its failure, if any.
func (r *Request) Wait() error {
	<-r.ready
	return r.err
}

// DType is the result's element type. Valid once Wait has returned nil.
func (r *Request) DType() DType {
	<-r.ready
	return r.dtype
}

// Shape is the result's shape. Valid once Wait has returned nil.
func (r *Request) Shape() []int64 {
	<-r.ready
	return r.shape
}

func (r *Request) view() TypedView {
	payload := r.stage.Buffer().GetDirect()
	n := NBytes(r.dtype, r.shape)
	return NewTypedView(r.dtype, r.shape, payload[:n])
}

// ScopedUnsafe runs fn with a TypedView directly over the stage's shared
// memory and releases the stage back to its pool as soon as fn returns,
// whether or not it returned an error. It is the cheapest access mode:
// the view is only valid for the duration of the call, and reading it
// after fn returns (by capturing the TypedView in a closure) is undefined
// behavior.
func (r *Request) ScopedUnsafe(fn func(TypedView) error) error {
	if err := r.Wait(); err != nil {
		return err
	}
	defer r.release()
	return fn(r.view())
}

// WithDirect returns the stage's TypedView along with a release function
// the caller must call exactly once when finished. Unlike ScopedUnsafe,
// the view remains valid until release is called, so it can cross
// function boundaries within the same goroutine -- at the cost of a
// caller that forgets to call release starving the stage pool.
func (r *Request) WithDirect() (TypedView, func(), error) {
	if err := r.Wait(); err != nil {
		return TypedView{}, nil, err
	}
	return r.view(), r.release, nil
}

// ScopedProxy returns a Resource wrapping the stage's view. Unlike
// WithDirect's bare TypedView, every access goes through Resource.View,
// which returns ErrReleasedResource once Resource.Release has run,
// instead of silently dereferencing torn-down shared memory.
func (r *Request) ScopedProxy() (*Resource, error) {
	if err := r.Wait(); err != nil {
		return nil, err
	}
	return NewResource(r.view(), r.release), nil
}

// Copy reads the stage's view into a freshly allocated, owned buffer and
// immediately releases the stage, so the returned Value's lifetime is
// entirely independent of the request -- the safest and slowest mode.
func (r *Request) Copy() (Value, error) {
	if err := r.Wait(); err != nil {
		return Value{}, err
	}
	defer r.release()
	v := r.view()
	owned := make([]byte, len(v.Bytes()))
	copy(owned, v.Bytes())
	return Value{DType: r.dtype, Shape: append([]int64{}, r.shape...), Data: owned}, nil
}

// Release returns the stage without reading the result, for callers that
// only needed the request's side effects (a prefetch) or are unwinding
// after an error from another request in the same batch.
func (r *Request) Release() { r.release() }

func (r *Request) release() {
	r.releaseOnce.Do(func() {
		if r.onClose != nil {
			r.onClose()
		}
	})
}
