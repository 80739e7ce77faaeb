package pario

import (
	"sync"
	"time"

	"github.com/archlab/go-pario/internal/shmem"
)

// Acquirer is anything Reader.Request can claim a Stage from: a single
// Stage (whose acquire fails fast if it is already held) or a StagePool
// (whose acquire blocks until a stage frees up or the timeout elapses).
type Acquirer interface {
	// AcquireStage claims a stage for one request's lifetime, returning
	// ErrEmpty if none could be had within timeout.
	AcquireStage(timeout time.Duration) (*Stage, error)
	// ReleaseStage returns a previously acquired stage.
	ReleaseStage(*Stage)
}

// Stage is one shared-memory staging buffer a worker writes a materialized
// result into and a Request later reads out of. Its lock is a
// non-reentrant try-lock (a buffered channel of capacity one), not a
// sync.Mutex: a stage is meant to be single-tenant, so a second
// concurrent acquire is a caller bug that should fail immediately rather
// than block forever behind a slow consumer.
type Stage struct {
	buf *shmem.Buffer
	sem chan struct{}

	// pool, when non-nil, is where a scoped release returns this stage.
	pool *StagePool
}

// NewStage creates a standalone stage with sizeBytes of usable payload,
// for callers issuing one-off requests without a pool.
func NewStage(sizeBytes int64) (*Stage, error) {
	buf, err := shmem.Create(sizeBytes)
	if err != nil {
		return nil, NewSharedMemoryError("NewStage", err)
	}
	return &Stage{buf: buf, sem: make(chan struct{}, 1)}, nil
}

// Name is the underlying shared buffer's name, used by a worker to Open
// an independent attacher handle onto the same region.
func (s *Stage) Name() string { return s.buf.Name() }

// Buffer returns the backing shared buffer.
func (s *Stage) Buffer() *shmem.Buffer { return s.buf }

// AcquireStage implements Acquirer for a standalone stage: the acquire
// never waits, because a held stage means the caller still has a live
// request against it and a second request would corrupt the first's
// result.
func (s *Stage) AcquireStage(time.Duration) (*Stage, error) {
	select {
	case s.sem <- struct{}{}:
		return s, nil
	default:
		return nil, WrapError("Stage.Acquire", ErrEmpty)
	}
}

// ReleaseStage implements Acquirer.
func (s *Stage) ReleaseStage(*Stage) { s.Release() }

// Release gives up the stage's lock. Calling Release without a matching
// successful acquire panics, the same contract a sync.Mutex.Unlock has,
// since an unbalanced release here would let two requests believe they
// both own the same shared memory.
func (s *Stage) Release() {
	select {
	case <-s.sem:
	default:
		panic("pario: Stage.Release called without a held lock")
	}
	if s.pool != nil {
		s.pool.put(s)
	}
}

// Close tears down the stage's shared buffer.
func (s *Stage) Close() error { return s.buf.Close() }

// StagePool manages a fixed number of Stage instances sized for one
// block's worth of materialized results, handed out to requests and
// returned when a consumer is done reading. Stages are expensive,
// persistent shared-memory regions, not short-lived byte slices, so a
// bounded free list with a blocking, timeout-bounded Acquire is the
// right shape -- not an unbounded, GC-reclaimed sync.Pool.
type StagePool struct {
	mu     sync.Mutex
	stages []*Stage
	free   chan *Stage
	closed bool
}

// NewStagePool creates n stages of sizeBytes usable payload each.
func NewStagePool(n int, sizeBytes int64) (*StagePool, error) {
	p := &StagePool{free: make(chan *Stage, n)}
	for i := 0; i < n; i++ {
		st, err := NewStage(sizeBytes)
		if err != nil {
			p.Close()
			return nil, err
		}
		st.pool = p
		p.stages = append(p.stages, st)
		p.free <- st
	}
	return p, nil
}

// AcquireStage implements Acquirer: it blocks until a stage is free or
// timeout elapses, then returns ErrEmpty. A negative timeout waits
// forever. The returned stage's try-lock is held on behalf of the
// caller; Release (or the request's own scoped access) returns it here.
func (p *StagePool) AcquireStage(timeout time.Duration) (*Stage, error) {
	var st *Stage
	if timeout < 0 {
		st = <-p.free
	} else {
		select {
		case st = <-p.free:
		case <-time.After(timeout):
			return nil, WrapError("StagePool.Acquire", ErrEmpty)
		}
	}
	st.sem <- struct{}{}
	return st, nil
}

// ReleaseStage implements Acquirer.
func (p *StagePool) ReleaseStage(s *Stage) { s.Release() }

// put returns a stage to the free list after its lock has been dropped.
func (p *StagePool) put(s *Stage) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.free <- s
}

// Stages returns every stage the pool owns, in creation order.
func (p *StagePool) Stages() []*Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Close tears down every stage the pool owns. Workers holding attacher
// mappings notice via the buffers' liveness flags and evict them on
// their next idle sweep.
func (p *StagePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var firstErr error
	for _, st := range p.stages {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
