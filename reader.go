package pario

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/archlab/go-pario/internal/constants"
	"github.com/archlab/go-pario/internal/interfaces"
	"github.com/archlab/go-pario/internal/logging"
	"github.com/archlab/go-pario/internal/ringqueue"
	"github.com/archlab/go-pario/internal/shmem"
	"github.com/archlab/go-pario/internal/wire"
	"github.com/archlab/go-pario/internal/worker"
)

// ReaderConfig configures a Reader's queues, stage pool, and worker pool.
type ReaderConfig struct {
	NumWorkers     int
	QueueDepth     int
	QueueSlotSize  int
	StagePoolSize  int
	StageSizeBytes int64
	AcquireTimeout time.Duration

	// OpenAdapter opens one FileAdapter handle. Each worker calls it
	// once, from inside its own goroutine; OpenDataset, Dataset.Col and
	// OpenVLArrayDataset also call it, from the caller's goroutine, for
	// short-lived metadata handles.
	OpenAdapter func() (FileAdapter, error)

	// OnComplete, if set, is invoked from the dispatch goroutine with
	// each request a worker notification resolves (success or failure),
	// right after the request has been resolved, so its waiters may
	// already be running. Requests failed because the queues closed are
	// not passed to it. It must not block: every later notification
	// queues behind it.
	OnComplete func(*Request)

	Logger   interfaces.Logger
	Observer Observer
}

func (c *ReaderConfig) setDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = constants.DefaultNumWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = constants.DefaultQueueDepth
	}
	if c.QueueSlotSize <= 0 {
		c.QueueSlotSize = constants.DefaultQueueSlotSize
	}
	if c.StagePoolSize <= 0 {
		c.StagePoolSize = c.NumWorkers * 2
	}
	if c.StageSizeBytes <= 0 {
		c.StageSizeBytes = constants.DefaultBlockTargetBytes
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.Observer == nil {
		c.Observer = NoOpObserver{}
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

// Reader is the top-level handle onto a parallel read engine: it owns
// the shared request/notification ring queues, a stage pool, and a pool
// of workers, and is the only type callers construct directly.
type Reader struct {
	cfg           ReaderConfig
	requests      *ringqueue.Queue
	notifications *ringqueue.Queue
	stages        *StagePool
	pool          *worker.Pool

	ctx          context.Context
	cancel       context.CancelFunc
	workersDone  chan struct{}
	dispatchDone chan struct{}
	cleanupOnce  sync.Once
	cleanupErr   error

	mu      sync.Mutex
	pending map[uint64]*Request
	nextID  uint64
	closed  bool
}

// NewReader constructs and starts a Reader: it creates the shared ring
// queues and stage pool, launches cfg.NumWorkers workers, and starts the
// notification dispatch loop. Callers must call Close when done.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if cfg.OpenAdapter == nil {
		return nil, NewError("NewReader", ErrCodeInvalid, "OpenAdapter is required")
	}
	cfg.setDefaults()

	requests, err := ringqueue.New(cfg.QueueDepth, cfg.QueueSlotSize)
	if err != nil {
		return nil, NewSharedMemoryError("NewReader", err)
	}
	notifications, err := ringqueue.New(cfg.QueueDepth, cfg.QueueSlotSize)
	if err != nil {
		requests.Close()
		return nil, NewSharedMemoryError("NewReader", err)
	}
	stages, err := NewStagePool(cfg.StagePoolSize, cfg.StageSizeBytes)
	if err != nil {
		requests.Close()
		notifications.Close()
		return nil, NewSharedMemoryError("NewReader", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rd := &Reader{
		cfg:           cfg,
		requests:      requests,
		notifications: notifications,
		stages:        stages,
		ctx:           ctx,
		cancel:        cancel,
		workersDone:   make(chan struct{}),
		dispatchDone:  make(chan struct{}),
		pending:       make(map[uint64]*Request),
	}

	configs := make([]worker.Config, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		workerLogger := cfg.Logger
		if pl, ok := cfg.Logger.(*logging.Logger); ok {
			workerLogger = pl.WithWorker(i)
		}
		configs[i] = worker.Config{
			ID:            i,
			Requests:      requests,
			Notifications: notifications,
			OpenAdapter: func() (any, error) {
				return cfg.OpenAdapter()
			},
			CloseAdapter: func(a any) error {
				return a.(FileAdapter).Close()
			},
			Execute:     rd.executeOnWorker,
			Sweep:       sweepUnlinkedBuffers,
			Logger:      workerLogger,
			Observer:    observerAdapter{cfg.Observer},
			IdleTimeout: constants.WorkerIdleTimeout,
		}
	}
	rd.pool = worker.NewPool(configs)

	// Pool monitor: once every worker has returned -- clean drain, Stop,
	// or a fatal pre-request failure -- tell the dispatch loop the pool
	// is gone so it can fail whatever is still pending and exit.
	go func() {
		if err := rd.pool.Run(ctx); err != nil && err != context.Canceled {
			if cfg.Logger != nil {
				cfg.Logger.Printf("reader: worker pool exited: %v", err)
			}
		}
		_ = rd.notifications.Put(wire.EncodeClosedMarker(), -1)
		close(rd.workersDone)
	}()

	go rd.dispatchNotifications()

	return rd, nil
}

// observerAdapter lets a Reader pass its public Observer to
// internal/worker.Config without internal/worker importing pario.
type observerAdapter struct{ o Observer }

func (a observerAdapter) ObserveRequest(opKind string, bytes uint64, latency time.Duration, success bool) {
	if a.o != nil {
		a.o.ObserveRequest(opKind, bytes, latency, success)
	}
}
func (a observerAdapter) ObserveQueueDepth(depth uint32) {
	if a.o != nil {
		a.o.ObserveQueueDepth(depth)
	}
}
func (a observerAdapter) ObserveStageWait(latency time.Duration, timedOut bool) {
	if a.o != nil {
		a.o.ObserveStageWait(latency, timedOut)
	}
}

// sweepUnlinkedBuffers evicts cached stage attachments whose master has
// torn the region down, detected via the buffer's liveness flag. Runs in
// each worker after an idle timeout on the request queue.
func sweepUnlinkedBuffers(cache *worker.Cache) {
	for name, v := range cache.Buffers {
		att, ok := v.(interfaces.Attachment)
		if ok && att.IsUnlinked() {
			_ = att.Close()
			delete(cache.Buffers, name)
		}
	}
}

// attachStageBuffer returns this worker's attachment onto the named
// stage region, opening and caching a fresh mapping on first use.
func attachStageBuffer(cache *worker.Cache, name string, sizeBytes int64) (*shmem.Buffer, error) {
	if v, ok := cache.Buffers[name]; ok {
		if buf, ok := v.(*shmem.Buffer); ok {
			if !buf.IsUnlinked() {
				return buf, nil
			}
			_ = buf.Close()
		}
		delete(cache.Buffers, name)
	}
	buf, err := shmem.Open(name, sizeBytes)
	if err != nil {
		return nil, err
	}
	cache.Buffers[name] = buf
	return buf, nil
}

func errorNotification(reqID uint64, op string, err error) wire.Notification {
	code := string(ErrCodeInvalid)
	if pe, ok := err.(*Error); ok {
		code = string(pe.Code)
	}
	return wire.Notification{ReqID: reqID, Status: wire.StatusError, ErrorOp: op, ErrorCode: code, ErrorMsg: err.Error()}
}

// executeOnWorker runs one descriptor's Op against the adapter cached in
// cache.Adapter and writes its result into the stage region the
// descriptor names. It is handed to internal/worker.Config.Execute as a
// closure so the worker package itself never needs to import Op, Node,
// or FileAdapter. A panic anywhere in the op's execution is turned into
// a failure notification carrying the worker-side stack, so one bad
// request cannot take the whole pool down.
func (rd *Reader) executeOnWorker(desc wire.Descriptor, cache *worker.Cache) (note wire.Notification) {
	defer func() {
		if r := recover(); r != nil {
			note = errorNotification(desc.ReqID, desc.OpKind, NewError("Execute", ErrCodeSubprocess, fmt.Sprint(r)))
			note.ErrorStack = string(debug.Stack())
		}
	}()

	adapter, _ := cache.Adapter.(FileAdapter)
	if adapter == nil {
		return errorNotification(desc.ReqID, desc.OpKind, NewError("Execute", ErrCodeInvalid, "worker has no open adapter"))
	}

	buf, err := attachStageBuffer(cache, desc.StageName, desc.SizeBytes)
	if err != nil {
		return errorNotification(desc.ReqID, desc.OpKind, NewSharedMemoryError("Execute", err))
	}

	opPayload := desc.OpPayload
	if desc.KeyInStage {
		opPayload, err = wire.ReadKeyFromTail(buf.GetDirect())
		if err != nil {
			return errorNotification(desc.ReqID, desc.OpKind, WrapError("Execute", err))
		}
	}
	op, err := DecodeOp(desc.OpKind, opPayload)
	if err != nil {
		return errorNotification(desc.ReqID, desc.OpKind, WrapError("Execute", err))
	}

	nodeKey := op.TargetPath()
	var node Node
	if cached, ok := cache.Nodes[nodeKey]; ok {
		node, _ = cached.(Node)
	}
	if node == nil {
		n, err := adapter.GetNode(nodeKey)
		if err != nil {
			return errorNotification(desc.ReqID, desc.OpKind, WrapError("Execute", err))
		}
		cache.Nodes[nodeKey] = n
		node = n
	}

	var value Value
	if op.CanWriteDirect() {
		// A column-bound op predicts from the column's own metadata; its
		// dtype may differ from the compound parent's.
		predictNode := node
		if col, ok := op.(ColOp); ok {
			cn, cerr := node.Col(col.Name)
			if cerr != nil {
				return errorNotification(desc.ReqID, desc.OpKind, WrapError("Execute", cerr))
			}
			predictNode = cn
		}
		dtype, shape, perr := op.PredictShape(predictNode.DType(), predictNode.Shape())
		if perr != nil {
			return errorNotification(desc.ReqID, desc.OpKind, WrapError("Execute", perr))
		}
		raw, perr := buf.Prefix(NBytes(dtype, shape))
		if perr != nil {
			return errorNotification(desc.ReqID, desc.OpKind, NewSharedMemoryError("Execute", perr))
		}
		value, err = op.Execute(node, NewTypedView(dtype, shape, raw))
		if err != nil {
			return errorNotification(desc.ReqID, desc.OpKind, WrapError("Execute", err))
		}
	} else {
		value, err = op.Execute(node, TypedView{})
		if err != nil {
			return errorNotification(desc.ReqID, desc.OpKind, WrapError("Execute", err))
		}
		dst, perr := buf.Prefix(int64(len(value.Data)))
		if perr != nil {
			return errorNotification(desc.ReqID, desc.OpKind, NewSharedMemoryError("Execute", perr))
		}
		copy(dst, value.Data)
	}

	return wire.Notification{
		ReqID:     desc.ReqID,
		Status:    wire.StatusOK,
		DType:     int(value.DType),
		Shape:     value.Shape,
		SizeBytes: NBytes(value.DType, value.Shape),
	}
}

// dispatchNotifications drains the notification queue, resolving each
// pending request in turn, until the pool monitor's closed marker (or
// the queue itself closing) tells it nothing further can arrive -- at
// which point every still-pending request is failed with ErrQueueClosed
// rather than left to hang, and the Reader refuses further requests.
func (rd *Reader) dispatchNotifications() {
	defer close(rd.dispatchDone)
	for {
		payload, err := rd.notifications.GetDirect(constants.WorkerIdleTimeout)
		if err != nil {
			if err == ringqueue.ErrEmpty {
				continue
			}
			rd.failAllPending(ErrQueueClosed)
			return
		}
		note, err := wire.DecodeNotification(payload)
		ringqueue.PutScratch(payload)
		if err != nil {
			if err == wire.ErrQueueClosed {
				rd.failAllPending(ErrQueueClosed)
				return
			}
			if rd.cfg.Logger != nil {
				rd.cfg.Logger.Printf("reader: undecodable notification dropped: %v", err)
			}
			continue
		}

		rd.mu.Lock()
		req, ok := rd.pending[note.ReqID]
		if ok {
			delete(rd.pending, note.ReqID)
		}
		rd.mu.Unlock()
		if !ok {
			continue
		}

		if note.Status == wire.StatusOK {
			req.resolve(DType(note.DType), note.Shape)
		} else {
			sub := NewSubprocessError(note.ReqID, &Error{
				Op: note.ErrorOp, ReqID: note.ReqID,
				Code: ErrorCode(note.ErrorCode), Msg: note.ErrorMsg,
			})
			sub.Stack = note.ErrorStack
			req.fail(sub)
		}
		if rd.cfg.OnComplete != nil {
			rd.cfg.OnComplete(req)
		}
		rd.cfg.Observer.ObserveQueueDepth(rd.requests.Len())
	}
}

// failAllPending resolves every outstanding request with err, empties
// the pending table, and marks the Reader closed so later Requests are
// refused instead of queueing for a pool that is gone.
func (rd *Reader) failAllPending(err error) {
	rd.mu.Lock()
	rd.closed = true
	pending := rd.pending
	rd.pending = make(map[uint64]*Request)
	rd.mu.Unlock()
	for _, req := range pending {
		req.fail(err)
	}
}

// Request dispatches op for execution, claiming a stage from `from` (the
// Reader's own pool when nil). It returns immediately with a pending
// Request; a worker resolves it asynchronously and the handle's access
// modes block until it does.
func (rd *Reader) Request(op Op, from Acquirer) (*Request, error) {
	rd.mu.Lock()
	if rd.closed {
		rd.mu.Unlock()
		return nil, ErrQueueClosed
	}
	rd.mu.Unlock()

	if from == nil {
		from = rd.stages
	}
	waitStart := time.Now()
	stage, err := from.AcquireStage(rd.cfg.AcquireTimeout)
	rd.cfg.Observer.ObserveStageWait(time.Since(waitStart), err != nil)
	if err != nil {
		return nil, err
	}

	kind, payload, err := EncodeOp(op)
	if err != nil {
		from.ReleaseStage(stage)
		return nil, WrapError("Request", err)
	}

	desc := wire.Descriptor{
		StageName: stage.Name(),
		SizeBytes: stage.Buffer().PayloadSize(),
		OpKind:    kind,
	}
	// Key placement: a serialized op too large for a ring-queue slot but
	// small enough for the stage payload rides in the stage's tail bytes
	// instead of spilling to the queue's side channel. The inline budget
	// accounts for the payload's base64 expansion inside the descriptor.
	if len(payload) <= (rd.cfg.QueueSlotSize-constants.DescriptorOverhead)*3/4 {
		desc.OpPayload = payload
	} else if wire.WriteKeyToTail(stage.Buffer().GetDirect(), payload) {
		desc.KeyInStage = true
	} else {
		desc.OpPayload = payload
	}

	rd.mu.Lock()
	if rd.closed {
		rd.mu.Unlock()
		from.ReleaseStage(stage)
		return nil, ErrQueueClosed
	}
	rd.nextID++
	reqID := rd.nextID
	desc.ReqID = reqID
	req := newRequest(reqID, stage, func() { from.ReleaseStage(stage) })
	rd.pending[reqID] = req
	rd.mu.Unlock()

	encoded, err := wire.Encode(desc)
	if err == nil {
		err = rd.requests.PutAsync(encoded)
	}
	if err != nil {
		rd.mu.Lock()
		delete(rd.pending, reqID)
		rd.mu.Unlock()
		from.ReleaseStage(stage)
		return nil, WrapError("Request", err)
	}
	return req, nil
}

// Close stops the Reader gracefully and idempotently: no new requests
// are accepted, workers drain what is already queued, and once they have
// all exited the dispatch loop fails anything still unresolved. With
// wait set, Close blocks until that teardown has finished and returns
// any error releasing the shared resources.
func (rd *Reader) Close(wait bool) error {
	rd.mu.Lock()
	alreadyClosed := rd.closed
	rd.closed = true
	rd.mu.Unlock()

	if !alreadyClosed {
		// The closed marker chases any queued descriptors; the first
		// worker to pop it relays it and exits, and its peers follow.
		// PutAsync so a Close against an already-dead pool (whose queue
		// nobody will ever drain) cannot wedge the caller.
		_ = rd.requests.PutAsync(wire.EncodeClosedMarker())
	}
	if !wait {
		go rd.cleanup()
		return nil
	}
	return rd.cleanup()
}

// Stop closes the Reader and additionally cancels in-flight work: each
// worker exits once the descriptor it is handling (if any) is done,
// instead of draining the request backlog, and every request left
// pending fails with ErrQueueClosed.
func (rd *Reader) Stop() {
	_ = rd.Close(false)
	rd.cancel()
	rd.requests.MarkClosed()
}

// cleanup waits out the worker pool and dispatch loop, then releases the
// ring queues and stage pool. Safe to call from multiple paths; only the
// first runs.
func (rd *Reader) cleanup() error {
	rd.cleanupOnce.Do(func() {
		<-rd.workersDone
		<-rd.dispatchDone
		rd.cancel()

		var firstErr error
		if err := rd.stages.Close(); err != nil {
			firstErr = err
		}
		if err := rd.requests.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := rd.notifications.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rd.cleanupErr = firstErr
	})
	<-rd.workersDone
	<-rd.dispatchDone
	return rd.cleanupErr
}

// Metrics-style convenience: CreateStage and CreateStagePool size stages
// independently of the Reader's own pool, for callers staging results
// larger (or smaller) than the default block target.
func (rd *Reader) CreateStage(sizeBytes int64) (*Stage, error) {
	return NewStage(sizeBytes)
}

func (rd *Reader) CreateStagePool(n int, sizeBytes int64) (*StagePool, error) {
	return NewStagePool(n, sizeBytes)
}
