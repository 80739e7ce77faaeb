// Package worker implements the pop-dispatch-notify run loop each worker
// executes against the shared request and notification ring queues. It
// deliberately knows nothing about Op, Node, or FileAdapter: those types
// live in the top-level pario package, and threading them down into this
// package would force either an import cycle (pario already imports
// internal/worker to build a Pool) or a second copy of the same types.
// Instead a Worker is configured with plain callback closures.
package worker

import (
	"context"
	"runtime"
	"time"

	"github.com/archlab/go-pario/internal/interfaces"
	"github.com/archlab/go-pario/internal/ringqueue"
	"github.com/archlab/go-pario/internal/wire"
)

// Cache holds the per-worker state that must outlive any single request:
// the opened adapter handle, a path-to-node lookup cache, and a name-to-
// buffer cache for stages this worker has already attached to. Values are
// typed as any because Cache lives below the pario package in the import
// graph and cannot reference its FileAdapter/Node/Stage types.
type Cache struct {
	Adapter any
	Nodes   map[string]any
	Buffers map[string]any
}

// NewCache returns an empty Cache ready for first use.
func NewCache() *Cache {
	return &Cache{Nodes: make(map[string]any), Buffers: make(map[string]any)}
}

// Config configures one Worker.
type Config struct {
	ID            int
	Requests      *ringqueue.Queue
	Notifications *ringqueue.Queue

	// OpenAdapter opens this worker's private FileAdapter handle. It runs
	// once, from inside Run, never from a constructor, since a real
	// columnar-file handle is not guaranteed safe to open outside the
	// goroutine that will use it.
	OpenAdapter func() (any, error)
	// CloseAdapter releases the handle OpenAdapter returned.
	CloseAdapter func(any) error
	// Execute runs one request's Op against the cache's adapter and
	// returns the notification to publish. It must not block beyond the
	// op's own work; all queue polling is Run's responsibility.
	Execute func(desc wire.Descriptor, cache *Cache) wire.Notification
	// Sweep, if set, runs after each idle timeout on the request queue,
	// giving the owner a chance to evict cache entries whose backing
	// shared buffers have been unlinked by a departed master.
	Sweep func(cache *Cache)

	Logger      interfaces.Logger
	Observer    interfaces.Observer
	IdleTimeout time.Duration
}

// Worker pops descriptors off a request queue, executes them, and
// publishes notifications, pinned to one OS thread for its whole
// lifetime.
type Worker struct {
	cfg Config
}

// New returns a Worker configured by cfg. IdleTimeout defaults to 100ms
// if unset.
func New(cfg Config) *Worker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 100 * time.Millisecond
	}
	return &Worker{cfg: cfg}
}

// Run executes the worker's loop until the request queue reports closed
// or ctx is canceled. It pins the calling goroutine to its OS thread for
// the duration, since a real FileAdapter's native handle (a cgo-backed
// reader, a mmap'd file descriptor) may carry thread-affine state that a
// Go scheduler migration would silently corrupt.
func (w *Worker) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	adapter, err := w.cfg.OpenAdapter()
	if err != nil {
		return err
	}
	defer func() {
		if w.cfg.CloseAdapter != nil {
			_ = w.cfg.CloseAdapter(adapter)
		}
	}()

	cache := NewCache()
	cache.Adapter = adapter
	defer func() {
		// Release every cached attachment on the way out; the masters
		// unlink on their own schedule, this side just unmaps.
		for name, v := range cache.Buffers {
			if att, ok := v.(interfaces.Attachment); ok {
				_ = att.Close()
			}
			delete(cache.Buffers, name)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := w.cfg.Requests.GetDirect(w.cfg.IdleTimeout)
		if err != nil {
			if err == ringqueue.ErrEmpty {
				if w.cfg.Sweep != nil {
					w.cfg.Sweep(cache)
				}
				continue
			}
			if err == ringqueue.ErrClosed {
				w.relayClosed()
				return nil
			}
			return err
		}

		desc, err := wire.Decode(payload)
		ringqueue.PutScratch(payload)
		if err != nil {
			if err == wire.ErrQueueClosed {
				w.relayClosed()
				return nil
			}
			continue
		}

		start := time.Now()
		note := w.cfg.Execute(desc, cache)
		if w.cfg.Observer != nil {
			w.cfg.Observer.ObserveRequest(desc.OpKind, uint64(note.SizeBytes), time.Since(start), note.Status == wire.StatusOK)
		}

		encoded, err := wire.EncodeNotification(note)
		if err != nil {
			if w.cfg.Logger != nil {
				w.cfg.Logger.Printf("worker %d: encode notification for req %d: %v", w.cfg.ID, desc.ReqID, err)
			}
			continue
		}
		if err := w.cfg.Notifications.Put(encoded, -1); err != nil {
			if w.cfg.Logger != nil {
				w.cfg.Logger.Printf("worker %d: publish notification for req %d: %v", w.cfg.ID, desc.ReqID, err)
			}
		}
	}
}

// relayClosed re-queues the closed marker so a sibling worker still
// blocked on the same request queue also wakes and exits. Publishing the
// marker on the notification queue is the pool monitor's job, once every
// worker has actually returned -- doing it here would tell the Reader the
// pool has drained while siblings are still mid-request.
func (w *Worker) relayClosed() {
	_ = w.cfg.Requests.Put(wire.EncodeClosedMarker(), 0)
	w.cfg.Requests.MarkClosed()
}
