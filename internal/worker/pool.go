package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of Workers concurrently and reports the first
// error any of them returns.
type Pool struct {
	workers []*Worker
}

// NewPool builds a Pool of len(configs) workers, one per Config.
func NewPool(configs []Config) *Pool {
	p := &Pool{workers: make([]*Worker, len(configs))}
	for i, cfg := range configs {
		p.workers[i] = New(cfg)
	}
	return p
}

// Run starts every worker and blocks until all of them have returned.
// The first non-nil error any worker returns cancels the context the
// others run under, and Run returns that error (nil if none failed).
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}
