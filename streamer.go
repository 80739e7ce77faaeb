package pario

import (
	"context"
	"errors"
	"sync"

	"github.com/archlab/go-pario/internal/constants"
)

// StreamMode selects whether a Streamer's output queue preserves on-disk
// block order or forwards each block as soon as its worker finishes it.
type StreamMode int

const (
	// StreamOrdered delivers blocks in strictly increasing start order,
	// by binding the visible order to submission rather than completion:
	// each block enters the output queue when it is issued, still
	// pending, and the consumer's own access blocks until it resolves.
	StreamOrdered StreamMode = iota
	// StreamUnordered forwards each block the instant it completes,
	// trading order for lower tail latency -- useful when a consumer
	// will reduce over the whole dataset and doesn't care which block
	// arrives first.
	StreamUnordered
)

// StreamerConfig configures a Streamer.
type StreamerConfig struct {
	// BlockRows is the number of rows per block. Zero derives a default
	// from the dataset: its chunk length along axis 0 if chunked, else
	// enough rows to fill the default block byte target, capped by the
	// dataset's length.
	BlockRows int64
	// ReadAhead is how many blocks may be staged at once; it is also the
	// size of the streamer's stage pool, so it bounds both memory and
	// the submitter's lead over the consumer.
	ReadAhead int
	// Cyclic wraps past the end of the dataset indefinitely, joining the
	// tail and head rows into a single full-size block at each seam.
	Cyclic bool
	// Remainder controls whether a final, shorter-than-BlockRows block
	// is delivered when the dataset length is not a multiple of
	// BlockRows. Ignored when Cyclic is set.
	Remainder bool
	Mode      StreamMode
}

func (c *StreamerConfig) derive(ds *Dataset) {
	if c.BlockRows <= 0 {
		if cs := ds.ChunkShape(); len(cs) > 0 && cs[0] > 0 {
			c.BlockRows = cs[0]
		} else if rb := ds.RowNBytes(); rb > 0 {
			c.BlockRows = constants.DefaultBlockTargetBytes / rb
		}
		if c.BlockRows < 1 {
			c.BlockRows = 1
		}
		if n := ds.NumRows(); n > 0 && c.BlockRows > n {
			c.BlockRows = n
		}
	}
	if c.ReadAhead <= 0 {
		c.ReadAhead = constants.DefaultReadAhead
	}
}

// StreamBlock is one item a Streamer's queue yields: a block request
// (possibly still pending, in ordered mode) or the error that ended the
// scan.
type StreamBlock struct {
	Seq   int64
	Start int64
	Stop  int64
	Req   *Request
	Err   error
}

// Streamer reads a Dataset block by block with read-ahead, optionally
// wrapping around indefinitely (Cyclic) and optionally preserving block
// order. GetQueue hands back a channel for range-based consumption,
// GetGenerator a pull function over individual rows, both fed by the
// same submitter loop.
type Streamer struct {
	dataset *Dataset
	cfg     StreamerConfig
	stages  *StagePool

	ctx    context.Context
	cancel context.CancelFunc
	out    chan StreamBlock
	wg     sync.WaitGroup
}

// NewStreamer starts streaming ds in blocks per cfg. Call Close to stop
// early; a non-cyclic stream closes its own queue once it reaches the
// end of the dataset. The consumer sees the end of the stream as a
// closed channel, which reads as the zero StreamBlock however many times
// a straggler polls it.
func NewStreamer(ctx context.Context, ds *Dataset, cfg StreamerConfig) (*Streamer, error) {
	cfg.derive(ds)
	stages, err := ds.CreateStagePool(cfg.ReadAhead, cfg.BlockRows)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Streamer{
		dataset: ds,
		cfg:     cfg,
		stages:  stages,
		ctx:     sctx,
		cancel:  cancel,
		out:     make(chan StreamBlock, cfg.ReadAhead),
	}
	s.wg.Add(1)
	go s.submit()
	return s, nil
}

// BlockRows returns the effective rows-per-block after derivation.
func (s *Streamer) BlockRows() int64 { return s.cfg.BlockRows }

// issue dispatches one block's request, retrying while the stage pool is
// exhausted -- pool pressure is the stream's built-in backpressure.
func (s *Streamer) issue(start, stop, wrap int64) (*Request, error) {
	for {
		var req *Request
		var err error
		if wrap > 0 {
			req, err = s.dataset.ReadJoined(s.stages, []SliceRange{
				{Start: start, Stop: stop},
				{Start: 0, Stop: wrap},
			})
		} else {
			a, b := start, stop
			req, err = s.dataset.Read(s.stages, &a, &b, nil)
		}
		if err == nil {
			return req, nil
		}
		if !IsCode(err, ErrCodeEmpty) {
			return nil, err
		}
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		default:
		}
	}
}

// submit is the rolling issue loop. In ordered mode each block enters
// s.out at submission time; in unordered mode a forwarder goroutine per
// block waits for its resolution first, so arrival order is completion
// order.
func (s *Streamer) submit() {
	defer s.wg.Done()

	var forwarders sync.WaitGroup
	defer func() {
		forwarders.Wait()
		close(s.out)
	}()

	total := s.dataset.NumRows()
	var seq, pos int64
	for total > 0 {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		start := pos
		stop := start + s.cfg.BlockRows
		var wrap int64
		switch {
		case stop <= total:
			pos = stop
		case s.cfg.Cyclic:
			wrap = stop - total
			stop = total
			pos = wrap
		case s.cfg.Remainder && start < total:
			stop = total
			pos = total
		default:
			return
		}
		if start >= stop && wrap == 0 {
			return
		}

		req, err := s.issue(start, stop, wrap)
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, ErrQueueClosed) {
				s.emit(StreamBlock{Seq: seq, Start: start, Stop: stop, Err: err})
			}
			return
		}

		block := StreamBlock{Seq: seq, Start: start, Stop: stop + wrap, Req: req}
		seq++
		if s.cfg.Mode == StreamOrdered {
			if !s.emit(block) {
				req.Release()
				return
			}
		} else {
			forwarders.Add(1)
			go func(b StreamBlock) {
				defer forwarders.Done()
				b.Req.Wait()
				if !s.emit(b) {
					b.Req.Release()
				}
			}(block)
		}

		if !s.cfg.Cyclic && pos >= total {
			return
		}
	}
}

func (s *Streamer) emit(b StreamBlock) bool {
	select {
	case s.out <- b:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// GetQueue returns the channel of blocks, in the order the configured
// StreamMode dictates. The channel closes when the scan ends.
func (s *Streamer) GetQueue() <-chan StreamBlock {
	return s.out
}

// GetGenerator returns a pull function yielding one row at a time as an
// owned Value, iterating blocks underneath; its second return value is
// false once the stream has ended. The per-block copy releases each
// stage as soon as the block is split, so a slow row consumer does not
// starve the stage pool.
func (s *Streamer) GetGenerator() func() (Value, bool) {
	var block Value
	var rows, next int64
	return func() (Value, bool) {
		for next >= rows {
			b, ok := <-s.out
			if !ok {
				return Value{}, false
			}
			if b.Err != nil || b.Req == nil {
				return Value{}, false
			}
			v, err := b.Req.Copy()
			if err != nil {
				return Value{}, false
			}
			block = v
			next = 0
			rows = 0
			if len(v.Shape) > 0 {
				rows = v.Shape[0]
			}
		}
		rowShape := append([]int64{}, block.Shape[1:]...)
		rowBytes := NBytes(block.DType, rowShape)
		row := Value{
			DType: block.DType,
			Shape: rowShape,
			Data:  block.Data[next*rowBytes : (next+1)*rowBytes],
		}
		next++
		return row, true
	}
}

// GetRemainder requests the dataset's trailing partial block directly --
// the rows left over after the last full BlockRows-sized block -- without
// needing a streaming session. It returns a nil Request (not an error)
// if the dataset's row count is an exact multiple of BlockRows, since
// there is no remainder to fetch.
func (s *Streamer) GetRemainder() (*Request, error) {
	total := s.dataset.NumRows()
	full := (total / s.cfg.BlockRows) * s.cfg.BlockRows
	if full >= total {
		return nil, nil
	}
	return s.dataset.Read(s.stages, &full, &total, nil)
}

// Close stops the submitter, drains any blocks it already emitted so
// their stages return to the pool, and tears the pool down.
func (s *Streamer) Close() error {
	s.cancel()
	go func() {
		for b := range s.out {
			if b.Req != nil {
				b.Req.Release()
			}
		}
	}()
	s.wg.Wait()
	return s.stages.Close()
}
