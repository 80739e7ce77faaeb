package ringqueue

import "sync"

// Pooled payload buffers for block reads, so a busy queue does not
// allocate per message. Size-bucketed with power-of-2 sizes; at the
// default slot size inline block payloads all land in the smallest
// bucket, and the larger buckets serve queues configured with wider
// blocks. Side-channel messages are plain allocations, which PutScratch
// lets fall through unless their capacity happens to match a bucket.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.

// Buffer size thresholds
const (
	size1k   = 1024
	size8k   = 8 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
)

var globalPool = struct {
	pool1k   sync.Pool
	pool8k   sync.Pool
	pool64k  sync.Pool
	pool256k sync.Pool
}{
	pool1k:   sync.Pool{New: func() any { b := make([]byte, size1k); return &b }},
	pool8k:   sync.Pool{New: func() any { b := make([]byte, size8k); return &b }},
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
}

// GetScratch returns a pooled buffer of at least size bytes, sliced to
// size. Requests larger than the biggest bucket allocate fresh and are
// never pooled. Caller must call PutScratch when done.
func GetScratch(size int64) []byte {
	switch {
	case size <= size1k:
		return (*globalPool.pool1k.Get().(*[]byte))[:size]
	case size <= size8k:
		return (*globalPool.pool8k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*globalPool.pool256k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutScratch returns buf to its bucket, determined by capacity. Buffers
// that did not come from GetScratch fall through harmlessly.
func PutScratch(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size1k:
		globalPool.pool1k.Put(&buf)
	case size8k:
		globalPool.pool8k.Put(&buf)
	case size64k:
		globalPool.pool64k.Put(&buf)
	case size256k:
		globalPool.pool256k.Put(&buf)
	}
}
