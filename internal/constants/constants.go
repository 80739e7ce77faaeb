// Package constants centralizes tunable defaults for the read engine.
package constants

import "time"

const (
	// DefaultQueueDepth is the number of slots in a SharedRingQueue when
	// the caller does not specify one.
	DefaultQueueDepth = 64

	// DefaultQueueSlotSize is the size, in bytes, of one ring-queue block's
	// inline payload. Descriptors and small Op envelopes fit inline;
	// anything larger spills to the side channel or the request's Stage.
	DefaultQueueSlotSize = 512

	// DefaultNumWorkers is used when ReaderConfig.NumWorkers <= 0.
	DefaultNumWorkers = 4

	// DefaultReadAhead is the number of stages a Streamer keeps in flight.
	DefaultReadAhead = 10

	// DefaultBlockTargetBytes is the target size, in bytes, used to derive
	// a stream block size for an unchunked dataset.
	DefaultBlockTargetBytes = 128 * 1024

	// PollInterval is the base sleep between retries in the ring queue's
	// blocking Put and GetDirect. A small jitter is
	// added on top of this to avoid thundering-herd wakeups.
	PollInterval = 1 * time.Millisecond

	// PollJitter bounds the random jitter added to PollInterval.
	PollJitter = 3 * time.Millisecond

	// WorkerIdleTimeout is how long a worker blocks on the request queue
	// before giving up and sweeping its buffer cache for unlinked stages.
	WorkerIdleTimeout = 100 * time.Millisecond

	// HeartbeatInterval bounds how stale a blocked timed wait can get
	// before it rechecks its condition, trading wake jitter for a bound
	// on worst-case wait latency.
	HeartbeatInterval = 100 * time.Millisecond

	// SideChannelCapacity bounds the number of oversize messages a ring
	// queue's side channel will buffer before Put blocks.
	SideChannelCapacity = 256

	// DescriptorOverhead is the slack reserved in a ring-queue slot for
	// the descriptor envelope around an inline Op payload. Reader.Request
	// sends an Op payload inline only up to three quarters of slot size
	// minus this (leaving room for base64 expansion); a larger one is
	// written to the request's Stage tail when it fits there (see
	// internal/wire), and otherwise still goes inline.
	DescriptorOverhead = 64
)
