package pario

import "github.com/archlab/go-pario/internal/constants"

// Re-exported tunables for the public API; see internal/constants for the
// authoritative values and rationale.
const (
	DefaultQueueDepth       = constants.DefaultQueueDepth
	DefaultNumWorkers       = constants.DefaultNumWorkers
	DefaultReadAhead        = constants.DefaultReadAhead
	DefaultBlockTargetBytes = constants.DefaultBlockTargetBytes
	WorkerIdleTimeout       = constants.WorkerIdleTimeout
	HeartbeatInterval       = constants.HeartbeatInterval
)
