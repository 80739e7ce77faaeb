// Package interfaces provides internal interface definitions for go-pario.
// These are separate from the public package's interfaces to avoid a
// circular import: internal/worker needs a logger/observer shape without
// importing the top-level package that depends on internal/worker.
package interfaces

import "time"

// Logger is the minimal logging surface consumed by internal packages.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer receives notifications about request outcomes for metrics
// collection. Implementations must be safe for concurrent use: every
// worker goroutine calls into the same Observer.
type Observer interface {
	ObserveRequest(opKind string, bytes uint64, latency time.Duration, success bool)
	ObserveQueueDepth(depth uint32)
	ObserveStageWait(latency time.Duration, timedOut bool)
}
