// Package backend provides the in-memory reference implementation of the
// file-adapter contract: a File holding array, table, and ragged nodes
// whose payloads live in sharded-lock memory stores. It is what this
// repository's own tests read through, and what downstream code can use
// to exercise the read engine without a real columnar file library
// linked in.
package backend

import (
	"fmt"
	"sync"
)

// ShardSize is the size of each memory shard (64KB).
// This provides good parallelism for small random reads while keeping
// lock overhead reasonable. With 64KB shards, a 256MB store has 4096
// shards.
const ShardSize = 64 * 1024

// Memory is a RAM byte store with sharded locking, so concurrent workers
// reading disjoint row ranges of the same node do not serialize on one
// lock.
type Memory struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemory creates a new memory store of the specified size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// shardRange returns the range of shards that cover [off, off+len).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt copies from the store into p, starting at off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}

	n := copy(p, m.data[off:off+int64(len(p))])

	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}

	return n, nil
}

// WriteAt copies p into the store, starting at off. Used only while
// populating a File's nodes; the read engine itself never writes.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of store")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}

	n := copy(m.data[off:off+int64(len(p))], p)

	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}

	return n, nil
}

// Size returns the store's total byte size.
func (m *Memory) Size() int64 {
	return m.size
}
