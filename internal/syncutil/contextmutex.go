// Package syncutil provides context-aware locking used by the in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// ContextMutex is a mutex implemented via a buffered channel so that waiters
// can give up when their context is cancelled.
type ContextMutex struct {
	ch   chan struct{}
	once sync.Once
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{} // Start unlocked.
	})
}

// LockContext acquires the mutex, respecting context cancellation.
// On success it returns an unlock function the caller MUST call.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	m.init()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ContextShardedMutex provides a fixed-size pool of ContextMutexes keyed by
// string. Keys that hash to the same shard contend with each other.
type ContextShardedMutex struct {
	shards [256]ContextMutex
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	return &ContextShardedMutex{}
}

// LockContext acquires the mutex for the given key, respecting context cancellation.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.shards[m.shardIdx(key)].LockContext(ctx)
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}
