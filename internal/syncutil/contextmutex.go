// Package syncutil provides the per-order locking used by the payment state
// machine.
package syncutil

import "context"

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based locks keyed by string.
// Two keys may hash to the same shard; that only widens a critical section,
// never narrows it. Acquisition respects context cancellation so a gateway
// callback with a deadline never parks forever behind a stuck holder.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex returns a pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		m.shards[i] = ch
	}
	return m
}

// LockContext blocks until the key's shard is acquired or ctx is done. On
// success the returned unlock must be called exactly once; on cancellation
// the unlock is nil and the context error is returned. Not reentrant.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardFor(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shardFor is FNV-1a over the key, reduced to the shard range.
func shardFor(key string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h % shardCount
}
