// Package syncutil provides bounded per-key locks used to serialize state
// transitions on a single order, escrow account, proposal, or dispute.
//
// Keys hash onto a fixed pool of shards, so memory stays constant no matter
// how many entities are touched. Two keys may share a shard; that costs
// throughput, never correctness.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// KeyedMutex is a per-key mutex. The zero value is ready to use.
type KeyedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the lock for key and returns its release function. The
// release function may be called more than once.
func (m *KeyedMutex) Lock(key string) func() {
	mu := &m.shards[shardOf(key)]
	mu.Lock()
	return onceFunc(mu.Unlock)
}

// TryLock acquires the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	mu := &m.shards[shardOf(key)]
	if !mu.TryLock() {
		return nil, false
	}
	return onceFunc(mu.Unlock), true
}

// ContextKeyedMutex is a per-key lock whose waiters give up when their
// context is done. Use it where the lock is held across gateway calls.
type ContextKeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewContextKeyedMutex creates a context-aware keyed mutex.
func NewContextKeyedMutex() *ContextKeyedMutex {
	m := &ContextKeyedMutex{}
	m.init()
	return m
}

func (m *ContextKeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the lock for key or returns ctx.Err() if ctx ends
// first. On success the caller must call the returned release function.
func (m *ContextKeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardOf(key)]

	select {
	case <-ch:
		return onceFunc(func() { ch <- struct{}{} }), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithLock runs fn while holding the lock for key.
func (m *ContextKeyedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func onceFunc(f func()) func() {
	var once sync.Once
	return func() { once.Do(f) }
}
