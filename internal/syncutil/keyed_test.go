package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	var m KeyedMutex
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("esc_0001")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyedMutex_DoubleUnlockIsSafe(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("ord_0001")
	unlock()
	unlock()

	unlock2, ok := m.TryLock("ord_0001")
	require.True(t, ok)
	unlock2()
}

func TestKeyedMutex_TryLock(t *testing.T) {
	var m KeyedMutex
	unlock := m.Lock("prop_0001")

	_, ok := m.TryLock("prop_0001")
	assert.False(t, ok)

	unlock()
	unlock2, ok := m.TryLock("prop_0001")
	assert.True(t, ok)
	unlock2()
}

func TestContextKeyedMutex_CancelWhileWaiting(t *testing.T) {
	m := NewContextKeyedMutex()
	unlock, err := m.LockContext(context.Background(), "order:ord_0001")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "order:ord_0001")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestContextKeyedMutex_ZeroValue(t *testing.T) {
	var m ContextKeyedMutex
	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}

func TestContextKeyedMutex_WithLock(t *testing.T) {
	m := NewContextKeyedMutex()
	boom := errors.New("boom")

	err := m.WithLock(context.Background(), "k", func() error { return boom })
	assert.Equal(t, boom, err)

	ran := false
	require.NoError(t, m.WithLock(context.Background(), "k", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran, "lock must be released after fn returns")
}
