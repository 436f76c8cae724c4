package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLockSerializesSameKey(t *testing.T) {
	m := NewManager(0)
	var inside, maxInside int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), UpdateKey("a"), func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestWithLockDifferentKeysDoNotBlock(t *testing.T) {
	m := NewManager(0)
	entered := make(chan struct{})

	go func() {
		_ = m.WithLock(context.Background(), UpdateKey("a"), func(ctx context.Context) error {
			<-entered
			return nil
		})
	}()

	done := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), EntryKey("a"), func(ctx context.Context) error {
			close(entered)
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("независимые ключи не должны блокировать друг друга")
	}
}

func TestWithLockFIFO(t *testing.T) {
	m := NewManager(0)
	release := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_ = m.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = m.WithLock(context.Background(), "k", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		// даем горутине встать в очередь
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWithLockReleasesOnError(t *testing.T) {
	m := NewManager(0)
	boom := errors.New("boom")

	err := m.WithLock(context.Background(), "k", func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	err = m.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestWithLockTimeout(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	err := m.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLockKeys(t *testing.T) {
	assert.Equal(t, "update-x", UpdateKey("x"))
	assert.Equal(t, "update-entry-x", EntryKey("x"))
	assert.Equal(t, "init-x", InitKey("x"))
	assert.Equal(t, "cleanup-x", CleanupKey("x"))
	assert.Equal(t, "cooldown-x", CooldownKey("x"))
}
