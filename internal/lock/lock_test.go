// internal/lock/lock_test.go
package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "item:1")
			if !assert.NoError(t, err) {
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			assert.NoError(t, release())
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Empty(t, l.locks)
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	releaseA, err := l.Acquire(ctx, "item:a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := l.Acquire(ctx, "item:b")
	require.NoError(t, err)
	assert.NoError(t, releaseB())
}

func TestLocal_AcquireHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "item:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "item:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release())
	require.NoError(t, release(), "release is idempotent")
	assert.Empty(t, l.locks)
}

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	r := NewRedis(mr.Addr(), "", ttl, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedis_AcquireRelease(t *testing.T) {
	r, mr := newTestRedis(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, r.Ping(ctx))

	release, err := r.Acquire(ctx, "item:1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(keyPrefix+"item:1"))

	require.NoError(t, release())
	assert.False(t, mr.Exists(keyPrefix+"item:1"))
}

func TestRedis_SecondAcquireWaitsForRelease(t *testing.T) {
	r, _ := newTestRedis(t, time.Minute)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "item:1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		rel, err := r.Acquire(ctx, "item:1")
		if err == nil {
			close(acquired)
			rel()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, release())
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestRedis_AcquireTimesOut(t *testing.T) {
	r, _ := newTestRedis(t, time.Minute)

	release, err := r.Acquire(context.Background(), "item:1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "item:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedis_ExpiredLockIsReportedOnRelease(t *testing.T) {
	r, mr := newTestRedis(t, time.Second)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "item:1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	other, err := r.Acquire(ctx, "item:1")
	require.NoError(t, err)

	assert.ErrorIs(t, release(), ErrLockLost)
	assert.True(t, mr.Exists(keyPrefix+"item:1"), "the new holder keeps its lock")
	assert.NoError(t, other())
}
