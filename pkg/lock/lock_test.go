package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoLock_TryAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	a := New(path)
	b := New(path)

	require.NoError(t, a.TryAcquire())
	assert.True(t, errors.Is(b.TryAcquire(), ErrBusy))

	require.NoError(t, a.Release())
	require.NoError(t, b.TryAcquire())
	require.NoError(t, b.Release())
}

func TestRepoLock_ReleaseUnheld(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), ".lock"))
	assert.NoError(t, l.Release())
}

func TestRepoLock_AcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	holder := New(path)
	require.NoError(t, holder.TryAcquire())

	waiter := New(path)
	waiter.Poll = time.Millisecond

	acquired := make(chan error, 1)
	go func() { acquired <- waiter.Acquire(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, holder.Release())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock not acquired after release")
	}
	require.NoError(t, waiter.Release())
}

func TestRepoLock_AcquireHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	holder := New(path)
	require.NoError(t, holder.TryAcquire())
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New(path).Acquire(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRepoLock_SerializesGoroutines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(path)
			l.Poll = time.Millisecond
			require.NoError(t, l.Acquire(context.Background()))
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			require.NoError(t, l.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}
