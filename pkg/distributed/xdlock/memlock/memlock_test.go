package memlock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/memlock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ms(n int) xdlock.Timeout {
	return xdlock.MustTimeout(time.Duration(n) * time.Millisecond)
}

func TestLock_EndToEnd(t *testing.T) {
	p := memlock.NewProvider()
	ctx := context.Background()

	lock1, err := p.CreateLock("R")
	require.NoError(t, err)
	lock2, err := p.CreateLock("R")
	require.NoError(t, err)

	h1, err := lock1.Acquire(ctx, xdlock.MustTimeout(30*time.Second))
	require.NoError(t, err)
	require.NotNil(t, h1)

	h2, err := lock2.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, h2)

	require.NoError(t, h1.Close())

	h2, err = lock2.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, h2)
	require.NoError(t, h2.Close())
}

func TestLock_MutualExclusion(t *testing.T) {
	p := memlock.NewProvider()
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := p.CreateLock("counter")
			if !assert.NoError(t, err) {
				return
			}
			for range 20 {
				h, err := lock.Acquire(ctx, xdlock.Infinite)
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(50 * time.Microsecond)
				inside.Add(-1)
				assert.NoError(t, h.Release(ctx))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLock_IdempotentRelease(t *testing.T) {
	p := memlock.NewProvider()
	lock, err := p.CreateLock("idem")
	require.NoError(t, err)

	h, err := lock.Acquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)

	lost, err := h.Lost()
	require.NoError(t, err)
	assert.Nil(t, lost.Done(), "memory backend cannot lose locks")

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.NoError(t, h.Release(context.Background()))

	_, err = h.Lost()
	assert.ErrorIs(t, err, xdlock.ErrHandleClosed)

	// 重复释放不会多还一次名额：锁只能被再获取一次
	a, err := lock.TryAcquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := lock.TryAcquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, b)
	require.NoError(t, a.Close())
}

func TestLock_TimeoutMonotonicity(t *testing.T) {
	p := memlock.NewProvider()
	lock, err := p.CreateLock("slow")
	require.NoError(t, err)

	h, err := lock.Acquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)
	defer h.Close()

	start := time.Now()
	got, err := lock.TryAcquire(context.Background(), ms(150))
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	_, err = lock.Acquire(context.Background(), ms(10))
	assert.ErrorIs(t, err, xdlock.ErrTimeout)
}

func TestLock_WaiterWokenByRelease(t *testing.T) {
	p := memlock.NewProvider()
	lock, err := p.CreateLock("wake")
	require.NoError(t, err)

	h, err := lock.Acquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)

	time.AfterFunc(50*time.Millisecond, func() { _ = h.Close() })

	start := time.Now()
	h2, err := lock.Acquire(context.Background(), xdlock.MustTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, h2.Close())
}

func TestLock_Cancellation(t *testing.T) {
	p := memlock.NewProvider()
	lock, err := p.CreateLock("cancel")
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lock.Acquire(canceled, xdlock.Infinite)
	assert.ErrorIs(t, err, context.Canceled)

	h, err := lock.Acquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, xdlock.Infinite)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.Close())

	// 被取消的等待者没有留下任何持有
	h, err = lock.TryAcquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NoError(t, h.Close())
}

func TestSemaphore_MaxCount(t *testing.T) {
	p := memlock.NewProvider()
	ctx := context.Background()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem, err := p.CreateSemaphore("pool", 3)
			if !assert.NoError(t, err) {
				return
			}
			for range 10 {
				h, err := sem.Acquire(ctx, xdlock.Infinite)
				if !assert.NoError(t, err) {
					return
				}
				n := inside.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inside.Add(-1)
				assert.NoError(t, h.Close())
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen.Load(), int32(3))
	assert.Positive(t, maxSeen.Load())
}

func TestSemaphore_Validation(t *testing.T) {
	p := memlock.NewProvider()

	_, err := p.CreateSemaphore("s", 0)
	assert.ErrorIs(t, err, xdlock.ErrInvalidMaxCount)

	_, err = p.CreateSemaphore("s", 2)
	require.NoError(t, err)
	_, err = p.CreateSemaphore("s", 3)
	assert.ErrorIs(t, err, xdlock.ErrInvalidOption)

	_, err = p.CreateLock("  ")
	assert.ErrorIs(t, err, xdlock.ErrEmptyName)
}

func TestSemaphore_SelfDeadlock(t *testing.T) {
	p := memlock.NewProvider()
	scope := memlock.NewScope()
	ctx := context.Background()

	sem, err := p.CreateScopedSemaphore("tickets", 2, scope)
	require.NoError(t, err)

	h1, err := sem.Acquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	h2, err := sem.Acquire(ctx, xdlock.NoWait)
	require.NoError(t, err)

	start := time.Now()
	_, err = sem.Acquire(ctx, xdlock.Infinite)
	assert.ErrorIs(t, err, xdlock.ErrDeadlock)
	assert.True(t, xdlock.IsDeadlock(err))
	assert.Less(t, time.Since(start), time.Second, "deadlock must be reported immediately")

	h3, err := sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, h3)

	start = time.Now()
	h3, err = sem.TryAcquire(ctx, ms(100))
	require.NoError(t, err)
	assert.Nil(t, h3)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// 其他作用域只是普通等待，不是死锁
	other, err := p.CreateScopedSemaphore("tickets", 2, memlock.NewScope())
	require.NoError(t, err)
	h3, err = other.TryAcquire(ctx, ms(20))
	require.NoError(t, err)
	assert.Nil(t, h3)

	require.NoError(t, h1.Close())
	h3, err = sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, h3)

	require.NoError(t, h2.Close())
	require.NoError(t, h3.Close())
}

func TestRWLock_ReadersShareWriterExcludes(t *testing.T) {
	p := memlock.NewProvider()
	rw, err := p.CreateRWLock("doc")
	require.NoError(t, err)
	ctx := context.Background()

	r1, err := rw.AcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	r2, err := rw.AcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)

	w, err := rw.TryAcquireWriteLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, w)

	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())

	w, err = rw.AcquireWriteLock(ctx, xdlock.NoWait)
	require.NoError(t, err)

	r, err := rw.TryAcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, r)
	require.NoError(t, w.Close())
}

func TestRWLock_WriterPreference(t *testing.T) {
	p := memlock.NewProvider()
	rw, err := p.CreateRWLock("pref")
	require.NoError(t, err)
	ctx := context.Background()

	reader, err := rw.AcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)

	writerDone := make(chan xdlock.Handle, 1)
	go func() {
		w, err := rw.AcquireWriteLock(ctx, xdlock.MustTimeout(5*time.Second))
		assert.NoError(t, err)
		writerDone <- w
	}()

	// 写者开始等待后，新读者被挡住，已有读者不受影响
	require.Eventually(t, func() bool {
		r, err := rw.TryAcquireReadLock(ctx, xdlock.NoWait)
		if err != nil || r == nil {
			return true
		}
		_ = r.Close()
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, reader.Close())

	w := <-writerDone
	require.NotNil(t, w)
	require.NoError(t, w.Close())

	r, err := rw.TryAcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NoError(t, r.Close())
}

func TestRWLock_AbandonedWriterUnblocksReaders(t *testing.T) {
	p := memlock.NewProvider()
	rw, err := p.CreateRWLock("abandon")
	require.NoError(t, err)
	ctx := context.Background()

	reader, err := rw.AcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	defer reader.Close()

	w, err := rw.TryAcquireWriteLock(ctx, ms(30))
	require.NoError(t, err)
	assert.Nil(t, w)

	r, err := rw.TryAcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NoError(t, r.Close())
}

func TestUpgradeableRWLock(t *testing.T) {
	p := memlock.NewProvider()
	rw, err := p.CreateUpgradeableRWLock("cfg")
	require.NoError(t, err)
	ctx := context.Background()

	up, err := rw.AcquireUpgradeableReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)

	// 可升级读与读共存，与另一个可升级读互斥
	reader, err := rw.AcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	other, err := rw.TryAcquireUpgradeableReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, other)

	ok, err := up.TryUpgradeToWriteLock(ctx, ms(20))
	require.NoError(t, err)
	assert.False(t, ok, "reader still holds the lock")

	require.NoError(t, reader.Close())
	require.NoError(t, up.UpgradeToWriteLock(ctx, xdlock.MustTimeout(time.Second)))

	r, err := rw.TryAcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, r, "upgraded handle holds the write lock")

	_, err = up.TryUpgradeToWriteLock(ctx, xdlock.NoWait)
	assert.ErrorIs(t, err, xdlock.ErrAlreadyUpgraded)

	require.NoError(t, up.Close())
	_, err = up.TryUpgradeToWriteLock(ctx, xdlock.NoWait)
	assert.ErrorIs(t, err, xdlock.ErrHandleClosed)

	w, err := rw.TryAcquireWriteLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, w)
	require.NoError(t, w.Close())
}

func TestUpgradeableRWLock_ReleaseDuringPendingUpgrade(t *testing.T) {
	p := memlock.NewProvider()
	rw, err := p.CreateUpgradeableRWLock("cfg")
	require.NoError(t, err)
	ctx := context.Background()

	up, err := rw.AcquireUpgradeableReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	reader, err := rw.AcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)

	type upgradeResult struct {
		ok  bool
		err error
	}
	done := make(chan upgradeResult, 1)
	go func() {
		ok, err := up.TryUpgradeToWriteLock(ctx, xdlock.MustTimeout(time.Second))
		done <- upgradeResult{ok, err}
	}()
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, up.Close())
	require.NoError(t, reader.Close())

	res := <-done
	assert.False(t, res.ok, "released handle must not end up holding the write lock")
	assert.ErrorIs(t, res.err, xdlock.ErrHandleClosed)

	w, err := rw.TryAcquireWriteLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, w, "no write lock left behind")
	require.NoError(t, w.Close())
}
