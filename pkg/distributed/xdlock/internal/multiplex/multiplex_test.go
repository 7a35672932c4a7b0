package multiplex

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// 测试替身：模拟会话级 advisory lock 的服务端
// ============================================================================

var errServerCanceled = errors.New("fake: canceling statement due to user request")

type fakeServer struct {
	mu      sync.Mutex
	holders map[string]any // name -> 持有者（*fakeConn 或外部持有者标记）
	changed chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{holders: make(map[string]any), changed: make(chan struct{})}
}

func (s *fakeServer) set(name string, owner any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.holders[name]; held {
		return false
	}
	s.holders[name] = owner
	return true
}

func (s *fakeServer) clear(name string, owner any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holders[name] == owner {
		delete(s.holders, name)
		close(s.changed)
		s.changed = make(chan struct{})
	}
}

// dropOwner 连接关闭时释放其会话上的全部锁
func (s *fakeServer) dropOwner(owner any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, o := range s.holders {
		if o == owner {
			delete(s.holders, name)
		}
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *fakeServer) holder(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders[name]
}

func (s *fakeServer) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

type fakeConn struct {
	server  *fakeServer
	opens   atomic.Int32
	closes  atomic.Int32
	openErr error
	pingErr atomic.Pointer[error]
}

func (c *fakeConn) Open(context.Context) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.opens.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.server.dropOwner(c)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	if p := c.pingErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *fakeConn) IsCommandCancellation(err error) bool {
	return errors.Is(err, errServerCanceled)
}

type fakeStrategy struct {
	upgradeable bool
	calls       atomic.Int32
}

func (s *fakeStrategy) TryAcquire(ctx context.Context, conn *fakeConn, name string, timeout xdlock.Timeout) (xdlock.Cookie, error) {
	s.calls.Add(1)
	var expired <-chan time.Time
	if d, finite := timeout.Duration(); finite {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}
	for {
		changed := conn.server.wait()
		if conn.server.set(name, conn) {
			return name, nil
		}
		if timeout.IsZero() {
			return nil, nil
		}
		select {
		case <-changed:
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, errServerCanceled
		}
	}
}

func (s *fakeStrategy) Release(_ context.Context, conn *fakeConn, name string, cookie xdlock.Cookie) error {
	if cookie != name {
		return errors.New("fake: cookie mismatch")
	}
	conn.server.clear(name, conn)
	return nil
}

func (s *fakeStrategy) IsUpgradeable() bool { return s.upgradeable }

type harness struct {
	server   *fakeServer
	strategy *fakeStrategy
	pool     *Pool[*fakeConn]
	created  atomic.Int32
	conns    sync.Map // *fakeConn -> struct{}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{server: newFakeServer(), strategy: &fakeStrategy{}}
	pool, err := NewPool(func(string) *fakeConn {
		h.created.Add(1)
		c := &fakeConn{server: h.server}
		h.conns.Store(c, struct{}{})
		return c
	}, append([]Option{WithSweepInterval(0)}, opts...)...)
	require.NoError(t, err)
	h.pool = pool
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return h
}

func (h *harness) acquire(t *testing.T, name string, timeout xdlock.Timeout) xdlock.Handle {
	t.Helper()
	lh, err := h.pool.TryAcquire(context.Background(), "db", name, timeout, h.strategy)
	require.NoError(t, err)
	return lh
}

const external = "other-process"

// ============================================================================
// 复用与结论分派
// ============================================================================

func TestPool_SharesConnection(t *testing.T) {
	h := newHarness(t)

	a := h.acquire(t, "A", xdlock.Infinite)
	require.NotNil(t, a)
	b := h.acquire(t, "B", xdlock.Infinite)
	require.NotNil(t, b)

	conns := h.pool.connections("db")
	require.Len(t, conns, 1)
	assert.Equal(t, 2, conns[0].heldCount())
	assert.Equal(t, int32(1), h.created.Load())

	require.NoError(t, a.Close())
	assert.True(t, conns[0].isOpen(), "still holds B")
	require.NoError(t, b.Close())
	assert.False(t, conns[0].isOpen(), "closed once empty")

	assert.Nil(t, h.server.holder("A"))
	assert.Nil(t, h.server.holder("B"))
}

func TestPool_ReleaseNotBlockedByLongAcquire(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.server.set("B", external))

	a := h.acquire(t, "A", xdlock.NoWait)
	require.NotNil(t, a)

	waiting := make(chan xdlock.Handle)
	go func() {
		lh, err := h.pool.TryAcquire(context.Background(), "db", "B", xdlock.MustTimeout(300*time.Millisecond), h.strategy)
		assert.NoError(t, err)
		waiting <- lh
	}()

	// 等待者在新连接上阻塞
	require.Eventually(t, func() bool { return h.created.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, a.Close())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "release must not wait for the other acquire")

	assert.Nil(t, <-waiting)
	assert.Len(t, h.pool.connections("db"), 1, "failed fresh connection is not pooled")
}

func TestPool_RetryOnThisLock(t *testing.T) {
	h := newHarness(t)

	// 留下一条空闲的已池化连接
	a := h.acquire(t, "A", xdlock.NoWait)
	require.NoError(t, a.Close())
	require.Len(t, h.pool.connections("db"), 1)

	require.True(t, h.server.set("B", external))
	time.AfterFunc(30*time.Millisecond, func() { h.server.clear("B", external) })

	b := h.acquire(t, "B", xdlock.MustTimeout(2*time.Second))
	require.NotNil(t, b)
	assert.Equal(t, int32(1), h.created.Load(), "waited on the idle pooled connection")
	require.NoError(t, b.Close())
}

func TestPool_ZeroTimeoutDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	a := h.acquire(t, "A", xdlock.NoWait)
	require.NotNil(t, a)
	defer a.Close()

	require.True(t, h.server.set("B", external))
	b := h.acquire(t, "B", xdlock.NoWait)
	assert.Nil(t, b)
	assert.Equal(t, int32(1), h.created.Load(), "zero-timeout failure is final")
}

func TestPool_AlreadyHeldUsesAnotherConnection(t *testing.T) {
	h := newHarness(t)
	a := h.acquire(t, "A", xdlock.NoWait)
	require.NotNil(t, a)

	again := h.acquire(t, "A", xdlock.NoWait)
	assert.Nil(t, again, "the lock is not reentrant")
	assert.Equal(t, int32(2), h.created.Load())
	assert.Len(t, h.pool.connections("db"), 1)

	require.NoError(t, a.Close())
	again = h.acquire(t, "A", xdlock.NoWait)
	require.NotNil(t, again)
	require.NoError(t, again.Close())
}

func TestPool_RejectsUpgradeableStrategy(t *testing.T) {
	h := newHarness(t)
	_, err := h.pool.TryAcquire(context.Background(), "db", "A", xdlock.NoWait, &fakeStrategy{upgradeable: true})
	assert.ErrorIs(t, err, xdlock.ErrInvalidOption)
}

func TestPool_NilFactory(t *testing.T) {
	_, err := NewPool[*fakeConn](nil)
	assert.ErrorIs(t, err, xdlock.ErrNilBackend)
}

func TestPool_CancellationTranslated(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.server.set("A", external))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	lh, err := h.pool.TryAcquire(ctx, "db", "A", xdlock.Infinite, h.strategy)
	assert.Nil(t, lh)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, errServerCanceled)
}

func TestPool_OpenFailure(t *testing.T) {
	boom := errors.New("connection refused")
	pool, err := NewPool(func(string) *fakeConn {
		return &fakeConn{server: newFakeServer(), openErr: boom}
	}, WithSweepInterval(0))
	require.NoError(t, err)
	defer pool.Close(context.Background())

	_, err = pool.TryAcquire(context.Background(), "db", "A", xdlock.NoWait, &fakeStrategy{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, pool.connections("db"))
}

// ============================================================================
// 生命周期
// ============================================================================

func TestPool_SweepReleasesAbandonedHandles(t *testing.T) {
	h := newHarness(t)

	func() {
		lh := h.acquire(t, "leaked", xdlock.NoWait)
		require.NotNil(t, lh)
	}()
	kept := h.acquire(t, "kept", xdlock.NoWait)
	require.NotNil(t, kept)

	released := 0
	require.Eventually(t, func() bool {
		runtime.GC()
		released += h.pool.Sweep(context.Background())
		return released == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Nil(t, h.server.holder("leaked"))
	assert.NotNil(t, h.server.holder("kept"))
	require.NoError(t, kept.Close())
	runtime.KeepAlive(kept)

	// 空闲连接在下一次清扫时被移除
	assert.Zero(t, h.pool.Sweep(context.Background()))
	assert.Empty(t, h.pool.connections("db"))
}

func TestPool_CloseForceReleases(t *testing.T) {
	h := newHarness(t)
	a := h.acquire(t, "A", xdlock.NoWait)
	require.NotNil(t, a)
	lost, err := a.Lost()
	require.NoError(t, err)

	require.NoError(t, h.pool.Close(context.Background()))
	<-lost.Done()
	assert.ErrorIs(t, context.Cause(lost), ErrPoolClosed)
	assert.Nil(t, h.server.holder("A"))
	require.NoError(t, a.Close(), "release after forced release is a no-op")

	_, err = h.pool.TryAcquire(context.Background(), "db", "B", xdlock.NoWait, h.strategy)
	assert.ErrorIs(t, err, ErrPoolClosed)
	require.NoError(t, h.pool.Close(context.Background()))
}

func TestPool_BackgroundSweep(t *testing.T) {
	h := newHarness(t, WithSweepInterval(10*time.Millisecond))

	func() {
		require.NotNil(t, h.acquire(t, "leaked", xdlock.NoWait))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return h.server.holder("leaked") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPool_SweepSkipsConnectionInLongWait(t *testing.T) {
	h := newHarness(t)

	// 空闲的已池化连接，B 在其上无限等待并占住连接互斥量
	a := h.acquire(t, "A", xdlock.NoWait)
	require.NoError(t, a.Close())
	require.True(t, h.server.set("B", external))

	waitErr := make(chan error, 1)
	go func() {
		lh, err := h.pool.TryAcquire(context.Background(), "db", "B", xdlock.Infinite, h.strategy)
		assert.Nil(t, lh)
		waitErr <- err
	}()
	// A、B 的零等待尝试、B 的完整等待
	require.Eventually(t, func() bool { return h.strategy.calls.Load() == 3 }, time.Second, time.Millisecond)

	func() {
		require.NotNil(t, h.acquire(t, "C", xdlock.NoWait))
	}()
	assert.Equal(t, int32(2), h.created.Load())

	// 清扫不等待忙连接的互斥量
	released := 0
	require.Eventually(t, func() bool {
		runtime.GC()
		released += h.pool.Sweep(context.Background())
		return released == 1
	}, 2*time.Second, 10*time.Millisecond, "abandoned lock on another connection is still swept")
	assert.Nil(t, h.server.holder("C"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Close(ctx))
	assert.ErrorIs(t, <-waitErr, ErrPoolClosed)
	assert.Equal(t, external, h.server.holder("B"))
	assert.Empty(t, h.pool.connections("db"))
}

func TestPool_KeepaliveMarksLost(t *testing.T) {
	h := newHarness(t, WithKeepalive(5*time.Millisecond))
	a := h.acquire(t, "A", xdlock.NoWait)
	require.NotNil(t, a)
	lost, err := a.Lost()
	require.NoError(t, err)

	pingErr := errors.New("broken pipe")
	h.conns.Range(func(k, _ any) bool {
		k.(*fakeConn).pingErr.Store(&pingErr)
		return true
	})

	select {
	case <-lost.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lost signal not raised")
	}
	assert.ErrorIs(t, context.Cause(lost), errConnectionLost)
	assert.ErrorIs(t, context.Cause(lost), pingErr)
	require.NoError(t, a.Close())
}

func TestConnection_DisposeWithOutstandingLocks(t *testing.T) {
	server := newFakeServer()
	c := newConnection(&fakeConn{server: server}, 0, nil)
	strategy := &fakeStrategy{}

	lh, r, err := c.tryAcquire(context.Background(), "A", xdlock.NoWait, strategy, false)
	require.NoError(t, err)
	require.Equal(t, resultAcquired, r)

	err = c.Dispose(context.Background())
	require.ErrorIs(t, err, xdlock.ErrInvariant)
	assert.True(t, c.isOpen(), "locks are not silently dropped")

	require.NoError(t, lh.Close())
	require.NoError(t, c.Dispose(context.Background()))

	_, r, err = c.tryAcquire(context.Background(), "A", xdlock.NoWait, strategy, true)
	require.NoError(t, err)
	assert.Equal(t, resultRetry, r, "disposed connection is never reused")
}

func TestConnection_Results(t *testing.T) {
	server := newFakeServer()
	c := newConnection(&fakeConn{server: server}, 0, nil)
	strategy := &fakeStrategy{}
	ctx := context.Background()
	require.True(t, server.set("busy", external))

	// 空连接上乐观获取失败：可在本连接重试
	_, r, err := c.tryAcquire(ctx, "busy", xdlock.MustTimeout(time.Second), strategy, true)
	require.NoError(t, err)
	assert.Equal(t, resultRetryOnThisLock, r)
	assert.False(t, c.isOpen())

	held, r, err := c.tryAcquire(ctx, "A", xdlock.NoWait, strategy, true)
	require.NoError(t, err)
	require.Equal(t, resultAcquired, r)

	// 非空连接：换连接重试
	_, r, err = c.tryAcquire(ctx, "busy", xdlock.MustTimeout(time.Second), strategy, true)
	require.NoError(t, err)
	assert.Equal(t, resultRetry, r)

	_, r, err = c.tryAcquire(ctx, "busy", xdlock.NoWait, strategy, true)
	require.NoError(t, err)
	assert.Equal(t, resultNoRetry, r)

	_, r, err = c.tryAcquire(ctx, "A", xdlock.NoWait, strategy, true)
	require.NoError(t, err)
	assert.Equal(t, resultAlreadyHeld, r)

	// 非乐观获取要求空连接
	_, r, err = c.tryAcquire(ctx, "busy", xdlock.MustTimeout(time.Second), strategy, false)
	require.NoError(t, err)
	assert.Equal(t, resultRetry, r)

	// 互斥量被占用时乐观获取不等待
	c.mu <- struct{}{}
	_, r, err = c.tryAcquire(ctx, "B", xdlock.NoWait, strategy, true)
	require.NoError(t, err)
	assert.Equal(t, resultRetry, r)
	c.unlock()

	require.NoError(t, held.Close())
	assert.Equal(t, "retry-on-this-lock", resultRetryOnThisLock.String())
}
