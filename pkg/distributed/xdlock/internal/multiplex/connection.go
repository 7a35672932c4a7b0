// Package multiplex 让多把不同名称的锁安全地共享同一条物理连接。
//
// 基于会话的后端（Postgres/MySQL advisory lock）的锁与连接绑定：
// 每把锁独占一条连接会迅速耗尽连接池。本包以"乐观复用"的方式把锁
// 放到已有连接上，并保证一把锁的释放永远不会排在另一把锁的长时间获取之后。
//
// 不变量：
//   - 同一连接上不会同时持有两把同名锁
//   - 连接在且仅在持有至少一把锁时处于打开状态
//   - outstanding 与打开/关闭状态只在连接互斥量内修改
//   - 已持有锁的连接上，互斥量只以零等待获取，后端只以零超时调用；
//     长时间等待只发生在空连接上
package multiplex

import (
	"context"
	"errors"
	"fmt"
	"time"
	"weak"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// Conn 一条可按需打开、关闭的物理连接
type Conn interface {
	Open(ctx context.Context) error
	Close() error

	// Ping 检查连接是否存活，仅在启用保活时调用
	Ping(ctx context.Context) error

	// IsCommandCancellation 判断 err 是否为后端因命令被取消而返回的错误
	IsCommandCancellation(err error) bool
}

// ConnFactory 按连接串创建（未打开的）连接
type ConnFactory[C Conn] func(connString string) C

// errConnectionLost 保活失败时作为丢锁 cause
var errConnectionLost = errors.New("multiplex: connection lost")

// result 单次连接级获取的结论
type result int

const (
	resultAcquired result = iota
	// resultRetry 换一条连接重试
	resultRetry
	// resultAlreadyHeld 本连接已持有同名锁，对池而言等同 resultRetry
	resultAlreadyHeld
	// resultRetryOnThisLock 本连接没有其他锁，可在本连接上以完整超时重试
	resultRetryOnThisLock
	// resultNoRetry 确实未获取到
	resultNoRetry
)

func (r result) String() string {
	switch r {
	case resultAcquired:
		return "acquired"
	case resultRetry:
		return "retry"
	case resultAlreadyHeld:
		return "already-held"
	case resultRetryOnThisLock:
		return "retry-on-this-lock"
	case resultNoRetry:
		return "no-retry"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// entry 连接上一把已持有的锁。
// handle 只弱引用调用方句柄，release 所需的状态全部强持有在 entry 里，
// 调用方丢弃句柄后 sweep 仍能完成释放。
type entry[C Conn] struct {
	name     string
	cookie   xdlock.Cookie
	strategy xdlock.Strategy[C]
	markLost context.CancelCauseFunc
	handle   weak.Pointer[lockHandle]
}

// lockHandle 返回给调用方的句柄。单独成型以便 weak.Make。
type lockHandle struct {
	xdlock.Handle
}

// Connection 一条物理连接及其上持有的锁
type Connection[C Conn] struct {
	conn      C
	logger    xlog.Logger
	keepalive time.Duration

	mu          chan struct{} // 容量为 1 的互斥量，支持零等待与可取消的等待
	outstanding map[string]*entry[C]
	open        bool
	disposed    bool
	stopPing    context.CancelFunc
}

func newConnection[C Conn](conn C, keepalive time.Duration, logger xlog.Logger) *Connection[C] {
	return &Connection[C]{
		conn:        conn,
		logger:      xlog.OrDiscard(logger),
		keepalive:   keepalive,
		mu:          make(chan struct{}, 1),
		outstanding: make(map[string]*entry[C]),
	}
}

func (c *Connection[C]) tryLock() bool {
	select {
	case c.mu <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Connection[C]) lock(ctx context.Context) error {
	select {
	case c.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection[C]) unlock() { <-c.mu }

// tryAcquire 在本连接上获取 name。
//
// opportunistic 为 true 时互斥量与后端都只零等待，用于复用已有连接；
// 为 false 时要求连接上没有其他锁（在互斥量内确认），随后以完整超时等待。
func (c *Connection[C]) tryAcquire(ctx context.Context, name string, timeout xdlock.Timeout,
	strategy xdlock.Strategy[C], opportunistic bool) (xdlock.Handle, result, error) {
	if opportunistic {
		if !c.tryLock() {
			return nil, resultRetry, nil
		}
	} else if err := c.lock(ctx); err != nil {
		return nil, resultNoRetry, err
	}
	defer c.unlock()

	if c.disposed {
		return nil, resultRetry, nil
	}
	if _, held := c.outstanding[name]; held {
		return nil, resultAlreadyHeld, nil
	}
	if !opportunistic && len(c.outstanding) > 0 {
		// 等待期间有其他锁进驻，长时间等待会挡住它的释放
		return nil, resultRetry, nil
	}

	if err := c.ensureOpenLocked(ctx); err != nil {
		return nil, resultNoRetry, err
	}

	backendTimeout := timeout
	if opportunistic {
		backendTimeout = xdlock.NoWait
	}
	cookie, err := strategy.TryAcquire(ctx, c.conn, name, backendTimeout)
	if err != nil {
		c.closeIfEmptyLocked()
		if ctx.Err() != nil && c.conn.IsCommandCancellation(err) {
			return nil, resultNoRetry, ctx.Err()
		}
		return nil, resultNoRetry, err
	}
	if cookie == nil {
		r := resultNoRetry
		if opportunistic && !timeout.IsZero() {
			r = resultRetry
			if len(c.outstanding) == 0 {
				r = resultRetryOnThisLock
			}
		}
		c.closeIfEmptyLocked()
		return nil, r, nil
	}

	return c.registerLocked(name, cookie, strategy), resultAcquired, nil
}

func (c *Connection[C]) registerLocked(name string, cookie xdlock.Cookie, strategy xdlock.Strategy[C]) xdlock.Handle {
	lost, markLost := context.WithCancelCause(context.Background())
	e := &entry[C]{name: name, cookie: cookie, strategy: strategy, markLost: markLost}
	c.outstanding[name] = e

	h := &lockHandle{Handle: xdlock.NewHandle(name, func(ctx context.Context) error {
		return c.release(ctx, e)
	}, xdlock.WithLostContext(lost))}
	e.handle = weak.Make(h)
	return h
}

// release 释放 e。e 已被强制释放（sweep、Close）时为空操作。
// 释放不可被取消：放弃释放会让锁残留到连接关闭。
func (c *Connection[C]) release(ctx context.Context, e *entry[C]) error {
	c.mu <- struct{}{}
	defer c.unlock()
	return c.releaseLocked(context.WithoutCancel(ctx), e)
}

func (c *Connection[C]) releaseLocked(ctx context.Context, e *entry[C]) error {
	if c.outstanding[e.name] != e {
		return nil
	}
	delete(c.outstanding, e.name)
	err := e.strategy.Release(ctx, c.conn, e.name, e.cookie)
	c.closeIfEmptyLocked()
	return err
}

func (c *Connection[C]) ensureOpenLocked(ctx context.Context) error {
	if c.open {
		return nil
	}
	if err := c.conn.Open(ctx); err != nil {
		return fmt.Errorf("multiplex: open connection: %w", err)
	}
	c.open = true
	if c.keepalive > 0 {
		pingCtx, stop := context.WithCancel(context.Background())
		c.stopPing = stop
		go c.keepaliveLoop(pingCtx)
	}
	return nil
}

func (c *Connection[C]) closeIfEmptyLocked() {
	if len(c.outstanding) == 0 {
		c.closeLocked()
	}
}

func (c *Connection[C]) closeLocked() {
	if !c.open {
		return
	}
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	c.open = false
	if err := c.conn.Close(); err != nil {
		c.logger.Warn(context.Background(), "close connection failed", xlog.Err(err))
	}
}

// keepaliveLoop 周期性 ping。互斥量忙时跳过本轮：连接正在被使用。
// ping 失败说明会话级锁已随连接丢失，通知所有持有者。
func (c *Connection[C]) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.tryLock() {
			continue
		}
		if ctx.Err() != nil {
			c.unlock()
			return
		}
		pctx, cancel := context.WithTimeout(ctx, c.keepalive)
		err := c.conn.Ping(pctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			cause := fmt.Errorf("%w: %w", errConnectionLost, err)
			for _, e := range c.outstanding {
				e.markLost(cause)
			}
			c.logger.Warn(ctx, "connection keepalive failed, held locks marked lost",
				xlog.Err(err), xlog.Count(int64(len(c.outstanding))))
		}
		c.unlock()
	}
}

// sweep 强制释放调用方已丢弃（未释放即不可达）的句柄，返回释放数。
// 释放错误只记录日志。
//
// 连接忙时跳过本轮：长时间等待只发生在没有已持有锁的连接上，
// 跳过它不会漏掉任何废弃句柄。
func (c *Connection[C]) sweep(ctx context.Context) int {
	if !c.tryLock() {
		return 0
	}
	defer c.unlock()

	var dead []*entry[C]
	for _, e := range c.outstanding {
		if e.handle.Value() == nil {
			dead = append(dead, e)
		}
	}
	for _, e := range dead {
		if err := c.releaseLocked(context.WithoutCancel(ctx), e); err != nil {
			c.logger.Warn(ctx, "forced release of abandoned lock failed", xlog.Lock(e.name), xlog.Err(err))
			continue
		}
		c.logger.Warn(ctx, "released abandoned lock", xlog.Lock(e.name))
	}
	return len(dead)
}

// retire 连接空闲时标记为已废弃，返回是否成功。忙或非空时返回 false。
func (c *Connection[C]) retire() bool {
	if !c.tryLock() {
		return false
	}
	defer c.unlock()
	if len(c.outstanding) > 0 {
		return false
	}
	c.disposed = true
	c.closeLocked()
	return true
}

// forceReleaseAll 释放所有仍持有的锁，用于池关闭。等待互斥量受 ctx 约束。
func (c *Connection[C]) forceReleaseAll(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	for _, e := range c.outstanding {
		e.markLost(ErrPoolClosed)
		if err := c.releaseLocked(context.WithoutCancel(ctx), e); err != nil {
			c.logger.Warn(ctx, "release on pool close failed", xlog.Lock(e.name), xlog.Err(err))
		}
	}
	return nil
}

// Dispose 关闭连接。仍有未释放的锁时返回 ErrInvariant：这是调用方的编程错误，
// 连接保持打开，锁不会被静默丢弃。
func (c *Connection[C]) Dispose(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	if n := len(c.outstanding); n > 0 {
		c.logger.Stack(ctx, "connection disposed while holding locks", xlog.Count(int64(n)))
		return fmt.Errorf("%w: connection disposed with %d outstanding locks", xdlock.ErrInvariant, n)
	}
	c.disposed = true
	c.closeLocked()
	return nil
}

// heldCount 当前持有的锁数量，测试与指标使用
func (c *Connection[C]) heldCount() int {
	c.mu <- struct{}{}
	defer c.unlock()
	return len(c.outstanding)
}

// isOpen 测试使用
func (c *Connection[C]) isOpen() bool {
	c.mu <- struct{}{}
	defer c.unlock()
	return c.open
}
