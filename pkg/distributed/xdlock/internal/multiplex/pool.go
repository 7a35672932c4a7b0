package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// DefaultSweepInterval 默认的废弃句柄清扫间隔
const DefaultSweepInterval = 30 * time.Second

// ErrPoolClosed 池已关闭后继续获取；也是被 Close 强制释放的句柄的丢锁 cause
var ErrPoolClosed = errors.New("multiplex: pool closed")

// Option 池选项
type Option func(*poolOptions)

type poolOptions struct {
	logger        xlog.Logger
	keepalive     time.Duration
	sweepInterval time.Duration
}

// WithLogger 设置日志记录器
func WithLogger(l xlog.Logger) Option {
	return func(o *poolOptions) { o.logger = l }
}

// WithKeepalive 设置连接保活间隔，0 表示不保活
func WithKeepalive(d time.Duration) Option {
	return func(o *poolOptions) { o.keepalive = max(d, 0) }
}

// WithSweepInterval 设置后台清扫间隔，0 表示不启动后台清扫（仍可手动 Sweep）
func WithSweepInterval(d time.Duration) Option {
	return func(o *poolOptions) { o.sweepInterval = max(d, 0) }
}

// group 同一连接串下的连接
type group[C Conn] struct {
	mu    sync.Mutex
	conns []*Connection[C]
	next  int
}

// pick 轮询取出一条已有连接
func (g *group[C]) pick() *Connection[C] {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		return nil
	}
	g.next = (g.next + 1) % len(g.conns)
	return g.conns[g.next]
}

func (g *group[C]) add(c *Connection[C]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns = append(g.conns, c)
}

func (g *group[C]) snapshot() []*Connection[C] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Connection[C](nil), g.conns...)
}

func (g *group[C]) remove(c *Connection[C]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cc := range g.conns {
		if cc == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			return
		}
	}
}

// Pool 按连接串分组的复用连接池
type Pool[C Conn] struct {
	factory ConnFactory[C]
	opts    poolOptions
	groups  *xsync.MapOf[string, *group[C]]

	// closing 在 Close 时以 ErrPoolClosed 取消，同时打断进行中的获取
	closing       context.Context
	cancelClosing context.CancelCauseFunc
	sweepDone     chan struct{}
}

// NewPool 创建连接池。启用后台清扫时必须调用 Close。
func NewPool[C Conn](factory ConnFactory[C], opts ...Option) (*Pool[C], error) {
	if factory == nil {
		return nil, xdlock.ErrNilBackend
	}
	o := poolOptions{sweepInterval: DefaultSweepInterval}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = xlog.OrDiscard(o.logger).With(xlog.Component("multiplex"))

	closing, cancelClosing := context.WithCancelCause(context.Background())
	p := &Pool[C]{
		factory:       factory,
		opts:          o,
		groups:        xsync.NewMapOf[string, *group[C]](),
		closing:       closing,
		cancelClosing: cancelClosing,
		sweepDone:     make(chan struct{}),
	}
	if o.sweepInterval > 0 {
		go p.sweepLoop()
	} else {
		close(p.sweepDone)
	}
	return p, nil
}

// TryAcquire 在 connString 对应的连接上获取 name，未获取到返回 (nil, nil)。
//
// 先以零等待尝试复用一条已有连接；复用失败再新建连接以完整超时获取。
// 可升级策略不能参与复用，返回 ErrInvalidOption。
// 池关闭会打断进行中的等待，此时返回 ErrPoolClosed。
func (p *Pool[C]) TryAcquire(ctx context.Context, connString, name string, timeout xdlock.Timeout,
	strategy xdlock.Strategy[C]) (xdlock.Handle, error) {
	if strategy.IsUpgradeable() {
		return nil, fmt.Errorf("%w: upgradeable locks cannot share connections", xdlock.ErrInvalidOption)
	}
	if p.closing.Err() != nil {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(p.closing, func() { cancel(ErrPoolClosed) })
	defer stop()

	h, err := p.tryAcquire(ctx, connString, name, timeout, strategy)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrPoolClosed) {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	if h != nil && p.closing.Err() != nil {
		// Close 可能已扫过该连接，不能交出一把无人强制释放的锁
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			p.opts.logger.Warn(ctx, "release after pool close failed", xlog.Lock(name), xlog.Err(rerr))
		}
		return nil, ErrPoolClosed
	}
	return h, nil
}

func (p *Pool[C]) tryAcquire(ctx context.Context, connString, name string, timeout xdlock.Timeout,
	strategy xdlock.Strategy[C]) (xdlock.Handle, error) {
	g, _ := p.groups.LoadOrCompute(connString, func() *group[C] { return &group[C]{} })

	if c := g.pick(); c != nil {
		h, r, err := c.tryAcquire(ctx, name, timeout, strategy, true)
		if err != nil {
			return nil, err
		}
		switch r {
		case resultAcquired:
			return h, nil
		case resultNoRetry:
			return nil, nil
		case resultRetryOnThisLock:
			h, r, err = c.tryAcquire(ctx, name, timeout, strategy, false)
			if err != nil {
				return nil, err
			}
			if r == resultAcquired {
				return h, nil
			}
			if r != resultRetry {
				return nil, nil
			}
			// 期间有其他锁进驻该连接，改用新连接
		case resultRetry, resultAlreadyHeld:
		}
	}

	c := newConnection(p.factory(connString), p.opts.keepalive, p.opts.logger)
	h, r, err := c.tryAcquire(ctx, name, timeout, strategy, false)
	if err != nil || r != resultAcquired {
		if derr := c.Dispose(context.WithoutCancel(ctx)); derr != nil {
			p.opts.logger.Warn(ctx, "dispose unused connection failed", xlog.Err(derr))
		}
		return nil, err
	}
	g.add(c)
	return h, nil
}

// Sweep 强制释放调用方未释放就丢弃的句柄，并移除空闲连接。返回强制释放数。
func (p *Pool[C]) Sweep(ctx context.Context) int {
	released := 0
	p.groups.Range(func(_ string, g *group[C]) bool {
		for _, c := range g.snapshot() {
			released += c.sweep(ctx)
			if c.retire() {
				g.remove(c)
			}
		}
		return ctx.Err() == nil
	})
	return released
}

func (p *Pool[C]) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closing.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(context.Background()); n > 0 {
				p.opts.logger.Warn(context.Background(), "abandoned locks released", xlog.Count(int64(n)))
			}
		}
	}
}

// Close 停止后台清扫，打断进行中的获取，释放所有仍持有的锁并关闭全部连接。
// 被强制释放的句柄会收到丢锁信号。ctx 到期时未处理完的连接保留在池中，
// 可再次调用 Close 继续。
func (p *Pool[C]) Close(ctx context.Context) error {
	p.cancelClosing(ErrPoolClosed)
	select {
	case <-p.sweepDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	p.groups.Range(func(key string, g *group[C]) bool {
		for _, c := range g.snapshot() {
			if err := c.forceReleaseAll(ctx); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := c.Dispose(ctx); err != nil {
				errs = append(errs, err)
				continue
			}
			g.remove(c)
		}
		if len(g.snapshot()) == 0 {
			p.groups.Delete(key)
		}
		return true
	})
	return errors.Join(errs...)
}

// connections 测试使用：connString 下的连接
func (p *Pool[C]) connections(connString string) []*Connection[C] {
	g, ok := p.groups.Load(connString)
	if !ok {
		return nil
	}
	return g.snapshot()
}
