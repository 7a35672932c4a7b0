// Package redislock 基于 Redis 的分布式锁、读写锁与信号量。
//
// 单个客户端为标准的单节点锁；多个相互独立的客户端（各自连接不同的 Redis
// 主节点）使用 RedLock 多数派协议。Redis 没有阻塞等待原语，获取以随机退避
// 轮询实现；持有期间后台按固定间隔续期，续期失败时句柄的 Lost 信号触发。
//
// 键布局（{name} 为 Cluster 哈希标签）：
//
//	<prefix>{name}                  互斥锁
//	<prefix>{name}:rw:writer        写锁
//	<prefix>{name}:rw:readers       读者集合（ZSET，分数为过期时刻）
//	<prefix>{name}:rw:writer-waiting 写者等待标记
//	<prefix>{name}:sem              信号量票据集合（ZSET）
//
// 读锁与信号量以客户端时钟记录过期时刻，各客户端之间的时钟偏差必须远小于 Expiry。
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/lease"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/redlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

const backendName = "redis"

// ErrClosed Provider 已关闭
var ErrClosed = errors.New("redislock: provider closed")

var (
	_ xdlock.LockProvider      = (*Provider)(nil)
	_ xdlock.RWLockProvider    = (*Provider)(nil)
	_ xdlock.SemaphoreProvider = (*Provider)(nil)
)

// Provider 在一组 Redis 节点上创建锁。
//
// 设计决策: Provider 不关闭传入的客户端，客户端生命周期由调用方管理。
// Close 只停止本 Provider 所有租约的续期（持有者随即收到丢锁信号），
// 已持有的句柄仍可正常释放。
type Provider struct {
	clients  []redis.UniversalClient
	opts     *options
	timeouts redlock.Timeouts
	lease    lease.Config
	rs       *redsync.Redsync
	breakers []*gobreaker.CircuitBreaker[bool]

	root   context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewProvider 创建 Provider。clients 为相互独立的 Redis 节点，不能为空。
func NewProvider(clients []redis.UniversalClient, opts ...Option) (*Provider, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("%w: no redis clients", xdlock.ErrNilBackend)
	}
	for i, c := range clients {
		if c == nil {
			return nil, fmt.Errorf("%w: redis client at index %d", xdlock.ErrNilBackend, i)
		}
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	timeouts, cfg, err := o.resolve()
	if err != nil {
		return nil, err
	}

	pools := make([]rsredis.Pool, len(clients))
	for i, c := range clients {
		pools[i] = goredis.NewPool(c)
	}

	root, cancel := context.WithCancel(context.Background())
	p := &Provider{
		clients:  clients,
		opts:     o,
		timeouts: timeouts,
		lease:    cfg,
		rs:       redsync.New(pools...),
		root:     root,
		cancel:   cancel,
	}
	if o.breaker != nil {
		p.breakers = newNodeBreakers(len(clients), *o.breaker, o.logger)
	}
	return p, nil
}

// Close 停止所有租约续期。不关闭 Redis 客户端。
func (p *Provider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()
	return nil
}

// Health 对所有节点执行 PING
func (p *Provider) Health(ctx context.Context) error {
	var errs []error
	for i, c := range p.clients {
		if err := c.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis node %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) facadeOptions() []xdlock.Option {
	return append([]xdlock.Option{xdlock.WithLogger(p.opts.logger)}, p.opts.facade...)
}

func (p *Provider) key(name string) string {
	return p.opts.keyPrefix + "{" + name + "}"
}

// CreateLock 创建互斥锁
func (p *Provider) CreateLock(name string) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	key := p.key(name)
	prim, err := xdlock.BusyWaitLock(name, backendName, p.opts.busyWait, func(ctx context.Context) (xdlock.Handle, error) {
		token := uuid.NewString()
		stores := make([]redlock.Store, len(p.clients))
		for i, c := range p.clients {
			stores[i] = &mutexStore{client: c, key: key, token: token, expiry: p.timeouts.Expiry}
		}
		return p.tryLease(ctx, name, stores)
	})
	if err != nil {
		return nil, err
	}
	return xdlock.NewLock(prim, p.facadeOptions()...)
}

// CreateRWLock 创建读写锁（写优先）
func (p *Provider) CreateRWLock(name string) (*xdlock.RWLock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	return xdlock.NewRWLock(&rwLock{p: p, name: name, keys: newRWKeys(p.key(name) + ":rw")}, p.facadeOptions()...)
}

// CreateSemaphore 创建信号量。只支持单节点：票据计数无法在独立节点间取多数。
func (p *Provider) CreateSemaphore(name string, maxCount int) (*xdlock.Semaphore, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	if maxCount < 1 {
		return nil, fmt.Errorf("%w: %d", xdlock.ErrInvalidMaxCount, maxCount)
	}
	if len(p.clients) != 1 {
		return nil, fmt.Errorf("%w: redis semaphore requires exactly one node, got %d",
			xdlock.ErrInvalidOption, len(p.clients))
	}
	return xdlock.NewSemaphore(&semaphore{p: p, name: name, key: p.key(name) + ":sem", max: maxCount},
		p.facadeOptions()...)
}

// tryLease 在 stores 上做一轮多数派获取，成功后启动续期
func (p *Provider) tryLease(ctx context.Context, name string, stores []redlock.Store) (xdlock.Handle, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	stores = p.guard(stores)
	res, err := redlock.Acquire(ctx, stores, p.timeouts, redlock.WithLogger(p.opts.logger))
	if err != nil || res == nil {
		return nil, err
	}
	logger := p.opts.logger.With(xlog.Lock(name))
	m := lease.StartWithValidity(p.root, res.Validity, p.lease, func(ctx context.Context) (bool, error) {
		return redlock.Extend(ctx, stores, p.timeouts)
	}, logger)
	return lease.NewHandle(name, m, func(ctx context.Context) error {
		return redlock.Release(ctx, stores)
	}, logger), nil
}

// =============================================================================
// 读写锁
// =============================================================================

type rwLock struct {
	p    *Provider
	name string
	keys rwKeys
}

func (l *rwLock) Name() string    { return l.name }
func (l *rwLock) Backend() string { return backendName }

func (l *rwLock) TryAcquireReadHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	return xdlock.BusyWaitHandle(ctx, timeout, l.p.opts.busyWait, func(ctx context.Context) (xdlock.Handle, error) {
		token := uuid.NewString()
		stores := make([]redlock.Store, len(l.p.clients))
		for i, c := range l.p.clients {
			stores[i] = newReaderStore(c, l.keys, token, l.p.timeouts.Expiry)
		}
		return l.p.tryLease(ctx, l.name, stores)
	})
}

func (l *rwLock) TryAcquireWriteHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	waiter := uuid.NewString()
	h, err := xdlock.BusyWaitHandle(ctx, timeout, l.p.opts.busyWait, func(ctx context.Context) (xdlock.Handle, error) {
		token := uuid.NewString()
		stores := make([]redlock.Store, len(l.p.clients))
		for i, c := range l.p.clients {
			stores[i] = &writerStore{client: c, keys: l.keys, token: token, waiter: waiter, expiry: l.p.timeouts.Expiry}
		}
		return l.p.tryLease(ctx, l.name, stores)
	})
	l.clearWaiting(ctx, waiter)
	return h, err
}

// clearWaiting 清理本次获取留下的等待标记（成功时多数节点上已由脚本删除）
func (l *rwLock) clearWaiting(ctx context.Context, waiter string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	for _, c := range l.p.clients {
		if err := casDeleteScript.Run(cctx, c, []string{l.keys.waiting}, waiter).Err(); err != nil {
			l.p.opts.logger.Warn(cctx, "clear writer waiting marker failed, it will expire",
				xlog.Lock(l.name), xlog.Err(err))
		}
	}
}

// =============================================================================
// 信号量
// =============================================================================

type semaphore struct {
	p    *Provider
	name string
	key  string
	max  int
}

func (s *semaphore) Name() string    { return s.name }
func (s *semaphore) MaxCount() int   { return s.max }
func (s *semaphore) Backend() string { return backendName }

func (s *semaphore) TryAcquireHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	return xdlock.BusyWaitHandle(ctx, timeout, s.p.opts.busyWait, func(ctx context.Context) (xdlock.Handle, error) {
		store := newTicketStore(s.p.clients[0], s.key, uuid.NewString(), s.p.timeouts.Expiry, s.max)
		return s.p.tryLease(ctx, s.name, []redlock.Store{store})
	})
}
