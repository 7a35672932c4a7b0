// Package sqllock 基于数据库会话级锁的分布式锁：PostgreSQL advisory lock
// 与 MySQL GET_LOCK。
//
// 会话级锁与连接绑定，等待由数据库原生完成，不轮询（信号量除外）。
// 默认情况下多把锁通过连接复用引擎共享少量连接；释放永远不会排在
// 同一连接上另一把锁的长时间等待之后。
//
//	db, _ := sql.Open("postgres", dsn)
//	p, _ := sqllock.NewProvider(db, sqllock.Postgres)
//	defer p.Close(ctx)
//
//	lock, _ := p.CreateLock("orders:42")
//	h, err := lock.Acquire(ctx, xdlock.MustTimeout(10*time.Second))
//
// 需要把锁与调用方自己的连接（或事务所在连接）绑定时使用 NewScope。
package sqllock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/multiplex"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

var (
	_ xdlock.LockProvider      = (*Provider)(nil)
	_ xdlock.RWLockProvider    = (*Provider)(nil)
	_ xdlock.SemaphoreProvider = (*Provider)(nil)
)

// Option Provider 配置选项
type Option func(*options)

type options struct {
	logger        xlog.Logger
	keepalive     time.Duration
	sweepInterval time.Duration
	busyWait      xdlock.BusyWaitConfig
	facade        []xdlock.Option
}

// WithLogger 设置日志记录器，同时用于门面
func WithLogger(l xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithKeepalive 设置持锁连接的保活探测间隔，探测失败时持有者收到丢锁信号。
// 默认 0，不探测。
func WithKeepalive(d time.Duration) Option {
	return func(o *options) { o.keepalive = d }
}

// WithSweepInterval 设置清扫"未释放即丢弃"句柄的间隔，0 表示不在后台清扫
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithBusyWait 设置信号量票据的轮询休眠区间
func WithBusyWait(cfg xdlock.BusyWaitConfig) Option {
	return func(o *options) { o.busyWait = cfg }
}

// WithFacadeOptions 设置门面选项（追踪、指标等）
func WithFacadeOptions(opts ...xdlock.Option) Option {
	return func(o *options) { o.facade = append(o.facade, opts...) }
}

// Provider 在一个 *sql.DB 上创建锁。
//
// 设计决策: Provider 不关闭 db。Close 释放仍持有的锁并归还全部会话，
// 被强制释放的句柄收到丢锁信号。
type Provider struct {
	db      *sql.DB
	dialect Dialect
	pool    *multiplex.Pool[*Conn]
	opts    *options
}

// NewProvider 创建 Provider
func NewProvider(db *sql.DB, dialect Dialect, opts ...Option) (*Provider, error) {
	if db == nil || dialect == nil {
		return nil, xdlock.ErrNilBackend
	}
	o := &options{
		sweepInterval: multiplex.DefaultSweepInterval,
		busyWait:      xdlock.DefaultBusyWait(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.keepalive < 0 || o.sweepInterval < 0 {
		return nil, fmt.Errorf("%w: keepalive %s, sweep interval %s", xdlock.ErrInvalidOption, o.keepalive, o.sweepInterval)
	}
	if err := o.busyWait.Validate(); err != nil {
		return nil, err
	}
	o.logger = xlog.OrDiscard(o.logger).With(xlog.Backend(dialect.Name()))

	pool, err := multiplex.NewPool[*Conn](func(string) *Conn { return newPooledConn(db, dialect) },
		multiplex.WithLogger(o.logger),
		multiplex.WithKeepalive(o.keepalive),
		multiplex.WithSweepInterval(o.sweepInterval),
	)
	if err != nil {
		return nil, err
	}
	return &Provider{db: db, dialect: dialect, pool: pool, opts: o}, nil
}

// Close 释放所有仍持有的锁并归还会话
func (p *Provider) Close(ctx context.Context) error {
	return p.pool.Close(ctx)
}

// Sweep 立即清扫"未释放即丢弃"的句柄，返回强制释放数
func (p *Provider) Sweep(ctx context.Context) int {
	return p.pool.Sweep(ctx)
}

// NewScope 把调用方的会话包装为 Scope。Scope 不会关闭 conn。
func (p *Provider) NewScope(conn *sql.Conn) *Scope {
	return newScope(conn, p.dialect)
}

func (p *Provider) facadeOptions() []xdlock.Option {
	return append([]xdlock.Option{xdlock.WithLogger(p.opts.logger)}, p.opts.facade...)
}

// CreateLock 创建互斥锁
func (p *Provider) CreateLock(name string) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	return xdlock.NewLock(&pooled{p: p, name: name, strategy: &lockStrategy{dialect: p.dialect}}, p.facadeOptions()...)
}

// CreateRWLock 创建读写锁（读 = 共享锁，写 = 排他锁）。
// 与同名 CreateLock 使用同一个数据库锁，写锁与互斥锁互斥。
func (p *Provider) CreateRWLock(name string) (*xdlock.RWLock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	if !p.dialect.SupportsShared() {
		return nil, fmt.Errorf("%w: %w: %s", xdlock.ErrInvalidOption, ErrSharedUnsupported, p.dialect.Name())
	}
	return xdlock.NewRWLock(&pooledRW{
		read:  pooled{p: p, name: name, strategy: &lockStrategy{dialect: p.dialect, shared: true}},
		write: pooled{p: p, name: name, strategy: &lockStrategy{dialect: p.dialect}},
	}, p.facadeOptions()...)
}

// CreateSemaphore 创建信号量。复用连接保证同一连接至多持有一张同名票据。
func (p *Provider) CreateSemaphore(name string, maxCount int) (*xdlock.Semaphore, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	if maxCount < 1 {
		return nil, fmt.Errorf("%w: %d", xdlock.ErrInvalidMaxCount, maxCount)
	}
	strategy := &ticketStrategy{dialect: p.dialect, maxCount: maxCount, busyWait: p.opts.busyWait}
	return xdlock.NewSemaphore(&pooledSemaphore{
		pooled:   pooled{p: p, name: name, strategy: strategy},
		maxCount: maxCount,
	}, p.facadeOptions()...)
}

// CreateScopedLock 创建绑定到 scope 会话的互斥锁。
// 该会话已持有同名锁时再次获取视为自死锁。
func (p *Provider) CreateScopedLock(name string, scope *Scope) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	if scope == nil {
		return nil, xdlock.ErrNilBackend
	}
	return xdlock.NewLock(&scopedLock{p: p, scope: scope, name: name}, p.facadeOptions()...)
}

// CreateScopedSemaphore 创建绑定到 scope 会话的信号量。
// 该会话已持有全部票据时：Infinite 立即返回 ErrDeadlock，NoWait 返回 (nil, nil)，
// 有限超时等满后返回 (nil, nil)。
func (p *Provider) CreateScopedSemaphore(name string, maxCount int, scope *Scope) (*xdlock.Semaphore, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	if maxCount < 1 {
		return nil, fmt.Errorf("%w: %d", xdlock.ErrInvalidMaxCount, maxCount)
	}
	if scope == nil {
		return nil, xdlock.ErrNilBackend
	}
	return xdlock.NewSemaphore(&scopedSemaphore{p: p, scope: scope, name: name, maxCount: maxCount}, p.facadeOptions()...)
}

// =============================================================================
// 复用连接上的原语
// =============================================================================

type pooled struct {
	p        *Provider
	name     string
	strategy xdlock.Strategy[*Conn]
}

func (l *pooled) Name() string    { return l.name }
func (l *pooled) Backend() string { return l.p.dialect.Name() }

func (l *pooled) TryAcquireHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	return l.p.pool.TryAcquire(ctx, l.p.dialect.Name(), l.name, timeout, l.strategy)
}

type pooledRW struct {
	read, write pooled
}

func (l *pooledRW) Name() string    { return l.read.name }
func (l *pooledRW) Backend() string { return l.read.Backend() }

func (l *pooledRW) TryAcquireReadHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	return l.read.TryAcquireHandle(ctx, timeout)
}

func (l *pooledRW) TryAcquireWriteHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	return l.write.TryAcquireHandle(ctx, timeout)
}

type pooledSemaphore struct {
	pooled
	maxCount int
}

func (s *pooledSemaphore) MaxCount() int { return s.maxCount }

// =============================================================================
// 调用方会话上的原语
// =============================================================================

type scopedLock struct {
	p     *Provider
	scope *Scope
	name  string
}

func (l *scopedLock) Name() string    { return l.name }
func (l *scopedLock) Backend() string { return l.p.dialect.Name() }

func (l *scopedLock) TryAcquireHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	if !l.scope.claimLock(l.name) {
		return xdlock.SelfDeadlock(ctx, l.name, timeout)
	}
	strategy := &lockStrategy{dialect: l.p.dialect}
	release, err := l.p.acquireOnScope(ctx, l.scope, l.name, timeout, strategy)
	if release == nil {
		l.scope.unclaimLock(l.name)
		return nil, err
	}
	return xdlock.NewHandle(l.name, func(ctx context.Context) error {
		defer l.scope.unclaimLock(l.name)
		return release(ctx)
	}), nil
}

type scopedSemaphore struct {
	p        *Provider
	scope    *Scope
	name     string
	maxCount int
}

func (s *scopedSemaphore) Name() string    { return s.name }
func (s *scopedSemaphore) MaxCount() int   { return s.maxCount }
func (s *scopedSemaphore) Backend() string { return s.p.dialect.Name() }

func (s *scopedSemaphore) TryAcquireHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	if s.scope.heldTickets(s.name) >= s.maxCount {
		return xdlock.SelfDeadlock(ctx, s.name, timeout)
	}
	strategy := &ticketStrategy{
		dialect:  s.p.dialect,
		maxCount: s.maxCount,
		busyWait: s.p.opts.busyWait,
		claim:    func(slot int) bool { return s.scope.claimTicket(s.name, slot) },
		unclaim:  func(slot int) { s.scope.unclaimTicket(s.name, slot) },
	}
	release, err := s.p.acquireOnScope(ctx, s.scope, s.name, timeout, strategy)
	if release == nil {
		return nil, err
	}
	return xdlock.NewHandle(s.name, release), nil
}

// acquireOnScope 在 scope 会话上获取，返回释放动作；未获取到返回 nil。
func (p *Provider) acquireOnScope(ctx context.Context, scope *Scope, name string, timeout xdlock.Timeout,
	strategy xdlock.Strategy[*Conn]) (xdlock.ReleaseFunc, error) {
	cookie, err := strategy.TryAcquire(ctx, scope.conn, name, timeout)
	if err != nil {
		if ctx.Err() != nil && p.dialect.IsCancellation(err) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if cookie == nil {
		return nil, nil
	}
	return func(ctx context.Context) error {
		return strategy.Release(context.WithoutCancel(ctx), scope.conn, name, cookie)
	}, nil
}
