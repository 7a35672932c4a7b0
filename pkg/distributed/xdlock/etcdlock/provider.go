// Package etcdlock 基于 etcd 会话租约的分布式锁与信号量。
//
// 一个 Provider 持有一个 concurrency.Session，所有锁挂在该会话的租约上：
// 会话由 etcd 客户端自动保活，会话过期（网络分区、进程卡顿超过 TTL）时
// 该 Provider 持有的所有锁同时丢失，句柄的 Lost 信号触发。
//
// 互斥锁直接使用 etcd 的排队等待（按 revision 先到先得），不轮询；
// 信号量以 maxCount 个槽位互斥锁实现，轮询获取任一空闲槽位。
//
// 同一会话对同一键的 concurrency.Mutex 是可重入的（排队键由租约 ID 决定），
// 因此 Provider 在进程内先用 memlock 对键加本地锁，再去 etcd 排队。
package etcdlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/memlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

const backendName = "etcd"

// 默认值
const (
	DefaultKeyPrefix = "/xdlock/"
	DefaultTTL       = 60 // 秒
)

var (
	// ErrClosed Provider 已关闭
	ErrClosed = errors.New("etcdlock: provider closed")

	// ErrSessionExpired 会话租约已过期，也是丢锁 cause
	ErrSessionExpired = errors.New("etcdlock: session expired")
)

var (
	_ xdlock.LockProvider      = (*Provider)(nil)
	_ xdlock.SemaphoreProvider = (*Provider)(nil)
)

// Option Provider 配置选项
type Option func(*options)

type options struct {
	logger    xlog.Logger
	keyPrefix string
	ttl       int
	busyWait  xdlock.BusyWaitConfig
	facade    []xdlock.Option
}

// WithLogger 设置日志记录器，同时用于门面
func WithLogger(l xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithKeyPrefix 设置键前缀
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithTTL 设置会话租约 TTL（秒）
func WithTTL(seconds int) Option {
	return func(o *options) { o.ttl = seconds }
}

// WithBusyWait 设置信号量轮询休眠区间
func WithBusyWait(cfg xdlock.BusyWaitConfig) Option {
	return func(o *options) { o.busyWait = cfg }
}

// WithFacadeOptions 设置门面选项（追踪、指标等）
func WithFacadeOptions(opts ...xdlock.Option) Option {
	return func(o *options) { o.facade = append(o.facade, opts...) }
}

// Provider 在一个 etcd 会话上创建锁
type Provider struct {
	session session
	opts    *options
	local   *memlock.Provider

	lost   context.Context
	closed atomic.Bool
}

// NewProvider 创建会话并返回 Provider。Close 会关闭会话（撤销租约），
// 但不关闭 client。
func NewProvider(client *clientv3.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil etcd client", xdlock.ErrNilBackend)
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	s, err := newEtcdSession(client, o.ttl)
	if err != nil {
		return nil, fmt.Errorf("etcdlock: create session: %w", err)
	}
	return newProvider(s, o), nil
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{keyPrefix: DefaultKeyPrefix, ttl: DefaultTTL, busyWait: xdlock.DefaultBusyWait()}
	for _, opt := range opts {
		opt(o)
	}
	if o.ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl %d must be positive", xdlock.ErrInvalidOption, o.ttl)
	}
	if err := o.busyWait.Validate(); err != nil {
		return nil, err
	}
	o.logger = xlog.OrDiscard(o.logger).With(xlog.Backend(backendName))
	return o, nil
}

func newProvider(s session, o *options) *Provider {
	lost, markLost := context.WithCancelCause(context.Background())
	p := &Provider{session: s, opts: o, local: memlock.NewProvider(), lost: lost}
	go func() {
		<-s.Done()
		if !p.closed.Load() {
			o.logger.Warn(context.Background(), "etcd session expired, all held locks lost")
		}
		markLost(ErrSessionExpired)
	}()
	return p
}

// Close 关闭会话，撤销租约。仍持有的锁随租约一并删除，持有者收到丢锁信号。
func (p *Provider) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.session.Close()
}

// Health 检查会话是否仍然有效
func (p *Provider) Health(context.Context) error {
	return p.checkSession()
}

func (p *Provider) checkSession() error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case <-p.session.Done():
		return ErrSessionExpired
	default:
		return nil
	}
}

func (p *Provider) facadeOptions() []xdlock.Option {
	return append([]xdlock.Option{xdlock.WithLogger(p.opts.logger)}, p.opts.facade...)
}

// CreateLock 创建互斥锁
func (p *Provider) CreateLock(name string) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	return xdlock.NewLock(&lock{p: p, name: name, key: p.opts.keyPrefix + name}, p.facadeOptions()...)
}

// CreateSemaphore 创建信号量
func (p *Provider) CreateSemaphore(name string, maxCount int) (*xdlock.Semaphore, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	if maxCount < 1 {
		return nil, fmt.Errorf("%w: %d", xdlock.ErrInvalidMaxCount, maxCount)
	}
	return xdlock.NewSemaphore(&semaphore{p: p, name: name, key: p.opts.keyPrefix + name + "/sem/", max: maxCount},
		p.facadeOptions()...)
}

// localGate 进程内对 key 加锁
func (p *Provider) localGate(ctx context.Context, key string, timeout xdlock.Timeout) (xdlock.Handle, error) {
	l, err := p.local.CreateLock(key)
	if err != nil {
		return nil, err
	}
	return l.TryAcquire(ctx, timeout)
}

// newHandle 释放顺序：先删 etcd 键，再放开本地锁
func (p *Provider) newHandle(name string, m mutex, gate xdlock.Handle) xdlock.Handle {
	return xdlock.NewHandle(name, func(ctx context.Context) error {
		defer func() { _ = gate.Close() }()
		if err := m.Unlock(context.WithoutCancel(ctx)); err != nil {
			// 会话已过期时键已随租约删除
			if errors.Is(err, concurrency.ErrSessionExpired) || p.checkSession() != nil {
				return nil
			}
			return fmt.Errorf("etcdlock: unlock %s: %w", name, err)
		}
		return nil
	}, xdlock.WithLostContext(p.lost))
}

// =============================================================================
// 互斥锁
// =============================================================================

type lock struct {
	p    *Provider
	name string
	key  string
}

func (l *lock) Name() string    { return l.name }
func (l *lock) Backend() string { return backendName }

func (l *lock) TryAcquireHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	if err := l.p.checkSession(); err != nil {
		return nil, err
	}
	start := time.Now()
	gate, err := l.p.localGate(ctx, l.key, timeout)
	if err != nil || gate == nil {
		return nil, err
	}
	h, err := l.acquire(ctx, timeout.Remaining(start), gate)
	if h == nil {
		_ = gate.Close()
	}
	return h, err
}

func (l *lock) acquire(ctx context.Context, timeout xdlock.Timeout, gate xdlock.Handle) (xdlock.Handle, error) {
	m := l.p.session.newMutex(l.key)

	if timeout.IsZero() {
		if err := m.TryLock(ctx); err != nil {
			if errors.Is(err, concurrency.ErrLocked) {
				return nil, nil
			}
			return nil, wrapEtcdError(err)
		}
		return l.p.newHandle(l.name, m, gate), nil
	}

	lockCtx := ctx
	if d, ok := timeout.Duration(); ok {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	// Lock 因 ctx 结束返回时会删除自己的排队键
	if err := m.Lock(lockCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, wrapEtcdError(err)
	}
	return l.p.newHandle(l.name, m, gate), nil
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
	return xdlock.BusyWaitHandle(ctx, timeout, s.p.opts.busyWait, s.tryAny)
}

// tryAny 依次尝试每个槽位
func (s *semaphore) tryAny(ctx context.Context) (xdlock.Handle, error) {
	if err := s.p.checkSession(); err != nil {
		return nil, err
	}
	for slot := range s.max {
		key := s.key + strconv.Itoa(slot)
		gate, err := s.p.localGate(ctx, key, xdlock.NoWait)
		if err != nil {
			return nil, err
		}
		if gate == nil {
			continue
		}
		m := s.p.session.newMutex(key)
		err = m.TryLock(ctx)
		if err == nil {
			return s.p.newHandle(s.name, m, gate), nil
		}
		_ = gate.Close()
		if !errors.Is(err, concurrency.ErrLocked) {
			return nil, wrapEtcdError(err)
		}
	}
	return nil, nil
}

// wrapEtcdError 将 etcd 错误转换为本包错误
func wrapEtcdError(err error) error {
	if errors.Is(err, concurrency.ErrSessionExpired) {
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return err
}
