// Package mongolock 基于 MongoDB 文档租约的分布式互斥锁。
//
// 每把锁对应集合中 _id 为锁名的一个文档：
//
//	{_id: <name>, lockId: <token>, expiresAt: <date>, acquiredAt: <date>}
//
// 获取是一次带 upsert 的条件更新，只在文档不存在或已过期时成功；
// 过期判断使用服务端时间 $$NOW。持有期间后台续期，续期失败时句柄的
// Lost 信号触发。建议配合 EnsureTTLIndex 自动清理过期文档。
//
// 用法：
//
//	coll := client.Database("app").Collection("locks")
//	_ = mongolock.EnsureTTLIndex(ctx, coll)
//	p, _ := mongolock.NewProvider(coll)
//	defer p.Close()
//	lock, _ := p.CreateLock("jobs/daily-report")
//	h, err := lock.Acquire(ctx, xdlock.MustTimeout(5*time.Second))
package mongolock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/lease"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

const backendName = "mongodb"

// DefaultExpiry 默认租约时长
const DefaultExpiry = 30 * time.Second

// ErrClosed Provider 已关闭
var ErrClosed = errors.New("mongolock: provider closed")

var _ xdlock.LockProvider = (*Provider)(nil)

// Option Provider 配置选项
type Option func(*options)

type options struct {
	logger   xlog.Logger
	expiry   time.Duration
	cadence  time.Duration
	busyWait xdlock.BusyWaitConfig
	facade   []xdlock.Option
}

// WithLogger 设置日志记录器，同时用于门面
func WithLogger(l xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExpiry 设置租约时长
func WithExpiry(d time.Duration) Option {
	return func(o *options) { o.expiry = d }
}

// WithExtensionCadence 设置续期间隔，默认 Expiry 的三分之一
func WithExtensionCadence(d time.Duration) Option {
	return func(o *options) { o.cadence = d }
}

// WithBusyWait 设置轮询休眠区间
func WithBusyWait(cfg xdlock.BusyWaitConfig) Option {
	return func(o *options) { o.busyWait = cfg }
}

// WithFacadeOptions 设置门面选项（追踪、指标等）
func WithFacadeOptions(opts ...xdlock.Option) Option {
	return func(o *options) { o.facade = append(o.facade, opts...) }
}

// Provider 在一个 MongoDB 集合上创建锁。
//
// 设计决策: Provider 不持有 mongo.Client，也不负责创建索引；
// Close 只停止续期，已持有的句柄仍可释放。
type Provider struct {
	store  leaseStore
	opts   *options
	lease  lease.Config
	root   context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewProvider 创建 Provider。coll 通常为 *mongo.Collection。
func NewProvider(coll Collection, opts ...Option) (*Provider, error) {
	if coll == nil {
		return nil, fmt.Errorf("%w: nil collection", xdlock.ErrNilBackend)
	}
	o := &options{expiry: DefaultExpiry, busyWait: xdlock.DefaultBusyWait()}
	for _, opt := range opts {
		opt(o)
	}
	return newProvider(&collectionStore{coll: coll, expiry: o.expiry}, o)
}

func newProvider(store leaseStore, o *options) (*Provider, error) {
	if o.cadence == 0 {
		o.cadence = lease.DefaultCadence(o.expiry)
	}
	cfg := lease.Config{Expiry: o.expiry, Cadence: o.cadence}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", xdlock.ErrInvalidOption, err)
	}
	if o.expiry < time.Millisecond {
		return nil, fmt.Errorf("%w: expiry %s below millisecond resolution", xdlock.ErrInvalidOption, o.expiry)
	}
	if err := o.busyWait.Validate(); err != nil {
		return nil, err
	}
	o.logger = xlog.OrDiscard(o.logger).With(xlog.Backend(backendName))

	root, cancel := context.WithCancel(context.Background())
	return &Provider{store: store, opts: o, lease: cfg, root: root, cancel: cancel}, nil
}

// Close 停止所有租约续期，持有者随即收到丢锁信号
func (p *Provider) Close() error {
	if !p.closed.Swap(true) {
		p.cancel()
	}
	return nil
}

// CreateLock 创建互斥锁
func (p *Provider) CreateLock(name string) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	prim, err := xdlock.BusyWaitLock(name, backendName, p.opts.busyWait, func(ctx context.Context) (xdlock.Handle, error) {
		return p.tryAcquire(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	opts := append([]xdlock.Option{xdlock.WithLogger(p.opts.logger)}, p.opts.facade...)
	return xdlock.NewLock(prim, opts...)
}

func (p *Provider) tryAcquire(ctx context.Context, name string) (xdlock.Handle, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	token := uuid.NewString()
	start := time.Now()
	ok, err := p.store.tryAcquire(ctx, name, token)
	if err != nil || !ok {
		return nil, err
	}

	// 服务端在请求途中的某一时刻写入 expiresAt，保守地从发出请求时起算
	validity := p.lease.Expiry - time.Since(start)
	logger := p.opts.logger.With(xlog.Lock(name))
	m := lease.StartWithValidity(p.root, validity, p.lease, func(ctx context.Context) (bool, error) {
		return p.store.extend(ctx, name, token)
	}, logger)
	return lease.NewHandle(name, m, func(ctx context.Context) error {
		return p.store.release(ctx, name, token)
	}, logger), nil
}
