package redislock

import (
	"fmt"
	"time"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/lease"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/redlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// 默认值
const (
	DefaultKeyPrefix = "xdlock:"
	DefaultExpiry    = 30 * time.Second
)

// Option Provider 配置选项
type Option func(*options)

type options struct {
	logger      xlog.Logger
	keyPrefix   string
	expiry      time.Duration
	minValidity time.Duration
	cadence     time.Duration
	busyWait    xdlock.BusyWaitConfig
	breaker     *BreakerConfig
	facade      []xdlock.Option
}

func defaultOptions() *options {
	return &options{
		keyPrefix: DefaultKeyPrefix,
		expiry:    DefaultExpiry,
		busyWait:  xdlock.DefaultBusyWait(),
	}
}

// WithLogger 设置日志记录器，同时用于门面
func WithLogger(l xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithKeyPrefix 设置键前缀
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithExpiry 设置租约时长。持有期间按 WithExtensionCadence 续期。
func WithExpiry(d time.Duration) Option {
	return func(o *options) { o.expiry = d }
}

// WithMinValidity 设置获取完成后要求的最小剩余有效期，默认 Expiry 的 10%
func WithMinValidity(d time.Duration) Option {
	return func(o *options) { o.minValidity = d }
}

// WithExtensionCadence 设置续期间隔，默认 Expiry 的三分之一
func WithExtensionCadence(d time.Duration) Option {
	return func(o *options) { o.cadence = d }
}

// WithBusyWait 设置轮询休眠区间
func WithBusyWait(cfg xdlock.BusyWaitConfig) Option {
	return func(o *options) { o.busyWait = cfg }
}

// WithNodeBreaker 为每个节点启用熔断，见 BreakerConfig
func WithNodeBreaker(cfg BreakerConfig) Option {
	return func(o *options) { o.breaker = &cfg }
}

// WithFacadeOptions 设置门面选项（追踪、指标等）
func WithFacadeOptions(opts ...xdlock.Option) Option {
	return func(o *options) { o.facade = append(o.facade, opts...) }
}

// resolve 填充派生默认值并校验
func (o *options) resolve() (redlock.Timeouts, lease.Config, error) {
	if o.minValidity == 0 {
		o.minValidity = o.expiry / 10
	}
	if o.cadence == 0 {
		o.cadence = lease.DefaultCadence(o.expiry)
	}
	o.logger = xlog.OrDiscard(o.logger).With(xlog.Backend(backendName))

	t := redlock.Timeouts{Expiry: o.expiry, MinValidity: o.minValidity}
	if err := t.Validate(); err != nil {
		return t, lease.Config{}, err
	}
	cfg := lease.Config{Expiry: o.expiry, Cadence: o.cadence}
	if err := cfg.Validate(); err != nil {
		return t, cfg, fmt.Errorf("%w: %w", xdlock.ErrInvalidOption, err)
	}
	if err := o.busyWait.Validate(); err != nil {
		return t, cfg, err
	}
	return t, cfg, nil
}
