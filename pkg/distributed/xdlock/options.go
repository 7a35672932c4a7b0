package xdlock

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// Option 门面（Lock / RWLock / Semaphore）配置选项
type Option func(*options)

type options struct {
	logger         xlog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	backend        string
}

func defaultOptions() *options {
	return &options{
		logger: xlog.Discard(),
	}
}

// WithLogger 设置日志记录器
func WithLogger(l xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracerProvider 设置 TracerProvider，nil 时使用全局 provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider 设置 MeterProvider，nil 时不收集指标
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithBackendName 覆盖日志、追踪、指标中的后端标签。
// 默认取原语的 Backend() 方法（若实现），否则为 "unknown"。
func WithBackendName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.backend = name
		}
	}
}

// BackendNamer 原语可选实现，用于可观测性标签
type BackendNamer interface {
	Backend() string
}

func buildOptions(primitive any, opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.backend == "" {
		if n, ok := primitive.(BackendNamer); ok {
			o.backend = n.Backend()
		} else {
			o.backend = "unknown"
		}
	}
	return o
}
