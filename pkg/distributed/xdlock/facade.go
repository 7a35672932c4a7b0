package xdlock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// facade 各门面类型共用的获取流程：参数校验、ctx 预检、取消竞争处理、
// 超时到 ErrTimeout 的转换，以及日志、追踪、指标。
type facade struct {
	name    string
	backend string
	logger  xlog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

func newFacade(name string, primitive any, opts []Option) (*facade, error) {
	if err := ValidateName(name, 0); err != nil {
		return nil, err
	}
	o := buildOptions(primitive, opts)
	m, err := newMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("xdlock: init metrics: %w", err)
	}
	return &facade{
		name:    name,
		backend: o.backend,
		logger:  o.logger.With(xlog.Lock(name), xlog.Backend(o.backend)),
		tracer:  getTracer(o.tracerProvider),
		metrics: m,
	}, nil
}

// acquire 执行一次门面级获取。
// 返回 (nil, nil) 表示超时内未获取到（mustAcquire 时转换为 ErrTimeout）。
func acquire[H Handle](ctx context.Context, f *facade, mode string, timeout Timeout, mustAcquire bool,
	fn func(ctx context.Context, timeout Timeout) (H, error), wrap func(H) H) (H, error) {
	var zero H
	if ctx == nil {
		ctx = context.Background()
	}
	// 已取消的 ctx 不触达后端
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	spanName := spanNameTryAcquire
	if mustAcquire {
		spanName = spanNameAcquire
	}
	ctx, span := startSpan(ctx, f.tracer, spanName,
		attribute.String(attrName, f.name),
		attribute.String(attrMode, mode),
		attribute.String(attrBackend, f.backend),
		attribute.String(attrTimeout, timeout.String()),
	)
	defer span.End()

	start := time.Now()
	h, err := fn(ctx, timeout)
	acquired := err == nil && any(h) != nil

	// 取消与成功竞争：后端已授予锁，但调用方已不再等待。必须释放后再返回取消错误。
	if acquired && ctx.Err() != nil {
		cancelErr := ctx.Err()
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			f.logger.Warn(ctx, "release after canceled acquire failed", xlog.Mode(mode), xlog.Err(rerr))
		}
		h, acquired, err = zero, false, cancelErr
	}

	elapsed := time.Since(start)
	switch {
	case err != nil:
		result := resultError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result = resultCanceled
		}
		f.metrics.recordAcquire(ctx, f.backend, mode, result, elapsed)
		setSpanError(span, err)
		if result == resultError {
			f.logger.Warn(ctx, "acquire failed", xlog.Mode(mode), xlog.Err(err), xlog.Duration(elapsed))
		}
		return zero, err

	case !acquired:
		f.metrics.recordAcquire(ctx, f.backend, mode, resultBusy, elapsed)
		span.SetAttributes(attribute.Bool(attrAcquired, false))
		if mustAcquire {
			err := fmt.Errorf("%w: %q (%s) within %s", ErrTimeout, f.name, mode, timeout)
			setSpanError(span, err)
			return zero, err
		}
		setSpanOK(span)
		return zero, nil

	default:
		f.metrics.recordAcquire(ctx, f.backend, mode, resultAcquired, elapsed)
		span.SetAttributes(attribute.Bool(attrAcquired, true))
		setSpanOK(span)
		f.logger.Debug(ctx, "acquired", xlog.Mode(mode), xlog.Duration(elapsed))
		return wrap(h), nil
	}
}

// =============================================================================
// 可观测句柄
// =============================================================================

// observedHandle 包装后端句柄：记录释放、在丢锁时计数并告警。
type observedHandle struct {
	Handle
	f        *facade
	mode     string
	stopLost func() bool
	released atomic.Bool
}

func (f *facade) observe(h Handle, mode string) *observedHandle {
	oh := &observedHandle{Handle: h, f: f, mode: mode}
	if lost, err := h.Lost(); err == nil && lost.Done() != nil {
		oh.stopLost = context.AfterFunc(lost, func() {
			f.metrics.recordLost(f.backend, mode)
			f.logger.Warn(context.Background(), "lock lost while held", xlog.Mode(mode))
		})
	}
	return oh
}

func (h *observedHandle) Release(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// 只有第一次释放记录追踪与指标，内层句柄已被释放时同样跳过
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := h.Handle.Lost(); errors.Is(err, ErrHandleClosed) {
		return nil
	}
	if h.stopLost != nil {
		h.stopLost()
	}

	ctx, span := startSpan(ctx, h.f.tracer, spanNameRelease,
		attribute.String(attrName, h.f.name),
		attribute.String(attrMode, h.mode),
		attribute.String(attrBackend, h.f.backend),
	)
	defer span.End()

	err := h.Handle.Release(ctx)
	h.f.metrics.recordRelease(ctx, h.f.backend, h.mode, err != nil)
	if err != nil {
		setSpanError(span, err)
		h.f.logger.Warn(ctx, "release failed", xlog.Mode(h.mode), xlog.Err(err))
		return err
	}
	setSpanOK(span)
	h.f.logger.Debug(ctx, "released", xlog.Mode(h.mode))
	return nil
}

func (h *observedHandle) Close() error {
	return h.Release(context.Background())
}

type observedUpgradeableHandle struct {
	*observedHandle
	inner UpgradeableHandle
}

func (f *facade) observeUpgradeable(h UpgradeableHandle) UpgradeableHandle {
	return &observedUpgradeableHandle{observedHandle: f.observe(h, ModeUpgradeable), inner: h}
}

func (h *observedUpgradeableHandle) TryUpgradeToWriteLock(ctx context.Context, timeout Timeout) (bool, error) {
	ok, err := h.inner.TryUpgradeToWriteLock(ctx, timeout)
	if err != nil && !errors.Is(err, ErrAlreadyUpgraded) && !errors.Is(err, ErrHandleClosed) {
		h.f.logger.Warn(ctx, "upgrade failed", xlog.Err(err))
	}
	return ok, err
}

func (h *observedUpgradeableHandle) UpgradeToWriteLock(ctx context.Context, timeout Timeout) error {
	ok, err := h.TryUpgradeToWriteLock(ctx, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: upgrade %q within %s", ErrTimeout, h.f.name, timeout)
	}
	return nil
}
