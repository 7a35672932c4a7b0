package xdlock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricNameAcquireTotal    = "xdlock.acquire.total"
	metricNameAcquireDuration = "xdlock.acquire.duration"
	metricNameReleaseTotal    = "xdlock.release.total"
	metricNameLostTotal       = "xdlock.lost.total"
)

// 获取结果标签
const (
	resultAcquired = "acquired"
	resultBusy     = "busy"
	resultError    = "error"
	resultCanceled = "canceled"
)

// durationBuckets 获取耗时桶边界（秒）。包含锁等待，上界比单次 RPC 大得多。
var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120}

// metrics 门面指标。nil 接收者的方法均为空操作。
type metrics struct {
	acquireTotal    metric.Int64Counter
	acquireDuration metric.Float64Histogram
	releaseTotal    metric.Int64Counter
	lostTotal       metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		return nil, nil
	}
	meter := mp.Meter(tracerName, metric.WithInstrumentationVersion(instrumentationVersion))

	m := &metrics{}
	var err error
	if m.acquireTotal, err = meter.Int64Counter(metricNameAcquireTotal,
		metric.WithDescription("锁获取次数"), metric.WithUnit("{acquire}")); err != nil {
		return nil, err
	}
	if m.acquireDuration, err = meter.Float64Histogram(metricNameAcquireDuration,
		metric.WithDescription("锁获取耗时（含等待）"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, err
	}
	if m.releaseTotal, err = meter.Int64Counter(metricNameReleaseTotal,
		metric.WithDescription("锁释放次数"), metric.WithUnit("{release}")); err != nil {
		return nil, err
	}
	if m.lostTotal, err = meter.Int64Counter(metricNameLostTotal,
		metric.WithDescription("已持有的锁被检测为丢失的次数"), metric.WithUnit("{lost}")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordAcquire(ctx context.Context, backend, mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	// 即使 ctx 已取消也要记录
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String(attrBackend, backend),
		attribute.String(attrMode, mode),
		attribute.String(attrResult, result),
	)
	m.acquireTotal.Add(ctx, 1, attrs)
	m.acquireDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *metrics) recordRelease(ctx context.Context, backend, mode string, failed bool) {
	if m == nil {
		return
	}
	m.releaseTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String(attrBackend, backend),
		attribute.String(attrMode, mode),
		attribute.Bool("xdlock.failed", failed),
	))
}

func (m *metrics) recordLost(backend, mode string) {
	if m == nil {
		return
	}
	m.lostTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(attrBackend, backend),
		attribute.String(attrMode, mode),
	))
}
