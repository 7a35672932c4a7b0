package xdlock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName             = "xdlock"
	instrumentationVersion = "0.1.0"
)

const (
	spanNameTryAcquire = "xdlock.TryAcquire"
	spanNameAcquire    = "xdlock.Acquire"
	spanNameRelease    = "xdlock.Release"
)

// 属性名，trace 与 metrics 共用
const (
	attrName     = "xdlock.name"
	attrMode     = "xdlock.mode"
	attrBackend  = "xdlock.backend"
	attrAcquired = "xdlock.acquired"
	attrTimeout  = "xdlock.timeout"
	attrResult   = "xdlock.result"
)

// 锁模式
const (
	ModeExclusive   = "exclusive"
	ModeRead        = "read"
	ModeWrite       = "write"
	ModeUpgradeable = "upgradeable"
	ModeSemaphore   = "semaphore"
)

func getTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName, trace.WithInstrumentationVersion(instrumentationVersion))
}

func startSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func setSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func setSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
