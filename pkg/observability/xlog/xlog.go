// Package xlog 是 xdsync 各组件共用的结构化日志接口，基于 log/slog。
//
// 所有方法都要求 context.Context，只接受 slog.Attr。
// 锁引擎在后台清理路径（强制释放、续期失败、释放错误被抑制）上
// 通过注入的 Logger 输出，不会向调用方返回这些错误。
//
//	logger, cleanup, err := xlog.New().
//		SetLevel(xlog.LevelDebug).
//		SetFormat("json").
//		Build()
//	if err != nil { ... }
//	defer cleanup()
package xlog

import (
	"context"
	"log/slog"
)

// Logger 日志接口
type Logger interface {
	Debug(ctx context.Context, msg string, attrs ...slog.Attr)
	Info(ctx context.Context, msg string, attrs ...slog.Attr)
	Warn(ctx context.Context, msg string, attrs ...slog.Attr)
	Error(ctx context.Context, msg string, attrs ...slog.Attr)

	// Stack 记录 Error 级别日志并附带当前 goroutine 的调用栈，
	// 用于不变量被破坏这类需要定位调用方的场景。
	Stack(ctx context.Context, msg string, attrs ...slog.Attr)

	// With 返回带固定属性的派生 Logger，派生 logger 共享级别。
	With(attrs ...slog.Attr) Logger

	// WithGroup 返回带分组的派生 Logger
	WithGroup(name string) Logger
}

// Leveler 动态级别控制
type Leveler interface {
	SetLevel(level Level)
	GetLevel() Level
	Enabled(ctx context.Context, level Level) bool
}

// LoggerWithLevel Build 的返回类型
type LoggerWithLevel interface {
	Logger
	Leveler
}

// Discard 返回丢弃所有输出的 Logger，作为各组件未注入 logger 时的默认值。
func Discard() Logger {
	return discardLogger{}
}

type discardLogger struct{}

func (discardLogger) Debug(context.Context, string, ...slog.Attr) {}
func (discardLogger) Info(context.Context, string, ...slog.Attr)  {}
func (discardLogger) Warn(context.Context, string, ...slog.Attr)  {}
func (discardLogger) Error(context.Context, string, ...slog.Attr) {}
func (discardLogger) Stack(context.Context, string, ...slog.Attr) {}
func (d discardLogger) With(...slog.Attr) Logger                  { return d }
func (d discardLogger) WithGroup(string) Logger                   { return d }

// OrDiscard 在 l 为 nil 时返回 Discard()。
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}
