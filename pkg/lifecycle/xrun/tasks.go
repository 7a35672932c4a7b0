package xrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// DefaultSignals SIGHUP、SIGINT、SIGTERM、SIGQUIT。每次返回新切片。
func DefaultSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
}

// testSigChanKey 测试通过 ctx 注入信号，避免向进程发送真实信号
type testSigChanKey struct{}

func testSigChan(ctx context.Context) <-chan os.Signal {
	c, _ := ctx.Value(testSigChanKey{}).(<-chan os.Signal)
	return c
}

// WatchSignals 收到任一信号时返回 *SignalError，组随之取消。
// signals 为空时使用 DefaultSignals。
func WatchSignals(signals ...os.Signal) func(ctx context.Context) error {
	if len(signals) == 0 {
		signals = DefaultSignals()
	}
	return func(ctx context.Context) error {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, signals...)
		defer signal.Stop(ch)

		var sig os.Signal
		select {
		case sig = <-ch:
		case sig = <-testSigChan(ctx):
		case <-ctx.Done():
			return ctx.Err()
		}
		return &SignalError{Signal: sig}
	}
}

// WatchContext watched 结束时返回 cause（cause 为 nil 时返回 context.Cause(watched)）。
// 用于把锁句柄的 Lost 信号接入组。
func WatchContext(watched context.Context, cause error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-watched.Done():
			if cause != nil {
				return cause
			}
			return context.Cause(watched)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Timer 延迟 delay 后执行 fn 并返回其结果，fn 为 nil 时到期直接返回 nil。
// 返回 nil 不会取消组；需要到期即结束时在 fn 中调用 Group.Cancel。
func Timer(delay time.Duration, fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if delay < 0 {
			return ErrInvalidDelay
		}
		if fn == nil {
			fn = func(context.Context) error { return nil }
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delay == 0 {
			return fn(ctx)
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			return fn(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForDone 阻塞直到组被取消
func WaitForDone() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
}
