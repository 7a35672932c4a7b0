package xrun

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// Group 一组共享取消信号的任务。
//
// Go、GoWithName、Cancel 可并发调用；Wait 只应调用一次。
type Group struct {
	eg       *errgroup.Group
	ctx      context.Context
	causeCtx context.Context
	cancel   context.CancelCauseFunc
	opts     *groupOptions
}

// NewGroup 创建 Group，返回的 ctx 在任一任务出错或 Cancel 时取消
func NewGroup(ctx context.Context, opts ...Option) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	o := &groupOptions{logger: xlog.Discard(), name: "xrun"}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	causeCtx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(causeCtx)
	return &Group{eg: eg, ctx: egCtx, causeCtx: causeCtx, cancel: cancel, opts: o}, egCtx
}

// Go 启动任务。返回非 nil 错误时取消其余任务。
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.eg.Go(func() error {
		if fn == nil {
			return ErrNilFunc
		}
		return fn(g.ctx)
	})
}

// GoWithName 同 Go，并记录任务的启动与退出
func (g *Group) GoWithName(name string, fn func(ctx context.Context) error) {
	g.Go(func(ctx context.Context) error {
		if fn == nil {
			return ErrNilFunc
		}
		attrs := []slog.Attr{slog.String("group", g.opts.name), slog.String("task", name)}
		g.opts.logger.Debug(ctx, "task starting", attrs...)
		err := fn(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.opts.logger.Warn(ctx, "task exited with error", append(attrs, xlog.Err(err))...)
		} else {
			g.opts.logger.Debug(ctx, "task stopped", attrs...)
		}
		return err
	})
}

// Cancel 以 cause 取消所有任务，Wait 返回 cause（nil 时返回 nil）。
// cause 不要包装 context.Canceled，否则会被当作普通取消过滤掉。
func (g *Group) Cancel(cause error) {
	g.cancel(cause)
}

// Context 返回 Group 的 ctx
func (g *Group) Context() context.Context {
	return g.ctx
}

// Wait 等待所有任务退出，返回退出原因。
//
// 组被取消时，任务返回的 context.Canceled 被过滤，改为返回取消原因
// （SignalError、WatchContext 的 cause 等）；没有显式原因时返回 nil。
// 任务自身产生的 context.Canceled（组未被取消）原样返回。
func (g *Group) Wait() error {
	defer g.cancel(nil)

	err := g.eg.Wait()
	cause := func() error {
		if c := context.Cause(g.causeCtx); c != nil && !errors.Is(c, context.Canceled) {
			return c
		}
		return nil
	}
	if errors.Is(err, context.Canceled) {
		if g.causeCtx.Err() != nil {
			return cause()
		}
		return err
	}
	if err == nil && g.causeCtx.Err() != nil {
		return cause()
	}
	return err
}
