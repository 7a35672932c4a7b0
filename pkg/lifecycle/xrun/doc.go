// Package xrun 基于 errgroup + context 协调一组并发任务的运行与退出。
//
// 任一任务返回错误、收到终止信号或显式 Cancel 时，组内所有任务的 ctx
// 被取消，Wait 返回退出原因。xlockctl 用它把"持有锁"表达为一组任务：
//
//	g, ctx := xrun.NewGroup(ctx, xrun.WithLogger(logger))
//	g.Go(xrun.WatchSignals(xrun.DefaultSignals()...))
//	g.Go(xrun.WatchContext(lost, ErrLockLost))
//	g.Go(xrun.Timer(holdFor, func(context.Context) error { g.Cancel(nil); return nil }))
//	err := g.Wait() // *SignalError、ErrLockLost 或 nil
package xrun
