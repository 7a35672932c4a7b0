package lease

import (
	"context"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// ReleaseFunc 删除租约（条件删除：仍是持有者时才删除）
type ReleaseFunc func(ctx context.Context) error

// NewHandle 创建由 monitor 续期的锁句柄。
//
// 释放顺序固定为：停止续期循环 → 等待循环退出 → 删除租约。
// 续期写入因此不可能与删除竞争。删除失败只记录日志：
// 租约会在 Expiry 后自然过期，对调用方而言锁已释放。
func NewHandle(name string, monitor *Monitor, release ReleaseFunc, logger xlog.Logger) xdlock.Handle {
	logger = xlog.OrDiscard(logger)
	return xdlock.NewHandle(name, func(ctx context.Context) error {
		if err := monitor.Stop(ctx); err != nil {
			// ctx 已结束，循环可能仍卡在续期请求上；续期 ctx 已被取消，
			// 删除依旧发出，最坏情况由过期兜底
			logger.Warn(ctx, "lease renewal loop did not stop in time", xlog.Lock(name), xlog.Err(err))
		}
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "lease release failed, lease will expire naturally", xlog.Lock(name), xlog.Err(err))
		}
		return nil
	}, xdlock.WithLostContext(monitor.Lost()))
}
