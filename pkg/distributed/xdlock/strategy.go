package xdlock

import "context"

// Cookie 后端在获取成功时返回的不透明凭证，只用于配对释放，门面与引擎从不解读其内容。
// nil 表示未获取到。
type Cookie any

// Strategy 基于连接的后端（SQL advisory lock 等）对单个具名锁的同步策略。
// C 为后端的连接类型。
//
// TryAcquire 必须可被 ctx 取消，并在超时内未获取到时返回 (nil, nil)。
// Release 消费一次 Cookie，不会对同一 Cookie 调用两次。
type Strategy[C any] interface {
	TryAcquire(ctx context.Context, conn C, name string, timeout Timeout) (Cookie, error)
	Release(ctx context.Context, conn C, name string, cookie Cookie) error

	// IsUpgradeable 为 true 的策略不能参与连接复用：进行中的升级可能阻塞
	// 同一共享连接上无关锁的释放。
	IsUpgradeable() bool
}
