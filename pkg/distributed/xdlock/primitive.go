package xdlock

import (
	"context"
	"time"
)

// =============================================================================
// 后端原语
//
// 后端只需实现"在给定超时内尝试获取"：能原生阻塞等待的后端（数据库 advisory
// lock、etcd、进程内等待句柄）直接把超时交给后端；没有阻塞原语的后端
// （Redis、MongoDB、K8s Lease）用 BusyWaitLock 或 BusyWait 把"尝试一次"
// 变成轮询。未获取到返回 (nil, nil)，不要返回错误。
// =============================================================================

// LockPrimitive 互斥锁原语
type LockPrimitive interface {
	Name() string
	TryAcquireHandle(ctx context.Context, timeout Timeout) (Handle, error)
}

// RWPrimitive 读写锁原语
type RWPrimitive interface {
	Name() string
	TryAcquireReadHandle(ctx context.Context, timeout Timeout) (Handle, error)
	TryAcquireWriteHandle(ctx context.Context, timeout Timeout) (Handle, error)
}

// UpgradeableRWPrimitive 支持可升级读锁的读写锁原语
type UpgradeableRWPrimitive interface {
	RWPrimitive
	TryAcquireUpgradeableReadHandle(ctx context.Context, timeout Timeout) (UpgradeableHandle, error)
}

// SemaphorePrimitive 信号量原语
type SemaphorePrimitive interface {
	Name() string
	MaxCount() int
	TryAcquireHandle(ctx context.Context, timeout Timeout) (Handle, error)
}

// TryOnceFunc 不等待地尝试获取一次，未获取到返回 (nil, nil)
type TryOnceFunc func(ctx context.Context) (Handle, error)

type busyWaitLock struct {
	name    string
	backend string
	cfg     BusyWaitConfig
	tryOnce TryOnceFunc
}

// BusyWaitLock 用 BusyWait 把 tryOnce 适配为 LockPrimitive。
func BusyWaitLock(name, backend string, cfg BusyWaitConfig, tryOnce TryOnceFunc) (LockPrimitive, error) {
	if tryOnce == nil {
		return nil, ErrNilBackend
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &busyWaitLock{name: name, backend: backend, cfg: cfg, tryOnce: tryOnce}, nil
}

func (b *busyWaitLock) Name() string    { return b.name }
func (b *busyWaitLock) Backend() string { return b.backend }

func (b *busyWaitLock) TryAcquireHandle(ctx context.Context, timeout Timeout) (Handle, error) {
	return BusyWaitHandle(ctx, timeout, b.cfg, b.tryOnce)
}

// BusyWaitHandle 是 BusyWait 针对 Handle 的便捷形式。
func BusyWaitHandle[H Handle](ctx context.Context, timeout Timeout, cfg BusyWaitConfig,
	tryOnce func(ctx context.Context) (H, error)) (H, error) {
	h, _, err := BusyWait(ctx, timeout, cfg, func(ctx context.Context) (H, bool, error) {
		h, err := tryOnce(ctx)
		return h, err == nil && any(h) != nil, err
	})
	return h, err
}

// SelfDeadlock 处理"调用方自身已持有全部名额、等待永远不会成功"的情形：
//   - Infinite：立即返回 ErrDeadlock
//   - 零超时：返回 (nil, nil)
//   - 有限超时：等满超时（可被 ctx 取消）后返回 (nil, nil)
func SelfDeadlock(ctx context.Context, name string, timeout Timeout) (Handle, error) {
	d, finite := timeout.Duration()
	if !finite {
		return nil, &DeadlockError{Name: name}
	}
	if d == 0 {
		return nil, nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

// DeadlockError 带锁名称的死锁错误，errors.Is(err, ErrDeadlock) 为 true。
type DeadlockError struct {
	Name   string
	Detail string
}

func (e *DeadlockError) Error() string {
	msg := ErrDeadlock.Error() + ": " + e.Name
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }
