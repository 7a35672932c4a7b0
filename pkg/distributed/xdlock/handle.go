package xdlock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle 已获取的锁（或信号量票据）。调用方独占持有，用完必须释放。
//
// Release/Close 幂等：第一次调用执行真正的释放，之后的调用直接返回 nil。
// 即使第一次释放失败，句柄也被标记为已释放，错误只返回给第一次调用方。
type Handle interface {
	// Name 锁名称
	Name() string

	// Release 释放锁
	Release(ctx context.Context) error

	// Close 等价于 Release(context.Background())，便于 defer h.Close()
	Close() error

	// Lost 返回"丢锁"信号：当后端检测到锁已不再被持有（租约续期失败、
	// 连接断开、Session 过期）时该 context 被取消。
	// 无法检测丢锁的后端返回永不取消的 context。
	// 句柄释放后调用返回 ErrHandleClosed。
	Lost() (context.Context, error)
}

// ReleaseFunc 后端释放动作，由 NewHandle 保证至多执行一次。
type ReleaseFunc func(ctx context.Context) error

// HandleOption 句柄选项
type HandleOption func(*handle)

// WithLostContext 设置丢锁信号。未设置时使用永不取消的 context。
func WithLostContext(lost context.Context) HandleOption {
	return func(h *handle) {
		if lost != nil {
			h.lost = lost
		}
	}
}

var _ Handle = (*handle)(nil)

// releaseSlot 一次性释放槽，通过原子交换"取出并置空"
type releaseSlot struct {
	release ReleaseFunc
}

type handle struct {
	name string
	lost context.Context
	slot atomic.Pointer[releaseSlot]
}

// NewHandle 创建供后端使用的一次性释放句柄。
func NewHandle(name string, release ReleaseFunc, opts ...HandleOption) Handle {
	h := &handle{name: name, lost: context.Background()}
	for _, opt := range opts {
		opt(h)
	}
	if release == nil {
		release = func(context.Context) error { return nil }
	}
	h.slot.Store(&releaseSlot{release: release})
	return h
}

func (h *handle) Name() string { return h.name }

func (h *handle) Release(ctx context.Context) error {
	s := h.slot.Swap(nil)
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.release(ctx)
}

func (h *handle) Close() error {
	return h.Release(context.Background())
}

func (h *handle) Lost() (context.Context, error) {
	if h.slot.Load() == nil {
		return nil, ErrHandleClosed
	}
	return h.lost, nil
}

// =============================================================================
// 可升级读锁句柄
// =============================================================================

// UpgradeableHandle 可升级读锁句柄。升级是单向的（读 → 写，无降级），
// 每个句柄最多成功升级一次。
type UpgradeableHandle interface {
	Handle

	// TryUpgradeToWriteLock 在超时内尝试升级为写锁，超时返回 (false, nil)。
	TryUpgradeToWriteLock(ctx context.Context, timeout Timeout) (bool, error)

	// UpgradeToWriteLock 同 TryUpgradeToWriteLock，超时返回 ErrTimeout。
	UpgradeToWriteLock(ctx context.Context, timeout Timeout) error
}

// UpgradeFunc 后端升级动作。返回 false 表示超时内未能升级。
type UpgradeFunc func(ctx context.Context, timeout Timeout) (bool, error)

var _ UpgradeableHandle = (*upgradeableHandle)(nil)

type upgradeableHandle struct {
	Handle
	upgrade UpgradeFunc

	mu       sync.Mutex // 串行化并发升级，不阻塞 Release
	upgraded bool
}

// NewUpgradeableHandle 为读锁句柄附加升级能力。
func NewUpgradeableHandle(inner Handle, upgrade UpgradeFunc) UpgradeableHandle {
	return &upgradeableHandle{Handle: inner, upgrade: upgrade}
}

func (h *upgradeableHandle) TryUpgradeToWriteLock(ctx context.Context, timeout Timeout) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.Lost(); err != nil {
		return false, err
	}
	if h.upgraded {
		return false, ErrAlreadyUpgraded
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok, err := h.upgrade(ctx, timeout)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	// 等待期间句柄被并发释放：后端的释放动作已执行，升级结果不再有效
	if _, err := h.Lost(); err != nil {
		return false, err
	}
	h.upgraded = true
	return true, nil
}

func (h *upgradeableHandle) UpgradeToWriteLock(ctx context.Context, timeout Timeout) error {
	ok, err := h.TryUpgradeToWriteLock(ctx, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: upgrade %q within %s", ErrTimeout, h.Name(), timeout)
	}
	return nil
}
