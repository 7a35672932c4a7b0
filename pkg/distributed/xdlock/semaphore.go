package xdlock

import (
	"context"
	"fmt"
)

// SemaphoreLocker 信号量门面接口，*Semaphore 实现。
type SemaphoreLocker interface {
	Name() string
	MaxCount() int
	TryAcquire(ctx context.Context, timeout Timeout) (Handle, error)
	Acquire(ctx context.Context, timeout Timeout) (Handle, error)
}

var _ SemaphoreLocker = (*Semaphore)(nil)

// Semaphore 分布式信号量，同一时刻至多 MaxCount 个句柄持有同名信号量。
//
// 若同一作用域（连接、事务、memlock.Scope）已持有全部票据，再次获取
// 永远不会成功：Infinite 立即返回 ErrDeadlock，NoWait 返回 (nil, nil)，
// 有限超时等满后返回 (nil, nil)。
type Semaphore struct {
	f         *facade
	primitive SemaphorePrimitive
}

// NewSemaphore 由后端原语创建信号量
func NewSemaphore(p SemaphorePrimitive, opts ...Option) (*Semaphore, error) {
	if p == nil {
		return nil, ErrNilBackend
	}
	if p.MaxCount() < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxCount, p.MaxCount())
	}
	f, err := newFacade(p.Name(), p, opts)
	if err != nil {
		return nil, err
	}
	return &Semaphore{f: f, primitive: p}, nil
}

// Name 信号量名称
func (s *Semaphore) Name() string { return s.f.name }

// MaxCount 最大并发持有数
func (s *Semaphore) MaxCount() int { return s.primitive.MaxCount() }

// TryAcquire 尝试获取一张票据，未获取到返回 (nil, nil)
func (s *Semaphore) TryAcquire(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, s.f, ModeSemaphore, timeout, false, s.primitive.TryAcquireHandle, s.wrap)
}

// Acquire 获取一张票据，超时返回 ErrTimeout
func (s *Semaphore) Acquire(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, s.f, ModeSemaphore, timeout, true, s.primitive.TryAcquireHandle, s.wrap)
}

func (s *Semaphore) wrap(h Handle) Handle {
	return s.f.observe(h, ModeSemaphore)
}
