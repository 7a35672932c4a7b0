package xdlock

import "context"

// Locker 互斥锁门面接口，*Lock 实现。
type Locker interface {
	Name() string
	TryAcquire(ctx context.Context, timeout Timeout) (Handle, error)
	Acquire(ctx context.Context, timeout Timeout) (Handle, error)
}

var _ Locker = (*Lock)(nil)

// Lock 分布式互斥锁。同一时刻至多一个句柄持有同名锁。
//
//	h, err := lock.Acquire(ctx, xdlock.MustTimeout(30*time.Second))
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
type Lock struct {
	f         *facade
	primitive LockPrimitive
}

// NewLock 由后端原语创建互斥锁
func NewLock(p LockPrimitive, opts ...Option) (*Lock, error) {
	if p == nil {
		return nil, ErrNilBackend
	}
	f, err := newFacade(p.Name(), p, opts)
	if err != nil {
		return nil, err
	}
	return &Lock{f: f, primitive: p}, nil
}

// Name 锁名称
func (l *Lock) Name() string { return l.f.name }

// TryAcquire 在超时内尝试获取锁，未获取到返回 (nil, nil)。
// 常用 NoWait 只尝试一次。
func (l *Lock) TryAcquire(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, l.f, ModeExclusive, timeout, false, l.primitive.TryAcquireHandle, l.wrap)
}

// Acquire 获取锁，超时返回 ErrTimeout。常用 Infinite 一直等待。
func (l *Lock) Acquire(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, l.f, ModeExclusive, timeout, true, l.primitive.TryAcquireHandle, l.wrap)
}

func (l *Lock) wrap(h Handle) Handle {
	return l.f.observe(h, ModeExclusive)
}
