package xdlock

import "context"

// RWLocker 读写锁门面接口，*RWLock 与 *UpgradeableRWLock 实现。
type RWLocker interface {
	Name() string
	TryAcquireReadLock(ctx context.Context, timeout Timeout) (Handle, error)
	AcquireReadLock(ctx context.Context, timeout Timeout) (Handle, error)
	TryAcquireWriteLock(ctx context.Context, timeout Timeout) (Handle, error)
	AcquireWriteLock(ctx context.Context, timeout Timeout) (Handle, error)
}

var (
	_ RWLocker = (*RWLock)(nil)
	_ RWLocker = (*UpgradeableRWLock)(nil)
)

// RWLock 分布式读写锁：多个读者可共存，写者独占。
// 等待中的写者会阻止新读者进入（写优先），但不会驱逐已持有的读者。
type RWLock struct {
	f         *facade
	primitive RWPrimitive
}

// NewRWLock 由后端原语创建读写锁
func NewRWLock(p RWPrimitive, opts ...Option) (*RWLock, error) {
	if p == nil {
		return nil, ErrNilBackend
	}
	f, err := newFacade(p.Name(), p, opts)
	if err != nil {
		return nil, err
	}
	return &RWLock{f: f, primitive: p}, nil
}

// Name 锁名称
func (l *RWLock) Name() string { return l.f.name }

// TryAcquireReadLock 尝试获取读锁，未获取到返回 (nil, nil)
func (l *RWLock) TryAcquireReadLock(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, l.f, ModeRead, timeout, false, l.primitive.TryAcquireReadHandle, l.wrapRead)
}

// AcquireReadLock 获取读锁，超时返回 ErrTimeout
func (l *RWLock) AcquireReadLock(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, l.f, ModeRead, timeout, true, l.primitive.TryAcquireReadHandle, l.wrapRead)
}

// TryAcquireWriteLock 尝试获取写锁，未获取到返回 (nil, nil)
func (l *RWLock) TryAcquireWriteLock(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, l.f, ModeWrite, timeout, false, l.primitive.TryAcquireWriteHandle, l.wrapWrite)
}

// AcquireWriteLock 获取写锁，超时返回 ErrTimeout
func (l *RWLock) AcquireWriteLock(ctx context.Context, timeout Timeout) (Handle, error) {
	return acquire(ctx, l.f, ModeWrite, timeout, true, l.primitive.TryAcquireWriteHandle, l.wrapWrite)
}

func (l *RWLock) wrapRead(h Handle) Handle  { return l.f.observe(h, ModeRead) }
func (l *RWLock) wrapWrite(h Handle) Handle { return l.f.observe(h, ModeWrite) }

// UpgradeableRWLock 支持可升级读锁的读写锁。
//
// 兼容矩阵（✓ 可共存）：
//
//	|             | 读 | 可升级读 | 写 |
//	|-------------|----|----------|----|
//	| 读          | ✓  | ✓        |    |
//	| 可升级读    | ✓  |          |    |
//	| 写          |    |          |    |
//
// 可升级读句柄升级为写锁时等待现有读者退出；升级单向且每个句柄只能升级一次。
type UpgradeableRWLock struct {
	RWLock
	upgradeable UpgradeableRWPrimitive
}

// NewUpgradeableRWLock 由后端原语创建可升级读写锁
func NewUpgradeableRWLock(p UpgradeableRWPrimitive, opts ...Option) (*UpgradeableRWLock, error) {
	if p == nil {
		return nil, ErrNilBackend
	}
	f, err := newFacade(p.Name(), p, opts)
	if err != nil {
		return nil, err
	}
	return &UpgradeableRWLock{RWLock: RWLock{f: f, primitive: p}, upgradeable: p}, nil
}

// TryAcquireUpgradeableReadLock 尝试获取可升级读锁，未获取到返回 (nil, nil)
func (l *UpgradeableRWLock) TryAcquireUpgradeableReadLock(ctx context.Context, timeout Timeout) (UpgradeableHandle, error) {
	return acquire(ctx, l.f, ModeUpgradeable, timeout, false,
		l.upgradeable.TryAcquireUpgradeableReadHandle, l.f.observeUpgradeable)
}

// AcquireUpgradeableReadLock 获取可升级读锁，超时返回 ErrTimeout
func (l *UpgradeableRWLock) AcquireUpgradeableReadLock(ctx context.Context, timeout Timeout) (UpgradeableHandle, error) {
	return acquire(ctx, l.f, ModeUpgradeable, timeout, true,
		l.upgradeable.TryAcquireUpgradeableReadHandle, l.f.observeUpgradeable)
}
