package memlock

import (
	"context"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

// rwState 可升级读写锁的共享状态。
//
// 写优先：有写者（含升级中的可升级读者）在等待时，新的读者与可升级读者不得进入，
// 已持有的读者不受影响，自然退出后写者获得锁。
type rwState struct {
	waiter
	readers        int
	upgradeable    bool // 有可升级读者持有（含已升级）
	writer         bool
	writersWaiting int
}

func newRWState() *rwState {
	return &rwState{waiter: newWaiter()}
}

func (s *rwState) tryReadLocked() bool {
	if s.writer || s.writersWaiting > 0 {
		return false
	}
	s.readers++
	return true
}

func (s *rwState) tryUpgradeableLocked() bool {
	if s.writer || s.upgradeable || s.writersWaiting > 0 {
		return false
	}
	s.upgradeable = true
	return true
}

func (s *rwState) tryWriteLocked() bool {
	if s.writer || s.upgradeable || s.readers > 0 {
		return false
	}
	s.writer = true
	return true
}

// tryUpgradeLocked 由持有可升级读锁的一方调用
func (s *rwState) tryUpgradeLocked() bool {
	if s.writer || s.readers > 0 {
		return false
	}
	s.writer = true
	return true
}

// awaitWriter 以"等待中的写者"身份等待，期间阻止新读者进入。
// 零超时不登记，只尝试一次。
func (s *rwState) awaitWriter(ctx context.Context, timeout xdlock.Timeout, try func() bool) (bool, error) {
	if timeout.IsZero() {
		return s.await(ctx, timeout, try)
	}

	s.mu.Lock()
	s.writersWaiting++
	s.mu.Unlock()

	ok, err := s.await(ctx, timeout, try)

	s.mu.Lock()
	s.writersWaiting--
	// 放弃等待的写者可能正挡着读者，需要唤醒
	s.broadcastLocked()
	s.mu.Unlock()
	return ok, err
}

func (s *rwState) update(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	s.broadcastLocked()
}

var _ xdlock.UpgradeableRWPrimitive = (*rwLock)(nil)

type rwLock struct {
	name  string
	state *rwState
}

func (l *rwLock) Name() string    { return l.name }
func (l *rwLock) Backend() string { return backendName }

func (l *rwLock) TryAcquireReadHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	ok, err := l.state.await(ctx, timeout, l.state.tryReadLocked)
	if err != nil || !ok {
		return nil, err
	}
	return xdlock.NewHandle(l.name, func(context.Context) error {
		l.state.update(func() { l.state.readers-- })
		return nil
	}), nil
}

func (l *rwLock) TryAcquireWriteHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	ok, err := l.state.awaitWriter(ctx, timeout, l.state.tryWriteLocked)
	if err != nil || !ok {
		return nil, err
	}
	return xdlock.NewHandle(l.name, func(context.Context) error {
		l.state.update(func() { l.state.writer = false })
		return nil
	}), nil
}

func (l *rwLock) TryAcquireUpgradeableReadHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.UpgradeableHandle, error) {
	ok, err := l.state.await(ctx, timeout, l.state.tryUpgradeableLocked)
	if err != nil || !ok {
		return nil, err
	}

	// 只在持有 state.mu 时读写。释放可能与进行中的升级并发，
	// 已释放的句柄不得再拿到写锁。
	var upgraded, released bool
	inner := xdlock.NewHandle(l.name, func(context.Context) error {
		l.state.update(func() {
			released = true
			l.state.upgradeable = false
			if upgraded {
				l.state.writer = false
			}
		})
		return nil
	})
	return xdlock.NewUpgradeableHandle(inner, func(ctx context.Context, timeout xdlock.Timeout) (bool, error) {
		var gone bool
		ok, err := l.state.awaitWriter(ctx, timeout, func() bool {
			if released {
				gone = true
				return true
			}
			if l.state.tryUpgradeLocked() {
				upgraded = true
				return true
			}
			return false
		})
		if gone {
			return false, xdlock.ErrHandleClosed
		}
		return ok, err
	}), nil
}
