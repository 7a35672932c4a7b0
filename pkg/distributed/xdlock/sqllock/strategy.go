package sqllock

import (
	"context"
	"fmt"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

var (
	_ xdlock.Strategy[*Conn] = (*lockStrategy)(nil)
	_ xdlock.Strategy[*Conn] = (*ticketStrategy)(nil)
)

// held 获取成功的凭证
type held struct{}

// lockStrategy 排他锁或共享锁
type lockStrategy struct {
	dialect Dialect
	shared  bool
}

func (s *lockStrategy) TryAcquire(ctx context.Context, conn *Conn, name string, timeout xdlock.Timeout) (xdlock.Cookie, error) {
	q, err := conn.querier()
	if err != nil {
		return nil, err
	}
	ok, err := s.dialect.Lock(ctx, q, name, s.shared, timeout)
	if err != nil || !ok {
		return nil, err
	}
	return held{}, nil
}

func (s *lockStrategy) Release(ctx context.Context, conn *Conn, name string, _ xdlock.Cookie) error {
	q, err := conn.querier()
	if err != nil {
		return err
	}
	if err := s.dialect.Unlock(ctx, q, name, s.shared); err != nil {
		conn.markDirty()
		return err
	}
	return nil
}

func (s *lockStrategy) IsUpgradeable() bool { return false }

// ticket 信号量票据凭证
type ticket struct{ slot int }

// ticketStrategy 信号量：maxCount 张票据各是一把独立的会话锁。
// 数据库无法"等待任意一张票据"，等待以轮询实现。
type ticketStrategy struct {
	dialect  Dialect
	maxCount int
	busyWait xdlock.BusyWaitConfig

	// claim 为 false 的票据不尝试：作用域已持有，会话锁可重入，再次获取会错误地成功
	claim   func(slot int) bool
	unclaim func(slot int)
}

func (s *ticketStrategy) TryAcquire(ctx context.Context, conn *Conn, name string, timeout xdlock.Timeout) (xdlock.Cookie, error) {
	q, err := conn.querier()
	if err != nil {
		return nil, err
	}
	t, ok, err := xdlock.BusyWait(ctx, timeout, s.busyWait, func(ctx context.Context) (ticket, bool, error) {
		return s.tryAny(ctx, q, name)
	})
	if err != nil || !ok {
		return nil, err
	}
	return t, nil
}

func (s *ticketStrategy) tryAny(ctx context.Context, q Querier, name string) (ticket, bool, error) {
	for slot := range s.maxCount {
		if s.claim != nil && !s.claim(slot) {
			continue
		}
		ok, err := s.dialect.TryLockTicket(ctx, q, name, slot)
		if err == nil && ok {
			return ticket{slot: slot}, true, nil
		}
		if s.unclaim != nil {
			s.unclaim(slot)
		}
		if err != nil {
			return ticket{}, false, err
		}
	}
	return ticket{}, false, nil
}

func (s *ticketStrategy) Release(ctx context.Context, conn *Conn, name string, cookie xdlock.Cookie) error {
	t, ok := cookie.(ticket)
	if !ok {
		return fmt.Errorf("%w: unexpected semaphore cookie %T", xdlock.ErrInvariant, cookie)
	}
	if s.unclaim != nil {
		defer s.unclaim(t.slot)
	}
	q, err := conn.querier()
	if err != nil {
		return err
	}
	if err := s.dialect.UnlockTicket(ctx, q, name, t.slot); err != nil {
		conn.markDirty()
		return err
	}
	return nil
}

func (s *ticketStrategy) IsUpgradeable() bool { return false }
