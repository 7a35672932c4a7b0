package memlock

import (
	"context"
	"sync/atomic"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

// Scope 持有者作用域，对应数据库里的"连接"或"事务"。
// 绑定 Scope 的信号量会记录该作用域持有的票据数，
// 据此识别"自己已持有全部票据仍在等待"的自死锁。
type Scope struct {
	id uint64
}

var scopeSeq atomic.Uint64

// NewScope 创建新的持有者作用域
func NewScope() *Scope {
	return &Scope{id: scopeSeq.Add(1)}
}

// semState 具名信号量的共享状态；互斥锁是 max=1 的特例。
type semState struct {
	waiter
	max     int
	held    int
	byScope map[*Scope]int
}

func newSemState(maxCount int) *semState {
	return &semState{waiter: newWaiter(), max: maxCount, byScope: make(map[*Scope]int)}
}

func (s *semState) tryTakeLocked(scope *Scope) bool {
	if s.held >= s.max {
		return false
	}
	s.held++
	if scope != nil {
		s.byScope[scope]++
	}
	return true
}

func (s *semState) give(scope *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held--
	if scope != nil {
		if s.byScope[scope]--; s.byScope[scope] <= 0 {
			delete(s.byScope, scope)
		}
	}
	s.broadcastLocked()
}

func (s *semState) scopeHoldsAll(scope *Scope) bool {
	if scope == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byScope[scope] >= s.max
}

var (
	_ xdlock.LockPrimitive      = (*semaphore)(nil)
	_ xdlock.SemaphorePrimitive = (*semaphore)(nil)
)

// semaphore 同时充当互斥锁原语（max=1、无作用域）与信号量原语。
type semaphore struct {
	name  string
	state *semState
	scope *Scope
}

func (s *semaphore) Name() string    { return s.name }
func (s *semaphore) Backend() string { return backendName }
func (s *semaphore) MaxCount() int   { return s.state.max }

func (s *semaphore) TryAcquireHandle(ctx context.Context, timeout xdlock.Timeout) (xdlock.Handle, error) {
	if s.state.scopeHoldsAll(s.scope) {
		return xdlock.SelfDeadlock(ctx, s.name, timeout)
	}

	ok, err := s.state.await(ctx, timeout, func() bool {
		return s.state.tryTakeLocked(s.scope)
	})
	if err != nil || !ok {
		return nil, err
	}

	return xdlock.NewHandle(s.name, func(context.Context) error {
		s.state.give(s.scope)
		return nil
	}), nil
}
