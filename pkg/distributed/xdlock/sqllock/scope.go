package sqllock

import (
	"database/sql"
	"sync"
)

// Scope 调用方自己管理的一条会话（*sql.Conn）。
//
// 绑定 Scope 的锁直接在这条会话上获取，不参与连接复用，生命周期由调用方掌控。
// Scope 记录该会话已持有的锁与票据：会话锁在数据库端可重入，
// 同一会话重复获取必须在本地识别为自死锁，而不能交给数据库。
type Scope struct {
	conn *Conn

	mu      sync.Mutex
	locks   map[string]struct{}
	tickets map[string]map[int]struct{}
}

func newScope(conn *sql.Conn, dialect Dialect) *Scope {
	return &Scope{
		conn:    &Conn{dialect: dialect, conn: conn},
		locks:   make(map[string]struct{}),
		tickets: make(map[string]map[int]struct{}),
	}
}

func (s *Scope) claimLock(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[key]; ok {
		return false
	}
	s.locks[key] = struct{}{}
	return true
}

func (s *Scope) unclaimLock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
}

func (s *Scope) claimTicket(name string, slot int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.tickets[name]
	if held == nil {
		held = make(map[int]struct{})
		s.tickets[name] = held
	}
	if _, ok := held[slot]; ok {
		return false
	}
	held[slot] = struct{}{}
	return true
}

func (s *Scope) unclaimTicket(name string, slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets[name], slot)
}

// heldTickets 该会话持有的 name 票据数
func (s *Scope) heldTickets(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets[name])
}
