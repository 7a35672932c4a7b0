// Package memlock 提供进程内的具名锁、可升级读写锁和信号量。
//
// 同一 Provider 内同名对象共享状态，类似操作系统的具名内核对象：
// 不同 goroutine 各自 CreateLock("R") 得到的是同一把锁。
// 等待是原生阻塞的（通道 + 定时器），不轮询。
//
// 主要用途：
//   - 单进程部署或测试中替代分布式后端（实现相同的 Provider 接口）
//   - 通过 Scope 模拟"连接级"持有，验证信号量自死锁语义
package memlock

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

const backendName = "memory"

var (
	_ xdlock.LockProvider              = (*Provider)(nil)
	_ xdlock.RWLockProvider            = (*Provider)(nil)
	_ xdlock.UpgradeableRWLockProvider = (*Provider)(nil)
	_ xdlock.SemaphoreProvider         = (*Provider)(nil)
)

// Provider 进程内同步原语的命名空间。
//
// 设计决策: 具名对象创建后不回收。对象本身只有几十字节，
// 按需回收需要引用计数，与"同名即同一对象"的并发创建存在竞态，收益不值得。
type Provider struct {
	locks      *xsync.MapOf[string, *semState]
	rwLocks    *xsync.MapOf[string, *rwState]
	semaphores *xsync.MapOf[string, *semState]
	opts       []xdlock.Option
}

// NewProvider 创建命名空间，opts 应用到其创建的所有门面。
func NewProvider(opts ...xdlock.Option) *Provider {
	return &Provider{
		locks:      xsync.NewMapOf[string, *semState](),
		rwLocks:    xsync.NewMapOf[string, *rwState](),
		semaphores: xsync.NewMapOf[string, *semState](),
		opts:       opts,
	}
}

// CreateLock 获取具名互斥锁（不可重入）
func (p *Provider) CreateLock(name string) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	state, _ := p.locks.LoadOrCompute(name, func() *semState { return newSemState(1) })
	return xdlock.NewLock(&semaphore{name: name, state: state}, p.opts...)
}

// CreateRWLock 获取具名读写锁
func (p *Provider) CreateRWLock(name string) (*xdlock.RWLock, error) {
	l, err := p.CreateUpgradeableRWLock(name)
	if err != nil {
		return nil, err
	}
	return &l.RWLock, nil
}

// CreateUpgradeableRWLock 获取具名可升级读写锁
func (p *Provider) CreateUpgradeableRWLock(name string) (*xdlock.UpgradeableRWLock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	state, _ := p.rwLocks.LoadOrCompute(name, newRWState)
	return xdlock.NewUpgradeableRWLock(&rwLock{name: name, state: state}, p.opts...)
}

// CreateSemaphore 获取具名信号量，不绑定作用域
func (p *Provider) CreateSemaphore(name string, maxCount int) (*xdlock.Semaphore, error) {
	return p.CreateScopedSemaphore(name, maxCount, nil)
}

// CreateScopedSemaphore 获取绑定到 scope 的具名信号量。
// 同名信号量必须使用相同的 maxCount。
func (p *Provider) CreateScopedSemaphore(name string, maxCount int, scope *Scope) (*xdlock.Semaphore, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	if maxCount < 1 {
		return nil, fmt.Errorf("%w: %d", xdlock.ErrInvalidMaxCount, maxCount)
	}
	state, _ := p.semaphores.LoadOrCompute(name, func() *semState { return newSemState(maxCount) })
	if state.max != maxCount {
		return nil, fmt.Errorf("%w: semaphore %q exists with max count %d, requested %d",
			xdlock.ErrInvalidOption, name, state.max, maxCount)
	}
	return xdlock.NewSemaphore(&semaphore{name: name, state: state, scope: scope}, p.opts...)
}
