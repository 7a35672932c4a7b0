package xdlock

import "errors"

// 预定义错误，使用 errors.Is 匹配：
//
//	h, err := lock.Acquire(ctx, xdlock.MustTimeout(5*time.Second))
//	if errors.Is(err, xdlock.ErrTimeout) {
//	    // 等待超时
//	}
//
// 设计决策: "锁被占用"不是错误。TryAcquire 系列在未获取到锁时返回 (nil, nil)，
// 只有 Acquire 系列才把它转换为 ErrTimeout。死锁、多数派故障、不变量破坏
// 始终以 error 返回，不会被折叠成 nil。
var (
	// ErrTimeout 在超时内未获取到锁（仅 Acquire 系列返回）。
	ErrTimeout = errors.New("xdlock: timed out waiting for lock")

	// ErrDeadlock 后端检测到（或引擎推断出）本次获取永远不可能成功，
	// 例如同一作用域已持有信号量的全部票据。
	ErrDeadlock = errors.New("xdlock: deadlock detected")

	// ErrHandleClosed 句柄已释放后再查询 Lost 或执行升级。
	ErrHandleClosed = errors.New("xdlock: handle already released")

	// ErrAlreadyUpgraded 可升级读锁句柄只能升级一次。
	ErrAlreadyUpgraded = errors.New("xdlock: handle already upgraded to write lock")

	// ErrInvariant 使用方式违反内部不变量（如关闭仍有未释放锁的连接）。
	// 这是编程错误，不应被重试。
	ErrInvariant = errors.New("xdlock: invariant violated")

	// ErrInvalidTimeout 超时为负数（永久等待请使用 Infinite）。
	ErrInvalidTimeout = errors.New("xdlock: timeout must not be negative")

	// ErrTimeoutTooLarge 超时超过后端原生可表示的上限。
	ErrTimeoutTooLarge = errors.New("xdlock: timeout exceeds backend maximum")

	// ErrEmptyName 锁名称为空或仅含空白。
	ErrEmptyName = errors.New("xdlock: name must not be empty")

	// ErrNameTooLong 锁名称超过长度上限。
	ErrNameTooLong = errors.New("xdlock: name too long")

	// ErrInvalidMaxCount 信号量 maxCount 必须 >= 1。
	ErrInvalidMaxCount = errors.New("xdlock: semaphore max count must be positive")

	// ErrNilBackend 后端原语或客户端为 nil。
	ErrNilBackend = errors.New("xdlock: backend is nil")

	// ErrInvalidOption 选项取值非法。
	ErrInvalidOption = errors.New("xdlock: invalid option")

	// ErrQuorumUnavailable 多数存储节点以错误（而非"已被占用"）失败，
	// 说明系统性不可用而非锁竞争。
	ErrQuorumUnavailable = errors.New("xdlock: quorum of stores unavailable")

	// ErrReleaseFailed 释放阶段多数节点失败。锁对调用方而言仍视为已释放，
	// 残留的租约会自然过期。
	ErrReleaseFailed = errors.New("xdlock: release failed on quorum of stores")
)

// IsTimeout 判断是否为获取超时
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsDeadlock 判断是否为死锁
func IsDeadlock(err error) bool {
	return errors.Is(err, ErrDeadlock)
}

// IsQuorumUnavailable 判断是否为多数派不可用
func IsQuorumUnavailable(err error) bool {
	return errors.Is(err, ErrQuorumUnavailable)
}
