package xdlock

// 各后端的 Provider 类型按能力实现以下接口，业务代码只依赖接口即可切换后端。

// LockProvider 按名称创建互斥锁
type LockProvider interface {
	CreateLock(name string) (*Lock, error)
}

// RWLockProvider 按名称创建读写锁
type RWLockProvider interface {
	CreateRWLock(name string) (*RWLock, error)
}

// UpgradeableRWLockProvider 按名称创建可升级读写锁
type UpgradeableRWLockProvider interface {
	CreateUpgradeableRWLock(name string) (*UpgradeableRWLock, error)
}

// SemaphoreProvider 按名称创建信号量
type SemaphoreProvider interface {
	CreateSemaphore(name string, maxCount int) (*Semaphore, error)
}
