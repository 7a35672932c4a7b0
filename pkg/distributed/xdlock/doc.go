// Package xdlock 提供分布式互斥锁、读写锁、信号量的统一门面，
// 以及各后端共用的获取引擎。
//
// # 核心概念
//
//   - Timeout: 零（只尝试一次）、有限、无限三态的等待时长
//   - Handle: 已持有的锁，幂等释放，Lost() 暴露"丢锁"信号
//   - Lock / RWLock / UpgradeableRWLock / Semaphore: 门面，负责超时语义、
//     取消竞争处理与可观测性
//   - LockPrimitive 等原语接口: 由后端实现，只关心"在超时内尝试获取"
//   - BusyWait: 为没有阻塞等待能力的后端提供随机退避轮询
//
// # 三种结果
//
// 调用方需要区分三类情况：
//
//	| 情况 | 表现 |
//	|------|------|
//	| 锁被占用（预期、廉价） | TryAcquire 返回 (nil, nil)；Acquire 返回 ErrTimeout |
//	| 锁系统故障（罕见、必须上抛） | 返回 error：ErrDeadlock、ErrQuorumUnavailable、驱动错误 |
//	| 获取后丢锁 | Lost() 返回的 context 被取消 |
//
// # 取消
//
// 所有等待都接受 ctx。已取消的 ctx 直接返回 ctx.Err()，不触达后端；
// 若后端刚授予锁而 ctx 已取消，门面先释放锁再返回 ctx.Err()，不会泄漏锁。
//
// # 调用约定
//
// 每个操作都是阻塞调用。需要异步时在 goroutine 中调用同一方法即可，
// 同步与异步共用同一条代码路径。
//
// # 后端
//
//	| 后端 | 包 | 等待方式 | 丢锁检测 |
//	|------|----|----------|----------|
//	| PostgreSQL / MySQL | sqllock | 原生阻塞 | 连接保活探测 |
//	| Redis (RedLock) | redislock | 忙等 | 租约续期 |
//	| MongoDB | mongolock | 忙等 | 租约续期 |
//	| etcd | etcdlock | 原生阻塞 | Session 过期 |
//	| Kubernetes Lease | k8slock | 忙等 | 租约续期 |
//	| 进程内 | memlock | 原生阻塞 | 无 |
package xdlock
