// Package distributed 提供分布式同步原语相关的子包。
//
// 子包列表：
//   - xdlock: 锁 / 读写锁 / 信号量的统一门面与获取引擎
//   - xdlock/sqllock: PostgreSQL、MySQL advisory lock，支持连接复用
//   - xdlock/redislock: Redis RedLock 多数派锁、读写锁、信号量
//   - xdlock/mongolock: MongoDB 租约文档锁
//   - xdlock/etcdlock: etcd Session 锁
//   - xdlock/k8slock: Kubernetes Lease 锁
//   - xdlock/memlock: 进程内具名等待句柄
//   - xcron: 以 xdlock 互斥锁保证多副本只执行一次的定时任务
//
// 设计原则：
//   - 后端只实现"尝试一次"的原语，超时、取消、可观测性由门面统一处理
//   - 锁被占用通过返回值表达，系统故障通过 error 表达，丢锁通过 context 表达
package distributed
