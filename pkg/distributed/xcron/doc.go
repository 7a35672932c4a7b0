// Package xcron 在 robfig/cron/v3 之上提供多副本安全的定时任务。
//
// 每次触发前以 NoWait 获取同名 xdlock 互斥锁：获取到则执行，
// 锁被其他副本持有则跳过本轮。执行期间锁句柄的 Lost 信号会取消任务 ctx，
// 任务必须响应 ctx.Done()，否则可能在锁失效后继续执行。
//
//	provider, _ := redislock.NewProvider(clients)
//	s := xcron.New(xcron.WithLockProvider(provider), xcron.WithLogger(logger))
//	_, err := s.AddFunc("@every 1m", syncOrders, xcron.WithName("sync-orders"))
//	s.Start()
//	defer s.Stop(ctx)
//
// 未设置 LockProvider 时任务在本副本无锁执行。
package xcron
