package xcron

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// SchedulerOption 调度器选项
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	provider xdlock.LockProvider
	logger   xlog.Logger
	location *time.Location
	parser   cron.ScheduleParser
}

// WithLockProvider 设置分布式锁来源，所有带名称的任务默认使用
func WithLockProvider(p xdlock.LockProvider) SchedulerOption {
	return func(o *schedulerOptions) { o.provider = p }
}

// WithLogger 设置日志记录器
func WithLogger(l xlog.Logger) SchedulerOption {
	return func(o *schedulerOptions) { o.logger = l }
}

// WithLocation 设置时区，默认本地时区
func WithLocation(loc *time.Location) SchedulerOption {
	return func(o *schedulerOptions) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithSeconds 启用秒级表达式（6 段）
func WithSeconds() SchedulerOption {
	return func(o *schedulerOptions) {
		o.parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}
}

// JobOption 任务选项
type JobOption func(*jobOptions)

type jobOptions struct {
	name       string
	lockWait   xdlock.Timeout
	timeout    time.Duration
	attempts   uint
	retryDelay time.Duration
	immediate  bool
	unlocked   bool
}

func defaultJobOptions() *jobOptions {
	return &jobOptions{attempts: 1, retryDelay: time.Second}
}

// WithName 任务名，同时作为锁名。配置了 LockProvider 时必填。
func WithName(name string) JobOption {
	return func(o *jobOptions) { o.name = name }
}

// WithLockWait 获取锁的最长等待，默认 NoWait（他人持有即跳过本轮）
func WithLockWait(t xdlock.Timeout) JobOption {
	return func(o *jobOptions) { o.lockWait = t }
}

// WithTimeout 单次执行超时（含重试），0 表示不限
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout = max(d, 0) }
}

// WithRetry 失败后重试，attempts 为总尝试次数
func WithRetry(attempts uint, delay time.Duration) JobOption {
	return func(o *jobOptions) {
		o.attempts = max(attempts, 1)
		o.retryDelay = max(delay, 0)
	}
}

// WithImmediate Start 时立即执行一次（同样受锁保护）
func WithImmediate() JobOption {
	return func(o *jobOptions) { o.immediate = true }
}

// WithoutLock 本任务不加锁，每个副本都执行
func WithoutLock() JobOption {
	return func(o *jobOptions) { o.unlocked = true }
}
