package xcron

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// releaseTimeout 任务结束后释放锁的最长等待
const releaseTimeout = 10 * time.Second

// ErrLockLost 执行期间丢锁，作为任务 ctx 的 cause
var ErrLockLost = errors.New("xcron: lock lost during execution")

// lockedJob 实现 cron.Job
type lockedJob struct {
	s     *Scheduler
	fn    func(ctx context.Context) error
	lock  xdlock.Locker
	opts  *jobOptions
	stats *JobStats
}

// Run 由 cron 调用
func (j *lockedJob) Run() { j.run() }

func (j *lockedJob) run() {
	ctx := j.s.runCtx
	if ctx.Err() != nil {
		return
	}
	logger := j.s.logger
	if j.opts.name != "" {
		logger = logger.With(xlog.Lock(j.opts.name))
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if j.lock != nil {
		h, err := j.lock.TryAcquire(ctx, j.opts.lockWait)
		if err != nil {
			logger.Warn(ctx, "acquire job lock failed", xlog.Err(err))
			j.stats.recordRun(time.Now(), err)
			return
		}
		if h == nil {
			j.stats.skips.Add(1)
			logger.Debug(ctx, "job lock held elsewhere, skipped")
			return
		}
		defer j.release(ctx, h, logger)

		lost, err := h.Lost()
		if err != nil {
			j.stats.recordRun(time.Now(), err)
			return
		}
		stop := context.AfterFunc(lost, func() { cancel(ErrLockLost) })
		defer stop()
	}

	start := time.Now()
	err := j.execute(taskCtx)
	if errors.Is(context.Cause(taskCtx), ErrLockLost) {
		j.stats.lost.Add(1)
		err = errors.Join(ErrLockLost, err)
	}
	j.stats.recordRun(start, err)
	if err != nil {
		logger.Warn(ctx, "job failed", xlog.Err(err), xlog.Duration(time.Since(start)))
		return
	}
	logger.Debug(ctx, "job done", xlog.Duration(time.Since(start)))
}

func (j *lockedJob) execute(ctx context.Context) error {
	if j.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.opts.timeout)
		defer cancel()
	}
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(j.opts.attempts),
		retry.Delay(j.opts.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		return runSafely(ctx, j.fn)
	})
}

func (j *lockedJob) release(ctx context.Context, h xdlock.Handle, logger xlog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.Release(rctx); err != nil {
		logger.Warn(rctx, "release job lock failed", xlog.Err(err))
	}
}

// runSafely 把任务 panic 转为错误，避免拖垮调度 goroutine 并保证锁被释放
func runSafely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("xcron: job panic: %v", r)
		}
	}()
	return fn(ctx)
}
