package xcron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

var (
	// ErrNilJob 任务函数为 nil
	ErrNilJob = errors.New("xcron: job cannot be nil")

	// ErrNameRequired 配置了 LockProvider 但任务没有名称
	ErrNameRequired = errors.New("xcron: job name is required for locked jobs")

	// ErrDuplicateName 任务名重复
	ErrDuplicateName = errors.New("xcron: duplicate job name")
)

// JobID 任务标识
type JobID = cron.EntryID

// Scheduler 定时任务调度器
type Scheduler struct {
	cron   *cron.Cron
	opts   *schedulerOptions
	logger xlog.Logger
	stats  *stats

	mu        sync.Mutex
	names     map[string]struct{}
	immediate []*lockedJob

	runCtx    context.Context
	cancelRun context.CancelFunc
	running   sync.WaitGroup // WithImmediate 的执行；cron 触发的由 cron.Stop 等待
}

// New 创建调度器
func New(opts ...SchedulerOption) *Scheduler {
	o := &schedulerOptions{location: time.Local}
	for _, opt := range opts {
		opt(o)
	}
	cronOpts := []cron.Option{cron.WithLocation(o.location)}
	if o.parser != nil {
		cronOpts = append(cronOpts, cron.WithParser(o.parser))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cronOpts...),
		opts:      o,
		logger:    xlog.OrDiscard(o.logger).With(xlog.Component("xcron")),
		stats:     newStats(),
		names:     make(map[string]struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// AddFunc 添加函数任务
func (s *Scheduler) AddFunc(spec string, fn func(ctx context.Context) error, opts ...JobOption) (JobID, error) {
	if fn == nil {
		return 0, ErrNilJob
	}
	o := defaultJobOptions()
	for _, opt := range opts {
		opt(o)
	}

	var lock xdlock.Locker
	if s.opts.provider != nil && !o.unlocked {
		if o.name == "" {
			return 0, ErrNameRequired
		}
		l, err := s.opts.provider.CreateLock(o.name)
		if err != nil {
			return 0, fmt.Errorf("xcron: create lock %q: %w", o.name, err)
		}
		lock = l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.name != "" {
		if _, dup := s.names[o.name]; dup {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateName, o.name)
		}
	}

	j := &lockedJob{s: s, fn: fn, lock: lock, opts: o}
	if o.name != "" {
		j.stats = s.stats.job(o.name)
	} else {
		j.stats = &JobStats{}
	}
	id, err := s.cron.AddJob(spec, j)
	if err != nil {
		return 0, fmt.Errorf("xcron: parse spec %q: %w", spec, err)
	}
	if o.name != "" {
		s.names[o.name] = struct{}{}
	}
	if o.immediate {
		s.immediate = append(s.immediate, j)
	}
	return id, nil
}

// Remove 移除任务，不影响正在执行的那一次
func (s *Scheduler) Remove(id JobID) {
	if j, ok := s.cron.Entry(id).Job.(*lockedJob); ok && j.opts.name != "" {
		s.mu.Lock()
		delete(s.names, j.opts.name)
		s.mu.Unlock()
	}
	s.cron.Remove(id)
}

// Start 启动调度，并执行 WithImmediate 任务
func (s *Scheduler) Start() {
	s.mu.Lock()
	immediate := s.immediate
	s.immediate = nil
	s.mu.Unlock()
	for _, j := range immediate {
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			j.run()
		}()
	}
	s.cron.Start()
}

// Stop 停止调度并取消正在执行的任务，等待它们释放锁后返回。
// ctx 到期时不再等待。Stop 之后不能再次 Start。
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancelRun()
	stopped := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 任务统计，name 未注册时返回 nil
func (s *Scheduler) Stats(name string) *JobStats {
	js, ok := s.stats.jobs.Load(name)
	if !ok {
		return nil
	}
	return js
}

// Entries 底层 cron 条目
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}
