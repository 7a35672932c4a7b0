package xcron

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// JobStats 单个任务的执行统计，并发安全
type JobStats struct {
	runs      atomic.Int64
	failures  atomic.Int64
	skips     atomic.Int64
	lost      atomic.Int64
	lastRunNs atomic.Int64
	lastErr   atomic.Pointer[error]
}

// Runs 实际执行次数（获取到锁）
func (s *JobStats) Runs() int64 { return s.runs.Load() }

// Failures 执行失败次数
func (s *JobStats) Failures() int64 { return s.failures.Load() }

// Skips 因锁被其他副本持有而跳过的次数
func (s *JobStats) Skips() int64 { return s.skips.Load() }

// LostLocks 执行期间丢锁的次数
func (s *JobStats) LostLocks() int64 { return s.lost.Load() }

// LastRun 最近一次开始执行的时间，从未执行时为零值
func (s *JobStats) LastRun() time.Time {
	ns := s.lastRunNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastError 最近一次执行的错误，成功时为 nil
func (s *JobStats) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *JobStats) recordRun(start time.Time, err error) {
	s.runs.Add(1)
	s.lastRunNs.Store(start.UnixNano())
	if err != nil {
		s.failures.Add(1)
	}
	s.lastErr.Store(&err)
}

// stats 按任务名索引
type stats struct {
	jobs *xsync.MapOf[string, *JobStats]
}

func newStats() *stats {
	return &stats{jobs: xsync.NewMapOf[string, *JobStats]()}
}

func (s *stats) job(name string) *JobStats {
	js, _ := s.jobs.LoadOrCompute(name, func() *JobStats { return &JobStats{} })
	return js
}
