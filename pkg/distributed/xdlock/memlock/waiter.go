package memlock

import (
	"context"
	"sync"
	"time"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

// waiter 互斥量 + 广播通道。状态每次变化都关闭旧通道并换新，
// 等待者在锁外 select 通道、定时器与 ctx，因而等待可被超时和取消打断。
type waiter struct {
	mu      sync.Mutex
	changed chan struct{}
}

func newWaiter() waiter {
	return waiter{changed: make(chan struct{})}
}

// broadcastLocked 唤醒所有等待者，调用方须持有 mu
func (w *waiter) broadcastLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// await 在超时内反复执行 try（持有 mu 时调用），直到返回 true。
// 超时返回 (false, nil)，ctx 取消返回 ctx.Err()。
func (w *waiter) await(ctx context.Context, timeout xdlock.Timeout, try func() bool) (bool, error) {
	var expired <-chan time.Time
	if d, finite := timeout.Duration(); finite && d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	for {
		w.mu.Lock()
		if try() {
			w.mu.Unlock()
			return true, nil
		}
		ch := w.changed
		w.mu.Unlock()

		if timeout.IsZero() {
			return false, nil
		}
		select {
		case <-ch:
		case <-expired:
			// 超时前最后确认一次，避免错过与定时器同时到达的释放
			w.mu.Lock()
			ok := try()
			w.mu.Unlock()
			return ok, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
