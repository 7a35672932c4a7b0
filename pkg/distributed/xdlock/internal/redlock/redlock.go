// Package redlock 实现跨 N 个独立存储节点的 RedLock 多数派协议。
//
// 协议本身与存储无关：每个节点由 Store 表示，只需提供"设置（若不存在）"、
// "续期（若仍是持有者）"、"删除（若仍是持有者）"三个条件操作。
// Redis 后端用 Lua 脚本实现 Store，测试使用 mock。
//
// 协议只提供带有效期上界的互斥，不提供公平性或全局顺序。
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// Store 单个存储节点上的一把锁。所有操作必须幂等，可安全重试。
type Store interface {
	// TryAcquire 不等待地尝试设置租约，已被他人持有返回 false
	TryAcquire(ctx context.Context) (bool, error)

	// TryExtend 仍是持有者时把租约推到 now+Expiry，否则返回 false
	TryExtend(ctx context.Context) (bool, error)

	// Release 仍是持有者时删除租约，不是持有者视为成功
	Release(ctx context.Context) error
}

// 时钟漂移补偿：Expiry 的 1% 再加 2ms
const (
	driftFactor = 0.01
	driftFloor  = 2 * time.Millisecond
)

// Timeouts 租约时长与获取完成后要求的最小剩余有效期
type Timeouts struct {
	Expiry      time.Duration
	MinValidity time.Duration
}

// Validate 校验 0 <= MinValidity < Expiry
func (t Timeouts) Validate() error {
	if t.Expiry <= 0 || t.MinValidity < 0 || t.MinValidity >= t.Expiry {
		return fmt.Errorf("%w: redlock expiry %s, min validity %s", xdlock.ErrInvalidOption, t.Expiry, t.MinValidity)
	}
	return nil
}

// budget 单轮获取（或续期）允许耗费的时间
func (t Timeouts) budget() time.Duration {
	return t.Expiry - t.MinValidity
}

// validity 获取耗时 elapsed 之后扣除漂移的剩余有效期
func (t Timeouts) validity(elapsed time.Duration) time.Duration {
	drift := time.Duration(float64(t.Expiry)*driftFactor) + driftFloor
	return t.Expiry - elapsed - drift
}

// Quorum 多数派大小 N/2+1
func Quorum(n int) int { return n/2 + 1 }

// FailureThreshold 失败（或故障）达到该数量时多数派已不可能达成：N/2 + N%2
func FailureThreshold(n int) int { return n/2 + n%2 }

// Option 协议选项
type Option func(*config)

type config struct {
	logger xlog.Logger
}

// WithLogger 后台清理失败时使用的日志记录器
func WithLogger(l xlog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func buildConfig(opts []Option) *config {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = xlog.OrDiscard(c.logger)
	return c
}

// Result 获取成功的结果
type Result struct {
	// Validity 获取完成时刻起租约的保证有效期
	Validity time.Duration

	// Acquired 决策时已确认获取成功的节点数
	Acquired int
}

// Acquire 在多数派节点上获取锁。
//
// 未获取到（被占用、剩余有效期不足）返回 (nil, nil)；多数节点以错误失败时返回
// ErrQuorumUnavailable；ctx 取消返回 ctx.Err()。任何未成功的情形都会在后台
// 释放所有节点上可能残留的租约。
func Acquire(ctx context.Context, stores []Store, t Timeouts, opts ...Option) (*Result, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("%w: no redlock stores", xdlock.ErrInvalidOption)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := buildConfig(opts)

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, t.budget())
	v := vote(actx, stores, Store.TryAcquire)
	cancel()

	fail := func() {
		go cleanup(ctx, stores, v, t.Expiry, cfg.logger)
	}

	if !v.won {
		fail()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v.systemic() {
			return nil, v.unavailable()
		}
		return nil, nil
	}

	validity := t.validity(time.Since(start))
	if validity <= t.MinValidity {
		cfg.logger.Debug(ctx, "redlock acquired with insufficient validity, releasing",
			xlog.Duration(validity), xlog.Count(int64(v.successes)))
		fail()
		return nil, nil
	}
	return &Result{Validity: validity, Acquired: v.successes}, nil
}

// Extend 在多数派节点上续期。未达成多数派返回 false。
// 多数节点以错误失败时返回 ErrQuorumUnavailable。
func Extend(ctx context.Context, stores []Store, t Timeouts) (bool, error) {
	if len(stores) == 0 {
		return false, fmt.Errorf("%w: no redlock stores", xdlock.ErrInvalidOption)
	}
	actx, cancel := context.WithTimeout(ctx, t.budget())
	defer cancel()

	v := vote(actx, stores, Store.TryExtend)
	if v.won {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if v.systemic() {
		return false, v.unavailable()
	}
	return false, nil
}

// Release 并发释放所有节点（未持有的节点上是空操作）。
// 故障数达到 FailureThreshold 时返回 ErrReleaseFailed；即便如此，
// 对调用方而言锁已放弃，残留租约会自然过期。
func Release(ctx context.Context, stores []Store) error {
	if len(stores) == 0 {
		return nil
	}
	if len(stores) == 1 {
		if err := stores[0].Release(ctx); err != nil {
			return fmt.Errorf("%w: %w", xdlock.ErrReleaseFailed, err)
		}
		return nil
	}

	// 每个节点的错误单独收集，不能让第一个错误取消其余节点的释放
	errs := make([]error, len(stores))
	var g errgroup.Group
	for i, s := range stores {
		g.Go(func() error {
			errs[i] = s.Release(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var faults []error
	for _, err := range errs {
		if err != nil {
			faults = append(faults, err)
		}
	}
	if len(faults) >= FailureThreshold(len(stores)) {
		return fmt.Errorf("%w: %w", xdlock.ErrReleaseFailed, errors.Join(faults...))
	}
	return nil
}

// cleanup 等所有仍在进行的请求结束后释放全部节点，错误只记录日志
func cleanup(ctx context.Context, stores []Store, v *tally, expiry time.Duration, logger xlog.Logger) {
	v.wait()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), expiry)
	defer cancel()
	if err := Release(rctx, stores); err != nil {
		logger.Warn(rctx, "redlock cleanup release failed", xlog.Err(err))
	}
}

// =============================================================================
// 投票
// =============================================================================

type outcome struct {
	ok  bool
	err error
}

// tally 一轮并发投票的计票结果
type tally struct {
	n         int
	won       bool
	successes int
	faults    []error
	pending   <-chan outcome
	remaining int
}

// vote 并发调用 op，一旦多数派达成或已不可能达成立即返回。
// 单节点时直接在当前 goroutine 中调用。
func vote(ctx context.Context, stores []Store, op func(Store, context.Context) (bool, error)) *tally {
	n := len(stores)
	t := &tally{n: n}

	if n == 1 {
		ok, err := op(stores[0], ctx)
		t.record(outcome{ok: ok, err: err})
		t.won = t.successes >= Quorum(n)
		return t
	}

	results := make(chan outcome, n)
	for _, s := range stores {
		go func() {
			ok, err := op(s, ctx)
			results <- outcome{ok: ok, err: err}
		}()
	}

	quorum, threshold := Quorum(n), FailureThreshold(n)
	received := 0
	for received < n {
		t.record(<-results)
		received++
		if t.successes >= quorum {
			t.won = true
			break
		}
		if received-t.successes >= threshold {
			break
		}
	}
	t.pending, t.remaining = results, n-received
	return t
}

func (t *tally) record(o outcome) {
	switch {
	case o.err != nil:
		t.faults = append(t.faults, o.err)
	case o.ok:
		t.successes++
	}
}

// wait 等待投票决策后仍在进行的请求结束
func (t *tally) wait() {
	for ; t.remaining > 0; t.remaining-- {
		<-t.pending
	}
}

// systemic 故障（而非"已被占用"）本身就足以阻止多数派
func (t *tally) systemic() bool {
	return len(t.faults) >= FailureThreshold(t.n)
}

func (t *tally) unavailable() error {
	return fmt.Errorf("%w: %d of %d stores faulted: %w",
		xdlock.ErrQuorumUnavailable, len(t.faults), t.n, errors.Join(t.faults...))
}
