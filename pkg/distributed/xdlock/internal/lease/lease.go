// Package lease 为基于租约的后端（Redis RedLock、MongoDB、K8s Lease）维持租约，
// 并在续期失败时通过"丢锁"信号通知持有者。
//
// 续期在后台 goroutine 中进行，任何失败都不会以错误形式抛给调用方：
// 续期返回 false（租约已不属于自己）或返回错误（网络抖动等）都视为丢锁，
// 因为静默重试可能越过已知有效期，导致两个持有者同时存在。
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

var (
	// ErrInvalidConfig 续期配置非法（Cadence 必须大于 0 且小于 Expiry）
	ErrInvalidConfig = errors.New("lease: invalid config")

	// ErrLost 租约丢失，作为丢锁 context 的 cause
	ErrLost = errors.New("lease: lost")
)

// Config 租约续期配置
type Config struct {
	// Expiry 每次续期后租约的有效时长
	Expiry time.Duration

	// Cadence 续期间隔，必须严格小于 Expiry
	Cadence time.Duration
}

// Validate 校验 0 < Cadence < Expiry
func (c Config) Validate() error {
	if c.Cadence <= 0 || c.Expiry <= 0 {
		return fmt.Errorf("%w: expiry %s, cadence %s must be positive", ErrInvalidConfig, c.Expiry, c.Cadence)
	}
	if c.Cadence >= c.Expiry {
		return fmt.Errorf("%w: cadence %s must be less than expiry %s", ErrInvalidConfig, c.Cadence, c.Expiry)
	}
	return nil
}

// DefaultCadence 由 Expiry 推导默认续期间隔（Expiry 的三分之一）
func DefaultCadence(expiry time.Duration) time.Duration {
	return expiry / 3
}

// ExtendFunc 条件续期："仍是持有者"时把过期时间推到 now+Expiry 并返回 true；
// 租约已不属于自己返回 false。
type ExtendFunc func(ctx context.Context) (bool, error)

// Monitor 一个租约的后台续期循环
type Monitor struct {
	cfg    Config
	extend ExtendFunc
	logger xlog.Logger

	lost     context.Context
	markLost context.CancelCauseFunc
	stop     context.CancelFunc
	stopping atomic.Bool
	done     chan struct{}
}

// Start 启动续期循环。调用前租约必须刚刚获取成功，validUntil 从此刻起算。
//
// parent 结束（例如所属 Provider 关闭）后不再续期，租约随之被视为丢失。
// cfg 须已通过 Validate。
func Start(parent context.Context, cfg Config, extend ExtendFunc, logger xlog.Logger) *Monitor {
	return startAt(parent, time.Now(), cfg, extend, logger)
}

// StartWithValidity 同 Start，但以 quorum 协议计算出的剩余有效期作为首个截止时间。
func StartWithValidity(parent context.Context, validity time.Duration, cfg Config, extend ExtendFunc, logger xlog.Logger) *Monitor {
	return startAt(parent, time.Now().Add(validity-cfg.Expiry), cfg, extend, logger)
}

func startAt(parent context.Context, renewedAt time.Time, cfg Config, extend ExtendFunc, logger xlog.Logger) *Monitor {
	lost, markLost := context.WithCancelCause(context.Background())
	loopCtx, stop := context.WithCancel(parent)

	m := &Monitor{
		cfg:      cfg,
		extend:   extend,
		logger:   xlog.OrDiscard(logger),
		lost:     lost,
		markLost: markLost,
		stop:     stop,
		done:     make(chan struct{}),
	}
	go m.run(loopCtx, renewedAt.Add(cfg.Expiry))
	return m
}

// Lost 丢锁信号，context.Cause 返回包装了 ErrLost 的原因。
// 正常 Stop 不会触发该信号。
func (m *Monitor) Lost() context.Context {
	return m.lost
}

// Stop 停止续期循环并等待其退出，等待受 ctx 约束。
// 返回后（ctx 未超时的情况下）保证不会再有续期请求发出。
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopping.Store(true)
	m.stop()
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context, validUntil time.Time) {
	defer close(m.done)
	defer m.stop()

	timer := time.NewTimer(m.cfg.Cadence)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if !m.stopping.Load() {
				m.lose(fmt.Errorf("%w: renewal loop terminated: %w", ErrLost, context.Cause(ctx)))
			}
			return
		case <-timer.C:
		}

		attemptAt := time.Now()
		if !attemptAt.Before(validUntil) {
			m.lose(fmt.Errorf("%w: lease expired at %s before renewal", ErrLost, validUntil.Format(time.RFC3339Nano)))
			return
		}

		// 续期请求不能越过当前有效期：超过即使成功也已经出现过空窗
		extendCtx, cancel := context.WithDeadline(ctx, validUntil)
		ok, err := m.extend(extendCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			// 由下一轮 select 处理
		case err != nil:
			m.lose(fmt.Errorf("%w: renewal failed: %w", ErrLost, err))
			return
		case !ok:
			m.lose(fmt.Errorf("%w: lease no longer held", ErrLost))
			return
		default:
			validUntil = attemptAt.Add(m.cfg.Expiry)
		}
		timer.Reset(m.cfg.Cadence)
	}
}

func (m *Monitor) lose(cause error) {
	m.logger.Warn(context.Background(), "lease lost", xlog.Err(cause))
	m.markLost(cause)
}
