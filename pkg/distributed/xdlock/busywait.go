package xdlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// 默认轮询间隔区间，适用于 Redis、MongoDB 等没有原生阻塞等待的后端。
const (
	DefaultMinBusyWaitSleep = 10 * time.Millisecond
	DefaultMaxBusyWaitSleep = 800 * time.Millisecond
)

// BusyWaitConfig 忙等轮询的休眠区间。每次休眠时长在 [MinSleep, MaxSleep]
// 内均匀随机，避免多个竞争者同步重试。
type BusyWaitConfig struct {
	MinSleep time.Duration
	MaxSleep time.Duration
}

// DefaultBusyWait 默认忙等配置
func DefaultBusyWait() BusyWaitConfig {
	return BusyWaitConfig{MinSleep: DefaultMinBusyWaitSleep, MaxSleep: DefaultMaxBusyWaitSleep}
}

// Validate 校验 0 <= MinSleep <= MaxSleep
func (c BusyWaitConfig) Validate() error {
	if c.MinSleep < 0 || c.MaxSleep < c.MinSleep {
		return fmt.Errorf("%w: busy wait sleep range [%s, %s]", ErrInvalidOption, c.MinSleep, c.MaxSleep)
	}
	return nil
}

func (c BusyWaitConfig) nextSleep() time.Duration {
	span := int64(c.MaxSleep - c.MinSleep)
	if span <= 0 {
		return c.MinSleep
	}
	return c.MinSleep + time.Duration(rand.Int64N(span+1)) //nolint:gosec // 退避抖动无需密码学随机
}

// errStillBusy 轮询内部信号：本次未获取到，继续重试
var errStillBusy = errors.New("xdlock: still busy")

// BusyWait 把"尝试一次"的获取函数变成带超时的轮询：
//   - 第一次尝试立即进行；零超时只尝试一次
//   - 有限超时：剩余时间不足一次休眠时，休眠剩余时间后做最后一次尝试，之后返回未获取
//   - Infinite：一直重试，直到成功、出错或 ctx 取消
//   - ctx 取消返回 ctx.Err()，而不是"未获取"
//   - try 返回的错误立即中止轮询并原样返回
func BusyWait[T any](ctx context.Context, timeout Timeout, cfg BusyWaitConfig,
	try func(ctx context.Context) (T, bool, error)) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	if timeout.IsZero() {
		return try(ctx)
	}

	start := time.Now()
	deadline, finite := timeout.Deadline(start)

	var (
		result  T
		lastErr error
	)
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			lastErr = err
			return retry.Unrecoverable(err)
		}
		v, ok, err := try(ctx)
		switch {
		case err != nil:
			lastErr = err
			return retry.Unrecoverable(err)
		case ok:
			result = v
			return nil
		default:
			return errStillBusy
		}
	}

	err := retry.New(
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if !errors.Is(err, errStillBusy) {
				return false
			}
			return !finite || time.Now().Before(deadline)
		}),
		retry.DelayType(func(_ uint, _ error, _ retry.DelayContext) time.Duration {
			sleep := cfg.nextSleep()
			if finite {
				// 不延长最后一次尝试的预算：最多休眠到截止时间
				sleep = min(sleep, time.Until(deadline))
			}
			return max(sleep, 0)
		}),
	).Do(attempt)

	switch {
	case err == nil:
		return result, true, nil
	case ctx.Err() != nil:
		return zero, false, ctx.Err()
	case lastErr != nil:
		return zero, false, lastErr
	case errors.Is(err, errStillBusy):
		return zero, false, nil
	default:
		return zero, false, err
	}
}
