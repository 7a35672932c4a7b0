package xdlock

import (
	"fmt"
	"math"
	"time"
)

// Timeout 获取等待时长，有三种状态：
//   - 零值（NoWait）：只尝试一次，不等待
//   - 有限值：最多等待给定时长
//   - Infinite：一直等待，直到成功或 ctx 取消
//
// 设计决策: 用独立类型而非 time.Duration 传递超时，负数在构造时即被拒绝，
// 避免后端各自解释 -1、0、math.MaxInt64 等特殊值。
type Timeout struct {
	d        time.Duration
	infinite bool
}

var (
	// NoWait 只尝试一次，TryAcquire 的常用取值
	NoWait = Timeout{}

	// Infinite 永久等待，Acquire 的常用取值
	Infinite = Timeout{infinite: true}
)

// NewTimeout 由非负时长构造超时。
func NewTimeout(d time.Duration) (Timeout, error) {
	if d < 0 {
		return Timeout{}, fmt.Errorf("%w: %s", ErrInvalidTimeout, d)
	}
	return Timeout{d: d}, nil
}

// MustTimeout 同 NewTimeout，d 为负数时 panic，适用于常量。
func MustTimeout(d time.Duration) Timeout {
	t, err := NewTimeout(d)
	if err != nil {
		panic(err)
	}
	return t
}

// IsZero 是否只尝试一次
func (t Timeout) IsZero() bool { return !t.infinite && t.d == 0 }

// IsInfinite 是否永久等待
func (t Timeout) IsInfinite() bool { return t.infinite }

// Duration 返回有限时长；Infinite 返回 (0, false)。
func (t Timeout) Duration() (time.Duration, bool) {
	if t.infinite {
		return 0, false
	}
	return t.d, true
}

// Milliseconds 毫秒数，向上取整；Infinite 返回 -1。
func (t Timeout) Milliseconds() int64 {
	if t.infinite {
		return -1
	}
	return ceilDiv(t.d, time.Millisecond)
}

// Seconds 秒数，向上取整；Infinite 返回 -1。
func (t Timeout) Seconds() int64 {
	if t.infinite {
		return -1
	}
	return ceilDiv(t.d, time.Second)
}

// MillisecondsInt32 供原生参数为 int32 毫秒的后端使用（Infinite 为 -1）。
func (t Timeout) MillisecondsInt32() (int32, error) {
	ms := t.Milliseconds()
	if ms > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %dms > %dms", ErrTimeoutTooLarge, ms, math.MaxInt32)
	}
	return int32(ms), nil //nolint:gosec // 已检查上限
}

// SecondsCapped 供原生参数为秒且有自定义上限的后端使用（Infinite 为 -1）。
func (t Timeout) SecondsCapped(maxSeconds int64) (int64, error) {
	s := t.Seconds()
	if s > maxSeconds {
		return 0, fmt.Errorf("%w: %ds > %ds", ErrTimeoutTooLarge, s, maxSeconds)
	}
	return s, nil
}

// Compare 比较两个超时，Infinite 大于任何有限值。
func (t Timeout) Compare(o Timeout) int {
	switch {
	case t.infinite && o.infinite:
		return 0
	case t.infinite:
		return 1
	case o.infinite:
		return -1
	case t.d < o.d:
		return -1
	case t.d > o.d:
		return 1
	default:
		return 0
	}
}

func (t Timeout) String() string {
	if t.infinite {
		return "infinite"
	}
	return t.d.String()
}

// Deadline 从 start 起算的截止时间；Infinite 返回 (zero, false)。
func (t Timeout) Deadline(start time.Time) (time.Time, bool) {
	if t.infinite {
		return time.Time{}, false
	}
	return start.Add(t.d), true
}

// Remaining 从 start 起剩余的超时，已耗尽时为 NoWait。
func (t Timeout) Remaining(start time.Time) Timeout {
	if t.infinite {
		return t
	}
	left := t.d - time.Since(start)
	if left < 0 {
		left = 0
	}
	return Timeout{d: left}
}

func ceilDiv(d, unit time.Duration) int64 {
	n := int64(d / unit)
	if d%unit != 0 {
		n++
	}
	return n
}
