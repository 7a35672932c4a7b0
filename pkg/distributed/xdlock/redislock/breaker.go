package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/redlock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// BreakerConfig 节点熔断配置。
//
// 熔断打开期间对该节点的调用立即失败，在多数派投票中计为故障节点，
// 避免每次获取都等满一个宕机节点的网络超时。
// 释放同样受熔断保护：打开时跳过该节点，残留的键随租约过期。
type BreakerConfig struct {
	// ConsecutiveFailures 连续失败多少次后打开，默认 5
	ConsecutiveFailures uint32
	// OpenTimeout 打开后多久进入半开试探，默认 10s
	OpenTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	return c
}

// newNodeBreakers 为每个节点创建熔断器，所有锁共享
func newNodeBreakers(n int, cfg BreakerConfig, logger xlog.Logger) []*gobreaker.CircuitBreaker[bool] {
	cfg = cfg.withDefaults()
	out := make([]*gobreaker.CircuitBreaker[bool], n)
	for i := range out {
		out[i] = gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
			Name:        fmt.Sprintf("redis-node-%d", i),
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			// 多数派已决出后被取消的慢节点不算故障
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(context.Background(), "redis node breaker state changed",
					slog.String("node", name), slog.String("from", from.String()), slog.String("to", to.String()))
			},
		})
	}
	return out
}

// breakerStore 经熔断器调用节点
type breakerStore struct {
	inner redlock.Store
	cb    *gobreaker.CircuitBreaker[bool]
}

func (s *breakerStore) TryAcquire(ctx context.Context) (bool, error) {
	return s.cb.Execute(func() (bool, error) { return s.inner.TryAcquire(ctx) })
}

func (s *breakerStore) TryExtend(ctx context.Context) (bool, error) {
	return s.cb.Execute(func() (bool, error) { return s.inner.TryExtend(ctx) })
}

func (s *breakerStore) Release(ctx context.Context) error {
	_, err := s.cb.Execute(func() (bool, error) { return false, s.inner.Release(ctx) })
	return err
}

// guard 按下标为 stores 套上对应节点的熔断器，未启用熔断时原样返回
func (p *Provider) guard(stores []redlock.Store) []redlock.Store {
	if p.breakers == nil {
		return stores
	}
	out := make([]redlock.Store, len(stores))
	for i, s := range stores {
		out[i] = &breakerStore{inner: s, cb: p.breakers[i]}
	}
	return out
}
