package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/lease"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// CreateRedsyncLock 以 redsync 实现的互斥锁，与 CreateLock 使用同一个键。
//
// 用于与已经直接使用 redsync 的服务互通：两边对同名锁互斥。
// 续期与丢锁信号同 CreateLock。
func (p *Provider) CreateRedsyncLock(name string) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	key := p.key(name)
	prim, err := xdlock.BusyWaitLock(name, backendName+"-redsync", p.opts.busyWait, func(ctx context.Context) (xdlock.Handle, error) {
		return p.tryRedsync(ctx, name, key)
	})
	if err != nil {
		return nil, err
	}
	return xdlock.NewLock(prim, p.facadeOptions()...)
}

func (p *Provider) tryRedsync(ctx context.Context, name, key string) (xdlock.Handle, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	// 每轮新建 Mutex：redsync 每次 Lock 生成新值，轮询只尝试一次
	mutex := p.rs.NewMutex(key,
		redsync.WithExpiry(p.timeouts.Expiry),
		redsync.WithTries(1),
		redsync.WithTimeoutFactor(float64(p.timeouts.Expiry-p.timeouts.MinValidity)/float64(p.timeouts.Expiry)),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapRedsyncError(err)
	}

	validity := time.Until(mutex.Until())
	if validity <= p.timeouts.MinValidity {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			p.opts.logger.Warn(ctx, "release redsync lock with insufficient validity failed", xlog.Lock(name), xlog.Err(err))
		}
		return nil, nil
	}

	logger := p.opts.logger.With(xlog.Lock(name))
	m := lease.StartWithValidity(p.root, validity, p.lease, func(ctx context.Context) (bool, error) {
		ok, err := mutex.ExtendContext(ctx)
		if err != nil && isRedsyncLoss(err) {
			return false, nil
		}
		return ok, err
	}, logger)
	return lease.NewHandle(name, m, func(ctx context.Context) error {
		_, err := mutex.UnlockContext(ctx)
		if err != nil && isRedsyncLoss(err) {
			return nil
		}
		return err
	}, logger), nil
}

// wrapRedsyncError 锁被占用（ErrTaken / ErrFailed）返回 nil，即"未获取到"；
// 其余错误以 ErrQuorumUnavailable 包装，保留原始错误链。
func wrapRedsyncError(err error) error {
	var taken *redsync.ErrTaken
	if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
		return nil
	}
	return fmt.Errorf("%w: %w", xdlock.ErrQuorumUnavailable, err)
}

// isRedsyncLoss 锁已过期或已被他人持有
func isRedsyncLoss(err error) bool {
	var taken *redsync.ErrTaken
	return errors.As(err, &taken) ||
		errors.Is(err, redsync.ErrExtendFailed) ||
		errors.Is(err, redsync.ErrLockAlreadyExpired)
}
