package xdlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_ReleaseOnce(t *testing.T) {
	var calls atomic.Int32
	h := NewHandle("h", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, "h", h.Name())

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Release(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, h.Close())
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandle_ReleaseErrorReportedOnce(t *testing.T) {
	boom := errors.New("boom")
	h := NewHandle("h", func(context.Context) error { return boom })

	assert.ErrorIs(t, h.Close(), boom)
	assert.NoError(t, h.Close(), "second release is a no-op even after failure")

	_, err := h.Lost()
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestHandle_LostContext(t *testing.T) {
	h := NewHandle("h", nil)
	lost, err := h.Lost()
	require.NoError(t, err)
	assert.Nil(t, lost.Done())

	ctx, cancel := context.WithCancel(context.Background())
	h = NewHandle("h", nil, WithLostContext(ctx))
	lost, err = h.Lost()
	require.NoError(t, err)
	cancel()
	<-lost.Done()

	//nolint:staticcheck // 验证 nil 被忽略
	h = NewHandle("h", nil, WithLostContext(nil))
	lost, err = h.Lost()
	require.NoError(t, err)
	assert.NotNil(t, lost)
}

func TestUpgradeableHandle(t *testing.T) {
	var (
		released atomic.Bool
		attempts atomic.Int32
		allow    atomic.Bool
	)
	inner := NewHandle("u", func(context.Context) error {
		released.Store(true)
		return nil
	})
	h := NewUpgradeableHandle(inner, func(_ context.Context, _ Timeout) (bool, error) {
		attempts.Add(1)
		return allow.Load(), nil
	})
	ctx := context.Background()

	ok, err := h.TryUpgradeToWriteLock(ctx, NoWait)
	require.NoError(t, err)
	assert.False(t, ok)

	err = h.UpgradeToWriteLock(ctx, NoWait)
	assert.ErrorIs(t, err, ErrTimeout)

	allow.Store(true)
	require.NoError(t, h.UpgradeToWriteLock(ctx, NoWait))

	_, err = h.TryUpgradeToWriteLock(ctx, NoWait)
	assert.ErrorIs(t, err, ErrAlreadyUpgraded)
	assert.Equal(t, int32(3), attempts.Load())

	require.NoError(t, h.Close())
	assert.True(t, released.Load())

	_, err = h.TryUpgradeToWriteLock(ctx, NoWait)
	assert.ErrorIs(t, err, ErrHandleClosed)
}

func TestUpgradeableHandle_CanceledContext(t *testing.T) {
	h := NewUpgradeableHandle(NewHandle("u", nil), func(context.Context, Timeout) (bool, error) {
		t.Fatal("upgrade must not be attempted with a canceled context")
		return false, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.TryUpgradeToWriteLock(ctx, Infinite)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpgradeableHandle_ReleasedDuringUpgrade(t *testing.T) {
	var h UpgradeableHandle
	h = NewUpgradeableHandle(NewHandle("u", nil), func(context.Context, Timeout) (bool, error) {
		// 升级等待期间另一方释放了句柄
		require.NoError(t, h.Close())
		return true, nil
	})

	ok, err := h.TryUpgradeToWriteLock(context.Background(), Infinite)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrHandleClosed)
}
