package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Expiry: time.Second, Cadence: 300 * time.Millisecond}, false},
		{"default cadence", Config{Expiry: 30 * time.Second, Cadence: DefaultCadence(30 * time.Second)}, false},
		{"cadence equals expiry", Config{Expiry: time.Second, Cadence: time.Second}, true},
		{"cadence exceeds expiry", Config{Expiry: time.Second, Cadence: 2 * time.Second}, true},
		{"zero cadence", Config{Expiry: time.Second}, true},
		{"zero expiry", Config{Cadence: time.Millisecond}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMonitor_KeepsExtending(t *testing.T) {
	var calls atomic.Int32
	m := Start(context.Background(), Config{Expiry: 200 * time.Millisecond, Cadence: 20 * time.Millisecond},
		func(context.Context) (bool, error) {
			calls.Add(1)
			return true, nil
		}, nil)

	time.Sleep(300 * time.Millisecond)
	assert.NoError(t, m.Lost().Err(), "lease renewed in time must not be lost")
	assert.GreaterOrEqual(t, calls.Load(), int32(5))

	require.NoError(t, m.Stop(context.Background()))
	after := calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no renewal after Stop returns")
	assert.NoError(t, m.Lost().Err(), "Stop is not a loss")
}

func TestMonitor_LostWhenNoLongerHeld(t *testing.T) {
	m := Start(context.Background(), Config{Expiry: time.Second, Cadence: 10 * time.Millisecond},
		func(context.Context) (bool, error) { return false, nil }, nil)
	defer m.Stop(context.Background())

	select {
	case <-m.Lost().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease not reported lost")
	}
	assert.ErrorIs(t, context.Cause(m.Lost()), ErrLost)
}

func TestMonitor_LostOnRenewalError(t *testing.T) {
	boom := errors.New("connection reset")
	m := Start(context.Background(), Config{Expiry: time.Second, Cadence: 10 * time.Millisecond},
		func(context.Context) (bool, error) { return false, boom }, nil)
	defer m.Stop(context.Background())

	<-m.Lost().Done()
	cause := context.Cause(m.Lost())
	assert.ErrorIs(t, cause, ErrLost)
	assert.ErrorIs(t, cause, boom)
}

func TestMonitor_HungRenewalBoundedByValidity(t *testing.T) {
	m := Start(context.Background(), Config{Expiry: 80 * time.Millisecond, Cadence: 20 * time.Millisecond},
		func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}, nil)
	defer m.Stop(context.Background())

	start := time.Now()
	select {
	case <-m.Lost().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hung renewal must not extend past validity")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, context.Cause(m.Lost()), context.DeadlineExceeded)
}

func TestMonitor_ParentCanceledIsLoss(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	m := Start(parent, Config{Expiry: time.Second, Cadence: 100 * time.Millisecond},
		func(context.Context) (bool, error) { return true, nil }, nil)

	cancel()
	<-m.Lost().Done()
	assert.ErrorIs(t, context.Cause(m.Lost()), ErrLost)
	require.NoError(t, m.Stop(context.Background()))
}

func TestMonitor_StartWithValidity(t *testing.T) {
	// 剩余有效期已不足一个续期间隔，首轮续期前即判定丢失
	var calls atomic.Int32
	m := StartWithValidity(context.Background(), 5*time.Millisecond,
		Config{Expiry: time.Second, Cadence: 30 * time.Millisecond},
		func(context.Context) (bool, error) {
			calls.Add(1)
			return true, nil
		}, nil)
	defer m.Stop(context.Background())

	<-m.Lost().Done()
	assert.Zero(t, calls.Load())
}

func TestMonitor_StopBoundedByContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	m := Start(context.Background(), Config{Expiry: time.Minute, Cadence: time.Millisecond},
		func(context.Context) (bool, error) {
			once.Do(func() { close(entered) })
			<-release // 忽略 ctx 的异常实现
			return true, nil
		}, nil)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Stop(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, m.Stop(context.Background()))
}

func TestHandle_StopsRenewalBeforeRelease(t *testing.T) {
	var (
		mu       sync.Mutex
		events   []string
		released atomic.Bool
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	m := Start(context.Background(), Config{Expiry: time.Second, Cadence: 5 * time.Millisecond},
		func(context.Context) (bool, error) {
			if released.Load() {
				t.Error("renewal issued after release")
			}
			record("extend")
			return true, nil
		}, nil)

	h := NewHandle("job", m, func(context.Context) error {
		released.Store(true)
		record("release")
		return errors.New("store unavailable")
	}, nil)

	lost, err := h.Lost()
	require.NoError(t, err)
	assert.Equal(t, m.Lost(), lost)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.Close(), "release errors are suppressed")
	require.NoError(t, h.Close())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "release", events[len(events)-1])
	assert.Equal(t, 1, countOf(events, "release"))

	_, err = h.Lost()
	assert.ErrorIs(t, err, xdlock.ErrHandleClosed)
}

func TestHandle_ReleaseAfterLoss(t *testing.T) {
	var releases atomic.Int32
	m := Start(context.Background(), Config{Expiry: time.Second, Cadence: 5 * time.Millisecond},
		func(context.Context) (bool, error) { return false, nil }, nil)
	h := NewHandle("job", m, func(context.Context) error {
		releases.Add(1)
		return nil
	}, nil)

	lost, err := h.Lost()
	require.NoError(t, err)
	<-lost.Done()

	require.NoError(t, h.Release(context.Background()))
	assert.Equal(t, int32(1), releases.Load())
}

func countOf(events []string, e string) int {
	n := 0
	for _, v := range events {
		if v == e {
			n++
		}
	}
	return n
}
