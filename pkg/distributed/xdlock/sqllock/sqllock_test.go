package sqllock

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/multiplex"
)

var fastPoll = WithBusyWait(xdlock.BusyWaitConfig{MinSleep: time.Millisecond, MaxSleep: 5 * time.Millisecond})

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func newTestProvider(t *testing.T, db *sql.DB, dialect Dialect, opts ...Option) *Provider {
	t.Helper()
	p, err := NewProvider(db, dialect, append([]Option{WithSweepInterval(0), fastPoll}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func boolRow(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"ok"}).AddRow(v)
}

func intRow(v any) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"res"}).AddRow(v)
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, KeyFor("orders"), KeyFor("orders"))
	assert.NotEqual(t, KeyFor("orders"), KeyFor("orders2"))
	assert.NotEqual(t, KeyFor("x"), ticketKey("x"))
}

func TestMySQLName(t *testing.T) {
	assert.Equal(t, "short", MySQLName("short"))
	long := strings.Repeat("n", 100)
	got := MySQLName(long)
	assert.Len(t, got, MySQLMaxNameLength)
	assert.Equal(t, got, MySQLName(long))
	assert.NotEqual(t, got, MySQLName(long+"x"))
	assert.LessOrEqual(t, len(mysqlTicketName(long, 3)), MySQLMaxNameLength)
}

func TestPostgres_ErrorClassification(t *testing.T) {
	deadlock := pgError("R", &pq.Error{Code: pgDeadlockDetected, Message: "deadlock detected"})
	assert.ErrorIs(t, deadlock, xdlock.ErrDeadlock)
	var pqErr *pq.Error
	assert.ErrorAs(t, deadlock, &pqErr)

	other := errors.New("boom")
	assert.Equal(t, other, pgError("R", other))
	assert.NoError(t, pgError("R", nil))

	assert.True(t, Postgres.IsCancellation(&pq.Error{Code: pgQueryCanceled}))
	assert.True(t, Postgres.IsCancellation(context.Canceled))
	assert.False(t, Postgres.IsCancellation(other))
	assert.True(t, MySQL.IsCancellation(context.DeadlineExceeded))
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(nil, Postgres)
	assert.ErrorIs(t, err, xdlock.ErrNilBackend)

	db, _ := newMock(t)
	_, err = NewProvider(db, nil)
	assert.ErrorIs(t, err, xdlock.ErrNilBackend)
	_, err = NewProvider(db, Postgres, WithKeepalive(-time.Second))
	assert.ErrorIs(t, err, xdlock.ErrInvalidOption)
}

func TestPostgres_TryLockAndRelease(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)
	ctx := context.Background()

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	h, err := lock.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx), "second release is a no-op")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Busy(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(false))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	h, err := lock.TryAcquire(context.Background(), xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FiniteTimeoutUsesLockTimeout(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)

	mock.ExpectExec("SELECT set_config('lock_timeout', $1, false)").WithArgs("250ms").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_advisory_lock($1)").WithArgs(KeyFor("R")).
		WillReturnError(&pq.Error{Code: pgLockNotAvailable, Message: "canceling statement due to lock timeout"})
	mock.ExpectExec("SELECT set_config('lock_timeout', '0', false)").
		WillReturnResult(sqlmock.NewResult(0, 1))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	_, err = lock.Acquire(context.Background(), xdlock.MustTimeout(250*time.Millisecond))
	assert.ErrorIs(t, err, xdlock.ErrTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FiniteTimeoutAcquired(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)

	mock.ExpectExec("SELECT set_config('lock_timeout', $1, false)").WithArgs("1000ms").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_advisory_lock($1)").WithArgs(KeyFor("R")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT set_config('lock_timeout', '0', false)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	h, err := lock.Acquire(context.Background(), xdlock.MustTimeout(time.Second))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeadlockDetected(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)

	mock.ExpectExec("SELECT pg_advisory_lock($1)").WithArgs(KeyFor("R")).
		WillReturnError(&pq.Error{Code: pgDeadlockDetected, Message: "deadlock detected"})

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	_, err = lock.Acquire(context.Background(), xdlock.Infinite)
	assert.ErrorIs(t, err, xdlock.ErrDeadlock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RWLock(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)
	ctx := context.Background()

	key := KeyFor("doc")
	mock.ExpectQuery("SELECT pg_try_advisory_lock_shared($1)").WithArgs(key).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock_shared($1)").WithArgs(key).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").WithArgs(key).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(key).WillReturnRows(boolRow(true))

	rw, err := p.CreateRWLock("doc")
	require.NoError(t, err)
	r, err := rw.TryAcquireReadLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.NoError(t, r.Close())

	w, err := rw.TryAcquireWriteLock(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, w)
	require.NoError(t, w.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SemaphoreSpreadsAcrossConnections(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)
	ctx := context.Background()

	key := ticketKey("pool")
	ticketQ := "SELECT pg_try_advisory_lock($1, $2)"
	// 第一张票据
	mock.ExpectQuery(ticketQ).WithArgs(key, int64(0)).WillReturnRows(boolRow(true))
	// 第二张：已有连接持有同名票据，换新连接
	mock.ExpectQuery(ticketQ).WithArgs(key, int64(0)).WillReturnRows(boolRow(false))
	mock.ExpectQuery(ticketQ).WithArgs(key, int64(1)).WillReturnRows(boolRow(true))
	// 第三张：满
	mock.ExpectQuery(ticketQ).WithArgs(key, int64(0)).WillReturnRows(boolRow(false))
	mock.ExpectQuery(ticketQ).WithArgs(key, int64(1)).WillReturnRows(boolRow(false))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1, $2)").WithArgs(key, int64(0)).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1, $2)").WithArgs(key, int64(1)).WillReturnRows(boolRow(true))

	sem, err := p.CreateSemaphore("pool", 2)
	require.NoError(t, err)
	a, err := sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, b)
	c, err := sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ScopedSemaphoreSelfDeadlock(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)
	ctx := context.Background()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	scope := p.NewScope(conn)

	key := ticketKey("tickets")
	mock.ExpectQuery("SELECT pg_try_advisory_lock($1, $2)").WithArgs(key, int64(0)).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_try_advisory_lock($1, $2)").WithArgs(key, int64(1)).WillReturnRows(boolRow(true))

	sem, err := p.CreateScopedSemaphore("tickets", 2, scope)
	require.NoError(t, err)
	a, err := sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, b)

	// 同一会话已持有全部票据，不会访问数据库
	start := time.Now()
	_, err = sem.Acquire(ctx, xdlock.Infinite)
	assert.ErrorIs(t, err, xdlock.ErrDeadlock)
	assert.Less(t, time.Since(start), time.Second)

	h, err := sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	assert.Nil(t, h)

	start = time.Now()
	h, err = sem.TryAcquire(ctx, xdlock.MustTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	mock.ExpectQuery("SELECT pg_advisory_unlock($1, $2)").WithArgs(key, int64(1)).WillReturnRows(boolRow(true))
	require.NoError(t, b.Close())
	mock.ExpectQuery("SELECT pg_try_advisory_lock($1, $2)").WithArgs(key, int64(1)).WillReturnRows(boolRow(true))
	h, err = sem.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, h, "released ticket can be taken again by the same session")

	mock.ExpectQuery("SELECT pg_advisory_unlock($1, $2)").WithArgs(key, int64(1)).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1, $2)").WithArgs(key, int64(0)).WillReturnRows(boolRow(true))
	require.NoError(t, h.Close())
	require.NoError(t, a.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ScopedLockIsNotReentrant(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres)
	ctx := context.Background()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))

	lock, err := p.CreateScopedLock("R", p.NewScope(conn))
	require.NoError(t, err)
	h, err := lock.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = lock.Acquire(ctx, xdlock.Infinite)
	assert.ErrorIs(t, err, xdlock.ErrDeadlock)

	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))
	require.NoError(t, h.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_KeepaliveFailureMarksLost(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, Postgres, WithKeepalive(20*time.Millisecond))
	ctx := context.Background()

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))
	mock.ExpectPing().WillReturnError(errors.New("connection reset by peer"))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	h, err := lock.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	require.NotNil(t, h)
	lost, err := h.Lost()
	require.NoError(t, err)

	select {
	case <-lost.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive failure not reported")
	}

	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))
	require.NoError(t, h.Close())
}

func TestPostgres_CloseForceReleases(t *testing.T) {
	db, mock := newMock(t)
	p, err := NewProvider(db, Postgres, WithSweepInterval(0))
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").WithArgs(KeyFor("R")).WillReturnRows(boolRow(true))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	h, err := lock.TryAcquire(ctx, xdlock.NoWait)
	require.NoError(t, err)
	lost, err := h.Lost()
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	<-lost.Done()
	assert.ErrorIs(t, context.Cause(lost), multiplex.ErrPoolClosed)
	assert.NoError(t, h.Close(), "release after close is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = lock.TryAcquire(ctx, xdlock.NoWait)
	assert.ErrorIs(t, err, multiplex.ErrPoolClosed)
}

func TestMySQL_LockAndRelease(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, MySQL)
	ctx := context.Background()

	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").WithArgs("R", int64(-1)).WillReturnRows(intRow(int64(1)))
	mock.ExpectQuery("SELECT RELEASE_LOCK(?)").WithArgs("R").WillReturnRows(intRow(int64(1)))
	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").WithArgs("R", int64(2)).WillReturnRows(intRow(int64(0)))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	h, err := lock.Acquire(ctx, xdlock.Infinite)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// 1.5s 向上取整为 2s
	_, err = lock.Acquire(ctx, xdlock.MustTimeout(1500*time.Millisecond))
	assert.ErrorIs(t, err, xdlock.ErrTimeout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_NullResultIsError(t *testing.T) {
	db, mock := newMock(t)
	p := newTestProvider(t, db, MySQL)

	mock.ExpectQuery("SELECT GET_LOCK(?, ?)").WithArgs("R", int64(0)).WillReturnRows(intRow(nil))

	lock, err := p.CreateLock("R")
	require.NoError(t, err)
	_, err = lock.TryAcquire(context.Background(), xdlock.NoWait)
	assert.Error(t, err)
}

func TestMySQL_NoRWLock(t *testing.T) {
	db, _ := newMock(t)
	p := newTestProvider(t, db, MySQL)
	_, err := p.CreateRWLock("doc")
	assert.ErrorIs(t, err, xdlock.ErrInvalidOption)
	assert.ErrorIs(t, err, ErrSharedUnsupported)
}
