package sqllock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/lib/pq"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
)

// Querier *sql.Conn、*sql.DB、*sql.Tx 的公共子集
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect 数据库方言：把锁名称映射为数据库原生的会话级锁。
//
// 会话级锁与连接绑定：连接关闭即释放。同一会话重复获取同一把锁在
// PostgreSQL 和 MySQL 上都是可重入的，调用方（连接复用引擎、Scope）
// 负责保证同一连接不会重复获取同名锁。
type Dialect interface {
	Name() string

	// Lock 在超时内获取锁，超时返回 false。shared 为 true 时获取共享锁，
	// 不支持共享锁的方言返回 ErrSharedUnsupported。
	Lock(ctx context.Context, q Querier, name string, shared bool, timeout xdlock.Timeout) (bool, error)
	Unlock(ctx context.Context, q Querier, name string, shared bool) error

	// TryLockTicket 不等待地获取信号量 name 的第 slot 张票据
	TryLockTicket(ctx context.Context, q Querier, name string, slot int) (bool, error)
	UnlockTicket(ctx context.Context, q Querier, name string, slot int) error

	SupportsShared() bool

	// IsCancellation 判断 err 是否为命令被取消
	IsCancellation(err error) bool
}

var (
	// ErrSharedUnsupported 方言不支持共享锁（读写锁）
	ErrSharedUnsupported = errors.New("sqllock: shared locks not supported by dialect")

	// ErrNotHeld 释放时数据库报告该连接并未持有锁，通常说明连接已被重置
	ErrNotHeld = errors.New("sqllock: lock not held by connection")
)

// KeyFor 锁名称对应的 PostgreSQL advisory lock 键（bigint 形式）
func KeyFor(name string) int64 {
	return int64(xxhash.Sum64String(name)) //nolint:gosec // 有意按位重解释
}

// ticketKey 信号量票据使用两个 int4 的键空间，与 bigint 键互不冲突
func ticketKey(name string) int64 {
	return int64(int32(xxhash.Sum64String(name) >> 32)) //nolint:gosec // 有意截断
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// =============================================================================
// PostgreSQL
// =============================================================================

// PostgreSQL 错误码
const (
	pgQueryCanceled    = "57014"
	pgDeadlockDetected = "40P01"
	pgLockNotAvailable = "55P03"
)

// Postgres PostgreSQL advisory lock 方言（lib/pq 驱动错误分类）
var Postgres Dialect = postgres{}

type postgres struct{}

func (postgres) Name() string         { return "postgres" }
func (postgres) SupportsShared() bool { return true }

func (postgres) Lock(ctx context.Context, q Querier, name string, shared bool, timeout xdlock.Timeout) (acquired bool, err error) {
	key := KeyFor(name)
	suffix := ""
	if shared {
		suffix = "_shared"
	}

	if timeout.IsZero() {
		err := q.QueryRowContext(ctx, "SELECT pg_try_advisory_lock"+suffix+"($1)", key).Scan(&acquired)
		return acquired, pgError(name, err)
	}

	// 有限等待借助会话级 lock_timeout，超时以 55P03 返回，不依赖取消语句
	if !timeout.IsInfinite() {
		ms, err := timeout.MillisecondsInt32()
		if err != nil {
			return false, err
		}
		if _, err := q.ExecContext(ctx, "SELECT set_config('lock_timeout', $1, false)",
			strconv.Itoa(int(max(ms, 1)))+"ms"); err != nil {
			return false, pgError(name, err)
		}
		defer func() {
			_, rerr := q.ExecContext(context.WithoutCancel(ctx), "SELECT set_config('lock_timeout', '0', false)")
			if rerr == nil {
				return
			}
			// 残留的 lock_timeout 会让该连接上之后的无限等待提前失败
			if acquired {
				_ = postgres{}.Unlock(context.WithoutCancel(ctx), q, name, shared)
				acquired = false
			}
			err = errors.Join(err, fmt.Errorf("sqllock: reset lock_timeout: %w", rerr))
		}()
	}

	_, err = q.ExecContext(ctx, "SELECT pg_advisory_lock"+suffix+"($1)", key)
	if pgCode(err) == pgLockNotAvailable {
		return false, nil
	}
	if err != nil {
		return false, pgError(name, err)
	}
	return true, nil
}

func (postgres) Unlock(ctx context.Context, q Querier, name string, shared bool) error {
	fn := "pg_advisory_unlock"
	if shared {
		fn += "_shared"
	}
	var released bool
	if err := q.QueryRowContext(ctx, "SELECT "+fn+"($1)", KeyFor(name)).Scan(&released); err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("%w: %q", ErrNotHeld, name)
	}
	return nil
}

func (postgres) TryLockTicket(ctx context.Context, q Querier, name string, slot int) (bool, error) {
	var ok bool
	err := q.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, $2)", ticketKey(name), int64(slot)).Scan(&ok)
	return ok, pgError(name, err)
}

func (postgres) UnlockTicket(ctx context.Context, q Querier, name string, slot int) error {
	var released bool
	if err := q.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1, $2)", ticketKey(name), int64(slot)).Scan(&released); err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("%w: %q ticket %d", ErrNotHeld, name, slot)
	}
	return nil
}

func (postgres) IsCancellation(err error) bool {
	return pgCode(err) == pgQueryCanceled || isContextErr(err)
}

func pgCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// pgError 把服务端检测到的死锁转换为 ErrDeadlock，保留原始错误
func pgError(name string, err error) error {
	if err == nil {
		return nil
	}
	if pgCode(err) == pgDeadlockDetected {
		return fmt.Errorf("%w: %w", &xdlock.DeadlockError{Name: name, Detail: "detected by postgres"}, err)
	}
	return err
}

// =============================================================================
// MySQL
// =============================================================================

// MySQLMaxNameLength GET_LOCK 名称长度上限
const MySQLMaxNameLength = 64

// MySQL GET_LOCK / RELEASE_LOCK 方言。不支持共享锁。
var MySQL Dialect = mysql{}

type mysql struct{}

func (mysql) Name() string         { return "mysql" }
func (mysql) SupportsShared() bool { return false }

// MySQLName 锁名称对应的 GET_LOCK 名称（超长时截断并追加哈希）
func MySQLName(name string) string {
	return xdlock.SafeName(name, MySQLMaxNameLength, nil)
}

func (mysql) Lock(ctx context.Context, q Querier, name string, shared bool, timeout xdlock.Timeout) (bool, error) {
	if shared {
		return false, ErrSharedUnsupported
	}
	return mysqlGetLock(ctx, q, MySQLName(name), timeout.Seconds())
}

func (mysql) Unlock(ctx context.Context, q Querier, name string, shared bool) error {
	if shared {
		return ErrSharedUnsupported
	}
	return mysqlReleaseLock(ctx, q, MySQLName(name))
}

func (mysql) TryLockTicket(ctx context.Context, q Querier, name string, slot int) (bool, error) {
	return mysqlGetLock(ctx, q, mysqlTicketName(name, slot), 0)
}

func (mysql) UnlockTicket(ctx context.Context, q Querier, name string, slot int) error {
	return mysqlReleaseLock(ctx, q, mysqlTicketName(name, slot))
}

func (mysql) IsCancellation(err error) bool { return isContextErr(err) }

func mysqlTicketName(name string, slot int) string {
	return xdlock.SafeName(name+"#"+strconv.Itoa(slot), MySQLMaxNameLength, nil)
}

// mysqlGetLock seconds 为 -1 时无限等待
func mysqlGetLock(ctx context.Context, q Querier, lockName string, seconds int64) (bool, error) {
	var res sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, seconds).Scan(&res); err != nil {
		return false, err
	}
	if !res.Valid {
		return false, fmt.Errorf("sqllock: GET_LOCK(%q) returned NULL", lockName)
	}
	return res.Int64 == 1, nil
}

func mysqlReleaseLock(ctx context.Context, q Querier, lockName string) error {
	var res sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", lockName).Scan(&res); err != nil {
		return err
	}
	if !res.Valid || res.Int64 != 1 {
		return fmt.Errorf("%w: %q", ErrNotHeld, lockName)
	}
	return nil
}
