package sqllock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/multiplex"
)

var _ multiplex.Conn = (*Conn)(nil)

var errConnNotOpen = errors.New("sqllock: connection not open")

// Conn 从 *sql.DB 中独占借出的一条会话。会话级锁绑定在这条会话上。
type Conn struct {
	db      *sql.DB
	dialect Dialect
	conn    *sql.Conn
	owned   bool
	dirty   bool
}

func newPooledConn(db *sql.DB, dialect Dialect) *Conn {
	return &Conn{db: db, dialect: dialect, owned: true}
}

// Open 借出一条会话
func (c *Conn) Open(ctx context.Context) error {
	if !c.owned {
		return nil
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Close 归还会话。释放曾经失败的会话上可能残留锁，不能回到 *sql.DB 的连接池，
// 直接丢弃底层连接，锁随之释放。
func (c *Conn) Close() error {
	if !c.owned || c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	if c.dirty {
		c.dirty = false
		// f 返回 driver.ErrBadConn 时 database/sql 关闭底层连接而不是复用
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return nil
	}
	return conn.Close()
}

// Ping 检查会话是否存活
func (c *Conn) Ping(ctx context.Context) error {
	if c.conn == nil {
		return errConnNotOpen
	}
	return c.conn.PingContext(ctx)
}

// IsCommandCancellation 判断 err 是否为命令被取消
func (c *Conn) IsCommandCancellation(err error) bool {
	return c.dialect.IsCancellation(err)
}

func (c *Conn) querier() (Querier, error) {
	if c.conn == nil {
		return nil, errConnNotOpen
	}
	return c.conn, nil
}

// markDirty 释放失败后调用，会话关闭时被丢弃
func (c *Conn) markDirty() { c.dirty = true }
