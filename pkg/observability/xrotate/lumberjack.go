package xrotate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 默认轮转参数。锁服务日志量小，默认值比业务服务保守。
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 14

	maxSizeMB  = 10240
	maxBackups = 1024
	maxAgeDays = 3650
)

type config struct {
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
	compress   bool
	localTime  bool
}

// Option lumberjack 轮转选项
type Option func(*config)

// WithMaxSize 单个文件最大大小（MB）
func WithMaxSize(mb int) Option {
	return func(c *config) { c.maxSizeMB = mb }
}

// WithMaxBackups 保留的备份数量，0 表示只按天数清理
func WithMaxBackups(n int) Option {
	return func(c *config) { c.maxBackups = n }
}

// WithMaxAge 保留备份的天数，0 表示只按数量清理
func WithMaxAge(days int) Option {
	return func(c *config) { c.maxAgeDays = days }
}

// WithCompress 是否 gzip 压缩备份
func WithCompress(compress bool) Option {
	return func(c *config) { c.compress = compress }
}

// WithLocalTime 备份文件名使用本地时间（默认 UTC）
func WithLocalTime(local bool) Option {
	return func(c *config) { c.localTime = local }
}

func (c *config) validate() error {
	switch {
	case c.maxSizeMB <= 0 || c.maxSizeMB > maxSizeMB:
		return fmt.Errorf("%w: max size %dMB, want 1~%d", ErrInvalidConfig, c.maxSizeMB, maxSizeMB)
	case c.maxBackups < 0 || c.maxBackups > maxBackups:
		return fmt.Errorf("%w: max backups %d, want 0~%d", ErrInvalidConfig, c.maxBackups, maxBackups)
	case c.maxAgeDays < 0 || c.maxAgeDays > maxAgeDays:
		return fmt.Errorf("%w: max age %d days, want 0~%d", ErrInvalidConfig, c.maxAgeDays, maxAgeDays)
	case c.maxBackups == 0 && c.maxAgeDays == 0:
		// 两者都为 0 时 lumberjack 永不清理备份
		return fmt.Errorf("%w: max backups and max age cannot both be 0", ErrInvalidConfig)
	}
	return nil
}

type lumberjackRotator struct {
	logger *lumberjack.Logger
	closed atomic.Bool
}

// NewLumberjack 创建基于 lumberjack 的按大小轮转器，父目录不存在时自动创建。
func NewLumberjack(filename string, opts ...Option) (Rotator, error) {
	if filename == "" {
		return nil, ErrEmptyFilename
	}

	cfg := config{
		maxSizeMB:  DefaultMaxSizeMB,
		maxBackups: DefaultMaxBackups,
		maxAgeDays: DefaultMaxAgeDays,
		compress:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	path := filepath.Clean(filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("xrotate: create log dir: %w", err)
	}

	return &lumberjackRotator{
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.maxSizeMB,
			MaxBackups: cfg.maxBackups,
			MaxAge:     cfg.maxAgeDays,
			Compress:   cfg.compress,
			LocalTime:  cfg.localTime,
		},
	}, nil
}

func (r *lumberjackRotator) Write(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	n, err := r.logger.Write(p)
	if err != nil && r.closed.Load() {
		// Close 与 Write 并发时统一返回 ErrClosed
		return n, ErrClosed
	}
	return n, err
}

// Close 重复调用返回 [ErrClosed]。
func (r *lumberjackRotator) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	return r.logger.Close()
}

func (r *lumberjackRotator) Rotate() error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.logger.Rotate()
}
