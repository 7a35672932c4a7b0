package xlog

import (
	"log/slog"
	"time"
)

// 锁相关日志字段的标准 key
const (
	KeyError     = "error"
	KeyStack     = "stack"
	KeyDuration  = "duration"
	KeyComponent = "component"
	KeyLock      = "lock"
	KeyBackend   = "backend"
	KeyMode      = "mode"
	KeyCount     = "count"
)

// Err 错误属性，nil 时返回空属性（被 slog 忽略）
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Duration 耗时属性
func Duration(d time.Duration) slog.Attr {
	return slog.String(KeyDuration, d.String())
}

// Component 组件名属性
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Lock 锁名称属性
func Lock(name string) slog.Attr {
	return slog.String(KeyLock, name)
}

// Backend 后端名称属性（redis、postgres、mongo ...）
func Backend(name string) slog.Attr {
	return slog.String(KeyBackend, name)
}

// Mode 锁模式属性（exclusive、read、write、upgradeable、semaphore）
func Mode(mode string) slog.Attr {
	return slog.String(KeyMode, mode)
}

// Count 计数属性
func Count(n int64) slog.Attr {
	return slog.Int64(KeyCount, n)
}
