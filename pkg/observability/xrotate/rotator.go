// Package xrotate 提供日志文件轮转，供 xlog 和 xlockctl 的文件输出使用。
package xrotate

import (
	"errors"
	"io"
)

var (
	// ErrEmptyFilename 文件名为空
	ErrEmptyFilename = errors.New("xrotate: filename is required")

	// ErrInvalidConfig 轮转参数越界
	ErrInvalidConfig = errors.New("xrotate: invalid config")

	// ErrClosed 轮转器已关闭
	ErrClosed = errors.New("xrotate: rotator is closed")
)

// Rotator 日志轮转器，并发安全。
// Close 之后的 Write/Rotate 返回 [ErrClosed]。
type Rotator interface {
	io.WriteCloser

	// Rotate 手动触发轮转
	Rotate() error
}
