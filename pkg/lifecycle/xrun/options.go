package xrun

import "github.com/omeyang/xdsync/pkg/observability/xlog"

// Option 配置 Group
type Option func(*groupOptions)

type groupOptions struct {
	logger xlog.Logger
	name   string
}

// WithLogger 设置日志记录器，nil 时忽略
func WithLogger(l xlog.Logger) Option {
	return func(o *groupOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName 设置 Group 名称，用于日志，空字符串时忽略
func WithName(name string) Option {
	return func(o *groupOptions) {
		if name != "" {
			o.name = name
		}
	}
}
