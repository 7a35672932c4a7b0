package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/xdsync/pkg/config/xconf"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
	"github.com/omeyang/xdsync/pkg/observability/xrotate"
)

// 后端类型
const (
	kindMemory     = "memory"
	kindPostgres   = "postgres"
	kindMySQL      = "mysql"
	kindRedis      = "redis"
	kindMongo      = "mongodb"
	kindEtcd       = "etcd"
	kindKubernetes = "kubernetes"
)

// Config xlockctl 配置文件结构
//
//	log:
//	  level: info
//	  format: text
//	  file: /var/log/xlockctl.log
//	backend:
//	  kind: redis
//	  addrs: ["10.0.0.1:6379", "10.0.0.2:6379", "10.0.0.3:6379"]
//	  expiry: 30s
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Backend BackendConfig `koanf:"backend"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// File 非空时写入按大小轮转的文件
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"maxSizeMB"`
	MaxBackups int    `koanf:"maxBackups"`
}

// BackendConfig 后端配置，各字段只对部分后端生效
type BackendConfig struct {
	Kind string `koanf:"kind"`

	// DSN postgres/mysql 连接串
	DSN string `koanf:"dsn"`
	// Addrs redis 节点（相互独立，构成 RedLock 多数派）或 etcd endpoints
	Addrs    []string `koanf:"addrs"`
	Password string   `koanf:"password"`
	// URI mongodb 连接串
	URI        string `koanf:"uri"`
	Database   string `koanf:"database"`
	Collection string `koanf:"collection"`
	// Kubeconfig 为空时使用 in-cluster 配置
	Kubeconfig string `koanf:"kubeconfig"`
	Namespace  string `koanf:"namespace"`

	KeyPrefix   string        `koanf:"keyPrefix"`
	Expiry      time.Duration `koanf:"expiry"`
	DialTimeout time.Duration `koanf:"dialTimeout"`
	TTLSeconds  int           `koanf:"ttlSeconds"`
	Keepalive   time.Duration `koanf:"keepalive"`
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "warn", Format: "text", MaxSizeMB: 100, MaxBackups: 3},
		Backend: BackendConfig{
			Kind:        kindMemory,
			Database:    "xdsync",
			Collection:  "locks",
			DialTimeout: 5 * time.Second,
		},
	}
}

// loadConfig 读取配置文件，path 为空时返回默认配置
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	l, err := xconf.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := l.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	return cfg, nil
}

func (c BackendConfig) validate() error {
	switch c.Kind {
	case kindMemory:
	case kindPostgres, kindMySQL:
		if c.DSN == "" {
			return &usageError{msg: fmt.Sprintf("backend %s requires dsn", c.Kind)}
		}
	case kindRedis, kindEtcd:
		if len(c.Addrs) == 0 {
			return &usageError{msg: fmt.Sprintf("backend %s requires addrs", c.Kind)}
		}
	case kindMongo:
		if c.URI == "" {
			return &usageError{msg: "backend mongodb requires uri"}
		}
	case kindKubernetes:
	default:
		return &usageError{msg: fmt.Sprintf("unknown backend kind %q", c.Kind)}
	}
	return nil
}

// buildLogger 按配置构建日志，返回的 cleanup 关闭轮转文件
func buildLogger(c LogConfig) (xlog.Logger, func() error, error) {
	b := xlog.New().SetLevelString(c.Level).SetFormat(c.Format).
		SetAttrs(xlog.Component("xlockctl"))
	if c.File != "" {
		b.SetRotation(c.File,
			xrotate.WithMaxSize(c.MaxSizeMB),
			xrotate.WithMaxBackups(c.MaxBackups),
			xrotate.WithCompress(true))
	}
	logger, cleanup, err := b.Build()
	if err != nil {
		return nil, nil, &usageError{msg: fmt.Sprintf("log config: %v", err)}
	}
	return logger, cleanup, nil
}
