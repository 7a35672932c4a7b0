package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/etcdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/k8slock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/memlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/mongolock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/redislock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/sqllock"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// errNoSemaphore 后端不支持信号量
var errNoSemaphore = errors.New("backend does not support semaphores")

// backend 一个已连接的后端，close 按打开的逆序释放资源
type backend struct {
	kind    string
	locks   xdlock.LockProvider
	sems    xdlock.SemaphoreProvider // 不支持信号量时为 nil
	closers []func(ctx context.Context) error
}

func (b *backend) onClose(fn func(ctx context.Context) error) {
	b.closers = append(b.closers, fn)
}

func (b *backend) close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *backend) createLock(name string) (*xdlock.Lock, error) {
	return b.locks.CreateLock(name)
}

func (b *backend) createSemaphore(name string, maxCount int) (*xdlock.Semaphore, error) {
	if b.sems == nil {
		return nil, &usageError{msg: fmt.Sprintf("%s: %v", b.kind, errNoSemaphore)}
	}
	return b.sems.CreateSemaphore(name, maxCount)
}

// openBackend 按配置连接后端。失败时已打开的资源会被释放。
func openBackend(ctx context.Context, c BackendConfig, logger xlog.Logger) (_ *backend, err error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	b := &backend{kind: c.Kind}
	defer func() {
		if err != nil {
			_ = b.close(context.WithoutCancel(ctx)) //nolint:errcheck // 打开失败优先返回原始错误
		}
	}()
	facade := []xdlock.Option{xdlock.WithLogger(logger)}

	switch c.Kind {
	case kindMemory:
		p := memlock.NewProvider(facade...)
		b.locks, b.sems = p, p
	case kindPostgres, kindMySQL:
		err = openSQL(b, c, logger)
	case kindRedis:
		err = openRedis(ctx, b, c, logger)
	case kindMongo:
		err = openMongo(ctx, b, c, logger)
	case kindEtcd:
		err = openEtcd(b, c, logger)
	case kindKubernetes:
		err = openKubernetes(b, c, logger)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openSQL(b *backend, c BackendConfig, logger xlog.Logger) error {
	driver, dialect := "postgres", sqllock.Postgres
	if c.Kind == kindMySQL {
		driver, dialect = "mysql", sqllock.MySQL
	}
	db, err := sql.Open(driver, c.DSN)
	if err != nil {
		return fmt.Errorf("open %s: %w", driver, err)
	}
	b.onClose(func(context.Context) error { return db.Close() })

	opts := []sqllock.Option{sqllock.WithLogger(logger)}
	if c.Keepalive > 0 {
		opts = append(opts, sqllock.WithKeepalive(c.Keepalive))
	}
	p, err := sqllock.NewProvider(db, dialect, opts...)
	if err != nil {
		return err
	}
	b.onClose(p.Close)
	b.locks, b.sems = p, p
	return nil
}

func openRedis(ctx context.Context, b *backend, c BackendConfig, logger xlog.Logger) error {
	clients := make([]redis.UniversalClient, 0, len(c.Addrs))
	for _, addr := range c.Addrs {
		client := redis.NewClient(&redis.Options{
			Addr:        addr,
			Password:    c.Password,
			DialTimeout: c.DialTimeout,
		})
		b.onClose(func(context.Context) error { return client.Close() })
		clients = append(clients, client)
	}

	opts := []redislock.Option{redislock.WithLogger(logger)}
	if c.KeyPrefix != "" {
		opts = append(opts, redislock.WithKeyPrefix(c.KeyPrefix))
	}
	if c.Expiry > 0 {
		opts = append(opts, redislock.WithExpiry(c.Expiry))
	}
	p, err := redislock.NewProvider(clients, opts...)
	if err != nil {
		return err
	}
	b.onClose(func(context.Context) error { return p.Close() })

	hctx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()
	if err := p.Health(hctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	b.locks, b.sems = p, p
	return nil
}

func openMongo(ctx context.Context, b *backend, c BackendConfig, logger xlog.Logger) error {
	client, err := mongo.Connect(options.Client().ApplyURI(c.URI).SetConnectTimeout(c.DialTimeout))
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	b.onClose(client.Disconnect)

	pctx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}

	coll := client.Database(c.Database).Collection(c.Collection)
	if err := mongolock.EnsureTTLIndex(pctx, coll); err != nil {
		logger.Warn(ctx, "ensure ttl index failed", xlog.Err(err))
	}
	opts := []mongolock.Option{mongolock.WithLogger(logger)}
	if c.Expiry > 0 {
		opts = append(opts, mongolock.WithExpiry(c.Expiry))
	}
	p, err := mongolock.NewProvider(coll, opts...)
	if err != nil {
		return err
	}
	b.onClose(func(context.Context) error { return p.Close() })
	b.locks = p
	return nil
}

func openEtcd(b *backend, c BackendConfig, logger xlog.Logger) error {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Addrs,
		DialTimeout: c.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	b.onClose(func(context.Context) error { return client.Close() })

	opts := []etcdlock.Option{etcdlock.WithLogger(logger)}
	if c.KeyPrefix != "" {
		opts = append(opts, etcdlock.WithKeyPrefix(c.KeyPrefix))
	}
	if c.TTLSeconds > 0 {
		opts = append(opts, etcdlock.WithTTL(c.TTLSeconds))
	}
	p, err := etcdlock.NewProvider(client, opts...)
	if err != nil {
		return err
	}
	b.onClose(func(context.Context) error { return p.Close() })
	b.locks, b.sems = p, p
	return nil
}

func openKubernetes(b *backend, c BackendConfig, logger xlog.Logger) error {
	opts := []k8slock.Option{k8slock.WithLogger(logger)}
	if c.Namespace != "" {
		opts = append(opts, k8slock.WithNamespace(c.Namespace))
	}
	if c.KeyPrefix != "" {
		opts = append(opts, k8slock.WithPrefix(c.KeyPrefix))
	}
	if c.Expiry > 0 {
		opts = append(opts, k8slock.WithExpiry(c.Expiry))
	}

	var (
		p   *k8slock.Provider
		err error
	)
	if c.Kubeconfig == "" {
		p, err = k8slock.NewInClusterProvider(opts...)
	} else {
		p, err = newKubeconfigProvider(c.Kubeconfig, c.DialTimeout, opts)
	}
	if err != nil {
		return err
	}
	b.onClose(func(context.Context) error { return p.Close() })
	b.locks = p
	return nil
}

func newKubeconfigProvider(path string, timeout time.Duration, opts []k8slock.Option) (*k8slock.Provider, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	restCfg.Timeout = timeout
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return k8slock.NewProvider(client, opts...)
}
