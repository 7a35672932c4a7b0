package etcdlock

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// session etcd 会话：所有锁共享同一租约，会话过期即全部丢失
type session interface {
	Done() <-chan struct{}
	Close() error
	newMutex(key string) mutex
}

// mutex concurrency.Mutex 中本包用到的操作
type mutex interface {
	TryLock(ctx context.Context) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

type etcdSession struct {
	s *concurrency.Session
}

func newEtcdSession(client *clientv3.Client, ttl int) (*etcdSession, error) {
	s, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		return nil, err
	}
	return &etcdSession{s: s}, nil
}

func (e *etcdSession) Done() <-chan struct{} { return e.s.Done() }
func (e *etcdSession) Close() error          { return e.s.Close() }

func (e *etcdSession) newMutex(key string) mutex {
	return concurrency.NewMutex(e.s, key)
}
