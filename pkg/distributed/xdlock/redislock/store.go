package redislock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/redlock"
)

var (
	_ redlock.Store = (*mutexStore)(nil)
	_ redlock.Store = (*writerStore)(nil)
	_ redlock.Store = (*memberStore)(nil)
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// mutexStore 单节点上的互斥锁键
type mutexStore struct {
	client redis.UniversalClient
	key    string
	token  string
	expiry time.Duration
}

func (s *mutexStore) TryAcquire(ctx context.Context) (bool, error) {
	return s.client.SetNX(ctx, s.key, s.token, s.expiry).Result()
}

func (s *mutexStore) TryExtend(ctx context.Context) (bool, error) {
	n, err := casExtendScript.Run(ctx, s.client, []string{s.key}, s.token, s.expiry.Milliseconds()).Int()
	return n == 1, err
}

func (s *mutexStore) Release(ctx context.Context) error {
	return casDeleteScript.Run(ctx, s.client, []string{s.key}, s.token).Err()
}

// rwKeys 读写锁的三个键，共用哈希标签以落在同一 Cluster 槽
type rwKeys struct {
	writer  string
	readers string
	waiting string
}

func newRWKeys(base string) rwKeys {
	return rwKeys{writer: base + ":writer", readers: base + ":readers", waiting: base + ":writer-waiting"}
}

func (k rwKeys) all() []string { return []string{k.writer, k.readers, k.waiting} }

// writerStore 单节点上的写锁。waiter 在一次获取的所有轮询中保持不变，
// token 每轮重新生成：上一轮失败后的后台清理不会误删本轮写入。
type writerStore struct {
	client redis.UniversalClient
	keys   rwKeys
	token  string
	waiter string
	expiry time.Duration
}

func (s *writerStore) TryAcquire(ctx context.Context) (bool, error) {
	n, err := writeAcquireScript.Run(ctx, s.client, s.keys.all(),
		s.token, s.expiry.Milliseconds(), nowMillis(), s.waiter).Int()
	return n == 1, err
}

func (s *writerStore) TryExtend(ctx context.Context) (bool, error) {
	n, err := casExtendScript.Run(ctx, s.client, []string{s.keys.writer}, s.token, s.expiry.Milliseconds()).Int()
	return n == 1, err
}

func (s *writerStore) Release(ctx context.Context) error {
	return casDeleteScript.Run(ctx, s.client, []string{s.keys.writer}, s.token).Err()
}

// memberStore 有序集合中的一个成员：读锁的读者或信号量的票据
type memberStore struct {
	client  redis.UniversalClient
	keys    []string
	set     string
	token   string
	expiry  time.Duration
	acquire *redis.Script
	extra   []any
}

func newReaderStore(client redis.UniversalClient, keys rwKeys, token string, expiry time.Duration) *memberStore {
	return &memberStore{
		client: client, keys: keys.all(), set: keys.readers,
		token: token, expiry: expiry, acquire: readAcquireScript,
	}
}

func newTicketStore(client redis.UniversalClient, key, token string, expiry time.Duration, maxCount int) *memberStore {
	return &memberStore{
		client: client, keys: []string{key}, set: key,
		token: token, expiry: expiry, acquire: ticketAcquireScript, extra: []any{maxCount},
	}
}

func (s *memberStore) TryAcquire(ctx context.Context) (bool, error) {
	args := append([]any{s.token, s.expiry.Milliseconds(), nowMillis()}, s.extra...)
	n, err := s.acquire.Run(ctx, s.client, s.keys, args...).Int()
	return n == 1, err
}

func (s *memberStore) TryExtend(ctx context.Context) (bool, error) {
	n, err := memberExtendScript.Run(ctx, s.client, []string{s.set}, s.token, s.expiry.Milliseconds(), nowMillis()).Int()
	return n == 1, err
}

func (s *memberStore) Release(ctx context.Context) error {
	return s.client.ZRem(ctx, s.set, s.token).Err()
}
