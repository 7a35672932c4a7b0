package mongolock

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// 租约文档字段
const (
	fieldID         = "_id"
	fieldLockID     = "lockId"
	fieldExpiresAt  = "expiresAt"
	fieldAcquiredAt = "acquiredAt"

	ttlIndexName = "xdlock_expires_at_ttl"
)

// Collection *mongo.Collection 中本包用到的操作，便于注入与测试
type Collection interface {
	UpdateOne(ctx context.Context, filter any, update any, opts ...mopts.Lister[mopts.UpdateOneOptions]) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...mopts.Lister[mopts.DeleteOneOptions]) (*mongo.DeleteResult, error)
}

var _ Collection = (*mongo.Collection)(nil)

// leaseStore 租约文档的三个条件操作
type leaseStore interface {
	tryAcquire(ctx context.Context, name, token string) (bool, error)
	extend(ctx context.Context, name, token string) (bool, error)
	release(ctx context.Context, name, token string) error
}

// collectionStore 以文档 {_id: name, lockId, expiresAt} 表示租约。
// 过期判断与新的过期时刻都使用服务端时间 $$NOW，不依赖客户端时钟。
type collectionStore struct {
	coll   Collection
	expiry time.Duration
}

// expiresAt 管道表达式：$$NOW + expiry
func (s *collectionStore) expiresAt() bson.D {
	return bson.D{{Key: "$add", Value: bson.A{"$$NOW", s.expiry.Milliseconds()}}}
}

// tryAcquire 文档不存在或已过期时写入自己的 lockId。
//
// 过滤条件只匹配已过期的文档；未过期时 upsert 尝试插入同一 _id，
// 以重复键错误失败，即"已被占用"。
func (s *collectionStore) tryAcquire(ctx context.Context, name, token string) (bool, error) {
	filter := bson.D{
		{Key: fieldID, Value: name},
		{Key: "$expr", Value: bson.D{{Key: "$lte", Value: bson.A{"$" + fieldExpiresAt, "$$NOW"}}}},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: fieldLockID, Value: token},
			{Key: fieldExpiresAt, Value: s.expiresAt()},
			{Key: fieldAcquiredAt, Value: "$$NOW"},
		}}},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update, mopts.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res.MatchedCount+res.UpsertedCount > 0, nil
}

// extend 仍是持有者且未过期时推迟过期时刻
func (s *collectionStore) extend(ctx context.Context, name, token string) (bool, error) {
	filter := bson.D{
		{Key: fieldID, Value: name},
		{Key: fieldLockID, Value: token},
		{Key: "$expr", Value: bson.D{{Key: "$gt", Value: bson.A{"$" + fieldExpiresAt, "$$NOW"}}}},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: fieldExpiresAt, Value: s.expiresAt()}}}},
	}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// release 仍是持有者时删除文档
func (s *collectionStore) release(ctx context.Context, name, token string) error {
	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: fieldID, Value: name}, {Key: fieldLockID, Value: token}})
	return err
}

// EnsureTTLIndex 在 expiresAt 上创建 TTL 索引，让 MongoDB 自动清理过期的租约文档。
// 只影响存储回收：互斥性由 expiresAt 条件保证，不依赖 TTL 清理的时效。
func EnsureTTLIndex(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: fieldExpiresAt, Value: 1}},
		Options: mopts.Index().SetExpireAfterSeconds(0).SetName(ttlIndexName),
	})
	return err
}
