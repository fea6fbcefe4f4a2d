package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	opserrors "github.com/jordigilh/opskernel/pkg/shared/errors"
)

// TTLStore is implemented by Store backends that can expire individual
// keys. RedisStore implements it; the Approval Gate keeps its tokens in
// memory and does not use it.
type TTLStore interface {
	Store
	SetWithTTL(ctx context.Context, collection, key string, value []byte, ttl time.Duration) error
}

// RedisStore stores each collection as a Redis hash (HSET collection key
// value) and tracks per-key TTLs via companion string keys, since Redis
// has no per-field hash expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-connected *redis.Client. keyPrefix is
// prepended to every Redis key this store touches, so one Redis instance
// can be shared safely by more than one CORE deployment.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (r *RedisStore) hashKey(collection string) string {
	return fmt.Sprintf("%s:h:%s", r.prefix, collection)
}

func (r *RedisStore) ttlKey(collection, key string) string {
	return fmt.Sprintf("%s:ttl:%s:%s", r.prefix, collection, key)
}

func (r *RedisStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	if expired, err := r.ttlExpired(ctx, collection, key); err != nil {
		return nil, false, err
	} else if expired {
		_ = r.Delete(ctx, collection, key)
		return nil, false, nil
	}
	v, err := r.client.HGet(ctx, r.hashKey(collection), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, opserrors.FailedTo(fmt.Sprintf("get %s/%s", collection, key), err)
	}
	return v, true, nil
}

func (r *RedisStore) ttlExpired(ctx context.Context, collection, key string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.ttlKey(collection, key)).Result()
	if err != nil {
		return false, opserrors.FailedTo(fmt.Sprintf("check ttl %s/%s", collection, key), err)
	}
	// The TTL key itself carries a Redis expiry; once it's gone the field
	// is considered expired, provided it was ever given a TTL.
	hadTTL, err := r.client.HExists(ctx, r.hashKey(collection)+":ttlflag", key).Result()
	if err != nil {
		return false, opserrors.FailedTo(fmt.Sprintf("check ttl flag %s/%s", collection, key), err)
	}
	return hadTTL && exists == 0, nil
}

func (r *RedisStore) Set(ctx context.Context, collection, key string, value []byte) error {
	if err := r.client.HSet(ctx, r.hashKey(collection), key, value).Err(); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("set %s/%s", collection, key), err)
	}
	r.client.HDel(ctx, r.hashKey(collection)+":ttlflag", key)
	return nil
}

// SetWithTTL stores value and arranges for it to read as absent once ttl
// elapses, satisfying TTLStore.
func (r *RedisStore) SetWithTTL(ctx context.Context, collection, key string, value []byte, ttl time.Duration) error {
	if err := r.client.HSet(ctx, r.hashKey(collection), key, value).Err(); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("set %s/%s", collection, key), err)
	}
	if err := r.client.HSet(ctx, r.hashKey(collection)+":ttlflag", key, "1").Err(); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("flag ttl %s/%s", collection, key), err)
	}
	if err := r.client.Set(ctx, r.ttlKey(collection, key), "1", ttl).Err(); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("set ttl %s/%s", collection, key), err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, collection, key string) error {
	pipe := r.client.TxPipeline()
	pipe.HDel(ctx, r.hashKey(collection), key)
	pipe.HDel(ctx, r.hashKey(collection)+":ttlflag", key)
	pipe.Del(ctx, r.ttlKey(collection, key))
	if _, err := pipe.Exec(ctx); err != nil {
		return opserrors.FailedTo(fmt.Sprintf("delete %s/%s", collection, key), err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, collection string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.hashKey(collection)).Result()
	if err != nil {
		return nil, opserrors.FailedTo(fmt.Sprintf("list %s", collection), err)
	}
	live := make([]string, 0, len(keys))
	for _, k := range keys {
		expired, err := r.ttlExpired(ctx, collection, k)
		if err != nil {
			return nil, err
		}
		if expired {
			_ = r.Delete(ctx, collection, k)
			continue
		}
		live = append(live, k)
	}
	return live, nil
}

func (r *RedisStore) Has(ctx context.Context, collection, key string) (bool, error) {
	_, ok, err := r.Get(ctx, collection, key)
	return ok, err
}

func (r *RedisStore) Count(ctx context.Context, collection string) (int, error) {
	keys, err := r.List(ctx, collection)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisStore) Clear(ctx context.Context, collection string) error {
	keys, err := r.client.HKeys(ctx, r.hashKey(collection)).Result()
	if err != nil {
		return opserrors.FailedTo(fmt.Sprintf("clear %s", collection), err)
	}
	for _, k := range keys {
		if err := r.Delete(ctx, collection, k); err != nil {
			return err
		}
	}
	return nil
}
