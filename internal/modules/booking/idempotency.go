package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"carpool/internal/types"
)

const pendingMarker = "pending"

// RedisKeys claims join idempotency keys with SETNX. A key holds
// pendingMarker while its request runs and the booking id afterwards.
type RedisKeys struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisKeys(rdb *redis.Client, ttl time.Duration) *RedisKeys {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisKeys{rdb: rdb, ttl: ttl, prefix: "carpool:join:"}
}

func (k *RedisKeys) key(riderID types.ID, key string) string {
	return k.prefix + string(riderID) + ":" + key
}

func (k *RedisKeys) Claim(ctx context.Context, riderID types.ID, key string) (types.ID, bool, error) {
	rk := k.key(riderID, key)
	ok, err := k.rdb.SetNX(ctx, rk, pendingMarker, k.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	v, err := k.rdb.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; let the caller retry the request
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if v == pendingMarker {
		return "", false, nil
	}
	return types.ID(v), false, nil
}

func (k *RedisKeys) Resolve(ctx context.Context, riderID types.ID, key string, bookingID types.ID) error {
	if err := k.rdb.Set(ctx, k.key(riderID, key), string(bookingID), k.ttl).Err(); err != nil {
		return fmt.Errorf("resolve key: %w", err)
	}
	return nil
}

func (k *RedisKeys) Release(ctx context.Context, riderID types.ID, key string) error {
	return k.rdb.Del(ctx, k.key(riderID, key)).Err()
}
