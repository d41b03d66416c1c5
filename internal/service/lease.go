package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLease implements Lease with SET NX on a single key.  The lease is
// never released explicitly; it lapses after its TTL, which is the sweep
// interval.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
}

// NewRedisLease returns a lease on key owned by a random replica id.
func NewRedisLease(client *redis.Client, key string) *RedisLease {
	if key == "" {
		key = "sweeper:lease"
	}
	return &RedisLease{client: client, key: key, owner: uuid.NewString()}
}

// Acquire takes the lease for ttl.  It succeeds when the key is free or
// already owned by this replica.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	cur, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur == l.owner {
		return true, l.client.Expire(ctx, l.key, ttl).Err()
	}
	return false, nil
}
