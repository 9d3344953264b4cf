package workers

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a single-key lease shared by every server instance.
type RedisLock struct {
	rdb      *redis.Client
	key      string
	ttl      time.Duration
	newToken func() string
}

func NewRedisLock(rdb *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{rdb: rdb, key: key, ttl: ttl, newToken: uuid.NewString}
}

// Acquire takes the lease. ok is false when another owner holds it.
func (l *RedisLock) Acquire(ctx context.Context) (token string, ok bool, err error) {
	token = l.newToken()
	ok, err = l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RedisLock) Release(ctx context.Context, token string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
}
