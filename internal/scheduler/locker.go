package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out leases with SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker builds a locker whose keys are "<prefix>:<name>".
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "lease"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes the lease for ttl. The returned release func is a no-op when
// ok is false.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + ":" + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(cleanupCtx, l.client, []string{key}, token) // best effort; the ttl expires it anyway
	}, true, nil
}
