package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pagecraft/internal/util"
)

// ErrHeld is returned by Acquire when another owner holds the lock.
var ErrHeld = errors.New("lock held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out expiring named locks stored in Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// Lease is a held lock. Release only removes the key while this lease still owns it.
type Lease struct {
	locker *RedisLocker
	key    string
	token  string
}

func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "pagecraft:lock"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes the lock named name for ttl, or returns ErrHeld.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	key := fmt.Sprintf("%s:%s", l.prefix, name)
	token := util.NewID()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release drops the lease. Releasing an expired or stolen lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
