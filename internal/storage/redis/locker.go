// Package redis provides a Redis-backed mutual exclusion lock.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a crashed holder can keep a key locked.
const DefaultTTL = 30 * time.Second

// unlock deletes the key only while it still holds our token.
var unlock = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker acquires short-lived keys with SET NX PX.
type Locker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewLocker creates a Locker. Keys are stored under prefix.
func NewLocker(client goredis.UniversalClient, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire tries to take key once. It reports false without error when the
// key is held by someone else.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), bool, error) {
	name := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "lock %q", name)
	}
	if !ok {
		return nil, false, nil
	}

	lg := zctx.From(ctx)
	release := func() {
		// The caller's context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := unlock.Run(ctx, l.client, []string{name}, token).Err(); err != nil {
			lg.Warn("Release lock", zap.String("key", name), zap.Error(err))
		}
	}
	return release, true, nil
}

// Ping reports whether Redis is reachable.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// NewClient parses a redis:// URL into a client.
func NewClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return goredis.NewClient(opts), nil
}
