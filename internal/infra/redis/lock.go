// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrSessionOwned is returned when another connection already owns the
// session.
var ErrSessionOwned = errors.New("session is owned by another connection")

// SessionLocker grants one live connection ownership of a session
// across processes. The generation-concurrency guard is separate and
// in-process; this lock only arbitrates connection ownership.
type SessionLocker interface {
	TryLock(ctx context.Context, sessionID string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, sessionID, token string) error
	Refresh(ctx context.Context, sessionID string, ttl time.Duration) error
}

type RedisLocker struct {
	cli *redis.Client
}

func NewLocker(c *redClient) *RedisLocker {
	return &RedisLocker{cli: c.cli}
}

func lockKey(sessionID string) string {
	return "session_owner:" + sessionID
}

func (l *RedisLocker) TryLock(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, lockKey(sessionID), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrSessionOwned
	}
	return token, nil
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Unlock(ctx context.Context, sessionID, token string) error {
	_, err := luaUnlock.Run(ctx, l.cli, []string{lockKey(sessionID)}, token).Result()
	return err
}

func (l *RedisLocker) Refresh(ctx context.Context, sessionID string, ttl time.Duration) error {
	return l.cli.Expire(ctx, lockKey(sessionID), ttl).Err()
}
