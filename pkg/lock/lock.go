package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld    = errors.New("lock is held by another owner")
	ErrLockNotHeld = errors.New("lock expired or is held by another owner")
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// RedisLocker is a single-key lease. Only the owner that set the key may release or extend it.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	owner  string
}

func NewRedisLocker(client redis.UniversalClient, key string) *RedisLocker {
	return &RedisLocker{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
	}
}

func (l *RedisLocker) Key() string { return l.key }

func (l *RedisLocker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: %w", l.key, ErrLockHeld)
	}
	return nil
}

func (l *RedisLocker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.owner).Result()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	if result == int64(0) {
		return fmt.Errorf("unlock %s: %w", l.key, ErrLockNotHeld)
	}
	return nil
}

func (l *RedisLocker) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.owner, strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if result == int64(0) {
		return fmt.Errorf("extend %s: %w", l.key, ErrLockNotHeld)
	}
	return nil
}
