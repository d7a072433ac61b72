package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const renewScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	else
		return 0
	end`

const releaseScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	else
		return 0
	end`

// RedisManager shares leases between processes through one redis.
type RedisManager struct {
	rdb *redis.Client
}

func NewRedisManager(rdb *redis.Client) *RedisManager {
	return &RedisManager{rdb: rdb}
}

func (m *RedisManager) SetLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return m.rdb.SetNX(ctx, key, owner, ttl).Result()
}

func (m *RedisManager) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return scriptHit(m.rdb.Eval(ctx, renewScript, []string{key}, owner, int(ttl.Milliseconds())))
}

func (m *RedisManager) ReleaseLease(ctx context.Context, key, owner string) (bool, error) {
	return scriptHit(m.rdb.Eval(ctx, releaseScript, []string{key}, owner))
}

// scriptHit reads the 0/1 reply of the renew and release scripts.
func scriptHit(cmd *redis.Cmd) (bool, error) {
	if err := cmd.Err(); err != nil {
		return false, err
	}
	n, err := cmd.Int()
	if err != nil {
		return false, fmt.Errorf("unexpected lease script reply: %w", err)
	}
	return n == 1, nil
}
