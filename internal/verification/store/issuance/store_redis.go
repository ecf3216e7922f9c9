package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementLua starts the window on the first hit so the key's TTL marks
// the rollover. Returns {count, pttl_ms}.
var incrementLua = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounter keeps one INCR key per subject that expires at window end.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "verif"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(subject string) string {
	return c.prefix + ":issuance:" + subject
}

func (c *RedisCounter) Current(ctx context.Context, subject string, length time.Duration, now time.Time) (Window, error) {
	key := c.key(subject)
	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Window{}, fmt.Errorf("read issuance window: %w", err)
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return Window{}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("parse issuance count: %w", err)
	}
	return Window{Count: count, StartedAt: startedAt(now, length, ttlCmd.Val())}, nil
}

func (c *RedisCounter) Increment(ctx context.Context, subject string, length time.Duration, now time.Time) (Window, error) {
	res, err := incrementLua.Run(ctx, c.client, []string{c.key(subject)}, length.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("increment issuance window: %w", err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("increment issuance window: unexpected reply %v", res)
	}
	return Window{
		Count:     int(res[0]),
		StartedAt: startedAt(now, length, time.Duration(res[1])*time.Millisecond),
	}, nil
}

func (c *RedisCounter) Reset(ctx context.Context, subject string) error {
	if err := c.client.Del(ctx, c.key(subject)).Err(); err != nil {
		return fmt.Errorf("reset issuance window: %w", err)
	}
	return nil
}

// DeleteLapsed is a no-op: window keys expire on their own.
func (c *RedisCounter) DeleteLapsed(context.Context, time.Time) (int, error) {
	return 0, nil
}

func startedAt(now time.Time, length, remaining time.Duration) time.Time {
	if remaining <= 0 || remaining > length {
		return now
	}
	return now.Add(remaining - length)
}
