// Package cache provides the low-latency state tier backed by Redis.
// It holds the serialized SystemState blob and the kill-switch mirror keys.
// The cache is volatile: callers must treat a miss or an outage as
// recoverable and fall back to the durable store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKey            = "bot:system_state"
	killswitchActiveKey = "bot:killswitch:active"
	killswitchReasonKey = "bot:killswitch:reason"
	killswitchTSKey     = "bot:killswitch:ts"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// StateCache wraps the Redis client used for the state blob and the
// kill-switch keys.
type StateCache struct {
	rdb      *redis.Client
	stateTTL time.Duration
}

// New connects to Redis at the given URL (redis://host:port/db).
func New(url string, stateTTL time.Duration) (*StateCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &StateCache{rdb: redis.NewClient(opts), stateTTL: stateTTL}, nil
}

// Ping verifies connectivity; callers use it to detect degradation.
func (c *StateCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SaveState writes the serialized SystemState blob with its TTL.
func (c *StateCache) SaveState(ctx context.Context, blob []byte) error {
	if err := c.rdb.Set(ctx, stateKey, blob, c.stateTTL).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState reads the serialized SystemState blob, or ErrMiss if absent.
func (c *StateCache) LoadState(ctx context.Context) ([]byte, error) {
	blob, err := c.rdb.Get(ctx, stateKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	return blob, nil
}

// DeleteState removes the state blob, forcing the next bootstrap to
// rebuild from the durable store.
func (c *StateCache) DeleteState(ctx context.Context) error {
	return c.rdb.Del(ctx, stateKey).Err()
}

// SetKillswitch mirrors the kill-switch activation so external probes can
// read it without parsing the full state blob. The keys carry no TTL.
func (c *StateCache) SetKillswitch(ctx context.Context, reason string, at time.Time) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, killswitchActiveKey, "1", 0)
	pipe.Set(ctx, killswitchReasonKey, reason, 0)
	pipe.Set(ctx, killswitchTSKey, at.UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set killswitch: %w", err)
	}
	return nil
}

// ClearKillswitch removes the kill-switch mirror keys.
func (c *StateCache) ClearKillswitch(ctx context.Context) error {
	if err := c.rdb.Del(ctx, killswitchActiveKey, killswitchReasonKey, killswitchTSKey).Err(); err != nil {
		return fmt.Errorf("clear killswitch: %w", err)
	}
	return nil
}

// Killswitch reports whether the kill-switch mirror is set and, when it
// is, the recorded reason and timestamp.
func (c *StateCache) Killswitch(ctx context.Context) (bool, string, time.Time, error) {
	active, err := c.rdb.Get(ctx, killswitchActiveKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, "", time.Time{}, nil
		}
		return false, "", time.Time{}, fmt.Errorf("get killswitch: %w", err)
	}
	if active != "1" {
		return false, "", time.Time{}, nil
	}

	reason, _ := c.rdb.Get(ctx, killswitchReasonKey).Result()
	var at time.Time
	if ts, err := c.rdb.Get(ctx, killswitchTSKey).Result(); err == nil {
		at, _ = time.Parse(time.RFC3339, ts)
	}
	return true, reason, at, nil
}

// Close releases the Redis connection pool.
func (c *StateCache) Close() error {
	return c.rdb.Close()
}
