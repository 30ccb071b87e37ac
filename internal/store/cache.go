package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/orepool/orepool/internal/util"
)

const (
	cacheKeyPrefix       = "orepool:"
	keyClaimCooldown     = cacheKeyPrefix + "claim:cooldown:%s" // miner pubkey
	keyFeeSamples        = cacheKeyPrefix + "fee:samples"
	keyHashrateEpoch     = cacheKeyPrefix + "hashrate:%d" // challenge id
)

// ClaimCooldown is the 1,800-second re-claim window from spec.md §4.6.
const ClaimCooldown = 1800 * time.Second

// feeSampleWindow is the rolling window size (450 samples, chunked 150/150/150)
// used by the local priority-fee percentile strategy.
const feeSampleWindow = 450

// Cache wraps the Redis-backed ephemeral windows: claim-cooldown markers and
// the rolling priority-fee sample window. These are sampled/windowed data,
// not ledger-of-record, matching the teacher's use of Redis for ephemeral
// hashrate windows rather than durable rows (internal/storage/redis.go).
type Cache struct {
	client *redis.Client
}

// NewCache dials a Redis instance for the ephemeral cache.
func NewCache(addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	util.Infof("cache: connected to redis at %s", addr)
	return &Cache{client: client}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error { return c.client.Close() }

// MarkClaimed records that pubkey has just had a claim admitted, starting a
// fresh cooldown window.
func (c *Cache) MarkClaimed(ctx context.Context, pubkey string) error {
	key := fmt.Sprintf(keyClaimCooldown, pubkey)
	if err := c.client.Set(ctx, key, time.Now().Unix(), ClaimCooldown).Err(); err != nil {
		return fmt.Errorf("cache: mark claimed: %w", err)
	}
	return nil
}

// InCooldown reports whether pubkey claimed within the last ClaimCooldown
// window.
func (c *Cache) InCooldown(ctx context.Context, pubkey string) (bool, error) {
	key := fmt.Sprintf(keyClaimCooldown, pubkey)
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: check cooldown: %w", err)
	}
	return n > 0, nil
}

// RecordFeeSample appends a priority-fee observation (in micro-lamports or
// the gateway's native fee unit) to the rolling window, trimming it back to
// feeSampleWindow entries.
func (c *Cache) RecordFeeSample(ctx context.Context, microFee uint64) error {
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, keyFeeSamples, microFee)
	pipe.LTrim(ctx, keyFeeSamples, -feeSampleWindow, -1)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cache: record fee sample: %w", err)
	}
	return nil
}

// FeeSamples returns the current rolling window of priority-fee samples,
// oldest first.
func (c *Cache) FeeSamples(ctx context.Context) ([]uint64, error) {
	raw, err := c.client.LRange(ctx, keyFeeSamples, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: read fee samples: %w", err)
	}
	samples := make([]uint64, 0, len(raw))
	for _, s := range raw {
		var v uint64
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			continue
		}
		samples = append(samples, v)
	}
	return samples, nil
}

// RecordHashrateSample records one contribution's hashpower against the
// current epoch, used only for the peripheral stats endpoints.
func (c *Cache) RecordHashrateSample(ctx context.Context, challengeID int64, pubkey string, hashpower uint64) error {
	key := fmt.Sprintf(keyHashrateEpoch, challengeID)
	if err := c.client.HIncrBy(ctx, key, pubkey, int64(hashpower)).Err(); err != nil {
		return fmt.Errorf("cache: record hashrate sample: %w", err)
	}
	c.client.Expire(ctx, key, 24*time.Hour)
	return nil
}
