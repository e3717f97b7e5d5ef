package ai

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tradewatch/internal/model"
)

// VerdictCache keeps recent reviewer verdicts in redis so identical
// market conditions within the TTL do not trigger a second paid call.
// Nil-safe: a nil cache or an unreachable redis just means no caching.
type VerdictCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewVerdictCache connects to redis and returns the cache, or nil when
// the address is empty or redis is unreachable
func NewVerdictCache(addr, password string, ttl time.Duration) *VerdictCache {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("Redis unreachable, AI verdict cache disabled")
		return nil
	}

	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &VerdictCache{client: client, ttl: ttl}
}

// Get returns a cached verdict for the candidate's market state
func (c *VerdictCache) Get(ctx context.Context, cand *model.Candidate) (Verdict, bool) {
	if c == nil || c.client == nil {
		return Verdict{}, false
	}

	var verdict Verdict
	val, err := c.client.Get(ctx, c.key(cand)).Result()
	if err != nil {
		return Verdict{}, false
	}
	if err := json.Unmarshal([]byte(val), &verdict); err != nil {
		return Verdict{}, false
	}
	return verdict, true
}

// Set stores a verdict under the candidate's market-state key
func (c *VerdictCache) Set(ctx context.Context, cand *model.Candidate, verdict Verdict) {
	if c == nil || c.client == nil {
		return
	}

	b, err := json.Marshal(verdict)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(cand), b, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("Failed to cache AI verdict")
	}
}

// key hashes the snapshot so a changed market state misses the cache
func (c *VerdictCache) key(cand *model.Candidate) string {
	b, _ := json.Marshal(cand.Snapshot)
	return fmt.Sprintf("ai:verdict:%s:%s:%x", cand.Symbol, cand.Type, md5.Sum(b))
}
