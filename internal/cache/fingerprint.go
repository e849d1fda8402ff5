// Package cache remembers a content fingerprint per competition so each
// upsert can be classified as new, updated or unchanged.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/models"
)

const fingerprintPrefix = "iuk:fp:"

// FingerprintCache stores the last seen content hash per grant_id.
type FingerprintCache interface {
	// Swap stores fp for grantID and returns the previous value, or "" when
	// the grant was not seen before.
	Swap(ctx context.Context, grantID, fp string) (string, error)
}

// Fingerprint hashes the content of c. Timestamps are excluded so
// re-scraping identical content yields the same value.
func Fingerprint(c *models.Competition) (string, error) {
	clone := *c
	clone.ScrapedAt = time.Time{}
	clone.UpdatedAt = time.Time{}
	data, err := json.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", c.GrantID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RedisCache keeps fingerprints in Redis with an expiry.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisCache) generateKey(grantID string) string {
	return fingerprintPrefix + grantID
}

func (r *RedisCache) Swap(ctx context.Context, grantID, fp string) (string, error) {
	// SET ... GET is atomic and returns redis.Nil when the key was absent.
	prev, err := r.client.SetArgs(ctx, r.generateKey(grantID), fp, redis.SetArgs{
		TTL: r.ttl,
		Get: true,
	}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("swap fingerprint %s: %w", grantID, err)
	}
	return prev, nil
}

// MemoryCache is an in-process FingerprintCache for single runs and tests.
type MemoryCache struct {
	mu  sync.Mutex
	fps map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{fps: make(map[string]string)}
}

func (m *MemoryCache) Swap(_ context.Context, grantID, fp string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.fps[grantID]
	m.fps[grantID] = fp
	return prev, nil
}

// Classify returns "new", "updated" or "unchanged" for c and records its
// fingerprint.
func Classify(ctx context.Context, fc FingerprintCache, c *models.Competition) (string, error) {
	fp, err := Fingerprint(c)
	if err != nil {
		return "", err
	}
	prev, err := fc.Swap(ctx, c.GrantID, fp)
	if err != nil {
		return "", err
	}
	switch prev {
	case "":
		return "new", nil
	case fp:
		return "unchanged", nil
	default:
		return "updated", nil
	}
}
