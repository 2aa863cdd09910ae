package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type exactEntry struct {
	Response string    `json:"response"`
	CachedAt time.Time `json:"cached_at"`
}

// ExactCache is the L1 tier: responses addressed by the exact cache key.
type ExactCache struct {
	store Store
	ttl   time.Duration
}

func NewExactCache(store Store, ttl time.Duration) *ExactCache {
	return &ExactCache{store: store, ttl: ttl}
}

func (c *ExactCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := c.store.Get(ctx, exactPrefix+key)
	if err != nil {
		return "", false, fmt.Errorf("failed to get from cache: %w", err)
	}
	if !ok {
		return "", false, nil
	}

	var entry exactEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return entry.Response, true, nil
}

// Set overwrites any existing entry for key.
func (c *ExactCache) Set(ctx context.Context, key, response string) error {
	data, err := json.Marshal(exactEntry{Response: response, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return c.store.Set(ctx, exactPrefix+key, string(data), c.ttl)
}
