// Package keyindex caches the ledger entity keys of completed files so
// retrieval can skip the attribute scan.
//
// The cache is a write-through observation of successful ledger writes,
// never the source of truth: a miss falls back to the ledger query path.
package keyindex

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/gezibash/vault-node/internal/observability"
)

const keyPrefix = "vault:entitykeys:"

// Keys holds the ledger keys of one file's entities.
type Keys struct {
	MetadataKey string   `json:"metadata_key,omitempty"`
	ChunkKeys   []string `json:"chunk_keys"`
}

// Total counts the ledger entities behind the file.
func (k *Keys) Total() int {
	n := len(k.ChunkKeys)
	if k.MetadataKey != "" {
		n++
	}
	return n
}

// Cache fronts Redis with an in-process bigcache fallback.
type Cache struct {
	rdb        *redis.Client
	mem        *bigcache.BigCache
	ttl        time.Duration
	getTimeout time.Duration
	metrics    *observability.Metrics
}

// New creates the cache. rdb may be nil for memory-only operation.
func New(rdb *redis.Client, ttl, getTimeout time.Duration, metrics *observability.Metrics) (*Cache, error) {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if getTimeout <= 0 {
		getTimeout = 5 * time.Second
	}

	mem, err := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
	if err != nil {
		return nil, err
	}

	return &Cache{
		rdb:        rdb,
		mem:        mem,
		ttl:        ttl,
		getTimeout: getTimeout,
		metrics:    metrics,
	}, nil
}

// Put records the entity keys for a file. Failures are logged and absorbed;
// the ledger query path remains available.
func (c *Cache) Put(ctx context.Context, fileID string, keys *Keys) {
	data, err := json.Marshal(keys)
	if err != nil {
		slog.WarnContext(ctx, "keyindex: encode keys", "file_id", fileID, "error", err)
		return
	}

	if err := c.mem.Set(fileID, data); err != nil {
		slog.DebugContext(ctx, "keyindex: memory set failed", "file_id", fileID, "error", err)
	}

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+fileID, data, c.ttl).Err(); err != nil {
		if c.metrics != nil {
			c.metrics.CacheFallbacks.WithLabelValues("keyindex").Inc()
		}
		slog.WarnContext(ctx, "keyindex: cache write failed", "file_id", fileID, "error", err)
	}
}

// Get looks up entity keys under a bounded deadline. A miss or timeout
// returns ok=false; the caller falls back to the ledger attribute query.
func (c *Cache) Get(ctx context.Context, fileID string) (*Keys, bool) {
	if c.rdb != nil {
		getCtx, cancel := context.WithTimeout(ctx, c.getTimeout)
		data, err := c.rdb.Get(getCtx, keyPrefix+fileID).Bytes()
		cancel()

		if err == nil {
			if keys := decode(data); keys != nil {
				return keys, true
			}
		} else if !errors.Is(err, redis.Nil) {
			if c.metrics != nil {
				c.metrics.CacheFallbacks.WithLabelValues("keyindex").Inc()
			}
			slog.DebugContext(ctx, "keyindex: cache read failed", "file_id", fileID, "error", err)
		}
	}

	data, err := c.mem.Get(fileID)
	if err != nil {
		return nil, false
	}
	keys := decode(data)
	return keys, keys != nil
}

// Delete drops a file's cached keys.
func (c *Cache) Delete(ctx context.Context, fileID string) {
	_ = c.mem.Delete(fileID)
	if c.rdb != nil {
		c.rdb.Del(ctx, keyPrefix+fileID)
	}
}

// Close releases the in-process cache.
func (c *Cache) Close() error {
	return c.mem.Close()
}

func decode(data []byte) *Keys {
	var keys Keys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil
	}
	return &keys
}
