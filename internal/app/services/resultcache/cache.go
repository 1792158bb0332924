// Package resultcache implements the cross-process fingerprint->result cache
// (C3), a thin TTL-capable wrapper over Redis. Every operation tolerates the
// store being unreachable or disabled: lookups degrade to a miss, stores
// degrade to a no-op. The cache is an optimization, never a correctness
// requirement (see spec.md's graceful-degradation policy).
package resultcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelforge/controlplane/pkg/logger"
)

// Cache is the result cache (C3).
type Cache struct {
	client    *redis.Client
	enabled   bool
	keyPrefix string
	ttl       time.Duration
	log       *logger.Logger
}

// Config configures a Cache.
type Config struct {
	KeyPrefix string
	TTL       time.Duration
	Enabled   bool
}

// New constructs a Cache. client may be nil (or Enabled may be false), in
// which case every operation degrades gracefully as documented above.
func New(client *redis.Client, cfg Config, log *logger.Logger) *Cache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "modelserve"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	return &Cache{client: client, enabled: cfg.Enabled && client != nil, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL, log: log}
}

// Fingerprint computes the 16-hex-char truncated MD5 of the canonical JSON
// encoding of input (sorted keys, tight separators), per spec.md's glossary.
func Fingerprint(input map[string]any) string {
	canonical := canonicalJSON(input)
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalJSON(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			keyJSON, _ := json.Marshal(k)
			parts[i] = string(keyJSON) + ":" + canonicalJSON(val[k])
		}
		out := "{"
		for i, p := range parts {
			if i > 0 {
				out += ","
			}
			out += p
		}
		return out + "}"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = canonicalJSON(item)
		}
		out := "["
		for i, p := range parts {
			if i > 0 {
				out += ","
			}
			out += p
		}
		return out + "]"
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

func (c *Cache) key(modelID, fingerprint string) string {
	return fmt.Sprintf("%s:prediction:%s:%s", c.keyPrefix, modelID, fingerprint)
}

func (c *Cache) metricKey(name string) string {
	return fmt.Sprintf("%s:metrics:prediction:%s", c.keyPrefix, name)
}

// LookupResult is the outcome of a cache probe.
type LookupResult struct {
	Hit             bool
	OutputData      map[string]any
	InferenceTimeMS float64
}

type cachedPayload struct {
	OutputData      map[string]any `json:"output_data"`
	InferenceTimeMS float64        `json:"inference_time_ms"`
}

// Lookup computes the fingerprint for input and probes the cache, recording
// hit/miss counters. A disabled or unreachable cache always reports a miss.
func (c *Cache) Lookup(ctx context.Context, modelID string, input map[string]any) LookupResult {
	if !c.enabled {
		return LookupResult{}
	}
	fp := Fingerprint(input)
	raw, err := c.client.Get(ctx, c.key(modelID, fp)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithField("error", err.Error()).Warn("result cache lookup failed; degrading to miss")
		}
		c.incr(ctx, "misses")
		return LookupResult{}
	}
	var payload cachedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.incr(ctx, "misses")
		return LookupResult{}
	}
	c.incr(ctx, "hits")
	return LookupResult{Hit: true, OutputData: payload.OutputData, InferenceTimeMS: payload.InferenceTimeMS}
}

// Store writes output under the configured TTL. It returns false (never an
// error) if the cache is disabled/unreachable.
func (c *Cache) Store(ctx context.Context, modelID string, input map[string]any, output map[string]any, elapsedMS float64) bool {
	if !c.enabled {
		return false
	}
	payload, err := json.Marshal(cachedPayload{OutputData: output, InferenceTimeMS: elapsedMS})
	if err != nil {
		return false
	}
	fp := Fingerprint(input)
	if err := c.client.Set(ctx, c.key(modelID, fp), payload, c.ttl).Err(); err != nil {
		c.log.WithField("error", err.Error()).Warn("result cache store failed")
		return false
	}
	return true
}

// InvalidateModel deletes every cached result for modelID via a cursor-based
// SCAN+DEL loop, 100 keys per batch, so a large keyspace never blocks the
// store with a single long-running command.
func (c *Cache) InvalidateModel(ctx context.Context, modelID string) error {
	if !c.enabled {
		return nil
	}
	pattern := c.key(modelID, "*")
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.log.WithField("error", err.Error()).Warn("result cache invalidate failed")
			return nil
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.log.WithField("error", err.Error()).Warn("result cache delete batch failed")
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (c *Cache) incr(ctx context.Context, name string) {
	if err := c.client.Incr(ctx, c.metricKey(name)).Err(); err != nil {
		c.log.WithField("error", err.Error()).Debug("result cache metric increment failed")
	}
}

// Metrics is the summary returned by the metrics() operation.
type Metrics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
	Enabled bool    `json:"enabled"`
	TTLS    int     `json:"ttl_s"`
}

// Metrics returns the current hit/miss counters.
func (c *Cache) Metrics(ctx context.Context) Metrics {
	out := Metrics{Enabled: c.enabled, TTLS: int(c.ttl.Seconds())}
	if !c.enabled {
		return out
	}
	hits, _ := c.client.Get(ctx, c.metricKey("hits")).Int64()
	misses, _ := c.client.Get(ctx, c.metricKey("misses")).Int64()
	out.Hits, out.Misses = hits, misses
	out.Total = hits + misses
	if out.Total > 0 {
		out.HitRate = float64(hits) / float64(out.Total)
	}
	return out
}

// ResetMetrics clears the hit/miss counters.
func (c *Cache) ResetMetrics(ctx context.Context) {
	if !c.enabled {
		return
	}
	c.client.Del(ctx, c.metricKey("hits"), c.metricKey("misses"))
}

// Ping reports whether the backing Redis instance is reachable, used by C9.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
