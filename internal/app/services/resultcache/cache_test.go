package resultcache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/pkg/logger"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return New(client, Config{Enabled: true, KeyPrefix: "test"}, logger.NewDefault("resultcache-test"))
}

func TestFingerprintIsStableAcrossKeyOrder(t *testing.T) {
	a := Fingerprint(map[string]any{"x": 1, "y": 2})
	b := Fingerprint(map[string]any{"y": 2, "x": 1})
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprintDiffersOnDifferentInput(t *testing.T) {
	a := Fingerprint(map[string]any{"x": 1})
	b := Fingerprint(map[string]any{"x": 2})
	assert.NotEqual(t, a, b)
}

func TestLookupMissesThenHitsAfterStore(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	input := map[string]any{"x": 1.0}

	miss := c.Lookup(ctx, "model-1", input)
	assert.False(t, miss.Hit)

	ok := c.Store(ctx, "model-1", input, map[string]any{"y": 2.0}, 3.5)
	require.True(t, ok)

	hit := c.Lookup(ctx, "model-1", input)
	require.True(t, hit.Hit)
	assert.Equal(t, 2.0, hit.OutputData["y"])
	assert.Equal(t, 3.5, hit.InferenceTimeMS)

	metrics := c.Metrics(ctx)
	assert.Equal(t, int64(1), metrics.Hits)
	assert.Equal(t, int64(1), metrics.Misses)
}

func TestDisabledCacheDegradesToMiss(t *testing.T) {
	c := New(nil, Config{Enabled: false}, logger.NewDefault("resultcache-test"))
	ctx := context.Background()

	result := c.Lookup(ctx, "model-1", map[string]any{"x": 1})
	assert.False(t, result.Hit)
	assert.False(t, c.Store(ctx, "model-1", map[string]any{"x": 1}, map[string]any{}, 1))
	assert.NoError(t, c.Ping(ctx))
}

func TestInvalidateModelRemovesOnlyThatModelsKeys(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	c.Store(ctx, "model-1", map[string]any{"x": 1}, map[string]any{"y": 1}, 1)
	c.Store(ctx, "model-2", map[string]any{"x": 1}, map[string]any{"y": 1}, 1)

	require.NoError(t, c.InvalidateModel(ctx, "model-1"))

	assert.False(t, c.Lookup(ctx, "model-1", map[string]any{"x": 1}).Hit)
	assert.True(t, c.Lookup(ctx, "model-2", map[string]any{"x": 1}).Hit)
}
