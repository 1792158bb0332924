package orchestrator

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/catalog"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/services/resultcache"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/pkg/logger"
)

const orchestratorFixtureArtifact = `{
  "input_schema": [{"name": "x", "dtype": "float32", "shape": [null, 1]}],
  "output_schema": [{"name": "y", "dtype": "float32", "shape": [null, 1]}],
  "runtime_metadata": {"producer": "test-suite"},
  "program": "function run(inputs) { return {y: inputs.x}; }"
}`

func newTestOrchestrator(t *testing.T) (*Service, *catalog.Service) {
	t.Helper()
	log := logger.NewDefault("orchestrator-test")
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	store := storage.NewMemoryStore()
	art, err := artifact.New(t.TempDir(), log, core.NoopObservationHooks)
	require.NoError(t, err)
	eng := engine.New(log)
	cache := resultcache.New(client, resultcache.Config{Enabled: true}, log)
	catalogSvc := catalog.New(store, art, eng, cache, log, 1<<20, core.NoopObservationHooks)
	svc := New(catalogSvc, art, eng, cache, store, log, core.NoopObservationHooks)
	return svc, catalogSvc
}

func newCommittedModel(t *testing.T, catalogSvc *catalog.Service) string {
	t.Helper()
	ctx := context.Background()
	m, err := catalogSvc.Create(ctx, "sentiment", "1.0.0", "")
	require.NoError(t, err)
	_, err = catalogSvc.UploadArtifact(ctx, m.ID, bytes.NewBufferString(orchestratorFixtureArtifact), "model.onnx")
	require.NoError(t, err)
	m, err = catalogSvc.Commit(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "READY", string(m.State))
	return m.ID
}

func TestPredictFirstCallMissesThenCachesSecondCall(t *testing.T) {
	ctx := context.Background()
	svc, catalogSvc := newTestOrchestrator(t)
	modelID := newCommittedModel(t, catalogSvc)

	result, err := svc.Predict(ctx, Request{ModelID: modelID, Input: map[string]any{"x": 5.0}})
	require.NoError(t, err)
	assert.Equal(t, "MISS", result.CacheState)
	assert.Equal(t, 5.0, result.Prediction.OutputData["y"])

	result, err = svc.Predict(ctx, Request{ModelID: modelID, Input: map[string]any{"x": 5.0}})
	require.NoError(t, err)
	assert.Equal(t, "HIT", result.CacheState)
	assert.True(t, result.Prediction.Cached)
}

func TestPredictSkipCacheAlwaysInvokesEngine(t *testing.T) {
	ctx := context.Background()
	svc, catalogSvc := newTestOrchestrator(t)
	modelID := newCommittedModel(t, catalogSvc)

	_, err := svc.Predict(ctx, Request{ModelID: modelID, Input: map[string]any{"x": 1.0}})
	require.NoError(t, err)

	result, err := svc.Predict(ctx, Request{ModelID: modelID, Input: map[string]any{"x": 1.0}, SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "MISS", result.CacheState)
}

func TestPredictRejectsUncommittedModel(t *testing.T) {
	ctx := context.Background()
	svc, catalogSvc := newTestOrchestrator(t)
	m, err := catalogSvc.Create(ctx, "unready", "1.0.0", "")
	require.NoError(t, err)

	_, err = svc.Predict(ctx, Request{ModelID: m.ID, Input: map[string]any{"x": 1.0}})
	assert.Error(t, err)
}
