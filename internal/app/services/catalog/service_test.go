package catalog

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/services/resultcache"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/pkg/logger"
)

const fixtureArtifact = `{
  "input_schema": [{"name": "x", "dtype": "float32", "shape": [null, 1]}],
  "output_schema": [{"name": "y", "dtype": "float32", "shape": [null, 1]}],
  "runtime_metadata": {"producer": "test-suite"},
  "program": "function run(inputs) { return {y: inputs.x}; }"
}`

func newTestService(t *testing.T) *Service {
	t.Helper()
	log := logger.NewDefault("catalog-test")
	art, err := artifact.New(t.TempDir(), log, core.NoopObservationHooks)
	require.NoError(t, err)
	eng := engine.New(log)
	cache := resultcache.New(nil, resultcache.Config{Enabled: false}, log)
	return New(storage.NewMemoryStore(), art, eng, cache, log, 1<<20, core.NoopObservationHooks)
}

func TestCreateRejectsDuplicateNameVersion(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Create(ctx, "sentiment", "1.0.0", "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "sentiment", "1.0.0", "")
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogConflict, catalogErr.Kind)
}

func TestUploadCommitMovesThroughStateMachine(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	m, err := svc.Create(ctx, "sentiment", "1.0.0", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, m.State)

	m, err = svc.UploadArtifact(ctx, m.ID, bytes.NewBufferString(fixtureArtifact), "model.onnx")
	require.NoError(t, err)
	assert.Equal(t, model.StateUploaded, m.State)

	m, err = svc.Commit(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, m.State)
	assert.Len(t, m.InputSchema, 1)

	asserted, err := svc.AssertCommitted(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, asserted.ID)
}

func TestCommitInvalidArtifactTransitionsToError(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	m, err := svc.Create(ctx, "broken", "1.0.0", "")
	require.NoError(t, err)

	m, err = svc.UploadArtifact(ctx, m.ID, bytes.NewBufferString(`{"program": "not valid json because of this"`), "bad.onnx")
	require.NoError(t, err)

	m, err = svc.Commit(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, m.State)
}

func TestAssertCommittedRejectsUncommittedModel(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	m, err := svc.Create(ctx, "pending-model", "1.0.0", "")
	require.NoError(t, err)

	_, err = svc.AssertCommitted(ctx, m.ID)
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogBadState, catalogErr.Kind)
}

func TestUploadArtifactRefusesSecondUpload(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	m, err := svc.Create(ctx, "sentiment", "2.0.0", "")
	require.NoError(t, err)

	_, err = svc.UploadArtifact(ctx, m.ID, bytes.NewBufferString(fixtureArtifact), "model.onnx")
	require.NoError(t, err)

	_, err = svc.UploadArtifact(ctx, m.ID, bytes.NewBufferString(fixtureArtifact), "model.onnx")
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogConflict, catalogErr.Kind)
}

func TestVersionsByNameSortsNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	for _, v := range []string{"1.0.0", "2.0.0", "1.5.0"} {
		_, err := svc.Create(ctx, "sentiment", v, "")
		require.NoError(t, err)
	}

	versions, err := svc.VersionsByName(ctx, "sentiment")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "2.0.0", versions[0].Version)
	assert.Equal(t, "1.5.0", versions[1].Version)
	assert.Equal(t, "1.0.0", versions[2].Version)
}
