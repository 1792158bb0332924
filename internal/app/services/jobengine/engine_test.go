package jobengine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/catalog"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/services/resultcache"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/internal/platform/broker"
	"github.com/modelforge/controlplane/pkg/logger"
)

const jobFixtureArtifact = `{
  "input_schema": [{"name": "x", "dtype": "float32", "shape": [null, 1]}],
  "output_schema": [{"name": "y", "dtype": "float32", "shape": [null, 1]}],
  "runtime_metadata": {"producer": "test-suite"},
  "program": "function run(inputs) { return {y: inputs.x}; }"
}`

func newTestEngine(t *testing.T) (*Service, *catalog.Service) {
	t.Helper()
	log := logger.NewDefault("jobengine-test")
	store := storage.NewMemoryStore()
	art, err := artifact.New(t.TempDir(), log, core.NoopObservationHooks)
	require.NoError(t, err)
	eng := engine.New(log)
	cache := resultcache.New(nil, resultcache.Config{Enabled: false}, log)
	catalogSvc := catalog.New(store, art, eng, cache, log, 1<<20, core.NoopObservationHooks)
	brk := broker.New(nil, broker.Config{Enabled: false}, log)
	jobSvc := New(store, catalogSvc, art, eng, brk, log, Config{MaxRetries: 1, ResultPollInterval: 10 * time.Millisecond, ResultMaxWait: time.Second}, core.NoopObservationHooks)
	return jobSvc, catalogSvc
}

func committedModel(t *testing.T, catalogSvc *catalog.Service) string {
	t.Helper()
	ctx := context.Background()
	m, err := catalogSvc.Create(ctx, "sentiment", "1.0.0", "")
	require.NoError(t, err)
	_, err = catalogSvc.UploadArtifact(ctx, m.ID, bytes.NewBufferString(jobFixtureArtifact), "model.onnx")
	require.NoError(t, err)
	m, err = catalogSvc.Commit(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "READY", string(m.State))
	return m.ID
}

func TestCreateLeavesJobPendingWhenBrokerDisabled(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 1.0}, job.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, j.State)
}

func TestExecuteRunsInferenceAndCompletes(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 2.0}, job.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, jobSvc.Execute(ctx, j.ID, "worker-1"))

	done, err := jobSvc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, done.State)
	assert.Equal(t, 2.0, done.OutputData["y"])
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
}

func TestCancelFromPendingTransitionsToCancelled(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 1.0}, job.PriorityNormal)
	require.NoError(t, err)

	cancelled, err := jobSvc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, cancelled.State)

	_, err = jobSvc.Cancel(ctx, j.ID)
	assert.Error(t, err, "cancelling a terminal job must be rejected")
}

func TestDeleteRejectsNonTerminalJob(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 1.0}, job.PriorityNormal)
	require.NoError(t, err)

	_, err = jobSvc.Delete(ctx, j.ID)
	assert.Error(t, err)
}

func TestGetResultReturnsImmediatelyWhenWaitIsZero(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 1.0}, job.PriorityNormal)
	require.NoError(t, err)

	start := time.Now()
	result, err := jobSvc.GetResult(ctx, j.ID, 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, job.StatePending, result.State)
}

func TestGetResultPollsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 1.0}, job.PriorityNormal)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = jobSvc.Execute(context.Background(), j.ID, "worker-1")
	}()

	result, err := jobSvc.GetResult(ctx, j.ID, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, result.State)
}

// flakyCatalog fails AssertCommitted with a transient (non-engine) error
// the first failN calls, then delegates to inner. It lets tests drive
// Execute's retry loop without touching the engine adapter at all.
type flakyCatalog struct {
	inner Catalog
	failN int
	calls int
}

func (f *flakyCatalog) Get(ctx context.Context, id string) (*model.Model, error) {
	return f.inner.Get(ctx, id)
}

func (f *flakyCatalog) AssertCommitted(ctx context.Context, id string) (*model.Model, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, errors.New("transient catalog hiccup")
	}
	return f.inner.AssertCommitted(ctx, id)
}

func TestExecuteRetriesTransientFailuresWithBackoff(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 3.0}, job.PriorityNormal)
	require.NoError(t, err)

	// Swap in a catalog collaborator that fails the first AssertCommitted
	// call Execute makes, after the job row already exists. newTestEngine
	// configures MaxRetries: 1, i.e. two total attempts.
	jobSvc.catalog = &flakyCatalog{inner: catalogSvc, failN: 1}

	require.NoError(t, jobSvc.Execute(ctx, j.ID, "worker-1"))

	done, err := jobSvc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, done.State)
	assert.Equal(t, 1, done.Retries, "the transient catalog failure should have been retried before succeeding")
}

func TestExecuteDoesNotRetryEngineRuntimeErrors(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)

	m, err := catalogSvc.Create(ctx, "throws-on-negative", "1.0.0", "")
	require.NoError(t, err)
	const throwingArtifact = `{
	  "input_schema": [{"name": "x", "dtype": "float32", "shape": [null, 1]}],
	  "output_schema": [{"name": "y", "dtype": "float32", "shape": [null, 1]}],
	  "runtime_metadata": {"producer": "test-suite"},
	  "program": "function run(inputs) { if (inputs.x < 0) { throw new Error('negative input rejected'); } return {y: inputs.x}; }"
	}`
	_, err = catalogSvc.UploadArtifact(ctx, m.ID, bytes.NewBufferString(throwingArtifact), "model.onnx")
	require.NoError(t, err)
	m, err = catalogSvc.Commit(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "READY", string(m.State))

	j, err := jobSvc.Create(ctx, m.ID, map[string]any{"x": -1.0}, job.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, jobSvc.Execute(ctx, j.ID, "worker-1"))

	done, err := jobSvc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, done.State)
	assert.Equal(t, 0, done.Retries, "a permanent engine error must not be retried")
	assert.Contains(t, done.ErrorMessage, "negative input rejected")
}

// flakyUpdateStore forwards every call to the embedded storage.JobStore
// except the first UpdateJob transitioning a row to FAILED, which it fails
// once to simulate the terminal write itself erroring out.
type flakyUpdateStore struct {
	storage.JobStore
	failFailedUpdateOnce bool
}

func (s *flakyUpdateStore) UpdateJob(ctx context.Context, j *job.Job) error {
	if s.failFailedUpdateOnce && j.State == job.StateFailed {
		s.failFailedUpdateOnce = false
		return errors.New("simulated transient store failure while settling FAILED")
	}
	return s.JobStore.UpdateJob(ctx, j)
}

func TestExecuteSettlesOrphanedRunningRowOnUnexpectedExit(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 1.0}, job.PriorityNormal)
	require.NoError(t, err)

	// A catalog that always fails exhausts every retry attempt as a
	// transient failure, and the store itself fails the first attempt to
	// record that outcome as FAILED — forcing Execute's deferred safety net
	// (not fail()'s own write) to be what finally settles the row.
	jobSvc.catalog = &flakyCatalog{inner: catalogSvc, failN: 1000}
	jobSvc.store = &flakyUpdateStore{JobStore: jobSvc.store, failFailedUpdateOnce: true}

	execErr := jobSvc.Execute(ctx, j.ID, "worker-1")
	assert.Error(t, execErr, "the simulated store failure should surface as Execute's own error")

	done, err := jobSvc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, done.State, "row must never be left RUNNING when Execute exits")
	assert.Contains(t, done.ErrorMessage, "task exited unexpectedly")
}

func TestMarkOrphansFailedFailsStaleRunningJobs(t *testing.T) {
	ctx := context.Background()
	jobSvc, catalogSvc := newTestEngine(t)
	modelID := committedModel(t, catalogSvc)

	j, err := jobSvc.Create(ctx, modelID, map[string]any{"x": 1.0}, job.PriorityNormal)
	require.NoError(t, err)

	stored, err := jobSvc.Get(ctx, j.ID)
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour)
	stored.State = job.StateRunning
	stored.StartedAt = &stale
	require.NoError(t, jobSvc.store.UpdateJob(ctx, stored))

	count, err := jobSvc.MarkOrphansFailed(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	updated, err := jobSvc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateFailed, updated.State)
}
