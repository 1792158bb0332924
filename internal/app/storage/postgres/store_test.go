package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/storage"
)

// These tests run only when TEST_POSTGRES_DSN points at a reachable database
// (see newTestStore); they are skipped in environments without Postgres.

func TestCreateAndGetModelRoundTrips(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &model.Model{Name: "sentiment", Version: "1.0.0", State: model.StatePending}
	require.NoError(t, store.CreateModel(ctx, m))
	require.NotEmpty(t, m.ID)

	got, err := store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "sentiment", got.Name)
	assert.Equal(t, "1.0.0", got.Version)
}

func TestCreateModelRejectsDuplicateNameVersion(t *testing.T) {
	store, ctx := newTestStore(t)

	m1 := &model.Model{Name: "dup", Version: "1.0.0", State: model.StatePending}
	require.NoError(t, store.CreateModel(ctx, m1))

	m2 := &model.Model{Name: "dup", Version: "1.0.0", State: model.StatePending}
	err := store.CreateModel(ctx, m2)
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogConflict, catalogErr.Kind)
}

func TestVersionsByNameReturnsNotFoundForUnknownName(t *testing.T) {
	store, ctx := newTestStore(t)

	_, err := store.VersionsByName(ctx, "does-not-exist")
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogNotFound, catalogErr.Kind)
}

func TestUpdateModelPersistsStateTransition(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &model.Model{Name: "update-me", Version: "1.0.0", State: model.StatePending}
	require.NoError(t, store.CreateModel(ctx, m))

	m.State = model.StateReady
	require.NoError(t, store.UpdateModel(ctx, m))

	got, err := store.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, got.State)
}

func TestDeleteModelCascadesToJobs(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &model.Model{Name: "cascade", Version: "1.0.0", State: model.StateReady}
	require.NoError(t, store.CreateModel(ctx, m))

	j := &job.Job{ModelID: m.ID, State: job.StatePending, Priority: job.PriorityNormal, MaxRetries: 3}
	require.NoError(t, store.CreateJob(ctx, j))

	ok, err := store.DeleteModel(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.GetJob(ctx, j.ID)
	var jobErr *apperrors.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, apperrors.JobNotFound, jobErr.Kind)
}

func TestJobLifecycleUpdateAndReap(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &model.Model{Name: "job-model", Version: "1.0.0", State: model.StateReady}
	require.NoError(t, store.CreateModel(ctx, m))

	j := &job.Job{ModelID: m.ID, State: job.StatePending, Priority: job.PriorityNormal, MaxRetries: 3}
	require.NoError(t, store.CreateJob(ctx, j))

	j.State = job.StateCompleted
	j.OutputData = map[string]any{"y": 1.0}
	require.NoError(t, store.UpdateJob(ctx, j))

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)

	deleted, err := store.ReapTerminal(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, 0)
}

func TestListJobsFiltersByState(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &model.Model{Name: "list-jobs", Version: "1.0.0", State: model.StateReady}
	require.NoError(t, store.CreateModel(ctx, m))

	pending := &job.Job{ModelID: m.ID, State: job.StatePending, Priority: job.PriorityNormal, MaxRetries: 3}
	require.NoError(t, store.CreateJob(ctx, pending))
	running := &job.Job{ModelID: m.ID, State: job.StateRunning, Priority: job.PriorityNormal, MaxRetries: 3}
	require.NoError(t, store.CreateJob(ctx, running))

	jobs, total, err := store.ListJobs(ctx, storage.JobFilter{State: job.StatePending, Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, pending.ID, jobs[0].ID)
}
