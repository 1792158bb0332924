// Package storage defines the persistence contracts the catalog, prediction,
// and job engine components depend on. Two implementations exist: an
// in-memory store (internal/app/storage/memory.go, the default when no DSN is
// configured) and a PostgreSQL store (internal/app/storage/postgres).
package storage

import (
	"context"

	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/domain/prediction"
)

// ModelFilter narrows a model listing.
type ModelFilter struct {
	Page     int
	PageSize int
}

// ModelStore persists catalog rows.
type ModelStore interface {
	CreateModel(ctx context.Context, m *model.Model) error
	GetModel(ctx context.Context, id string) (*model.Model, error)
	GetModelByNameVersion(ctx context.Context, name, version string) (*model.Model, error)
	VersionsByName(ctx context.Context, name string) ([]*model.Model, error)
	ListModels(ctx context.Context, filter ModelFilter) ([]*model.Model, int, error)
	UpdateModel(ctx context.Context, m *model.Model) error
	DeleteModel(ctx context.Context, id string) (bool, error)
}

// PredictionFilter narrows a prediction listing.
type PredictionFilter struct {
	ModelID  string
	Page     int
	PageSize int
}

// PredictionStore persists the append-only prediction audit log.
type PredictionStore interface {
	CreatePrediction(ctx context.Context, p *prediction.Prediction) error
	ListPredictions(ctx context.Context, filter PredictionFilter) ([]*prediction.Prediction, int, error)
}

// JobFilter narrows a job listing.
type JobFilter struct {
	State    job.State
	Page     int
	PageSize int
}

// JobStore persists durable async job rows.
type JobStore interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, int, error)
	UpdateJob(ctx context.Context, j *job.Job) error
	DeleteJob(ctx context.Context, id string) (bool, error)
	ReapTerminal(ctx context.Context, olderThanDays int) (int, error)
}

// Store aggregates the three persistence contracts; the Postgres
// implementation satisfies all three with one *sqlx.DB-backed type, the way
// the rest of this codebase's stores implement multiple domain interfaces
// from a single struct.
type Store interface {
	ModelStore
	PredictionStore
	JobStore
}
