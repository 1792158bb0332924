// Package catalog implements the model catalog (C4): the commitment state
// machine that gates a model from upload through to serveable, plus
// name/version uniqueness and the semver-ordered version queries.
package catalog

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/services/resultcache"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/pkg/logger"
)

// Service is the model catalog (C4).
type Service struct {
	store    storage.ModelStore
	artifact *artifact.Store
	engine   *engine.Adapter
	cache    *resultcache.Cache
	log      *logger.Logger
	hooks    core.ObservationHooks

	maxModelSizeBytes int64
}

// New constructs a catalog Service, following this codebase's constructor-
// injection convention: every collaborator is an explicit dependency, never a
// package-level global.
func New(store storage.ModelStore, art *artifact.Store, eng *engine.Adapter, cache *resultcache.Cache, log *logger.Logger, maxModelSizeBytes int64, hooks core.ObservationHooks) *Service {
	return &Service{store: store, artifact: art, engine: eng, cache: cache, log: log, maxModelSizeBytes: maxModelSizeBytes, hooks: hooks}
}

// Descriptor advertises this service's placement for the system manager.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "model-catalog", Domain: "model-serving", Layer: core.LayerEngine}
}

// Create registers a new (name, version) row in PENDING, rejecting with
// Conflict if the pair already exists (P4).
func (s *Service) Create(ctx context.Context, name, version, description string) (*model.Model, error) {
	name = strings.TrimSpace(name)
	version = strings.TrimSpace(version)
	if name == "" {
		return nil, apperrors.NewCatalogError(apperrors.CatalogMissingInput, "name is required")
	}
	if version == "" {
		return nil, apperrors.NewCatalogError(apperrors.CatalogMissingInput, "version is required")
	}
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "create", "name": name})
	m := &model.Model{
		Name:        name,
		Version:     version,
		Description: description,
		State:       model.StatePending,
	}
	err := s.store.CreateModel(ctx, m)
	done(err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Get fetches a model by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Model, error) {
	return s.store.GetModel(ctx, id)
}

// GetByNameVersion fetches a model by its secondary unique key.
func (s *Service) GetByNameVersion(ctx context.Context, name, version string) (*model.Model, error) {
	return s.store.GetModelByNameVersion(ctx, name, version)
}

// VersionsByName returns every version of name, newest-first (P5).
func (s *Service) VersionsByName(ctx context.Context, name string) ([]*model.Model, error) {
	return s.store.VersionsByName(ctx, name)
}

// Latest returns the highest-version row for name, optionally filtered to
// READY rows only.
func (s *Service) Latest(ctx context.Context, name string, readyOnly bool) (*model.Model, error) {
	versions, err := s.store.VersionsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, m := range versions {
		if !readyOnly || m.State == model.StateReady {
			return m, nil
		}
	}
	return nil, apperrors.NewCatalogError(apperrors.CatalogNotFound, "no matching version")
}

// List returns a paginated page of models.
func (s *Service) List(ctx context.Context, page, pageSize int) ([]*model.Model, int, error) {
	pageSize = core.ClampLimit(pageSize, core.DefaultListLimit, 100)
	return s.store.ListModels(ctx, storage.ModelFilter{Page: page, PageSize: pageSize})
}

// Update mutates the mutable fields of a model (description only; identity
// and state are never mutated directly by this operation).
func (s *Service) Update(ctx context.Context, id, description string) (*model.Model, error) {
	m, err := s.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Description = description
	if err := s.store.UpdateModel(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes a model and its cascade (predictions, jobs); it also evicts
// the engine's compiled session and purges cached results for the model,
// since those are not relational rows the database cascade can reach.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	m, err := s.store.GetModel(ctx, id)
	if err != nil {
		return false, err
	}
	deleted, err := s.store.DeleteModel(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}
	if m.BlobPath != nil {
		if abs, resolveErr := s.artifact.Resolve(*m.BlobPath); resolveErr == nil {
			s.engine.EvictSession(abs)
		}
		if _, delErr := s.artifact.Delete(*m.BlobPath); delErr != nil {
			s.log.WithField("model_id", id).WithField("error", delErr.Error()).Warn("failed to delete artifact blob on model delete")
		}
	}
	if err := s.cache.InvalidateModel(ctx, id); err != nil {
		s.log.WithField("model_id", id).Warn("result cache invalidation failed on model delete")
	}
	return true, nil
}

// UploadArtifact streams stream into the artifact store and, on success,
// atomically records the blob coordinates and transitions PENDING -> UPLOADED.
// If the current state is not PENDING or artifact coordinates are already
// set, it refuses with Conflict rather than overwriting a committed artifact.
func (s *Service) UploadArtifact(ctx context.Context, id string, stream io.Reader, suggestedName string) (*model.Model, error) {
	m, err := s.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State != model.StatePending || m.BlobPath != nil {
		return nil, apperrors.NewCatalogError(apperrors.CatalogConflict, "model already has an uploaded artifact")
	}

	path, size, hash, err := s.artifact.Save(ctx, stream, fmt.Sprintf("%s.onnx", id), s.maxModelSizeBytes)
	if err != nil {
		return nil, err
	}

	m.BlobPath = &path
	m.SizeBytes = &size
	m.ContentHash = &hash
	if !model.CanTransition(m.State, model.StateUploaded) {
		s.artifact.Delete(path)
		return nil, apperrors.NewCatalogError(apperrors.CatalogBadState, "illegal transition to UPLOADED")
	}
	m.State = model.StateUploaded

	if err := s.store.UpdateModel(ctx, m); err != nil {
		// The blob landed but the row update failed: delete the orphan so it
		// never sits referenced by nothing.
		s.artifact.Delete(path)
		return nil, err
	}
	return m, nil
}

// Commit is the commitment boundary call: it validates the uploaded artifact
// via the engine adapter and, on success, atomically records the committed
// schemas/metadata and transitions -> READY; on failure it records the error
// and transitions -> ERROR. It refuses if artifact coordinates are absent or
// the current state isn't {UPLOADED, ERROR}.
func (s *Service) Commit(ctx context.Context, id string) (*model.Model, error) {
	m, err := s.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.BlobPath == nil {
		return nil, apperrors.NewCatalogError(apperrors.CatalogMissingInput, "model has no uploaded artifact")
	}
	if m.State != model.StateUploaded && m.State != model.StateError {
		return nil, apperrors.NewCatalogError(apperrors.CatalogConflict, fmt.Sprintf("cannot validate model in state %s", m.State))
	}

	m.State = model.StateValidating
	if err := s.store.UpdateModel(ctx, m); err != nil {
		return nil, err
	}

	abs, err := s.artifact.Resolve(*m.BlobPath)
	if err != nil {
		m.State = model.StateError
		m.RuntimeMetadata = map[string]any{"error": err.Error()}
		s.store.UpdateModel(ctx, m)
		return m, nil
	}

	result := s.engine.Validate(abs)
	if !result.Valid {
		m.State = model.StateError
		if m.RuntimeMetadata == nil {
			m.RuntimeMetadata = map[string]any{}
		}
		m.RuntimeMetadata["error"] = result.ErrorMessage
		if err := s.store.UpdateModel(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	m.InputSchema = result.InputSchema
	m.OutputSchema = result.OutputSchema
	m.RuntimeMetadata = result.RuntimeMetadata
	m.State = model.StateReady
	if err := s.store.UpdateModel(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AssertCommitted is the single, explicit runtime check callers use to assert
// post-commitment invariants. No other code path is permitted to infer
// commitment any other way.
func (s *Service) AssertCommitted(ctx context.Context, id string) (*model.Model, error) {
	m, err := s.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.IsCommitted() {
		return nil, apperrors.NewCatalogError(apperrors.CatalogBadState,
			fmt.Sprintf("model %s has not crossed the commitment boundary (state=%s, expected READY)", id, m.State))
	}
	if err := m.CheckPostCommitmentInvariant(); err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineInvariantViolation, err.Error(), nil)
	}
	return m, nil
}
