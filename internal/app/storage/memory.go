package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/domain/prediction"
)

// MemoryStore is the default in-process Store used when no Postgres DSN is
// configured, mirroring the rest of the codebase's in-memory fallback for
// local development and unit tests.
type MemoryStore struct {
	mu sync.RWMutex

	models      map[string]*model.Model
	predictions map[string]*prediction.Prediction
	jobs        map[string]*job.Job
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:      make(map[string]*model.Model),
		predictions: make(map[string]*prediction.Prediction),
		jobs:        make(map[string]*job.Job),
	}
}

func cloneModel(m *model.Model) *model.Model {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// CreateModel inserts a new row, enforcing (name, version) uniqueness (P4).
func (s *MemoryStore) CreateModel(ctx context.Context, m *model.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.models {
		if existing.Name == m.Name && existing.Version == m.Version {
			return apperrors.NewCatalogError(apperrors.CatalogConflict, "model with this name and version already exists")
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	s.models[m.ID] = cloneModel(m)
	return nil
}

func (s *MemoryStore) GetModel(ctx context.Context, id string) (*model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, apperrors.NewCatalogError(apperrors.CatalogNotFound, "model not found")
	}
	return cloneModel(m), nil
}

func (s *MemoryStore) GetModelByNameVersion(ctx context.Context, name, version string) (*model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.Name == name && m.Version == version {
			return cloneModel(m), nil
		}
	}
	return nil, apperrors.NewCatalogError(apperrors.CatalogNotFound, "model not found")
}

func (s *MemoryStore) VersionsByName(ctx context.Context, name string) ([]*model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Model
	for _, m := range s.models {
		if m.Name == name {
			out = append(out, cloneModel(m))
		}
	}
	if len(out) == 0 {
		return nil, apperrors.NewCatalogError(apperrors.CatalogNotFound, "no versions for name")
	}
	sort.Slice(out, func(i, j int) bool {
		return model.CompareVersions(out[i].Version, out[j].Version) > 0
	})
	return out, nil
}

func (s *MemoryStore) ListModels(ctx context.Context, filter ModelFilter) ([]*model.Model, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*model.Model
	for _, m := range s.models {
		all = append(all, cloneModel(m))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, filter.Page, filter.PageSize), len(all), nil
}

func (s *MemoryStore) UpdateModel(ctx context.Context, m *model.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return apperrors.NewCatalogError(apperrors.CatalogNotFound, "model not found")
	}
	m.UpdatedAt = time.Now().UTC()
	s.models[m.ID] = cloneModel(m)
	return nil
}

func (s *MemoryStore) DeleteModel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return false, nil
	}
	delete(s.models, id)
	for pid, p := range s.predictions {
		if p.ModelID == id {
			delete(s.predictions, pid)
		}
	}
	for jid, j := range s.jobs {
		if j.ModelID == id {
			delete(s.jobs, jid)
		}
	}
	return true, nil
}

func (s *MemoryStore) CreatePrediction(ctx context.Context, p *prediction.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	s.predictions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPredictions(ctx context.Context, filter PredictionFilter) ([]*prediction.Prediction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*prediction.Prediction
	for _, p := range s.predictions {
		if filter.ModelID != "" && p.ModelID != filter.ModelID {
			continue
		}
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginatePredictions(all, filter.Page, filter.PageSize), len(all), nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NewJobError(apperrors.JobNotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*job.Job
	for _, j := range s.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		cp := *j
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginateJobs(all, filter.Page, filter.PageSize), len(all), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return apperrors.NewJobError(apperrors.JobNotFound, "job not found")
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *MemoryStore) ReapTerminal(ctx context.Context, olderThanDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	var removed int
	for id, j := range s.jobs {
		if !j.State.Terminal() || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func paginate(all []*model.Model, page, pageSize int) []*model.Model {
	start, end := pageBounds(len(all), page, pageSize)
	return all[start:end]
}

func paginatePredictions(all []*prediction.Prediction, page, pageSize int) []*prediction.Prediction {
	start, end := pageBounds(len(all), page, pageSize)
	return all[start:end]
}

func paginateJobs(all []*job.Job, page, pageSize int) []*job.Job {
	start, end := pageBounds(len(all), page, pageSize)
	return all[start:end]
}

func pageBounds(total, page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return start, end
}
