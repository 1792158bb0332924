package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/domain/prediction"
	"github.com/modelforge/controlplane/internal/app/services/orchestrator"
	"github.com/modelforge/controlplane/internal/app/storage"
)

// Catalog is the slice of catalog.Service the HTTP layer depends on.
type Catalog interface {
	Create(ctx context.Context, name, version, description string) (*model.Model, error)
	Get(ctx context.Context, id string) (*model.Model, error)
	GetByNameVersion(ctx context.Context, name, version string) (*model.Model, error)
	VersionsByName(ctx context.Context, name string) ([]*model.Model, error)
	Latest(ctx context.Context, name string, readyOnly bool) (*model.Model, error)
	List(ctx context.Context, page, pageSize int) ([]*model.Model, int, error)
	Update(ctx context.Context, id, description string) (*model.Model, error)
	Delete(ctx context.Context, id string) (bool, error)
	UploadArtifact(ctx context.Context, id string, stream io.Reader, suggestedName string) (*model.Model, error)
	Commit(ctx context.Context, id string) (*model.Model, error)
}

// Orchestrator is the slice of orchestrator.Service the HTTP layer depends on.
type Orchestrator interface {
	Predict(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// JobEngine is the slice of jobengine.Service the HTTP layer depends on.
type JobEngine interface {
	Create(ctx context.Context, modelID string, input map[string]any, priority job.Priority) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, state job.State, page, pageSize int) ([]*job.Job, int, error)
	Delete(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	GetResult(ctx context.Context, id string, wait time.Duration) (*job.Job, error)
}

// PredictionReader is the slice of storage.PredictionStore the HTTP layer
// reads directly for the audit-list endpoint (no business logic involved).
type PredictionReader interface {
	ListPredictions(ctx context.Context, filter storage.PredictionFilter) ([]*prediction.Prediction, int, error)
}

func (h *handlers) createModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, badRequest("invalid JSON body: %v", err))
		return
	}
	m, err := h.catalog.Create(r.Context(), req.Name, req.Version, req.Description)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, modelToDTO(m))
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)
	models, total, err := h.catalog.List(r.Context(), page, pageSize)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelListResponse{
		Models:   modelsToDTO(models),
		pageMeta: pageMeta{Page: page, PageSize: len(models), Total: total},
	})
}

func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", h.modelCache.maxAgeSeconds()))
	if dto, ok := h.modelCache.get(id); ok {
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, dto)
		return
	}
	m, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	dto := modelToDTO(m)
	h.modelCache.put(id, dto)
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, dto)
}

func (h *handlers) updateModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, badRequest("invalid JSON body: %v", err))
		return
	}
	m, err := h.catalog.Update(r.Context(), id, req.Description)
	if err != nil {
		handleError(w, err)
		return
	}
	h.modelCache.evict(id)
	writeJSON(w, http.StatusOK, modelToDTO(m))
}

func (h *handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := h.catalog.Delete(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	if !deleted {
		handleError(w, apperrors.NewCatalogError(apperrors.CatalogNotFound, "model not found"))
		return
	}
	h.modelCache.evict(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := r.ParseMultipartForm(h.maxUploadMemory); err != nil {
		handleError(w, badRequest("invalid multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		handleError(w, badRequest("missing file field: %v", err))
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".onnx") {
		handleError(w, badRequest("file must have .onnx extension"))
		return
	}

	m, err := h.catalog.UploadArtifact(r.Context(), id, file, header.Filename)
	if err != nil {
		handleError(w, err)
		return
	}
	h.modelCache.evict(id)
	writeJSON(w, http.StatusOK, modelToDTO(m))
}

func (h *handlers) validateModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.catalog.Commit(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	h.modelCache.evict(id)
	writeJSON(w, http.StatusOK, modelToDTO(m))
}

func (h *handlers) versionsByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	versions, err := h.catalog.VersionsByName(r.Context(), name)
	if err != nil {
		handleError(w, err)
		return
	}
	if len(versions) == 0 {
		handleError(w, apperrors.NewCatalogError(apperrors.CatalogNotFound, "no versions found for "+name))
		return
	}
	writeJSON(w, http.StatusOK, modelsToDTO(versions))
}

func (h *handlers) latestByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	readyOnly := r.URL.Query().Get("ready_only") == "true"
	m, err := h.catalog.Latest(r.Context(), name, readyOnly)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelToDTO(m))
}

// metadataQuery answers GET /models/{id}/metadata?path= with a JSONPath
// query over the model's runtime_metadata (SPEC_FULL.md §4.12's new
// endpoint, backed by PaesslerAG/jsonpath — previously an unused teacher
// dependency).
func (h *handlers) metadataQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusOK, m.RuntimeMetadata)
		return
	}
	result, err := jsonpath.Get(path, m.RuntimeMetadata)
	if err != nil {
		handleError(w, badRequest("invalid jsonpath expression: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "result": result})
}

func (h *handlers) predict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, badRequest("invalid JSON body: %v", err))
		return
	}
	result, err := h.orchestrator.Predict(r.Context(), orchestrator.Request{
		ModelID:    id,
		Input:      req.InputData,
		SkipCache:  req.SkipCache,
		RequestID:  requestIDFrom(r.Context()),
		ClientAddr: r.RemoteAddr,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	w.Header().Set("X-Cache", result.CacheState)
	writeJSON(w, http.StatusCreated, predictionToDTO(result.Prediction))
}

func (h *handlers) listPredictions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)
	preds, total, err := h.predictions.ListPredictions(r.Context(), storage.PredictionFilter{ModelID: id, Page: page, PageSize: pageSize})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictionListResponse{
		Predictions: predictionsToDTO(preds),
		pageMeta:    pageMeta{Page: page, PageSize: len(preds), Total: total},
	})
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, badRequest("invalid JSON body: %v", err))
		return
	}
	priority := job.PriorityNormal
	if req.Priority != "" {
		priority = job.Priority(strings.ToUpper(req.Priority))
	}
	j, err := h.jobEngine.Create(r.Context(), req.ModelID, req.InputData, priority)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobToDTO(j))
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)
	state := job.State(strings.ToUpper(r.URL.Query().Get("status")))
	jobs, total, err := h.jobEngine.List(r.Context(), state, page, pageSize)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobListResponse{
		Jobs:     jobsToDTO(jobs),
		pageMeta: pageMeta{Page: page, PageSize: len(jobs), Total: total},
	})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobEngine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToDTO(j))
}

func (h *handlers) getJobResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	waitParam := r.URL.Query().Get("wait")
	waitSeconds := 0
	if waitParam != "" {
		wait, err := strconv.Atoi(waitParam)
		if err != nil || wait < 0 || wait > 30 {
			handleError(w, apperrors.NewJobError(apperrors.JobOutOfRange, "wait must be an integer between 0 and 30"))
			return
		}
		waitSeconds = wait
	}
	j, err := h.jobEngine.GetResult(r.Context(), id, time.Duration(waitSeconds)*time.Second)
	if err != nil {
		handleError(w, err)
		return
	}
	if !j.State.Terminal() {
		writeJSON(w, http.StatusAccepted, jobToDTO(j))
		return
	}
	writeJSON(w, http.StatusOK, jobToDTO(j))
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobEngine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToDTO(j))
}

func (h *handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.jobEngine.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	if !deleted {
		handleError(w, apperrors.NewJobError(apperrors.JobNotFound, "job not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
