package httpapi

import (
	"time"

	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/domain/prediction"
)

// modelDTO is the wire shape for a catalog row (spec.md §4.1 field list).
type modelDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`

	BlobPath    *string `json:"blob_path"`
	SizeBytes   *int64  `json:"size_bytes"`
	ContentHash *string `json:"content_hash"`

	InputSchema     []model.TensorSpec `json:"input_schema,omitempty"`
	OutputSchema    []model.TensorSpec `json:"output_schema,omitempty"`
	RuntimeMetadata map[string]any     `json:"runtime_metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func modelToDTO(m *model.Model) modelDTO {
	return modelDTO{
		ID: m.ID, Name: m.Name, Version: m.Version, Description: m.Description, State: string(m.State),
		BlobPath: m.BlobPath, SizeBytes: m.SizeBytes, ContentHash: m.ContentHash,
		InputSchema: m.InputSchema, OutputSchema: m.OutputSchema, RuntimeMetadata: m.RuntimeMetadata,
		CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func modelsToDTO(models []*model.Model) []modelDTO {
	out := make([]modelDTO, len(models))
	for i, m := range models {
		out[i] = modelToDTO(m)
	}
	return out
}

type createModelRequest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

type updateModelRequest struct {
	Description string `json:"description"`
}

type pageMeta struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

type modelListResponse struct {
	Models []modelDTO `json:"models"`
	pageMeta
}

// predictionDTO is the wire shape for a prediction audit row.
type predictionDTO struct {
	ID              string         `json:"id"`
	ModelID         string         `json:"model_id"`
	InputData       map[string]any `json:"input_data"`
	OutputData      map[string]any `json:"output_data"`
	InferenceTimeMS float64        `json:"inference_time_ms"`
	Cached          bool           `json:"cached"`
	RequestID       string         `json:"request_id,omitempty"`
	ClientAddr      string         `json:"client_addr,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func predictionToDTO(p *prediction.Prediction) predictionDTO {
	return predictionDTO{
		ID: p.ID, ModelID: p.ModelID, InputData: p.InputData, OutputData: p.OutputData,
		InferenceTimeMS: p.InferenceTimeMS, Cached: p.Cached, RequestID: p.RequestID,
		ClientAddr: p.ClientAddr, CreatedAt: p.CreatedAt,
	}
}

func predictionsToDTO(preds []*prediction.Prediction) []predictionDTO {
	out := make([]predictionDTO, len(preds))
	for i, p := range preds {
		out[i] = predictionToDTO(p)
	}
	return out
}

type predictRequest struct {
	InputData map[string]any `json:"input_data"`
	SkipCache bool           `json:"skip_cache"`
}

type predictionListResponse struct {
	Predictions []predictionDTO `json:"predictions"`
	pageMeta
}

// jobDTO is the wire shape for an async job row.
type jobDTO struct {
	ID       string `json:"id"`
	ModelID  string `json:"model_id"`
	State    string `json:"state"`
	Priority string `json:"priority"`

	InputData  map[string]any `json:"input_data"`
	OutputData map[string]any `json:"output_data,omitempty"`

	WorkerTaskID string `json:"worker_task_id,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`

	Retries    int `json:"retries"`
	MaxRetries int `json:"max_retries"`

	ErrorMessage    string  `json:"error_message,omitempty"`
	InferenceTimeMS float64 `json:"inference_time_ms,omitempty"`
	QueueTimeMS     float64 `json:"queue_time_ms,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func jobToDTO(j *job.Job) jobDTO {
	return jobDTO{
		ID: j.ID, ModelID: j.ModelID, State: string(j.State), Priority: string(j.Priority),
		InputData: j.InputData, OutputData: j.OutputData,
		WorkerTaskID: j.WorkerTaskID, WorkerID: j.WorkerID,
		Retries: j.Retries, MaxRetries: j.MaxRetries,
		ErrorMessage: j.ErrorMessage, InferenceTimeMS: j.InferenceTimeMS, QueueTimeMS: j.QueueTimeMS,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
	}
}

func jobsToDTO(jobs []*job.Job) []jobDTO {
	out := make([]jobDTO, len(jobs))
	for i, j := range jobs {
		out[i] = jobToDTO(j)
	}
	return out
}

type createJobRequest struct {
	ModelID   string         `json:"model_id"`
	InputData map[string]any `json:"input_data"`
	Priority  string         `json:"priority"`
}

type jobListResponse struct {
	Jobs []jobDTO `json:"jobs"`
	pageMeta
}
