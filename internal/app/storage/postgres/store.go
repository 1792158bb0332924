// Package postgres implements storage.Store against PostgreSQL using sqlx for
// struct scanning, upgrading the raw database/sql pattern used elsewhere in
// this codebase's store layer.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/domain/prediction"
	"github.com/modelforge/controlplane/internal/app/storage"
)

// Store implements storage.Store over a *sqlx.DB.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New wraps an existing *sql.DB (already opened and pinged by
// internal/platform/database) as an sqlx-backed Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type modelRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	Version         string         `db:"version"`
	Description     string         `db:"description"`
	State           string         `db:"state"`
	BlobPath        sql.NullString `db:"blob_path"`
	SizeBytes       sql.NullInt64  `db:"size_bytes"`
	ContentHash     sql.NullString `db:"content_hash"`
	InputSchema     []byte         `db:"input_schema"`
	OutputSchema    []byte         `db:"output_schema"`
	ModelMetadata   []byte         `db:"model_metadata"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *modelRow) toDomain() (*model.Model, error) {
	m := &model.Model{
		ID:          r.ID,
		Name:        r.Name,
		Version:     r.Version,
		Description: r.Description,
		State:       model.State(r.State),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.BlobPath.Valid {
		m.BlobPath = &r.BlobPath.String
	}
	if r.SizeBytes.Valid {
		m.SizeBytes = &r.SizeBytes.Int64
	}
	if r.ContentHash.Valid {
		m.ContentHash = &r.ContentHash.String
	}
	if len(r.InputSchema) > 0 {
		if err := json.Unmarshal(r.InputSchema, &m.InputSchema); err != nil {
			return nil, err
		}
	}
	if len(r.OutputSchema) > 0 {
		if err := json.Unmarshal(r.OutputSchema, &m.OutputSchema); err != nil {
			return nil, err
		}
	}
	if len(r.ModelMetadata) > 0 {
		if err := json.Unmarshal(r.ModelMetadata, &m.RuntimeMetadata); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func fromDomainModel(m *model.Model) (*modelRow, error) {
	inputSchema, err := json.Marshal(m.InputSchema)
	if err != nil {
		return nil, err
	}
	outputSchema, err := json.Marshal(m.OutputSchema)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(m.RuntimeMetadata)
	if err != nil {
		return nil, err
	}
	r := &modelRow{
		ID:            m.ID,
		Name:          m.Name,
		Version:       m.Version,
		Description:   m.Description,
		State:         string(m.State),
		InputSchema:   inputSchema,
		OutputSchema:  outputSchema,
		ModelMetadata: meta,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.BlobPath != nil {
		r.BlobPath = sql.NullString{String: *m.BlobPath, Valid: true}
	}
	if m.SizeBytes != nil {
		r.SizeBytes = sql.NullInt64{Int64: *m.SizeBytes, Valid: true}
	}
	if m.ContentHash != nil {
		r.ContentHash = sql.NullString{String: *m.ContentHash, Valid: true}
	}
	return r, nil
}

// CreateModel inserts a new catalog row; the unique (name, version) index
// enforces P4 at the database level.
func (s *Store) CreateModel(ctx context.Context, m *model.Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	row, err := fromDomainModel(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (id, name, description, version, state, blob_path, size_bytes,
			content_hash, input_schema, output_schema, model_metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		row.ID, row.Name, row.Description, row.Version, row.State, row.BlobPath, row.SizeBytes,
		row.ContentHash, row.InputSchema, row.OutputSchema, row.ModelMetadata, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewCatalogError(apperrors.CatalogConflict, "model with this name and version already exists")
		}
		return err
	}
	return nil
}

func (s *Store) GetModel(ctx context.Context, id string) (*model.Model, error) {
	var row modelRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM models WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewCatalogError(apperrors.CatalogNotFound, "model not found")
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) GetModelByNameVersion(ctx context.Context, name, version string) (*model.Model, error) {
	var row modelRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM models WHERE name = $1 AND version = $2`, name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewCatalogError(apperrors.CatalogNotFound, "model not found")
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) VersionsByName(ctx context.Context, name string) ([]*model.Model, error) {
	var rows []modelRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM models WHERE name = $1`, name); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperrors.NewCatalogError(apperrors.CatalogNotFound, "no versions for name")
	}
	out := make([]*model.Model, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortModelsDesc(out)
	return out, nil
}

func sortModelsDesc(models []*model.Model) {
	for i := 1; i < len(models); i++ {
		for j := i; j > 0 && model.CompareVersions(models[j-1].Version, models[j].Version) < 0; j-- {
			models[j-1], models[j] = models[j], models[j-1]
		}
	}
}

func (s *Store) ListModels(ctx context.Context, filter storage.ModelFilter) ([]*model.Model, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM models`); err != nil {
		return nil, 0, err
	}
	limit, offset := limitOffset(filter.Page, filter.PageSize)
	var rows []modelRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM models ORDER BY created_at ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*model.Model, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, nil
}

func (s *Store) UpdateModel(ctx context.Context, m *model.Model) error {
	m.UpdatedAt = time.Now().UTC()
	row, err := fromDomainModel(m)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE models SET name=$2, description=$3, version=$4, state=$5, blob_path=$6,
			size_bytes=$7, content_hash=$8, input_schema=$9, output_schema=$10,
			model_metadata=$11, updated_at=$12
		WHERE id = $1`,
		row.ID, row.Name, row.Description, row.Version, row.State, row.BlobPath, row.SizeBytes,
		row.ContentHash, row.InputSchema, row.OutputSchema, row.ModelMetadata, row.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewCatalogError(apperrors.CatalogNotFound, "model not found")
	}
	return nil
}

// DeleteModel removes the row; ON DELETE CASCADE on predictions/jobs foreign
// keys handles the cascade.
func (s *Store) DeleteModel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type predictionRow struct {
	ID              string    `db:"id"`
	ModelID         string    `db:"model_id"`
	InputData       []byte    `db:"input_data"`
	OutputData      []byte    `db:"output_data"`
	InferenceTimeMS float64   `db:"inference_time_ms"`
	Cached          bool      `db:"cached"`
	RequestID       sql.NullString `db:"request_id"`
	ClientAddr      sql.NullString `db:"client_addr"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r *predictionRow) toDomain() (*prediction.Prediction, error) {
	p := &prediction.Prediction{
		ID:              r.ID,
		ModelID:         r.ModelID,
		InferenceTimeMS: r.InferenceTimeMS,
		Cached:          r.Cached,
		CreatedAt:       r.CreatedAt,
	}
	if r.RequestID.Valid {
		p.RequestID = r.RequestID.String
	}
	if r.ClientAddr.Valid {
		p.ClientAddr = r.ClientAddr.String
	}
	if len(r.InputData) > 0 {
		if err := json.Unmarshal(r.InputData, &p.InputData); err != nil {
			return nil, err
		}
	}
	if len(r.OutputData) > 0 {
		if err := json.Unmarshal(r.OutputData, &p.OutputData); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *Store) CreatePrediction(ctx context.Context, p *prediction.Prediction) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	input, err := json.Marshal(p.InputData)
	if err != nil {
		return err
	}
	output, err := json.Marshal(p.OutputData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions (id, model_id, input_data, output_data, inference_time_ms,
			cached, request_id, client_addr, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.ModelID, input, output, p.InferenceTimeMS, p.Cached,
		nullableString(p.RequestID), nullableString(p.ClientAddr), p.CreatedAt)
	return err
}

func (s *Store) ListPredictions(ctx context.Context, filter storage.PredictionFilter) ([]*prediction.Prediction, int, error) {
	where := ""
	args := []any{}
	if filter.ModelID != "" {
		where = "WHERE model_id = $1"
		args = append(args, filter.ModelID)
	}
	var total int
	countQuery := `SELECT count(*) FROM predictions ` + where
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}
	limit, offset := limitOffset(filter.Page, filter.PageSize)
	args = append(args, limit, offset)
	query := `SELECT * FROM predictions ` + where + ` ORDER BY created_at DESC LIMIT $` +
		placeholderIndex(len(args)-1) + ` OFFSET $` + placeholderIndex(len(args))
	var rows []predictionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}
	out := make([]*prediction.Prediction, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

type jobRow struct {
	ID              string         `db:"id"`
	ModelID         string         `db:"model_id"`
	State           string         `db:"state"`
	Priority        string         `db:"priority"`
	InputData       []byte         `db:"input_data"`
	OutputData      []byte         `db:"output_data"`
	WorkerTaskID    sql.NullString `db:"worker_task_id"`
	WorkerID        sql.NullString `db:"worker_id"`
	Retries         int            `db:"retries"`
	MaxRetries      int            `db:"max_retries"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ErrorTraceback  sql.NullString `db:"error_traceback"`
	InferenceTimeMS float64        `db:"inference_time_ms"`
	QueueTimeMS     float64        `db:"queue_time_ms"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toDomain() (*job.Job, error) {
	j := &job.Job{
		ID:              r.ID,
		ModelID:         r.ModelID,
		State:           job.State(r.State),
		Priority:        job.Priority(r.Priority),
		Retries:         r.Retries,
		MaxRetries:      r.MaxRetries,
		InferenceTimeMS: r.InferenceTimeMS,
		QueueTimeMS:     r.QueueTimeMS,
		CreatedAt:       r.CreatedAt,
	}
	if r.WorkerTaskID.Valid {
		j.WorkerTaskID = r.WorkerTaskID.String
	}
	if r.WorkerID.Valid {
		j.WorkerID = r.WorkerID.String
	}
	if r.ErrorMessage.Valid {
		j.ErrorMessage = r.ErrorMessage.String
	}
	if r.ErrorTraceback.Valid {
		j.ErrorTraceback = r.ErrorTraceback.String
	}
	if r.StartedAt.Valid {
		j.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		j.CompletedAt = &r.CompletedAt.Time
	}
	if len(r.InputData) > 0 {
		if err := json.Unmarshal(r.InputData, &j.InputData); err != nil {
			return nil, err
		}
	}
	if len(r.OutputData) > 0 {
		if err := json.Unmarshal(r.OutputData, &j.OutputData); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	input, err := json.Marshal(j.InputData)
	if err != nil {
		return err
	}
	output, err := json.Marshal(j.OutputData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, model_id, state, priority, input_data, output_data,
			worker_task_id, worker_id, retries, max_retries, error_message, error_traceback,
			inference_time_ms, queue_time_ms, created_at, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		j.ID, j.ModelID, string(j.State), string(j.Priority), input, output,
		nullableString(j.WorkerTaskID), nullableString(j.WorkerID), j.Retries, j.MaxRetries,
		nullableString(j.ErrorMessage), nullableString(j.ErrorTraceback),
		j.InferenceTimeMS, j.QueueTimeMS, j.CreatedAt, nullableTime(j.StartedAt), nullableTime(j.CompletedAt))
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewJobError(apperrors.JobNotFound, "job not found")
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*job.Job, int, error) {
	where := ""
	args := []any{}
	if filter.State != "" {
		where = "WHERE state = $1"
		args = append(args, string(filter.State))
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM jobs `+where, args...); err != nil {
		return nil, 0, err
	}
	limit, offset := limitOffset(filter.Page, filter.PageSize)
	args = append(args, limit, offset)
	query := `SELECT * FROM jobs ` + where + ` ORDER BY created_at DESC LIMIT $` +
		placeholderIndex(len(args)-1) + ` OFFSET $` + placeholderIndex(len(args))
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}
	out := make([]*job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	output, err := json.Marshal(j.OutputData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state=$2, worker_task_id=$3, worker_id=$4, retries=$5,
			error_message=$6, error_traceback=$7, inference_time_ms=$8, queue_time_ms=$9,
			output_data=$10, started_at=$11, completed_at=$12
		WHERE id = $1`,
		j.ID, string(j.State), nullableString(j.WorkerTaskID), nullableString(j.WorkerID), j.Retries,
		nullableString(j.ErrorMessage), nullableString(j.ErrorTraceback), j.InferenceTimeMS,
		j.QueueTimeMS, output, nullableTime(j.StartedAt), nullableTime(j.CompletedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewJobError(apperrors.JobNotFound, "job not found")
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReapTerminal deletes terminal jobs past retention in a single statement, as
// the periodic reaper (C8) requires, returning the affected row count.
func (s *Store) ReapTerminal(ctx context.Context, olderThanDays int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('COMPLETED','FAILED','CANCELLED')
		AND completed_at < now() - ($1 || ' days')::interval`, olderThanDays)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func limitOffset(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 25
	}
	return pageSize, (page - 1) * pageSize
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func placeholderIndex(n int) string {
	return strconv.Itoa(n)
}
