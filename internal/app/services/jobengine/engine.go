// Package jobengine implements the durable async job lifecycle (C6): the
// API-process creation path (enqueue-or-stay-pending), the worker-process
// execution path (lease, run, terminal transition, retry), cancellation, and
// the polling result wait. Every state transition goes through the job row;
// the broker is a delivery hint, never the source of truth (spec.md §4.6).
package jobengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/domain/job"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/metrics"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/internal/platform/broker"
	"github.com/modelforge/controlplane/pkg/logger"
)

const defaultQueue = "inference"

// Catalog is the narrow catalog slice the job engine depends on.
type Catalog interface {
	Get(ctx context.Context, id string) (*model.Model, error)
	AssertCommitted(ctx context.Context, id string) (*model.Model, error)
}

// Service is the job engine (C6).
type Service struct {
	store    storage.JobStore
	catalog  Catalog
	artifact *artifact.Store
	engine   *engine.Adapter
	broker   *broker.Broker
	log      *logger.Logger
	hooks    core.ObservationHooks

	maxRetries    int
	resultPoll    time.Duration
	resultMaxWait time.Duration
}

// Config tunes retry/polling behavior (CELERY_* knobs in §4.11).
type Config struct {
	MaxRetries        int
	ResultPollInterval time.Duration
	ResultMaxWait      time.Duration
}

// New constructs a Service.
func New(store storage.JobStore, catalog Catalog, art *artifact.Store, eng *engine.Adapter, brk *broker.Broker, log *logger.Logger, cfg Config, hooks core.ObservationHooks) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ResultPollInterval <= 0 {
		cfg.ResultPollInterval = 500 * time.Millisecond
	}
	if cfg.ResultMaxWait <= 0 {
		cfg.ResultMaxWait = 30 * time.Second
	}
	return &Service{
		store: store, catalog: catalog, artifact: art, engine: eng, broker: brk, log: log, hooks: hooks,
		maxRetries: cfg.MaxRetries, resultPoll: cfg.ResultPollInterval, resultMaxWait: cfg.ResultMaxWait,
	}
}

// Descriptor advertises this service's placement for the system manager.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "job-engine", Domain: "model-serving", Layer: core.LayerEngine}
}

// Create is the API-process creation path: assert the model is committed,
// insert a PENDING row, then best-effort enqueue. Enqueue failure is
// tolerated by leaving the row PENDING rather than failing the API call;
// nothing in this package re-enqueues such a row later (the reaper only fails
// stale RUNNING rows and deletes old terminal ones).
func (s *Service) Create(ctx context.Context, modelID string, input map[string]any, priority job.Priority) (*job.Job, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "create_job", "model_id": modelID})
	var err error
	defer func() { done(err) }()

	if _, err = s.catalog.AssertCommitted(ctx, modelID); err != nil {
		return nil, err
	}

	j := &job.Job{
		ModelID:    modelID,
		State:      job.StatePending,
		Priority:   priority,
		InputData:  input,
		MaxRetries: s.maxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err = s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	taskID, enqueueErr := s.broker.Enqueue(ctx, defaultQueue, j.ID)
	if enqueueErr != nil {
		if s.log != nil {
			s.log.WithField("job_id", j.ID).WithField("error", enqueueErr.Error()).Warn("job enqueue failed; leaving PENDING")
		}
		return j, nil
	}
	j.WorkerTaskID = taskID
	j.State = job.StateQueued
	if err = s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Get fetches a job by id.
func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns a paginated page of jobs.
func (s *Service) List(ctx context.Context, state job.State, page, pageSize int) ([]*job.Job, int, error) {
	pageSize = core.ClampLimit(pageSize, core.DefaultListLimit, 100)
	return s.store.ListJobs(ctx, storage.JobFilter{State: state, Page: page, PageSize: pageSize})
}

// Delete removes a job row. Only terminal jobs may be deleted.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if !j.State.Terminal() {
		return false, apperrors.NewJobError(apperrors.JobBadState, fmt.Sprintf("cannot delete job in state %s", j.State))
	}
	return s.store.DeleteJob(ctx, id)
}

// Cancel revokes the broker task (if any) and transitions the job to
// CANCELLED regardless of whether the revoke itself succeeded — the row is
// authoritative, the broker call is best-effort (spec.md §4.6).
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.CancellableFrom(j.State) {
		return nil, apperrors.NewJobError(apperrors.JobBadState, fmt.Sprintf("cannot cancel job in state %s", j.State))
	}
	if j.WorkerTaskID != "" {
		if revokeErr := s.broker.Revoke(ctx, j.WorkerTaskID); revokeErr != nil && s.log != nil {
			s.log.WithField("job_id", id).WithField("error", revokeErr.Error()).Warn("broker revoke failed; cancelling row anyway")
		}
	}
	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	metrics.RecordJobTerminal(string(j.State), now.Sub(j.CreatedAt))
	return j, nil
}

// GetResult fetches the job row and, if it is not yet terminal, polls it at a
// fixed interval until it becomes terminal or wait elapses. wait is clamped
// to the server-enforced maximum (§4.6); wait <= 0 returns the row's current
// state immediately with no polling at all, so a non-terminal job reports
// 202 without delay.
func (s *Service) GetResult(ctx context.Context, id string, wait time.Duration) (*job.Job, error) {
	if wait > s.resultMaxWait {
		wait = s.resultMaxWait
	}
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() || wait <= 0 {
		return j, nil
	}

	deadline := time.Now().Add(wait)
	for {
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-time.After(s.resultPoll):
		}
		j, err = s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() || time.Now().After(deadline) {
			return j, nil
		}
	}
}

// Execute is the worker-process execution path for a single leased task. It
// transitions RUNNING, re-asserts the post-commitment invariant (the model
// may have been deleted or gone stale since enqueue), runs the engine, and
// records a terminal transition. Engine-originated errors (load, validation,
// input, runtime, invariant violation) are permanent and fail the job
// immediately; everything else (store, catalog, artifact, broker — transient
// infrastructure failures) is retried with jittered backoff up to the job's
// MaxRetries before failing terminally. A deferred safety net guards against
// the task exiting (panic or unexpected early return) while the row is still
// RUNNING, so it never hangs past the reaper's delayed sweep.
func (s *Service) Execute(ctx context.Context, jobID, workerID string) (execErr error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		// Already cancelled or otherwise finished before this lease was
		// serviced; nothing to do.
		return nil
	}

	now := time.Now().UTC()
	if j.StartedAt == nil {
		j.QueueTimeMS = float64(now.Sub(j.CreatedAt).Microseconds()) / 1000.0
	}
	j.State = job.StateRunning
	j.WorkerID = workerID
	j.StartedAt = &now
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.settleOrphanedRunning(jobID, fmt.Sprintf("task panicked while running: %v", r))
			panic(r)
		}
		if execErr != nil {
			s.settleOrphanedRunning(jobID, fmt.Sprintf("task exited unexpectedly while running: %v", execErr))
		}
	}()

	var result *engine.RunResult
	var lastErr error
	policy := core.RetryPolicy{
		Attempts:       j.MaxRetries + 1,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
	attempts := 0
	// core.Retry only retries a non-nil return, so a permanent (engine)
	// failure reports nil here to stop immediately; lastErr (captured
	// outside the closure) still holds the real outcome either way.
	core.Retry(ctx, policy, func() error {
		attempts++
		m, catErr := s.catalog.AssertCommitted(ctx, j.ModelID)
		if catErr != nil {
			lastErr = catErr
			if isPermanent(catErr) {
				return nil
			}
			return catErr
		}
		abs, resolveErr := s.artifact.Resolve(*m.BlobPath)
		if resolveErr != nil {
			lastErr = resolveErr
			if isPermanent(resolveErr) {
				return nil
			}
			return resolveErr
		}
		res, runErr := s.engine.Run(ctx, abs, j.InputData)
		if runErr != nil {
			lastErr = runErr
			if isPermanent(runErr) {
				return nil
			}
			return runErr
		}
		result, lastErr = res, nil
		return nil
	})
	j.Retries = attempts - 1
	if lastErr != nil {
		execErr = s.fail(ctx, j, lastErr)
		return execErr
	}

	done := time.Now().UTC()
	j.State = job.StateCompleted
	j.OutputData = result.Outputs
	j.InferenceTimeMS = result.ElapsedMS
	j.CompletedAt = &done
	if err := s.store.UpdateJob(ctx, j); err != nil {
		execErr = err
		return execErr
	}
	metrics.RecordJobTerminal(string(j.State), done.Sub(j.CreatedAt))
	return nil
}

// isPermanent reports whether err is an engine-originated failure (load,
// validation, input, runtime, invariant violation) — spec.md §4.6 step 4
// treats every one of these as permanent and forbids retrying them. Any
// other error (store, catalog state races, artifact resolution, broker) is
// transient infrastructure trouble and is retried instead.
func isPermanent(err error) bool {
	var engineErr *apperrors.EngineError
	return errors.As(err, &engineErr)
}

// settleOrphanedRunning marks jobID FAILED if its persisted row is still
// RUNNING at the time this runs — the finally-block safety net of spec.md
// §4.6 step 6 guarding against a crash or early return leaving the row
// stuck, independent of the reaper's delayed orphan sweep. It uses a
// detached context since the caller's ctx may already be cancelled.
func (s *Service) settleOrphanedRunning(jobID, reason string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cur, err := s.store.GetJob(cleanupCtx, jobID)
	if err != nil || cur.State != job.StateRunning {
		return
	}
	now := time.Now().UTC()
	cur.State = job.StateFailed
	cur.ErrorMessage = reason
	cur.CompletedAt = &now
	if updateErr := s.store.UpdateJob(cleanupCtx, cur); updateErr != nil {
		if s.log != nil {
			s.log.WithField("job_id", jobID).WithField("error", updateErr.Error()).Warn("failed to settle orphaned running job")
		}
		return
	}
	metrics.RecordJobTerminal(string(cur.State), now.Sub(cur.CreatedAt))
}

func (s *Service) fail(ctx context.Context, j *job.Job, cause error) error {
	now := time.Now().UTC()
	j.State = job.StateFailed
	j.ErrorMessage = cause.Error()
	j.CompletedAt = &now
	if updateErr := s.store.UpdateJob(ctx, j); updateErr != nil {
		return updateErr
	}
	metrics.RecordJobTerminal(string(j.State), now.Sub(j.CreatedAt))
	return nil
}

// MarkOrphansFailed is the crash safety net described by spec.md §4.6 step 7:
// a job still RUNNING whose started_at is older than staleAfter is presumed
// abandoned (its worker crashed) and is marked FAILED. Worker heartbeats are
// not consulted.
func (s *Service) MarkOrphansFailed(ctx context.Context, staleAfter time.Duration) (int, error) {
	jobs, _, err := s.store.ListJobs(ctx, storage.JobFilter{State: job.StateRunning, Page: 1, PageSize: 500})
	if err != nil {
		return 0, err
	}
	count := 0
	cutoff := time.Now().Add(-staleAfter)
	for _, j := range jobs {
		if j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		now := time.Now().UTC()
		j.State = job.StateFailed
		j.ErrorMessage = "job RUNNING past the stale threshold; presumed abandoned"
		j.CompletedAt = &now
		if err := s.store.UpdateJob(ctx, j); err != nil {
			if s.log != nil {
				s.log.WithField("job_id", j.ID).WithField("error", err.Error()).Warn("failed to mark orphaned job FAILED")
			}
			continue
		}
		metrics.RecordJobTerminal(string(j.State), now.Sub(j.CreatedAt))
		count++
	}
	return count, nil
}
