// Package orchestrator implements the synchronous prediction pipeline (C5):
// three explicit, non-interleaved phases — decide whether to invoke the
// engine at all, execute exactly one path (cache hit or engine run), then
// record an immutable audit row. Concentrating every policy decision in
// phase 1 means new policy (a confidence threshold, a shadow call) requires
// a visible change here and cannot hide inside the engine adapter.
package orchestrator

import (
	"context"
	"time"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/domain/prediction"
	"github.com/modelforge/controlplane/internal/app/metrics"
	"github.com/modelforge/controlplane/internal/app/services/artifact"
	"github.com/modelforge/controlplane/internal/app/services/engine"
	"github.com/modelforge/controlplane/internal/app/services/resultcache"
	"github.com/modelforge/controlplane/internal/app/storage"
	"github.com/modelforge/controlplane/pkg/logger"
)

// Catalog is the narrow slice of the catalog service (C4) the orchestrator
// depends on: asserting the commitment boundary. Depending on an interface
// rather than *catalog.Service keeps this package's tests free of a real
// store/artifact/engine trio (spec.md §9, "replace globals with explicit
// dependencies; tests substitute fakes without monkey-patching").
type Catalog interface {
	AssertCommitted(ctx context.Context, modelID string) (*model.Model, error)
}

// Service is the prediction orchestrator (C5).
type Service struct {
	catalog  Catalog
	artifact *artifact.Store
	engine   *engine.Adapter
	cache    *resultcache.Cache
	store    storage.PredictionStore
	log      *logger.Logger
	hooks    core.ObservationHooks
}

// New constructs a Service.
func New(catalog Catalog, art *artifact.Store, eng *engine.Adapter, cache *resultcache.Cache, store storage.PredictionStore, log *logger.Logger, hooks core.ObservationHooks) *Service {
	return &Service{catalog: catalog, artifact: art, engine: eng, cache: cache, store: store, log: log, hooks: hooks}
}

// Descriptor advertises this service's placement for the system manager.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "prediction-orchestrator", Domain: "model-serving", Layer: core.LayerEngine}
}

// Request is the orchestrator's input for a synchronous prediction.
type Request struct {
	ModelID    string
	Input      map[string]any
	SkipCache  bool
	RequestID  string
	ClientAddr string
}

// Result is the orchestrator's output: the persisted audit row plus the
// cache-status header value the HTTP layer sets on the response.
type Result struct {
	Prediction *prediction.Prediction
	CacheState string // "HIT" or "MISS"
}

// Predict runs the three-phase pipeline described by spec.md §4.5.
func (s *Service) Predict(ctx context.Context, req Request) (*Result, error) {
	done := core.StartObservation(ctx, s.hooks, map[string]string{"op": "predict", "model_id": req.ModelID})
	var err error
	defer func() { done(err) }()

	// --- Phase 1: Decisions ---------------------------------------------
	var m *model.Model
	m, err = s.catalog.AssertCommitted(ctx, req.ModelID) // D1
	if err != nil {
		return nil, err
	}
	if m.BlobPath == nil { // D2: post-commitment invariant, a 500 not a 400
		err = apperrors.NewEngineError(apperrors.EngineInvariantViolation,
			"committed model has no blob_path", nil)
		return nil, err
	}

	var cacheLookup resultcache.LookupResult
	if !req.SkipCache { // D3
		cacheLookup = s.cache.Lookup(ctx, req.ModelID, req.Input)
	}
	useCached := cacheLookup.Hit
	shouldInvoke := !useCached // D4
	if !req.SkipCache {
		metrics.RecordCacheLookup(useCached)
	}

	// --- Phase 2: Execution (exactly one path) ---------------------------
	var output map[string]any
	var elapsedMS float64
	var cacheState string

	switch {
	case useCached:
		output = cacheLookup.OutputData
		elapsedMS = cacheLookup.InferenceTimeMS
		cacheState = "HIT"
	case shouldInvoke:
		var abs string
		abs, err = s.artifact.Resolve(*m.BlobPath)
		if err != nil {
			return nil, err
		}
		var result *engine.RunResult
		result, err = s.engine.Run(ctx, abs, req.Input)
		if err != nil {
			// PostCommitmentInvariantViolation is re-raised, not handled (D2
			// rationale extends here): every other engine error kind maps
			// to a 4xx/5xx at the HTTP edge via statusFor.
			return nil, err
		}
		output = result.Outputs
		elapsedMS = result.ElapsedMS
		cacheState = "MISS"
		s.cache.Store(ctx, req.ModelID, req.Input, output, elapsedMS)
	}

	// --- Phase 3: Record ---------------------------------------------------
	p := &prediction.Prediction{
		ModelID:         req.ModelID,
		InputData:       req.Input,
		OutputData:      output,
		InferenceTimeMS: elapsedMS,
		Cached:          useCached,
		RequestID:       req.RequestID,
		ClientAddr:      req.ClientAddr,
		CreatedAt:       time.Now().UTC(),
	}
	if err = s.store.CreatePrediction(ctx, p); err != nil {
		return nil, err
	}
	metrics.RecordPrediction(req.ModelID, cacheState, time.Duration(elapsedMS*float64(time.Millisecond)))

	return &Result{Prediction: p, CacheState: cacheState}, nil
}
