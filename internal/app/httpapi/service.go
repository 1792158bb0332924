// Package httpapi is the HTTP surface (C7): a thin net/http dispatcher that
// translates REST calls into component operations. Routing follows the
// teacher's declarative route/mountRoutes shape, generalized to use Go
// 1.22+'s method-and-wildcard ServeMux patterns (e.g. "GET /models/{id}")
// instead of the teacher's manual withMethod wrapping, since method
// dispatch and path parameters are now native.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/modelforge/controlplane/internal/app/metrics"
	"github.com/modelforge/controlplane/internal/platform/broker"
	"github.com/modelforge/controlplane/pkg/logger"
)

// BrokerInspector is the slice of *broker.Broker the health/celery endpoint
// depends on.
type BrokerInspector interface {
	Inspect(ctx context.Context) (broker.RosterStatus, int, error)
}

// handlers holds every collaborator the HTTP layer dispatches to. All
// fields are narrow interfaces (§9's "replace globals with explicit
// dependencies") so tests construct a handlers value directly with fakes.
type handlers struct {
	catalog         Catalog
	orchestrator    Orchestrator
	jobEngine       JobEngine
	predictions     PredictionReader
	health          Health
	brokerInspector BrokerInspector

	modelCache      *modelReadCache
	maxUploadMemory int64
}

// Config configures the HTTP service.
type Config struct {
	Addr              string
	CORSOrigins       []string
	ModelCacheTTLSecs int
	MaxUploadMemory   int64
	UploadRatePerSec  float64
	PredictRatePerSec float64
	AuditMax          int
	AuditFilePath     string
}

// Service is the HTTP surface's lifecycle-managed wrapper around
// http.Server, mirroring the teacher's applications/httpapi.Service.
type Service struct {
	addr    string
	log     *logger.Logger
	handler http.Handler

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewService constructs the HTTP service, wiring routes and the full
// middleware chain: request-id -> CORS -> metrics instrumentation -> audit
// -> per-route rate limiting -> mux dispatch.
func NewService(cfg Config, catalog Catalog, orch Orchestrator, jobEngine JobEngine, predictions PredictionReader, healthSvc Health, brk BrokerInspector, log *logger.Logger) (*Service, error) {
	sink, err := newFileAuditSink(cfg.AuditFilePath)
	if err != nil {
		return nil, fmt.Errorf("open audit sink: %w", err)
	}
	audit := newAuditLog(cfg.AuditMax, sink)

	h := &handlers{
		catalog: catalog, orchestrator: orch, jobEngine: jobEngine, predictions: predictions,
		health: healthSvc, brokerInspector: brk,
		modelCache:      newModelReadCache(cfg.ModelCacheTTLSecs),
		maxUploadMemory: cfg.MaxUploadMemory,
	}

	uploadLimiter := newPerRouteLimiter(cfg.UploadRatePerSec, 0)
	predictLimiter := newPerRouteLimiter(cfg.PredictRatePerSec, 0)

	mux := http.NewServeMux()
	mountRoutes(mux,
		route{pattern: "POST /models", handler: h.createModel},
		route{pattern: "GET /models", handler: h.listModels},
		route{pattern: "GET /models/{id}", handler: h.getModel},
		route{pattern: "PATCH /models/{id}", handler: h.updateModel},
		route{pattern: "DELETE /models/{id}", handler: h.deleteModel},
		route{pattern: "POST /models/{id}/upload", handler: uploadLimiter.wrap(h.uploadArtifact)},
		route{pattern: "POST /models/{id}/validate", handler: h.validateModel},
		route{pattern: "GET /models/by-name/{name}/versions", handler: h.versionsByName},
		route{pattern: "GET /models/by-name/{name}/latest", handler: h.latestByName},
		route{pattern: "GET /models/{id}/metadata", handler: h.metadataQuery},
		route{pattern: "POST /models/{id}/predict", handler: predictLimiter.wrap(h.predict)},
		route{pattern: "GET /models/{id}/predictions", handler: h.listPredictions},

		route{pattern: "POST /jobs", handler: h.createJob},
		route{pattern: "GET /jobs", handler: h.listJobs},
		route{pattern: "GET /jobs/{id}", handler: h.getJob},
		route{pattern: "GET /jobs/{id}/result", handler: h.getJobResult},
		route{pattern: "POST /jobs/{id}/cancel", handler: h.cancelJob},
		route{pattern: "DELETE /jobs/{id}", handler: h.deleteJob},

		route{pattern: "GET /health", handler: h.healthCheck},
		route{pattern: "GET /health/celery", handler: h.healthCelery},
		route{pattern: "GET /ready", handler: h.ready},
		route{pattern: "GET /live", handler: h.live},
	)
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	handler = wrapWithAudit(handler, audit)
	handler = metrics.InstrumentHandler(handler)
	handler = wrapWithCORS(cfg.CORSOrigins)(handler)
	handler = wrapWithRequestID(handler)

	addr := cfg.Addr
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	return &Service{addr: addr, log: log, handler: handler}, nil
}

// Name satisfies system.Service.
func (s *Service) Name() string { return "http" }

// Start binds the listener and serves in a background goroutine, the same
// shape as the teacher's applications/httpapi.Service.Start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // predictions/uploads can run long
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.running = true
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.WithField("error", err.Error()).Error("http server error")
			}
		}
		s.mu.Lock()
		if s.server == server {
			s.running = false
		}
		s.mu.Unlock()
	}()
	return nil
}

// Stop gracefully shuts the server down, satisfying system.Service.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}
