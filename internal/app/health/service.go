// Package health aggregates the control plane's dependency health checks
// (C9): database, artifact store, result cache, and broker component checks
// combined with process resource stats, all under a bounded total timeout so
// a single slow dependency cannot stall the health endpoint. The
// HealthCheck/ComponentCheck/AggregateStatus shape is adapted directly from
// the teacher's internal/services/core/health.go.
package health

import (
	"context"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/platform/broker"
	"github.com/modelforge/controlplane/pkg/version"
)

// Status is the health verdict for a component or the aggregate report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentCheck is one dependency's health result.
type ComponentCheck struct {
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Latency float64 `json:"latency_ms,omitempty"`
	Message string  `json:"message,omitempty"`
}

// ResourceStats is a point-in-time process/host resource snapshot.
type ResourceStats struct {
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes"`
	MemoryPercent   float64 `json:"memory_percent"`
}

// Report is the full health payload returned by GET /health.
type Report struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    []ComponentCheck `json:"checks"`
	Resources ResourceStats    `json:"resources"`
}

// Pinger is satisfied by any dependency exposing a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service computes health reports from its registered dependencies.
type Service struct {
	db       Pinger
	artifact Pinger
	cache    Pinger
	broker   *broker.Broker
	timeout  time.Duration
}

// New constructs a Service. Any dependency may be nil, in which case its
// check is skipped rather than reported unhealthy — a nil dependency means
// the feature is disabled, not broken.
func New(db, artifact, cache Pinger, brk *broker.Broker, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Service{db: db, artifact: artifact, cache: cache, broker: brk, timeout: timeout}
}

// Descriptor advertises this service's placement for the system manager.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "health", Domain: "observability", Layer: core.LayerAdapter}
}

// Check runs every registered dependency check one after another under a
// single shared deadline and returns the aggregate report.
func (s *Service) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	checks := make([]ComponentCheck, 0, 4)
	if s.db != nil {
		checks = append(checks, checkPinger(ctx, "database", s.db))
	}
	if s.artifact != nil {
		checks = append(checks, checkPinger(ctx, "artifact_store", s.artifact))
	}
	if s.cache != nil {
		checks = append(checks, checkPinger(ctx, "result_cache", s.cache))
	}
	if s.broker != nil {
		checks = append(checks, checkBroker(ctx, s.broker))
	}

	return Report{
		Status:    aggregateStatus(checks),
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
		Resources: resourceSnapshot(ctx),
	}
}

func checkPinger(ctx context.Context, name string, p Pinger) ComponentCheck {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Name: name, Status: StatusUnhealthy, Latency: millis(latency), Message: err.Error()}
	}
	status := StatusHealthy
	if latency > 100*time.Millisecond {
		status = StatusDegraded
	}
	return ComponentCheck{Name: name, Status: status, Latency: millis(latency)}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// checkBroker distinguishes "disabled" (not configured, not an error) from
// "no workers" (configured, reachable, but nothing is consuming the queue)
// from "error" (unreachable), per spec.md §4.9.
func checkBroker(ctx context.Context, b *broker.Broker) ComponentCheck {
	if !b.Enabled() {
		return ComponentCheck{Name: "broker", Status: StatusDegraded, Message: "broker disabled"}
	}
	start := time.Now()
	roster, count, err := b.Inspect(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Name: "broker", Status: StatusUnhealthy, Latency: millis(latency), Message: err.Error()}
	}
	if roster == broker.RosterNoWorkers {
		return ComponentCheck{Name: "broker", Status: StatusDegraded, Latency: millis(latency), Message: "no active workers"}
	}
	return ComponentCheck{Name: "broker", Status: StatusHealthy, Latency: millis(latency), Message: workerCountMessage(count)}
}

func workerCountMessage(count int) string {
	if count == 1 {
		return "1 active worker"
	}
	return strconv.Itoa(count) + " active workers"
}

func aggregateStatus(checks []ComponentCheck) Status {
	result := StatusHealthy
	for _, c := range checks {
		if c.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
		if c.Status == StatusDegraded {
			result = StatusDegraded
		}
	}
	return result
}

func resourceSnapshot(ctx context.Context) ResourceStats {
	var stats ResourceStats
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = uptime
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryUsedBytes = vm.Used
		stats.MemoryPercent = vm.UsedPercent
	}
	return stats
}
