// Package worker runs the job engine's execution path (C6 Execute) against
// leased broker tasks, the process-side counterpart to the API server's
// creation path. It is deliberately small: a fixed goroutine pool, one
// blocking lease per goroutine, a heartbeat ticker, and graceful drain on
// Stop — the same shape as the teacher's dispatcher loop, generalized from a
// single dispatch queue to the broker's per-task lease/ack protocol.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelforge/controlplane/internal/app/metrics"
	"github.com/modelforge/controlplane/internal/platform/broker"
	"github.com/modelforge/controlplane/pkg/logger"
)

const (
	defaultQueue        = "inference"
	leaseTimeout        = 5 * time.Second
	heartbeatInterval   = 15 * time.Second
	heartbeatTTL        = 45 * time.Second
)

// JobEngine is the narrow slice of the job engine the pool depends on.
type JobEngine interface {
	Execute(ctx context.Context, jobID, workerID string) error
}

// Pool is a fixed-size worker pool draining the broker's inference queue.
type Pool struct {
	broker    *broker.Broker
	engine    JobEngine
	log       *logger.Logger
	workerID  string
	concurrency int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool with the given concurrency (spec.md §4.11
// CELERY_WORKER_CONCURRENCY).
func New(brk *broker.Broker, eng JobEngine, log *logger.Logger, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		broker:      brk,
		engine:      eng,
		log:         log,
		workerID:    fmt.Sprintf("worker-%s", uuid.NewString()[:8]),
		concurrency: concurrency,
	}
}

// Name satisfies system.Service.
func (p *Pool) Name() string { return "worker-pool" }

// Start launches the pool's goroutines and its heartbeat ticker.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(runCtx, i)
	}
	p.wg.Add(1)
	go p.heartbeatLoop(runCtx)

	if p.log != nil {
		p.log.WithField("worker_id", p.workerID).WithField("concurrency", p.concurrency).Info("worker pool started")
	}
	return nil
}

// Stop cancels every goroutine and waits for them to drain.
func (p *Pool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runLoop(ctx context.Context, slot int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.broker.Lease(ctx, defaultQueue, leaseTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.log != nil {
				p.log.WithField("error", err.Error()).Warn("broker lease failed")
			}
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue // lease timed out with nothing queued
		}

		if err := p.engine.Execute(ctx, task.JobID, p.workerID); err != nil && p.log != nil {
			p.log.WithField("job_id", task.JobID).WithField("error", err.Error()).Warn("job execution failed")
		}
		if err := p.broker.Ack(ctx, defaultQueue, task); err != nil && p.log != nil {
			p.log.WithField("job_id", task.JobID).WithField("error", err.Error()).Warn("broker ack failed")
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	_ = p.broker.Heartbeat(ctx, p.workerID, heartbeatTTL)
	p.reportQueueDepth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.broker.Heartbeat(ctx, p.workerID, heartbeatTTL)
			p.reportQueueDepth(ctx)
		}
	}
}

// reportQueueDepth samples the broker's pending-task count on the same
// ticker as the heartbeat, giving operators a backlog gauge without a
// dedicated polling loop.
func (p *Pool) reportQueueDepth(ctx context.Context) {
	depth, err := p.broker.QueueDepth(ctx, defaultQueue)
	if err != nil {
		if p.log != nil {
			p.log.WithField("error", err.Error()).Warn("broker queue depth failed")
		}
		return
	}
	metrics.SetQueueDepth(float64(depth))
}
