// Package broker implements the task bus the job engine (C6) uses to hand
// inference jobs to worker processes. It is a thin, Redis-list-backed stand
// in for the opaque message broker described by spec.md: enqueue pushes a
// task envelope onto a priority-ordered list, workers lease with a blocking
// BRPOPLPUSH into a per-queue processing list (so a crashed worker's task is
// recoverable rather than lost), and revoke marks a task so an in-flight
// lease is not re-delivered. The style mirrors the result cache's graceful
// wrapper over go-redis (internal/app/services/resultcache/cache.go): a
// disabled or unreachable broker degrades every operation rather than
// panicking, except Enqueue, whose failure the job engine is specifically
// contracted to tolerate by leaving the job row PENDING (spec.md §4.6).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/modelforge/controlplane/pkg/logger"
)

// Task is the envelope enqueued for a worker to pick up.
type Task struct {
	TaskID     string    `json:"task_id"`
	JobID      string    `json:"job_id"`
	Queue      string    `json:"queue"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw retains the exact bytes leased from the processing list so Ack can
	// LREM the identical member back out.
	raw string
}

// Broker is the task bus (enqueue/revoke) plus the worker-side lease/ack
// primitives it exposes to the worker pool.
type Broker struct {
	client  *redis.Client
	enabled bool
	prefix  string
	log     *logger.Logger
}

// Config configures a Broker.
type Config struct {
	KeyPrefix string
	Enabled   bool
}

// New constructs a Broker. client may be nil (or Enabled false); every
// operation then reports the broker as unavailable rather than panicking.
func New(client *redis.Client, cfg Config, log *logger.Logger) *Broker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "modelserve"
	}
	return &Broker{client: client, enabled: cfg.Enabled && client != nil, prefix: cfg.KeyPrefix, log: log}
}

func (b *Broker) queueKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", b.prefix, queue)
}

func (b *Broker) processingKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:processing", b.prefix, queue)
}

func (b *Broker) revokedKey(taskID string) string {
	return fmt.Sprintf("%s:revoked:%s", b.prefix, taskID)
}

func (b *Broker) heartbeatKey(workerID string) string {
	return fmt.Sprintf("%s:workers:%s", b.prefix, workerID)
}

// Enabled reports whether the broker has a live backing connection.
func (b *Broker) Enabled() bool { return b.enabled }

// Enqueue pushes a new task for jobID onto queue, returning the
// broker-assigned task id on success. Callers (the job engine's creation
// path) are contracted to tolerate failure here by leaving the job PENDING.
func (b *Broker) Enqueue(ctx context.Context, queue, jobID string) (string, error) {
	if !b.enabled {
		return "", fmt.Errorf("broker unavailable")
	}
	task := Task{TaskID: uuid.NewString(), JobID: jobID, Queue: queue, EnqueuedAt: time.Now().UTC()}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := b.client.LPush(ctx, b.queueKey(queue), raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return task.TaskID, nil
}

// Lease blocks up to timeout waiting for a task on queue, atomically moving
// it into the queue's processing list (BRPOPLPUSH) so a worker that dies
// mid-task leaves the envelope recoverable rather than dropped. Returns
// (nil, nil) on timeout with nothing available.
func (b *Broker) Lease(ctx context.Context, queue string, timeout time.Duration) (*Task, error) {
	if !b.enabled {
		return nil, fmt.Errorf("broker unavailable")
	}
	raw, err := b.client.BRPopLPush(ctx, b.queueKey(queue), b.processingKey(queue), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Malformed envelope: drop it from processing so it doesn't wedge
		// the queue forever and report as if nothing were available.
		b.client.LRem(ctx, b.processingKey(queue), 1, raw)
		return nil, fmt.Errorf("decode leased task: %w", err)
	}

	revoked, err := b.client.Exists(ctx, b.revokedKey(task.TaskID)).Result()
	if err == nil && revoked > 0 {
		b.client.LRem(ctx, b.processingKey(queue), 1, raw)
		b.client.Del(ctx, b.revokedKey(task.TaskID))
		return nil, nil
	}
	task.raw = raw
	return &task, nil
}

// Ack removes a leased task from its processing list, acknowledging
// completion. The worker pool acks only after Execute returns, so a task
// whose worker dies mid-run stays in the processing list; nothing in this
// package moves such a task back onto the queue for re-delivery.
func (b *Broker) Ack(ctx context.Context, queue string, task *Task) error {
	if !b.enabled || task == nil {
		return nil
	}
	return b.client.LRem(ctx, b.processingKey(queue), 1, task.raw).Err()
}

// Revoke marks taskID so that, if its envelope is still in flight, the next
// Lease to observe it drops it instead of redelivering it. Revoke failure is
// logged but never blocks the job row's state transition — per spec.md, the
// row is the source of truth for cancellation, not the broker.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	if !b.enabled || taskID == "" {
		return nil
	}
	if err := b.client.Set(ctx, b.revokedKey(taskID), "1", 10*time.Minute).Err(); err != nil {
		if b.log != nil {
			b.log.WithField("task_id", taskID).WithField("error", err.Error()).Warn("broker revoke failed")
		}
		return err
	}
	return nil
}

// Heartbeat records that workerID is alive, used by C9's worker roster
// inspection. ttl should exceed the worker pool's heartbeat interval.
func (b *Broker) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	if !b.enabled {
		return nil
	}
	return b.client.Set(ctx, b.heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// RosterStatus is the outcome of inspecting the live worker roster.
type RosterStatus string

const (
	RosterHealthy  RosterStatus = "healthy"
	RosterNoWorkers RosterStatus = "no_workers"
	RosterError    RosterStatus = "error"
)

// Inspect reports the live worker count, distinguishing "no workers"
// (reachable broker, empty roster) from "error" (broker unreachable),
// per spec.md §4.9.
func (b *Broker) Inspect(ctx context.Context) (RosterStatus, int, error) {
	if !b.enabled {
		return RosterError, 0, fmt.Errorf("broker disabled")
	}
	var cursor uint64
	var count int
	pattern := fmt.Sprintf("%s:workers:*", b.prefix)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return RosterError, 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if count == 0 {
		return RosterNoWorkers, 0, nil
	}
	return RosterHealthy, count, nil
}

// Ping reports whether the backing Redis instance is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if !b.enabled {
		return nil
	}
	return b.client.Ping(ctx).Err()
}

// QueueDepth returns the number of tasks waiting (not yet leased) on queue.
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int64, error) {
	if !b.enabled {
		return 0, nil
	}
	return b.client.LLen(ctx, b.queueKey(queue)).Result()
}
