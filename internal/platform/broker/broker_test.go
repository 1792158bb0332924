package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/pkg/logger"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return New(client, Config{Enabled: true, KeyPrefix: "test"}, logger.NewDefault("broker-test"))
}

func TestEnqueueLeaseAckRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	taskID, err := b.Enqueue(ctx, "inference", "job-1")
	require.NoError(t, err)
	assert.NotEmpty(t, taskID)

	depth, err := b.QueueDepth(ctx, "inference")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	task, err := b.Lease(ctx, "inference", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "job-1", task.JobID)

	depth, err = b.QueueDepth(ctx, "inference")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	require.NoError(t, b.Ack(ctx, "inference", task))
}

func TestLeaseTimesOutWithEmptyQueue(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	task, err := b.Lease(ctx, "inference", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestRevokeDropsLeasedTaskInstead(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	taskID, err := b.Enqueue(ctx, "inference", "job-1")
	require.NoError(t, err)
	require.NoError(t, b.Revoke(ctx, taskID))

	task, err := b.Lease(ctx, "inference", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task, "a revoked task must not be redelivered")
}

func TestInspectDistinguishesNoWorkersFromHealthy(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)

	status, count, err := b.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, RosterNoWorkers, status)
	assert.Equal(t, 0, count)

	require.NoError(t, b.Heartbeat(ctx, "worker-1", time.Minute))

	status, count, err = b.Inspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, RosterHealthy, status)
	assert.Equal(t, 1, count)
}

func TestDisabledBrokerDegradesEverywhere(t *testing.T) {
	ctx := context.Background()
	b := New(nil, Config{Enabled: false}, logger.NewDefault("broker-test"))

	_, err := b.Enqueue(ctx, "inference", "job-1")
	assert.Error(t, err)

	assert.NoError(t, b.Ping(ctx))
	assert.NoError(t, b.Heartbeat(ctx, "worker-1", time.Minute))

	depth, err := b.QueueDepth(ctx, "inference")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}
