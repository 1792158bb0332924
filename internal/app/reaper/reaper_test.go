package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/pkg/logger"
)

type fakeJobEngine struct {
	orphaned int
	err      error
	calls    int
}

func (f *fakeJobEngine) MarkOrphansFailed(ctx context.Context, staleAfter time.Duration) (int, error) {
	f.calls++
	return f.orphaned, f.err
}

type fakeJobStore struct {
	deleted int
	err     error
	calls   int
	onReap  func()
}

func (f *fakeJobStore) ReapTerminal(ctx context.Context, olderThanDays int) (int, error) {
	f.calls++
	if f.onReap != nil {
		f.onReap()
	}
	return f.deleted, f.err
}

func TestRunOncePerformsOrphanSweepBeforeTerminalReap(t *testing.T) {
	eng := &fakeJobEngine{orphaned: 2}
	store := &fakeJobStore{deleted: 5}
	sweepsBeforeReap := -1
	store.onReap = func() { sweepsBeforeReap = eng.calls }
	svc := New(store, eng, logger.NewDefault("reaper-test"), Config{})

	svc.runOnce(context.Background())

	assert.Equal(t, 1, eng.calls)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, sweepsBeforeReap, "the orphan sweep must run before the terminal reap")
}

func TestRunOnceSkipsTerminalReapErrorsWithoutPanicking(t *testing.T) {
	eng := &fakeJobEngine{orphaned: 0}
	store := &fakeJobStore{err: assert.AnError}
	svc := New(store, eng, logger.NewDefault("reaper-test"), Config{})

	require.NotPanics(t, func() {
		svc.runOnce(context.Background())
	})
}

func TestRunOnceContinuesToTerminalReapWhenOrphanSweepFails(t *testing.T) {
	eng := &fakeJobEngine{err: assert.AnError}
	store := &fakeJobStore{deleted: 3}
	svc := New(store, eng, logger.NewDefault("reaper-test"), Config{})

	svc.runOnce(context.Background())

	assert.Equal(t, 1, store.calls, "a failed orphan sweep must not block the terminal reap pass")
}

func TestNewAppliesDefaults(t *testing.T) {
	svc := New(&fakeJobStore{}, &fakeJobEngine{}, logger.NewDefault("reaper-test"), Config{})
	assert.Equal(t, "@daily", svc.schedule)
	assert.Equal(t, 30, svc.retentionDays)
	assert.Equal(t, 10*time.Minute, svc.staleAfter)
}

func TestNameReturnsServiceIdentifier(t *testing.T) {
	svc := New(&fakeJobStore{}, &fakeJobEngine{}, logger.NewDefault("reaper-test"), Config{})
	assert.Equal(t, "job-reaper", svc.Name())
}

func TestStopWithoutStartIsANoop(t *testing.T) {
	svc := New(&fakeJobStore{}, &fakeJobEngine{}, logger.NewDefault("reaper-test"), Config{})
	assert.NoError(t, svc.Stop(context.Background()))
}
