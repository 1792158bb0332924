package artifact

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logger.NewDefault("artifact-test"), core.NoopObservationHooks)
	require.NoError(t, err)
	return s
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path, size, sum, err := s.Save(ctx, strings.NewReader("hello world"), "model.onnx", 0)
	require.NoError(t, err)
	assert.Equal(t, "model.onnx", path)
	assert.EqualValues(t, 11, size)
	assert.NotEmpty(t, sum)

	data, err := s.Get(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.True(t, s.Exists(path))
}

func TestSaveRejectsOversizedStream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, _, err := s.Save(ctx, bytes.NewReader(make([]byte, 100)), "big.onnx", 10)
	require.Error(t, err)
	var storageErr *apperrors.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, apperrors.StorageFull, storageErr.Kind)
}

func TestSaveSanitizesSuggestedName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path, _, _, err := s.Save(ctx, strings.NewReader("x"), "../../etc/passwd", 0)
	require.NoError(t, err)
	assert.Equal(t, "passwd", path)
}

func TestResolveRejectsPathTraversal(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Resolve("../outside.onnx")
	require.Error(t, err)
	var storageErr *apperrors.StorageError
	require.ErrorAs(t, err, &storageErr)
}

func TestDeleteMissingReturnsFalseNotError(t *testing.T) {
	s := newTestStore(t)

	deleted, err := s.Delete("does-not-exist.onnx")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPingHealthy(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
