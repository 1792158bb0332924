package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	"github.com/modelforge/controlplane/pkg/logger"
)

const validArtifact = `{
  "input_schema": [{"name": "x", "dtype": "float32", "shape": [null, 4]}],
  "output_schema": [{"name": "y", "dtype": "float32", "shape": [null, 4]}],
  "runtime_metadata": {"producer": "test-suite", "opset": 13},
  "program": "function run(inputs) { return {y: inputs.x}; }"
}`

func writeArtifact(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestValidateAcceptsWellFormedArtifact(t *testing.T) {
	path := writeArtifact(t, validArtifact)
	a := New(logger.NewDefault("engine-test"))

	result := a.Validate(path)

	require.True(t, result.Valid, result.ErrorMessage)
	require.Len(t, result.InputSchema, 1)
	assert.Equal(t, "x", result.InputSchema[0].Name)
	assert.EqualValues(t, 13, result.RuntimeMetadata["opset"])
}

func TestValidateRejectsMissingSchema(t *testing.T) {
	path := writeArtifact(t, `{"program": "function run(i){return {};}"}`)
	a := New(logger.NewDefault("engine-test"))

	result := a.Validate(path)

	assert.False(t, result.Valid)
	assert.Contains(t, result.ErrorMessage, "no input or output tensors")
}

func TestValidateRejectsUnparsableJSON(t *testing.T) {
	path := writeArtifact(t, "not json")
	a := New(logger.NewDefault("engine-test"))

	result := a.Validate(path)
	assert.False(t, result.Valid)
}

func TestRunExecutesCompiledProgram(t *testing.T) {
	path := writeArtifact(t, validArtifact)
	a := New(logger.NewDefault("engine-test"))

	result, err := a.Run(context.Background(), path, map[string]any{"x": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Outputs["y"])
}

func TestRunRejectsMissingRequiredInput(t *testing.T) {
	path := writeArtifact(t, validArtifact)
	a := New(logger.NewDefault("engine-test"))

	_, err := a.Run(context.Background(), path, map[string]any{})

	var engineErr *apperrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, apperrors.EngineInput, engineErr.Kind)
}

func TestRunEvictsSessionWhenArtifactVanishes(t *testing.T) {
	path := writeArtifact(t, validArtifact)
	a := New(logger.NewDefault("engine-test"))

	_, err := a.Run(context.Background(), path, map[string]any{"x": 1.0})
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	_, err = a.Run(context.Background(), path, map[string]any{"x": 1.0})
	var engineErr *apperrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, apperrors.EngineInvariantViolation, engineErr.Kind)

	a.mu.Lock()
	_, cached := a.sessions[path]
	a.mu.Unlock()
	assert.False(t, cached, "a vanished artifact's session must be evicted, not served stale")
}

func TestRunRejectsRuntimeFailure(t *testing.T) {
	path := writeArtifact(t, `{
		"input_schema": [{"name": "x", "dtype": "float32", "shape": [null, 1]}],
		"output_schema": [{"name": "y", "dtype": "float32", "shape": [null, 1]}],
		"program": "function run(inputs) { throw new Error('boom'); }"
	}`)
	a := New(logger.NewDefault("engine-test"))

	_, err := a.Run(context.Background(), path, map[string]any{"x": 1.0})
	var engineErr *apperrors.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, apperrors.EngineRuntime, engineErr.Kind)
}
