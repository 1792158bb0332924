// Package engine wraps the opaque numeric inference runtime (C2). The real
// ONNX runtime is a cgo/native dependency outside this repository's reach;
// here it is stood in by a sandboxed goja VM evaluating a small declarative
// tensor-graph descriptor, the same technique the broader codebase uses to
// sandbox untrusted script execution (see system/tee in the wider codebase
// this one is drawn from).
//
// An artifact file is a JSON document:
//
//	{
//	  "input_schema":  [{"name": "input", "dtype": "float32", "shape": [null, 10]}],
//	  "output_schema": [{"name": "output", "dtype": "float32", "shape": [null, 10]}],
//	  "runtime_metadata": {"producer": "test", "opset": 13},
//	  "program": "function run(inputs) { return {output: ...}; }"
//	}
//
// `program` is evaluated in a sandboxed VM with no host bindings beyond the
// input tensors; it must define a top-level `run(inputs)` function returning
// the named output tensors.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	core "github.com/modelforge/controlplane/internal/app/core/service"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/pkg/logger"
)

// canonicalDtypes is the vocabulary every engine-reported dtype is translated
// into. Anything else is rejected during validation.
var canonicalDtypes = map[string]bool{
	"float16": true, "float32": true, "float64": true, "bfloat16": true,
	"int8": true, "int16": true, "int32": true, "int64": true,
	"uint8": true, "uint16": true, "uint32": true, "uint64": true,
	"bool": true, "string": true,
}

// ValidationResult is the outcome of validating an artifact file.
type ValidationResult struct {
	Valid           bool
	ErrorMessage    string
	InputSchema     []model.TensorSpec
	OutputSchema    []model.TensorSpec
	RuntimeMetadata map[string]any
}

type session struct {
	program      *goja.Program
	inputNames   []string
	outputNames  []string
}

// Adapter is the inference engine adapter (C2): it wraps the opaque runtime,
// validates artifacts, and runs inference with an in-process compiled-session
// cache keyed by resolved absolute path.
type Adapter struct {
	log *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs an Adapter.
func New(log *logger.Logger) *Adapter {
	return &Adapter{log: log, sessions: make(map[string]*session)}
}

type artifactDoc struct {
	InputSchema     []model.TensorSpec `json:"input_schema"`
	OutputSchema    []model.TensorSpec `json:"output_schema"`
	RuntimeMetadata map[string]any     `json:"runtime_metadata"`
	Program         string             `json:"program"`
}

// Validate attempts to load the artifact at path via the opaque runtime,
// extracting input/output schemas and runtime metadata on success. It never
// mutates catalog state.
func (a *Adapter) Validate(path string) ValidationResult {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{Valid: false, ErrorMessage: fmt.Sprintf("read artifact: %v", err)}
	}
	if !gjson.ValidBytes(raw) {
		return ValidationResult{Valid: false, ErrorMessage: "artifact is not a recognizable graph descriptor"}
	}

	var doc artifactDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ValidationResult{Valid: false, ErrorMessage: fmt.Sprintf("parse artifact: %v", err)}
	}
	if len(doc.InputSchema) == 0 || len(doc.OutputSchema) == 0 {
		return ValidationResult{Valid: false, ErrorMessage: "artifact declares no input or output tensors"}
	}
	if len(doc.Program) == 0 {
		return ValidationResult{Valid: false, ErrorMessage: "artifact has no executable program"}
	}

	for i, t := range doc.InputSchema {
		doc.InputSchema[i].Dtype = canonicalDtype(t.Dtype)
		if !canonicalDtypes[doc.InputSchema[i].Dtype] {
			return ValidationResult{Valid: false, ErrorMessage: fmt.Sprintf("input %q has unsupported dtype %q", t.Name, t.Dtype)}
		}
	}
	for i, t := range doc.OutputSchema {
		doc.OutputSchema[i].Dtype = canonicalDtype(t.Dtype)
		if !canonicalDtypes[doc.OutputSchema[i].Dtype] {
			return ValidationResult{Valid: false, ErrorMessage: fmt.Sprintf("output %q has unsupported dtype %q", t.Name, t.Dtype)}
		}
	}

	vm := goja.New()
	if _, err := vm.RunString(doc.Program + "\n;run;"); err != nil {
		return ValidationResult{Valid: false, ErrorMessage: fmt.Sprintf("compile program: %v", err)}
	}

	meta := doc.RuntimeMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["opset"] = gjson.GetBytes(raw, "runtime_metadata.opset").Value()

	return ValidationResult{
		Valid:           true,
		InputSchema:     doc.InputSchema,
		OutputSchema:    doc.OutputSchema,
		RuntimeMetadata: meta,
	}
}

// onnxDtypeMap translates the runtime's native "tensor(float)"-shaped type
// strings into the canonical dtype vocabulary spec.md §4.2 declares. Dtypes
// already in canonical form pass through unchanged.
var onnxDtypeMap = map[string]string{
	"tensor(float)":    "float32",
	"tensor(float16)":  "float16",
	"tensor(double)":   "float64",
	"tensor(bfloat16)": "bfloat16",
	"tensor(int8)":     "int8",
	"tensor(int16)":    "int16",
	"tensor(int32)":    "int32",
	"tensor(int64)":    "int64",
	"tensor(uint8)":    "uint8",
	"tensor(uint16)":   "uint16",
	"tensor(uint32)":   "uint32",
	"tensor(uint64)":   "uint64",
	"tensor(bool)":     "bool",
	"tensor(string)":   "string",
}

func canonicalDtype(raw string) string {
	if mapped, ok := onnxDtypeMap[raw]; ok {
		return mapped
	}
	return raw
}

// RunResult is the outcome of a successful inference call.
type RunResult struct {
	Outputs   map[string]any
	ElapsedMS float64
}

// Run executes the compiled session for the artifact at path against
// namedInputs. It enforces the post-commitment invariant at the session-cache
// level (the stricter position from the Open Question): a cached session
// whose backing file has vanished is evicted and raises
// EngineInvariantViolation rather than silently serving stale state.
func (a *Adapter) Run(ctx context.Context, path string, namedInputs map[string]any) (*RunResult, error) {
	if _, err := os.Stat(path); err != nil {
		a.mu.Lock()
		delete(a.sessions, path)
		a.mu.Unlock()
		return nil, apperrors.NewEngineError(apperrors.EngineInvariantViolation,
			fmt.Sprintf("file_path points to a valid ONNX file: file no longer exists at %s", path), err)
	}

	sess, err := a.sessionFor(path)
	if err != nil {
		return nil, err
	}

	for _, name := range sess.inputNames {
		if _, ok := namedInputs[name]; !ok {
			return nil, apperrors.NewEngineError(apperrors.EngineInput, fmt.Sprintf("missing required input %q", name), nil)
		}
	}

	vm := goja.New()
	if _, err := vm.RunProgram(sess.program); err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineLoad, "instantiate compiled session", err)
	}
	runFn, ok := goja.AssertFunction(vm.Get("run"))
	if !ok {
		return nil, apperrors.NewEngineError(apperrors.EngineLoad, "program does not export run(inputs)", nil)
	}

	inputsVal := vm.ToValue(namedInputs)

	start := time.Now()
	result, err := runFn(goja.Undefined(), inputsVal)
	elapsed := time.Since(start)
	if err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineRuntime, "runtime execution failed", err)
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, apperrors.NewEngineError(apperrors.EngineRuntime, "program did not return named output tensors", nil)
	}
	// goja exports whole numbers as int64; a JSON round trip gives outputs the
	// same float64 number shape a decoded request or cached result has.
	encoded, err := json.Marshal(exported)
	if err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineRuntime, "program returned non-serializable outputs", err)
	}
	outputs := make(map[string]any, len(exported))
	if err := json.Unmarshal(encoded, &outputs); err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineRuntime, "program returned non-serializable outputs", err)
	}

	return &RunResult{Outputs: outputs, ElapsedMS: float64(elapsed.Microseconds()) / 1000.0}, nil
}

func (a *Adapter) sessionFor(path string) (*session, error) {
	a.mu.Lock()
	if s, ok := a.sessions[path]; ok {
		a.mu.Unlock()
		return s, nil
	}
	a.mu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineLoad, "read artifact", err)
	}
	var doc artifactDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineLoad, "parse artifact", err)
	}
	program, err := goja.Compile(path, doc.Program, false)
	if err != nil {
		return nil, apperrors.NewEngineError(apperrors.EngineLoad, "compile program", err)
	}

	s := &session{
		program:     program,
		inputNames:  model.Names(doc.InputSchema),
		outputNames: model.Names(doc.OutputSchema),
	}

	a.mu.Lock()
	a.sessions[path] = s
	a.mu.Unlock()
	return s, nil
}

// EvictSession removes a cached session, e.g. when its model is deleted.
func (a *Adapter) EvictSession(path string) {
	a.mu.Lock()
	delete(a.sessions, path)
	a.mu.Unlock()
}

// Descriptor advertises this service's placement for the system manager.
func (a *Adapter) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "engine-adapter", Domain: "model-serving", Layer: core.LayerEngine}
}
