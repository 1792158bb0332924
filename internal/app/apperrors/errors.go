// Package apperrors defines the closed error-kind hierarchy every component
// raises. The HTTP layer is the only place these are pattern-matched into
// status codes (see httpapi.statusFor).
package apperrors

import "fmt"

// EngineKind enumerates engine-adapter failure modes.
type EngineKind string

const (
	EngineLoad               EngineKind = "load"
	EngineValidation         EngineKind = "validation"
	EngineInput              EngineKind = "input"
	EngineRuntime            EngineKind = "runtime"
	EngineInvariantViolation EngineKind = "invariant_violation"
)

// EngineError wraps a failure from the inference engine adapter (C2).
type EngineError struct {
	Kind    EngineKind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine error (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("engine error (%s): %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewEngineError constructs an *EngineError.
func NewEngineError(kind EngineKind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// CatalogKind enumerates catalog (model lifecycle) failure modes.
type CatalogKind string

const (
	CatalogNotFound       CatalogKind = "not_found"
	CatalogConflict       CatalogKind = "conflict"
	CatalogBadState       CatalogKind = "bad_state"
	CatalogMissingInput   CatalogKind = "missing_input"
)

// CatalogError wraps a failure from the model catalog (C4).
type CatalogError struct {
	Kind    CatalogKind
	Message string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog error (%s): %s", e.Kind, e.Message)
}

// NewCatalogError constructs a *CatalogError.
func NewCatalogError(kind CatalogKind, message string) *CatalogError {
	return &CatalogError{Kind: kind, Message: message}
}

// StorageKind enumerates artifact-store failure modes.
type StorageKind string

const (
	StorageFull     StorageKind = "full"
	StorageNotFound StorageKind = "not_found"
	StorageOther    StorageKind = "other"
)

// StorageError wraps a failure from the artifact store (C1).
type StorageError struct {
	Kind    StorageKind
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage error (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("storage error (%s): %s", e.Kind, e.Message)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError constructs a *StorageError.
func NewStorageError(kind StorageKind, message string, err error) *StorageError {
	return &StorageError{Kind: kind, Message: message, Err: err}
}

// JobKind enumerates job-engine failure modes outside the engine's own.
type JobKind string

const (
	JobNotFound    JobKind = "not_found"
	JobBadState    JobKind = "bad_state"
	JobOutOfRange  JobKind = "out_of_range"
)

// JobError wraps a failure from the job engine (C6) that is not itself an
// EngineError (which it also surfaces verbatim when the failure originated in
// the engine adapter).
type JobError struct {
	Kind    JobKind
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job error (%s): %s", e.Kind, e.Message)
}

// NewJobError constructs a *JobError.
func NewJobError(kind JobKind, message string) *JobError {
	return &JobError{Kind: kind, Message: message}
}
