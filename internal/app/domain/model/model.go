// Package model defines the catalog entity and its commitment state machine.
package model

import (
	"fmt"
	"time"
)

// State is one of the six positions in the commitment state machine.
type State string

const (
	StatePending    State = "PENDING"
	StateUploaded   State = "UPLOADED"
	StateValidating State = "VALIDATING"
	StateReady      State = "READY"
	StateError      State = "ERROR"
	StateArchived   State = "ARCHIVED"
)

// transitions enumerates the permitted edges of the commitment state machine.
// Archival is reserved (not reachable by any operation in this package) but
// listed so the table stays the single source of truth for "any -> archived".
var transitions = map[State]map[State]bool{
	StatePending:    {StateUploaded: true, StateArchived: true},
	StateUploaded:   {StateValidating: true, StateArchived: true},
	StateValidating: {StateReady: true, StateError: true, StateArchived: true},
	StateReady:      {StateArchived: true},
	StateError:      {StateValidating: true, StateArchived: true},
	StateArchived:   {},
}

// CanTransition reports whether moving from `from` to `to` is a legal edge.
func CanTransition(from, to State) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// TensorSpec describes one named tensor in a committed schema.
type TensorSpec struct {
	Name  string `json:"name"`
	Dtype string `json:"dtype"`
	// Shape entries are nil for dynamic/symbolic axes.
	Shape []*int64 `json:"shape"`
}

// Names returns the ordered tensor names of a schema, used by the engine
// adapter to check that every declared input was supplied (P7).
func Names(specs []TensorSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

// Model is the catalog entity: identity, commitment state, artifact
// coordinates, and committed schema/metadata.
type Model struct {
	ID          string
	Name        string
	Version     string
	Description string
	State       State

	BlobPath    *string
	SizeBytes   *int64
	ContentHash *string

	InputSchema      []TensorSpec
	OutputSchema     []TensorSpec
	RuntimeMetadata  map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCommitted reports whether the model has crossed the commitment boundary
// (VALIDATING -> READY). Nothing outside this package and the catalog service
// is permitted to infer commitment any other way (see AssertCommitted).
func (m *Model) IsCommitted() bool {
	return m != nil && m.State == StateReady
}

// CheckPostCommitmentInvariant verifies invariant I-M1: a READY row must carry
// non-null artifact coordinates and schemas. It never mutates the model; it is
// the single explicit runtime check other code paths are permitted to rely on.
func (m *Model) CheckPostCommitmentInvariant() error {
	if m == nil {
		return fmt.Errorf("model is nil")
	}
	if m.State != StateReady {
		return nil
	}
	if m.BlobPath == nil || *m.BlobPath == "" {
		return fmt.Errorf("invariant violated: READY model %s has no blob_path", m.ID)
	}
	if m.ContentHash == nil || *m.ContentHash == "" {
		return fmt.Errorf("invariant violated: READY model %s has no content_hash", m.ID)
	}
	if len(m.InputSchema) == 0 || len(m.OutputSchema) == 0 {
		return fmt.Errorf("invariant violated: READY model %s is missing committed schema", m.ID)
	}
	return nil
}
