// Package prediction defines the immutable audit row created by every
// synchronous inference call.
package prediction

import "time"

// Prediction is append-only: it is never mutated after creation and is
// deleted only via cascade when its owning model is deleted.
type Prediction struct {
	ID              string
	ModelID         string
	InputData       map[string]any
	OutputData      map[string]any
	InferenceTimeMS float64
	Cached          bool
	RequestID       string
	ClientAddr      string
	CreatedAt       time.Time
}
