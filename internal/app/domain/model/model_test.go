package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionFollowsCommitmentStateMachine(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateUploaded, true},
		{StatePending, StateValidating, false},
		{StateUploaded, StateValidating, true},
		{StateValidating, StateReady, true},
		{StateValidating, StateError, true},
		{StateError, StateValidating, true},
		{StateReady, StateUploaded, false},
		{StateReady, StateArchived, true},
		{StateArchived, StatePending, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestIsCommittedOnlyTrueWhenReady(t *testing.T) {
	assert.False(t, (*Model)(nil).IsCommitted())
	assert.False(t, (&Model{State: StateValidating}).IsCommitted())
	assert.True(t, (&Model{State: StateReady}).IsCommitted())
}

func TestCheckPostCommitmentInvariantRejectsMissingCoordinates(t *testing.T) {
	m := &Model{ID: "m1", State: StateReady}
	err := m.CheckPostCommitmentInvariant()
	assert.Error(t, err)
}

func TestCheckPostCommitmentInvariantPassesWithFullyCommittedRow(t *testing.T) {
	hash := "abc123"
	blob := "blobs/ab/c123"
	m := &Model{
		ID:           "m1",
		State:        StateReady,
		BlobPath:     &blob,
		ContentHash:  &hash,
		InputSchema:  []TensorSpec{{Name: "x", Dtype: "float32"}},
		OutputSchema: []TensorSpec{{Name: "y", Dtype: "float32"}},
	}
	assert.NoError(t, m.CheckPostCommitmentInvariant())
}

func TestCheckPostCommitmentInvariantSkipsNonReadyStates(t *testing.T) {
	m := &Model{ID: "m1", State: StatePending}
	assert.NoError(t, m.CheckPostCommitmentInvariant())
}
