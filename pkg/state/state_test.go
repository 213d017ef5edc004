package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-lab/strata/pkg/types"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    types.DatasetStatus
		to      types.DatasetStatus
		allowed bool
	}{
		{"submitted to uploading", types.StatusSubmitted, types.StatusUploading, true},
		{"submitted to sync queued", types.StatusSubmitted, types.StatusSyncQueued, true},
		{"uploading to conversion queued", types.StatusUploading, types.StatusConversionQueued, true},
		{"uploading to done", types.StatusUploading, types.StatusDone, true},
		{"uploading to unzipping", types.StatusUploading, types.StatusUnzipping, true},
		{"conversion queued to converting", types.StatusConversionQueued, types.StatusConverting, true},
		{"converting to done", types.StatusConverting, types.StatusDone, true},
		{"converting requeue", types.StatusConverting, types.StatusConversionQueued, true},
		{"uploading requeue", types.StatusUploading, types.StatusUploadQueued, true},
		{"syncing requeue", types.StatusSyncing, types.StatusSyncQueued, true},
		{"converting to failed", types.StatusConverting, types.StatusConversionFailed, true},
		{"syncing to conversion queued", types.StatusSyncing, types.StatusConversionQueued, true},
		{"error retry reset", types.StatusConversionError, types.StatusConversionQueued, true},

		{"done is terminal", types.StatusDone, types.StatusConversionQueued, false},
		{"conversion failed is terminal", types.StatusConversionFailed, types.StatusConversionQueued, false},
		{"cancelled is terminal", types.StatusCancelled, types.StatusSubmitted, false},
		{"no skip to converting", types.StatusSubmitted, types.StatusConverting, false},
		{"no upload to done skip", types.StatusUploadQueued, types.StatusDone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEveryStatusIsDeclared(t *testing.T) {
	all := []types.DatasetStatus{
		types.StatusSubmitted, types.StatusUploadQueued, types.StatusUploading,
		types.StatusUnzipping, types.StatusSyncQueued, types.StatusSyncing,
		types.StatusConversionQueued, types.StatusConverting, types.StatusDone,
		types.StatusUploadError, types.StatusSyncError, types.StatusConversionError,
		types.StatusConversionFailed, types.StatusCancelled,
	}
	for _, status := range all {
		assert.True(t, IsValid(status), "status %q should be declared", status)
	}
	assert.False(t, IsValid(types.DatasetStatus("bogus")))
}

func TestTransitionTargetsAreDeclared(t *testing.T) {
	// Every transition target must itself be a declared status
	for from, targets := range transitions {
		for _, to := range targets {
			assert.True(t, IsValid(to), "target %q of %q must be declared", to, from)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, IsTerminal(types.StatusDone))
	assert.True(t, IsTerminal(types.StatusConversionFailed))
	assert.True(t, IsTerminal(types.StatusCancelled))
	assert.False(t, IsTerminal(types.StatusConverting))
	assert.False(t, IsTerminal(types.StatusSubmitted))

	// Terminal states have no outgoing transitions
	for status := range transitions {
		if IsTerminal(status) {
			assert.Empty(t, transitions[status], "terminal %q must have no transitions", status)
		}
	}
}

// fakeStatusStore records compare-and-set calls
type fakeStatusStore struct {
	current types.DatasetStatus
	calls   int
}

func (f *fakeStatusStore) CompareAndSetStatus(uuid string, from, to types.DatasetStatus) error {
	f.calls++
	if f.current != from {
		return types.ErrStaleState
	}
	f.current = to
	return nil
}

func TestMachineTransition(t *testing.T) {
	store := &fakeStatusStore{current: types.StatusConversionQueued}
	machine := NewMachine(store)

	err := machine.Transition("ds-1", types.StatusConversionQueued, types.StatusConverting)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConverting, store.current)

	// Losing the race surfaces StaleState from the store
	store.current = types.StatusDone
	err = machine.Transition("ds-1", types.StatusConverting, types.StatusDone)
	assert.ErrorIs(t, err, types.ErrStaleState)
}

func TestMachineRejectsInvalidTransition(t *testing.T) {
	store := &fakeStatusStore{current: types.StatusDone}
	machine := NewMachine(store)

	// Invalid moves never reach the store
	err := machine.Transition("ds-1", types.StatusDone, types.StatusConverting)
	require.Error(t, err)
	assert.Zero(t, store.calls)

	err = machine.Transition("ds-1", types.DatasetStatus("bogus"), types.StatusDone)
	require.Error(t, err)
	assert.Zero(t, store.calls)
}
