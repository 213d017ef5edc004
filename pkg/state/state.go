// Package state declares the dataset status vocabulary's transition table
// and funnels every status write through compare-and-set.
package state

import (
	"fmt"

	"github.com/strata-lab/strata/pkg/types"
)

// transitions is the static table of valid status moves. Cycles exist only
// through the error→retry resets and the requeue of stale claims.
var transitions = map[types.DatasetStatus][]types.DatasetStatus{
	types.StatusSubmitted: {
		types.StatusUploadQueued,
		types.StatusUploading,
		types.StatusSyncQueued,
		types.StatusCancelled,
	},
	types.StatusUploadQueued: {
		types.StatusUploading,
		types.StatusUploadError,
		types.StatusCancelled,
	},
	types.StatusUploading: {
		types.StatusUnzipping,
		types.StatusConversionQueued,
		types.StatusDone,
		types.StatusUploadQueued, // stale-claim requeue
		types.StatusUploadError,
		types.StatusCancelled,
	},
	types.StatusUnzipping: {
		types.StatusConversionQueued,
		types.StatusDone,
		types.StatusUploadError,
		types.StatusCancelled,
	},
	types.StatusSyncQueued: {
		types.StatusSyncing,
		types.StatusSyncError,
		types.StatusCancelled,
	},
	types.StatusSyncing: {
		types.StatusUnzipping,
		types.StatusConversionQueued,
		types.StatusDone,
		types.StatusSyncQueued, // stale-claim requeue
		types.StatusSyncError,
		types.StatusCancelled,
	},
	types.StatusConversionQueued: {
		types.StatusConverting,
		types.StatusCancelled,
	},
	types.StatusConverting: {
		types.StatusDone,
		types.StatusConversionQueued, // retry or stale-claim requeue
		types.StatusConversionError,
		types.StatusConversionFailed,
		types.StatusCancelled,
	},
	types.StatusUploadError: {
		types.StatusUploadQueued,
		types.StatusUploading,
		types.StatusCancelled,
	},
	types.StatusSyncError: {
		types.StatusSyncQueued,
		types.StatusCancelled,
	},
	types.StatusConversionError: {
		types.StatusConversionQueued,
		types.StatusConversionFailed,
		types.StatusCancelled,
	},
	// Terminal states have no outgoing transitions
	types.StatusDone:             {},
	types.StatusConversionFailed: {},
	types.StatusCancelled:        {},
}

// terminal states are ignored by the dispatcher
var terminal = map[types.DatasetStatus]bool{
	types.StatusDone:             true,
	types.StatusConversionFailed: true,
	types.StatusCancelled:        true,
}

// IsValid reports whether s is a declared status
func IsValid(s types.DatasetStatus) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s is a terminal status
func IsTerminal(s types.DatasetStatus) bool {
	return terminal[s]
}

// CanTransition reports whether from→to is in the transition table
func CanTransition(from, to types.DatasetStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusStore is the catalog subset the state machine writes through
type StatusStore interface {
	CompareAndSetStatus(uuid string, from, to types.DatasetStatus) error
}

// Machine encapsulates all writes to the dataset status field
type Machine struct {
	store StatusStore
}

// NewMachine creates a state machine backed by the given store
func NewMachine(store StatusStore) *Machine {
	return &Machine{store: store}
}

// Transition validates from→to against the table and applies it with
// compare-and-set. Callers receive types.ErrStaleState when the stored
// status no longer matches from.
func (m *Machine) Transition(uuid string, from, to types.DatasetStatus) error {
	if !IsValid(from) {
		return fmt.Errorf("unknown status %q", from)
	}
	if !IsValid(to) {
		return fmt.Errorf("unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition %q -> %q", from, to)
	}
	return m.store.CompareAndSetStatus(uuid, from, to)
}
