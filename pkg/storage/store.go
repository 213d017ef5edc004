package storage

import (
	"time"

	"github.com/strata-lab/strata/pkg/types"
)

// Store is the catalog contract. All higher components access the catalog
// only through these operations; status writes are compare-and-set so that
// concurrent workers serialize through the stored value.
type Store interface {
	// User profiles
	CreateUser(user *types.UserProfile) error
	GetUserByEmail(email string) (*types.UserProfile, error)
	GetUserByID(userID string) (*types.UserProfile, error)
	UpdateUser(user *types.UserProfile) error

	// Datasets
	CreateDataset(ds *types.Dataset) error
	GetDataset(uuid string) (*types.Dataset, error)
	GetDatasetBySlug(slug string) (*types.Dataset, error)
	GetDatasetByNumericID(numericID int) (*types.Dataset, error)
	GetDatasetByOwnerAndName(ownerEmail, name string) (*types.Dataset, error)
	FindDatasetsByName(name string) ([]*types.Dataset, error)
	ListDatasetsByOwner(ownerEmail string) ([]*types.Dataset, error)
	ListDatasetsByStatus(status types.DatasetStatus) ([]*types.Dataset, error)
	UpdateDataset(ds *types.Dataset) error
	SoftDeleteDataset(uuid string) error

	// AppendDatasetFile appends one file entry to files[] in a single
	// transaction; files[] is append-only while the dataset is ingesting.
	AppendDatasetFile(uuid string, entry *types.FileEntry) error

	// CompareAndSetStatus atomically moves uuid from→to, stamping
	// updated_at and (when to = converting or syncing) claimed_at. Returns
	// types.ErrStaleState when the stored status differs from from.
	CompareAndSetStatus(uuid string, from, to types.DatasetStatus) error

	// ClaimNextByStatus scans for one dataset in from and CASes it to to
	// inside the same transaction. Returns (nil, nil) when nothing is
	// claimable. This is the dispatcher's mutual-exclusion primitive.
	ClaimNextByStatus(from, to types.DatasetStatus) (*types.Dataset, error)

	// ListStaleClaims returns datasets in status whose claimed_at is older
	// than the threshold, candidates for reconciliation.
	ListStaleClaims(status types.DatasetStatus, olderThan time.Time) ([]*types.Dataset, error)

	// NextNumericID mints a short numeric identifier from a monotonic
	// counter, retrying past values already in use.
	NextNumericID() (int, error)

	// Upload sessions
	CreateSession(sess *types.UploadSession) error
	GetSession(sessionID string) (*types.UploadSession, error)
	UpdateSession(sess *types.UploadSession) error
	ListSessionsByOwner(ownerEmail string) ([]*types.UploadSession, error)
	ListSessionsByState(state types.SessionState) ([]*types.UploadSession, error)

	// MarkChunkReceived atomically records a received chunk index
	MarkChunkReceived(sessionID string, chunkIndex int) error

	// CompareAndSetSessionState gates completion: only one caller wins the
	// open→completing move. Returns types.ErrStaleState on mismatch.
	CompareAndSetSessionState(sessionID string, from, to types.SessionState) error

	Close() error
}
