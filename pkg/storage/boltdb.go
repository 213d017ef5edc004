package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strata-lab/strata/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUsers          = []byte("user_profiles")
	bucketUsersByID      = []byte("user_profiles_by_id") // user_id -> email
	bucketDatasets       = []byte("datasets")            // uuid -> record
	bucketDatasetSlugs   = []byte("dataset_slugs")       // slug -> uuid
	bucketDatasetNumeric = []byte("dataset_numeric_ids") // big-endian id -> uuid
	bucketDatasetNames   = []byte("dataset_owner_names") // owner\x00name -> uuid
	bucketSessions       = []byte("upload_sessions")
	bucketCounters       = []byte("counters")

	keyNumericCounter = []byte("dataset_numeric_id")
)

// numericIDFloor keeps minted ids at five digits
const numericIDFloor = 10000

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the catalog database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "strata.db")
	return OpenBoltStore(dbPath)
}

// OpenBoltStore opens the catalog database at an explicit path
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketUsersByID,
			bucketDatasets,
			bucketDatasetSlugs,
			bucketDatasetNumeric,
			bucketDatasetNames,
			bucketSessions,
			bucketCounters,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ownerNameKey builds the composite index key for (owner_email, name)
func ownerNameKey(ownerEmail, name string) []byte {
	key := make([]byte, 0, len(ownerEmail)+len(name)+1)
	key = append(key, ownerEmail...)
	key = append(key, 0)
	key = append(key, name...)
	return key
}

func numericKey(id int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// User operations

func (s *BoltStore) CreateUser(user *types.UserProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(user.Email)) != nil {
			return fmt.Errorf("user already exists: %s", user.Email)
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(user.Email), data); err != nil {
			return err
		}
		return tx.Bucket(bucketUsersByID).Put([]byte(user.UserID), []byte(user.Email))
	})
}

func (s *BoltStore) GetUserByEmail(email string) (*types.UserProfile, error) {
	var user types.UserProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(email))
		if data == nil {
			return fmt.Errorf("user not found: %s: %w", email, types.ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByID(userID string) (*types.UserProfile, error) {
	var user types.UserProfile
	err := s.db.View(func(tx *bolt.Tx) error {
		email := tx.Bucket(bucketUsersByID).Get([]byte(userID))
		if email == nil {
			return fmt.Errorf("user not found: %s: %w", userID, types.ErrNotFound)
		}
		data := tx.Bucket(bucketUsers).Get(email)
		if data == nil {
			return fmt.Errorf("user not found: %s: %w", userID, types.ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) UpdateUser(user *types.UserProfile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(user.Email), data)
	})
}

// Dataset operations

func putDataset(tx *bolt.Tx, ds *types.Dataset) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDatasets).Put([]byte(ds.UUID), data)
}

func getDataset(tx *bolt.Tx, uuid string) (*types.Dataset, error) {
	data := tx.Bucket(bucketDatasets).Get([]byte(uuid))
	if data == nil {
		return nil, fmt.Errorf("dataset not found: %s: %w", uuid, types.ErrNotFound)
	}
	var ds types.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *BoltStore) CreateDataset(ds *types.Dataset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDatasets).Get([]byte(ds.UUID)) != nil {
			return fmt.Errorf("dataset already exists: %s", ds.UUID)
		}
		if tx.Bucket(bucketDatasetSlugs).Get([]byte(ds.Slug)) != nil {
			return fmt.Errorf("slug already in use: %s", ds.Slug)
		}
		nameKey := ownerNameKey(ds.OwnerEmail, ds.Name)
		if tx.Bucket(bucketDatasetNames).Get(nameKey) != nil {
			return fmt.Errorf("dataset name already in use by owner: %s", ds.Name)
		}
		if tx.Bucket(bucketDatasetNumeric).Get(numericKey(ds.NumericID)) != nil {
			return fmt.Errorf("numeric id already in use: %d", ds.NumericID)
		}

		if err := putDataset(tx, ds); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDatasetSlugs).Put([]byte(ds.Slug), []byte(ds.UUID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDatasetNames).Put(nameKey, []byte(ds.UUID)); err != nil {
			return err
		}
		return tx.Bucket(bucketDatasetNumeric).Put(numericKey(ds.NumericID), []byte(ds.UUID))
	})
}

func (s *BoltStore) GetDataset(uuid string) (*types.Dataset, error) {
	var ds *types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ds, err = getDataset(tx, uuid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ds.DeletedAt != nil {
		return nil, fmt.Errorf("dataset not found: %s: %w", uuid, types.ErrNotFound)
	}
	return ds, nil
}

func (s *BoltStore) getDatasetByIndex(bucket, key []byte) (*types.Dataset, error) {
	var ds *types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		uuid := tx.Bucket(bucket).Get(key)
		if uuid == nil {
			return fmt.Errorf("dataset not found: %s: %w", key, types.ErrNotFound)
		}
		var err error
		ds, err = getDataset(tx, string(uuid))
		return err
	})
	if err != nil {
		return nil, err
	}
	if ds.DeletedAt != nil {
		return nil, fmt.Errorf("dataset not found: %w", types.ErrNotFound)
	}
	return ds, nil
}

func (s *BoltStore) GetDatasetBySlug(slug string) (*types.Dataset, error) {
	return s.getDatasetByIndex(bucketDatasetSlugs, []byte(slug))
}

func (s *BoltStore) GetDatasetByNumericID(numericID int) (*types.Dataset, error) {
	return s.getDatasetByIndex(bucketDatasetNumeric, numericKey(numericID))
}

func (s *BoltStore) GetDatasetByOwnerAndName(ownerEmail, name string) (*types.Dataset, error) {
	return s.getDatasetByIndex(bucketDatasetNames, ownerNameKey(ownerEmail, name))
}

// FindDatasetsByName scans for all live datasets with the given name,
// regardless of owner. Used for the resolver's global name fallback.
func (s *BoltStore) FindDatasetsByName(name string) ([]*types.Dataset, error) {
	var found []*types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatasets).ForEach(func(k, v []byte) error {
			var ds types.Dataset
			if err := json.Unmarshal(v, &ds); err != nil {
				return err
			}
			if ds.Name == name && ds.DeletedAt == nil {
				found = append(found, &ds)
			}
			return nil
		})
	})
	return found, err
}

func (s *BoltStore) ListDatasetsByOwner(ownerEmail string) ([]*types.Dataset, error) {
	var datasets []*types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatasets).ForEach(func(k, v []byte) error {
			var ds types.Dataset
			if err := json.Unmarshal(v, &ds); err != nil {
				return err
			}
			if ds.OwnerEmail == ownerEmail && ds.DeletedAt == nil {
				datasets = append(datasets, &ds)
			}
			return nil
		})
	})
	return datasets, err
}

func (s *BoltStore) ListDatasetsByStatus(status types.DatasetStatus) ([]*types.Dataset, error) {
	var datasets []*types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatasets).ForEach(func(k, v []byte) error {
			var ds types.Dataset
			if err := json.Unmarshal(v, &ds); err != nil {
				return err
			}
			if ds.Status == status && ds.DeletedAt == nil {
				datasets = append(datasets, &ds)
			}
			return nil
		})
	})
	return datasets, err
}

func (s *BoltStore) UpdateDataset(ds *types.Dataset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDatasets).Get([]byte(ds.UUID)) == nil {
			return fmt.Errorf("dataset not found: %s: %w", ds.UUID, types.ErrNotFound)
		}
		ds.UpdatedAt = time.Now()
		return putDataset(tx, ds)
	})
}

func (s *BoltStore) SoftDeleteDataset(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ds, err := getDataset(tx, uuid)
		if err != nil {
			return err
		}
		now := time.Now()
		ds.DeletedAt = &now
		ds.UpdatedAt = now
		if err := putDataset(tx, ds); err != nil {
			return err
		}
		// Drop the secondary indexes so the identifiers can be reused
		if err := tx.Bucket(bucketDatasetSlugs).Delete([]byte(ds.Slug)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDatasetNames).Delete(ownerNameKey(ds.OwnerEmail, ds.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketDatasetNumeric).Delete(numericKey(ds.NumericID))
	})
}

func (s *BoltStore) AppendDatasetFile(uuid string, entry *types.FileEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ds, err := getDataset(tx, uuid)
		if err != nil {
			return err
		}
		ds.Files = append(ds.Files, entry)
		ds.UpdatedAt = time.Now()
		return putDataset(tx, ds)
	})
}

// CompareAndSetStatus enforces the state machine's serialization: the write
// succeeds only when the stored status still equals from.
func (s *BoltStore) CompareAndSetStatus(uuid string, from, to types.DatasetStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ds, err := getDataset(tx, uuid)
		if err != nil {
			return err
		}
		if ds.Status != from {
			return fmt.Errorf("status is %q, expected %q: %w", ds.Status, from, types.ErrStaleState)
		}
		ds.Status = to
		ds.UpdatedAt = time.Now()
		if to == types.StatusConverting || to == types.StatusSyncing {
			ds.ClaimedAt = time.Now()
		}
		return putDataset(tx, ds)
	})
}

// ClaimNextByStatus scans for the first claimable dataset in from and moves
// it to to within the same transaction. BoltDB's single-writer transaction
// guarantees at most one worker wins a given dataset.
func (s *BoltStore) ClaimNextByStatus(from, to types.DatasetStatus) (*types.Dataset, error) {
	var claimed *types.Dataset
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDatasets).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ds types.Dataset
			if err := json.Unmarshal(v, &ds); err != nil {
				return err
			}
			if ds.Status != from || ds.DeletedAt != nil {
				continue
			}
			ds.Status = to
			ds.ClaimedAt = time.Now()
			ds.UpdatedAt = time.Now()
			if err := putDataset(tx, &ds); err != nil {
				return err
			}
			claimed = &ds
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *BoltStore) ListStaleClaims(status types.DatasetStatus, olderThan time.Time) ([]*types.Dataset, error) {
	var stale []*types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatasets).ForEach(func(k, v []byte) error {
			var ds types.Dataset
			if err := json.Unmarshal(v, &ds); err != nil {
				return err
			}
			if ds.Status == status && ds.DeletedAt == nil && !ds.ClaimedAt.IsZero() && ds.ClaimedAt.Before(olderThan) {
				stale = append(stale, &ds)
			}
			return nil
		})
	})
	return stale, err
}

// NextNumericID mints from a monotonic counter, skipping values already
// bound to a dataset. The counter starts at the five-digit floor.
func (s *BoltStore) NextNumericID() (int, error) {
	var id int
	err := s.db.Update(func(tx *bolt.Tx) error {
		counters := tx.Bucket(bucketCounters)
		numeric := tx.Bucket(bucketDatasetNumeric)

		next := numericIDFloor
		if cur := counters.Get(keyNumericCounter); cur != nil {
			next = int(binary.BigEndian.Uint64(cur)) + 1
		}
		for numeric.Get(numericKey(next)) != nil {
			next++
		}
		id = next
		return counters.Put(keyNumericCounter, numericKey(next))
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Session operations

func putSession(tx *bolt.Tx, sess *types.UploadSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put([]byte(sess.SessionID), data)
}

func getSession(tx *bolt.Tx, sessionID string) (*types.UploadSession, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
	if data == nil {
		return nil, fmt.Errorf("upload session not found: %s: %w", sessionID, types.ErrNotFound)
	}
	var sess types.UploadSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) CreateSession(sess *types.UploadSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSessions).Get([]byte(sess.SessionID)) != nil {
			return fmt.Errorf("upload session already exists: %s", sess.SessionID)
		}
		return putSession(tx, sess)
	})
}

func (s *BoltStore) GetSession(sessionID string) (*types.UploadSession, error) {
	var sess *types.UploadSession
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sess, err = getSession(tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *BoltStore) UpdateSession(sess *types.UploadSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSessions).Get([]byte(sess.SessionID)) == nil {
			return fmt.Errorf("upload session not found: %s: %w", sess.SessionID, types.ErrNotFound)
		}
		return putSession(tx, sess)
	})
}

func (s *BoltStore) ListSessionsByOwner(ownerEmail string) ([]*types.UploadSession, error) {
	var sessions []*types.UploadSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.UploadSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.OwnerEmail == ownerEmail {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListSessionsByState(state types.SessionState) ([]*types.UploadSession, error) {
	var sessions []*types.UploadSession
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.UploadSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.State == state {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) MarkChunkReceived(sessionID string, chunkIndex int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.ReceivedChunks == nil {
			sess.ReceivedChunks = make(map[int]bool)
		}
		sess.ReceivedChunks[chunkIndex] = true
		return putSession(tx, sess)
	})
}

func (s *BoltStore) CompareAndSetSessionState(sessionID string, from, to types.SessionState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return err
		}
		if sess.State != from {
			return fmt.Errorf("session state is %q, expected %q: %w", sess.State, from, types.ErrStaleState)
		}
		sess.State = to
		return putSession(tx, sess)
	})
}
