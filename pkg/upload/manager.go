package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/state"
	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/types"
)

// Manager tracks chunked-upload session state and owns the chunk spool.
// Chunks for one session may arrive concurrently; writes to distinct slots
// never conflict because each slot is its own spool file and the received
// set is updated atomically in the catalog.
type Manager struct {
	store   storage.Store
	machine *state.Machine
	layout  *Layout
	broker  *events.Broker
	logger  zerolog.Logger

	chunkSize  int64
	sessionTTL time.Duration

	stopCh chan struct{}
}

// Config holds upload manager configuration
type Config struct {
	ChunkSize  int64
	SessionTTL time.Duration
}

// NewManager creates the upload session manager
func NewManager(store storage.Store, machine *state.Machine, layout *Layout, broker *events.Broker, cfg Config) *Manager {
	return &Manager{
		store:      store,
		machine:    machine,
		layout:     layout,
		broker:     broker,
		logger:     log.WithComponent("upload"),
		chunkSize:  cfg.ChunkSize,
		sessionTTL: cfg.SessionTTL,
		stopCh:     make(chan struct{}),
	}
}

// InitiateInput describes a new chunked upload
type InitiateInput struct {
	DatasetUUID string
	Filename    string
	TotalBytes  int64
	OverallHash string
	ChunkSize   int64    // 0 uses the configured default
	ChunkHashes []string // optional expected SHA-256 per chunk
	OwnerEmail  string
}

// Initiate creates a session for a chunked upload. Zero-byte files are
// rejected; total_chunks = ceil(total_bytes / chunk_size).
func (m *Manager) Initiate(in InitiateInput) (*types.UploadSession, error) {
	if in.TotalBytes <= 0 {
		return nil, types.NewValidationError("file_size", "must be greater than zero")
	}
	if in.Filename == "" {
		return nil, types.NewValidationError("filename", "must not be empty")
	}
	chunkSize := in.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.chunkSize
	}

	totalChunks := int((in.TotalBytes + chunkSize - 1) / chunkSize)
	if len(in.ChunkHashes) > 0 && len(in.ChunkHashes) != totalChunks {
		return nil, types.NewValidationError("chunk_hashes",
			fmt.Sprintf("expected %d entries, got %d", totalChunks, len(in.ChunkHashes)))
	}

	sess := &types.UploadSession{
		SessionID:      uuid.New().String(),
		DatasetUUID:    in.DatasetUUID,
		Filename:       in.Filename,
		TotalBytes:     in.TotalBytes,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		ReceivedChunks: make(map[int]bool),
		ChunkHashes:    in.ChunkHashes,
		OverallHash:    in.OverallHash,
		OwnerEmail:     in.OwnerEmail,
		State:          types.SessionOpen,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(m.sessionTTL),
	}

	if err := os.MkdirAll(m.layout.SessionDir(sess.SessionID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk spool: %w", err)
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventSessionCreated,
		Message: "upload session created",
		Metadata: map[string]string{
			"session_id":   sess.SessionID,
			"dataset_uuid": sess.DatasetUUID,
			"filename":     sess.Filename,
		},
	})
	m.logger.Info().
		Str("session_id", sess.SessionID).
		Str("dataset_uuid", sess.DatasetUUID).
		Int64("total_bytes", sess.TotalBytes).
		Int("total_chunks", sess.TotalChunks).
		Msg("Chunked upload initiated")

	return sess, nil
}

// WriteChunk validates and spools one chunk. Re-uploading an
// already-received chunk with identical bytes is a no-op; different bytes
// are rejected. A declared hash that does not match the bytes rejects the
// chunk without marking it received.
func (m *Manager) WriteChunk(sessionID string, chunkIndex int, data io.Reader) (int, error) {
	sess, err := m.openSession(sessionID)
	if err != nil {
		return 0, err
	}
	if chunkIndex < 0 || chunkIndex >= sess.TotalChunks {
		return 0, types.NewValidationError("chunk_number",
			fmt.Sprintf("index %d outside [0, %d)", chunkIndex, sess.TotalChunks))
	}

	// Spool to a temp file first so the slot write is atomic
	dir := m.layout.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create chunk spool: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to spool chunk: %w", err)
	}
	gotHash := hex.EncodeToString(hasher.Sum(nil))

	if len(sess.ChunkHashes) > 0 && sess.ChunkHashes[chunkIndex] != "" &&
		!strings.EqualFold(sess.ChunkHashes[chunkIndex], gotHash) {
		metrics.ChunkHashFailures.Inc()
		return 0, fmt.Errorf("chunk %d: declared %s, got %s: %w",
			chunkIndex, sess.ChunkHashes[chunkIndex], gotHash, types.ErrChunkHashMismatch)
	}

	slot := m.layout.ChunkPath(sessionID, chunkIndex)
	if sess.ReceivedChunks[chunkIndex] {
		existing, err := hashFile(slot)
		if err != nil {
			return 0, fmt.Errorf("failed to hash existing chunk: %w", err)
		}
		if existing == gotHash {
			// Identical re-upload, idempotent
			return sess.ReceivedCount(), nil
		}
		metrics.ChunkHashFailures.Inc()
		return 0, fmt.Errorf("chunk %d already received with different content: %w",
			chunkIndex, types.ErrChunkHashMismatch)
	}

	if err := os.Rename(tmp.Name(), slot); err != nil {
		return 0, fmt.Errorf("failed to commit chunk: %w", err)
	}
	if err := m.store.MarkChunkReceived(sessionID, chunkIndex); err != nil {
		return 0, err
	}

	metrics.ChunksReceived.Inc()
	metrics.BytesIngested.Add(float64(written))
	m.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk", chunkIndex).
		Int64("bytes", written).
		Msg("Chunk received")

	return sess.ReceivedCount() + 1, nil
}

// ResumeInfo reports what a client must still send
type ResumeInfo struct {
	MissingChunks []int
	TotalChunks   int
	ReceivedCount int
	BytesReceived int64
	ExpiresAt     time.Time
}

// GetResumeInfo returns the missing chunk set for a session
func (m *Manager) GetResumeInfo(sessionID string) (*ResumeInfo, error) {
	sess, err := m.openSession(sessionID)
	if err != nil {
		return nil, err
	}
	return &ResumeInfo{
		MissingChunks: sess.MissingChunks(),
		TotalChunks:   sess.TotalChunks,
		ReceivedCount: sess.ReceivedCount(),
		BytesReceived: sess.BytesReceived(),
		ExpiresAt:     sess.ExpiresAt,
	}, nil
}

// Complete verifies and assembles the session. The open→completing
// compare-and-set gates double assembly: of two racing completers, one
// loses with StaleState.
func (m *Manager) Complete(sessionID string) (*types.UploadSession, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if missing := sess.MissingChunks(); len(missing) > 0 {
		return nil, types.NewValidationError("upload_id",
			fmt.Sprintf("%d chunks still missing", len(missing)))
	}

	if err := m.store.CompareAndSetSessionState(sessionID, types.SessionOpen, types.SessionCompleting); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	if err := m.assemble(sess); err != nil {
		// Put the session back so the client can retry completion
		if cerr := m.store.CompareAndSetSessionState(sessionID, types.SessionCompleting, types.SessionOpen); cerr != nil {
			m.logger.Error().Err(cerr).Str("session_id", sessionID).Msg("Failed to reopen session after assembly error")
		}
		return nil, err
	}
	timer.ObserveDuration(metrics.SessionAssemblyDuration)

	if err := m.store.CompareAndSetSessionState(sessionID, types.SessionCompleting, types.SessionComplete); err != nil {
		return nil, err
	}
	sess.State = types.SessionComplete

	if err := m.FinishUpload(sess.DatasetUUID, sess.Filename); err != nil {
		return nil, err
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventSessionCompleted,
		Message: "upload session completed",
		Metadata: map[string]string{
			"session_id":   sess.SessionID,
			"dataset_uuid": sess.DatasetUUID,
			"filename":     sess.Filename,
		},
	})
	m.logger.Info().
		Str("session_id", sess.SessionID).
		Str("dataset_uuid", sess.DatasetUUID).
		Msg("Upload session completed")

	return sess, nil
}

// assemble concatenates the chunks in index order into the dataset file
// area, verifying the overall hash, and appends the files[] entry.
func (m *Manager) assemble(sess *types.UploadSession) error {
	destDir := m.layout.DatasetDir(sess.DatasetUUID)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}

	tmp, err := os.CreateTemp(destDir, ".assemble-*")
	if err != nil {
		return fmt.Errorf("failed to create assembly file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	out := io.MultiWriter(tmp, hasher)
	var total int64
	for i := 0; i < sess.TotalChunks; i++ {
		chunk, err := os.Open(m.layout.ChunkPath(sess.SessionID, i))
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to open chunk %d: %w", i, err)
		}
		n, err := io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to copy chunk %d: %w", i, err)
		}
		total += n
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush assembly: %w", err)
	}

	if total != sess.TotalBytes {
		return types.NewValidationError("file_size",
			fmt.Sprintf("assembled %d bytes, expected %d", total, sess.TotalBytes))
	}

	gotHash := hex.EncodeToString(hasher.Sum(nil))
	if sess.OverallHash != "" && !strings.EqualFold(sess.OverallHash, gotHash) {
		return fmt.Errorf("declared %s, got %s: %w", sess.OverallHash, gotHash, types.ErrOverallHashMismatch)
	}

	dest := filepath.Join(destDir, filepath.Base(sess.Filename))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move assembled file: %w", err)
	}

	if err := m.store.AppendDatasetFile(sess.DatasetUUID, &types.FileEntry{
		Filename:     filepath.Base(sess.Filename),
		SizeBytes:    total,
		UploadedAt:   time.Now(),
		RelativePath: filepath.Base(sess.Filename),
	}); err != nil {
		return err
	}

	// Spool no longer needed
	if err := os.RemoveAll(m.layout.SessionDir(sess.SessionID)); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Failed to remove chunk spool")
	}
	return nil
}

// FinishUpload moves the dataset out of uploading once its terminal file
// has landed. Archives pass through unzipping (expanded in place) first;
// datasets with convert=false terminate at done.
func (m *Manager) FinishUpload(datasetUUID, filename string) error {
	ds, err := m.store.GetDataset(datasetUUID)
	if err != nil {
		return err
	}
	if ds.Status != types.StatusUploading {
		// Appending to a dataset that is not mid-upload leaves status alone
		return nil
	}
	next := NextAfterUpload(ds, filename)
	if err := m.machine.Transition(ds.UUID, types.StatusUploading, next); err != nil {
		return err
	}
	m.broker.PublishStatusChange(ds.UUID, string(types.StatusUploading), string(next))

	if next != types.StatusUnzipping {
		return nil
	}
	return m.unzip(ds, filename)
}

// unzip expands an uploaded archive into the dataset file area and then
// advances the dataset out of unzipping.
func (m *Manager) unzip(ds *types.Dataset, filename string) error {
	dir := m.layout.DatasetDir(ds.UUID)
	archive := filepath.Join(dir, filepath.Base(filename))

	extracted, err := ExpandArchive(archive, dir)
	if err != nil {
		if terr := m.machine.Transition(ds.UUID, types.StatusUnzipping, types.StatusUploadError); terr != nil {
			m.logger.Error().Err(terr).Str("dataset_uuid", ds.UUID).Msg("Failed to record unzip error")
		}
		return fmt.Errorf("failed to expand archive: %w", err)
	}

	now := time.Now()
	for _, rel := range extracted {
		info, err := os.Stat(filepath.Join(dir, rel))
		if err != nil {
			continue
		}
		if err := m.store.AppendDatasetFile(ds.UUID, &types.FileEntry{
			Filename:     filepath.Base(rel),
			SizeBytes:    info.Size(),
			UploadedAt:   now,
			RelativePath: rel,
		}); err != nil {
			return err
		}
	}

	after := types.StatusDone
	if ds.Convert {
		after = types.StatusConversionQueued
	}
	if err := m.machine.Transition(ds.UUID, types.StatusUnzipping, after); err != nil {
		return err
	}
	m.broker.PublishStatusChange(ds.UUID, string(types.StatusUnzipping), string(after))
	m.logger.Info().
		Str("dataset_uuid", ds.UUID).
		Int("files", len(extracted)).
		Msg("Archive expanded")
	return nil
}

// NextAfterUpload decides the status that follows a finished upload:
// archives are unzipped first, then conversion when requested, else done.
func NextAfterUpload(ds *types.Dataset, filename string) types.DatasetStatus {
	if strings.EqualFold(filepath.Ext(filename), ".zip") {
		return types.StatusUnzipping
	}
	if ds.Convert {
		return types.StatusConversionQueued
	}
	return types.StatusDone
}

// Abort cancels an open session and removes its partial bytes. In-flight
// chunk writes may still land in the spool; the directory removal after
// the state flip discards them.
func (m *Manager) Abort(sessionID string) error {
	if err := m.store.CompareAndSetSessionState(sessionID, types.SessionOpen, types.SessionAborted); err != nil {
		return err
	}
	if err := os.RemoveAll(m.layout.SessionDir(sessionID)); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to remove chunk spool")
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventSessionAborted,
		Message:  "upload session aborted",
		Metadata: map[string]string{"session_id": sessionID},
	})
	return nil
}

// StartGC begins the expiry sweep loop
func (m *Manager) StartGC(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.expireSessions(); err != nil {
					m.logger.Error().Err(err).Msg("Session expiry sweep failed")
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the GC loop
func (m *Manager) Stop() {
	close(m.stopCh)
}

// expireSessions transitions open sessions past their deadline to expired
// and garbage-collects their spools.
func (m *Manager) expireSessions() error {
	open, err := m.store.ListSessionsByState(types.SessionOpen)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sess := range open {
		if now.Before(sess.ExpiresAt) {
			continue
		}
		if err := m.store.CompareAndSetSessionState(sess.SessionID, types.SessionOpen, types.SessionExpired); err != nil {
			if errors.Is(err, types.ErrStaleState) {
				continue // completed or aborted underneath us
			}
			return err
		}
		if err := os.RemoveAll(m.layout.SessionDir(sess.SessionID)); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Failed to remove expired spool")
		}
		m.broker.Publish(&events.Event{
			Type:     events.EventSessionExpired,
			Message:  "upload session expired",
			Metadata: map[string]string{"session_id": sess.SessionID},
		})
		m.logger.Info().Str("session_id", sess.SessionID).Msg("Upload session expired")
	}
	return nil
}

// openSession loads a session and checks it is still usable
func (m *Manager) openSession(sessionID string) (*types.UploadSession, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case types.SessionOpen:
	case types.SessionExpired:
		return nil, types.ErrSessionExpired
	default:
		return nil, fmt.Errorf("session is %s: %w", sess.State, types.ErrSessionNotOpen)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, types.ErrSessionExpired
	}
	return sess, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
