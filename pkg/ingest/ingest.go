// Package ingest accepts whole-file, chunked, and remote-source uploads.
// The three modes share one postlude: persist bytes, advance the status
// machine, return a job handle the client polls.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/fetch"
	"github.com/strata-lab/strata/pkg/identity"
	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/state"
	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/types"
	"github.com/strata-lab/strata/pkg/upload"
)

// ErrUseChunked rejects whole-file uploads above the size gate; clients
// must switch to the chunked mode.
var ErrUseChunked = errors.New("file exceeds whole-file limit, use chunked upload")

// Router orchestrates ingestion
type Router struct {
	store    storage.Store
	resolver *identity.Resolver
	machine  *state.Machine
	uploads  *upload.Manager
	fetchSvc *fetch.Service
	layout   *upload.Layout
	broker   *events.Broker
	logger   zerolog.Logger

	wholeFileLimit int64
	maxFileSize    int64
}

// Config holds ingest router configuration
type Config struct {
	WholeFileLimit int64 // above this, whole-file mode is rejected
	MaxFileSize    int64
}

// NewRouter creates the ingest router
func NewRouter(store storage.Store, resolver *identity.Resolver, machine *state.Machine,
	uploads *upload.Manager, fetchSvc *fetch.Service, layout *upload.Layout,
	broker *events.Broker, cfg Config) *Router {
	return &Router{
		store:          store,
		resolver:       resolver,
		machine:        machine,
		uploads:        uploads,
		fetchSvc:       fetchSvc,
		layout:         layout,
		broker:         broker,
		logger:         log.WithComponent("ingest"),
		wholeFileLimit: cfg.WholeFileLimit,
		maxFileSize:    cfg.MaxFileSize,
	}
}

// DatasetInput carries the cross-cutting fields present on every ingest
type DatasetInput struct {
	DatasetName    string
	Sensor         types.SensorKind
	Convert        bool
	IsPublic       types.Visibility
	IsDownloadable types.Visibility
	TeamID         string
	Folder         string
	Tags           []string
	Description    string

	// Appending to an existing dataset
	DatasetIdentifier string
	AddToExisting     bool
}

// JobHandle is returned to the client for polling
type JobHandle struct {
	JobID             string `json:"job_id"`
	Status            string `json:"status"`
	UploadType        string `json:"upload_type,omitempty"`
	EstimatedDuration string `json:"estimated_duration,omitempty"`
}

func (in *DatasetInput) validate() error {
	if in.AddToExisting {
		if in.DatasetIdentifier == "" {
			return types.NewValidationError("dataset_identifier", "required when add_to_existing is set")
		}
	} else if in.DatasetName == "" {
		return types.NewValidationError("dataset_name", "must not be empty")
	}
	if !types.IsValidSensorKind(in.Sensor) {
		return types.NewValidationError("sensor", fmt.Sprintf("unknown sensor kind %q", in.Sensor))
	}
	if in.IsPublic != "" && !types.IsValidVisibility(in.IsPublic) {
		return types.NewValidationError("is_public", fmt.Sprintf("unknown visibility %q", in.IsPublic))
	}
	if in.IsDownloadable != "" && !types.IsValidVisibility(in.IsDownloadable) {
		return types.NewValidationError("is_downloadable", fmt.Sprintf("unknown visibility %q", in.IsDownloadable))
	}
	return nil
}

// resolveTarget creates a new dataset record or, for add_to_existing,
// resolves the target and checks write rights.
func (r *Router) resolveTarget(user *types.UserProfile, in *DatasetInput) (*types.Dataset, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	if in.AddToExisting {
		ds, err := r.resolver.Resolve(in.DatasetIdentifier, user.Email)
		if errors.Is(err, types.ErrNotFound) {
			// Not a name the caller owns: look it up globally so team
			// datasets resolve and strangers meet the write-rights check
			ds, err = r.resolver.Resolve(in.DatasetIdentifier, "")
		}
		if err != nil {
			return nil, err
		}
		if !CanWrite(user, ds) {
			return nil, fmt.Errorf("user %s may not modify dataset %s: %w", user.Email, ds.UUID, types.ErrForbidden)
		}
		return ds, nil
	}

	now := time.Now()
	slug, err := r.resolver.UniqueSlug(in.DatasetName, user.Email, now)
	if err != nil {
		return nil, err
	}
	numericID, err := r.resolver.MintNumericID()
	if err != nil {
		return nil, err
	}

	isPublic := in.IsPublic
	if isPublic == "" {
		isPublic = types.VisibilityOwner
	}
	isDownloadable := in.IsDownloadable
	if isDownloadable == "" {
		isDownloadable = types.VisibilityOwner
	}

	ds := &types.Dataset{
		UUID:           uuid.New().String(),
		Name:           in.DatasetName,
		Slug:           slug,
		NumericID:      numericID,
		OwnerEmail:     user.Email,
		TeamID:         in.TeamID,
		Sensor:         in.Sensor,
		Convert:        in.Convert,
		IsPublic:       isPublic,
		IsDownloadable: isDownloadable,
		Status:         types.StatusSubmitted,
		Folder:         in.Folder,
		Tags:           in.Tags,
		Description:    in.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.withRetry(func() error { return r.store.CreateDataset(ds) }); err != nil {
		return nil, err
	}

	r.broker.Publish(&events.Event{
		Type:    events.EventDatasetCreated,
		Message: "dataset created",
		Metadata: map[string]string{
			"dataset_uuid": ds.UUID,
			"owner":        ds.OwnerEmail,
			"sensor":       string(ds.Sensor),
		},
	})
	r.logger.Info().
		Str("dataset_uuid", ds.UUID).
		Str("slug", ds.Slug).
		Int("numeric_id", ds.NumericID).
		Str("owner", ds.OwnerEmail).
		Msg("Dataset created")

	return ds, nil
}

// CanWrite reports whether user may append files to ds: the owner always,
// a team member when the dataset is shared with its team.
func CanWrite(user *types.UserProfile, ds *types.Dataset) bool {
	if ds.OwnerEmail == user.Email {
		return true
	}
	if ds.TeamID == "" {
		return false
	}
	if ds.IsDownloadable == types.VisibilityOwner && ds.IsPublic == types.VisibilityOwner {
		return false
	}
	for _, team := range user.Teams {
		if team == ds.TeamID {
			return true
		}
	}
	return false
}

// IngestWholeFile handles the single-request upload mode. Files above the
// whole-file limit are rejected with ErrUseChunked.
func (r *Router) IngestWholeFile(user *types.UserProfile, in *DatasetInput, filename string, size int64, body io.Reader) (*JobHandle, error) {
	if size <= 0 {
		return nil, types.NewValidationError("file", "must not be empty")
	}
	if size > r.maxFileSize {
		return nil, types.NewValidationError("file", fmt.Sprintf("size %d exceeds limit %d", size, r.maxFileSize))
	}
	if size > r.wholeFileLimit {
		return nil, ErrUseChunked
	}
	if filename == "" {
		return nil, types.NewValidationError("file", "filename must not be empty")
	}

	ds, err := r.resolveTarget(user, in)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("standard", "rejected").Inc()
		return nil, err
	}

	if ds.Status == types.StatusSubmitted {
		if err := r.machine.Transition(ds.UUID, types.StatusSubmitted, types.StatusUploading); err != nil {
			return nil, err
		}
	}

	written, err := r.writeFile(ds.UUID, filename, body)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("standard", "error").Inc()
		r.failUpload(ds.UUID, err)
		return nil, err
	}
	if written != size {
		err := types.NewValidationError("file", fmt.Sprintf("received %d bytes, declared %d", written, size))
		r.failUpload(ds.UUID, err)
		return nil, err
	}

	if err := r.store.AppendDatasetFile(ds.UUID, &types.FileEntry{
		Filename:     filepath.Base(filename),
		SizeBytes:    written,
		UploadedAt:   time.Now(),
		RelativePath: filepath.Base(filename),
	}); err != nil {
		return nil, err
	}

	// Postlude: advance out of uploading (expanding archives on the way)
	// unless this was an append to a dataset elsewhere in its lifecycle
	if err := r.uploads.FinishUpload(ds.UUID, filename); err != nil {
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues("standard", "accepted").Inc()
	metrics.BytesIngested.Add(float64(written))

	return &JobHandle{
		JobID:             ds.UUID,
		Status:            "queued",
		UploadType:        "standard",
		EstimatedDuration: estimateDuration(size),
	}, nil
}

// InitiateChunked starts a chunked upload session for a new or existing
// dataset and parks the dataset in uploading until completion.
func (r *Router) InitiateChunked(user *types.UserProfile, in *DatasetInput, filename string, size int64, overallHash string, chunkHashes []string) (*types.UploadSession, error) {
	if size > r.maxFileSize {
		return nil, types.NewValidationError("file_size", fmt.Sprintf("size %d exceeds limit %d", size, r.maxFileSize))
	}

	ds, err := r.resolveTarget(user, in)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("chunked", "rejected").Inc()
		return nil, err
	}
	if ds.Status == types.StatusSubmitted {
		if err := r.machine.Transition(ds.UUID, types.StatusSubmitted, types.StatusUploading); err != nil {
			return nil, err
		}
	}

	sess, err := r.uploads.Initiate(upload.InitiateInput{
		DatasetUUID: ds.UUID,
		Filename:    filename,
		TotalBytes:  size,
		OverallHash: overallHash,
		ChunkHashes: chunkHashes,
		OwnerEmail:  user.Email,
	})
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("chunked", "rejected").Inc()
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues("chunked", "accepted").Inc()
	return sess, nil
}

// IngestRemote validates and seals the source descriptor, creates the
// record, and queues the fetch for the worker pool. URL sources stream
// straight into the file area; bucket sources land in sync/ first.
func (r *Router) IngestRemote(user *types.UserProfile, in *DatasetInput, source *types.SourceConfig) (*JobHandle, error) {
	if err := fetch.ValidateSource(source); err != nil {
		metrics.UploadsTotal.WithLabelValues("remote", "rejected").Inc()
		return nil, err
	}
	if err := r.fetchSvc.Seal(source); err != nil {
		return nil, err
	}

	ds, err := r.resolveTarget(user, in)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("remote", "rejected").Inc()
		return nil, err
	}

	ds.Source = source
	if err := r.store.UpdateDataset(ds); err != nil {
		return nil, err
	}

	queued := types.StatusUploadQueued
	if source.Type != types.SourceURL {
		queued = types.StatusSyncQueued
	}
	if ds.Status == types.StatusSubmitted {
		if err := r.machine.Transition(ds.UUID, types.StatusSubmitted, queued); err != nil {
			return nil, err
		}
		r.broker.PublishStatusChange(ds.UUID, string(types.StatusSubmitted), string(queued))
	}

	metrics.UploadsTotal.WithLabelValues("remote", "accepted").Inc()
	r.logger.Info().
		Str("dataset_uuid", ds.UUID).
		Str("source_type", string(source.Type)).
		Msg("Remote-source ingest queued")

	return &JobHandle{JobID: ds.UUID, Status: string(queued)}, nil
}

// writeFile streams body into the dataset file area via temp + rename
func (r *Router) writeFile(datasetUUID, filename string, body io.Reader) (int64, error) {
	dir := r.layout.DatasetDir(datasetUUID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create dataset directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write upload: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, filepath.Base(filename))); err != nil {
		return 0, fmt.Errorf("failed to commit upload: %w", err)
	}
	return n, nil
}

// failUpload records an upload error on the dataset, tolerating races
func (r *Router) failUpload(uuid string, cause error) {
	ds, err := r.store.GetDataset(uuid)
	if err != nil {
		return
	}
	if ds.Status != types.StatusUploading {
		return
	}
	if err := r.machine.Transition(uuid, types.StatusUploading, types.StatusUploadError); err != nil {
		r.logger.Error().Err(err).Str("dataset_uuid", uuid).Msg("Failed to record upload error")
		return
	}
	r.logger.Error().Err(cause).Str("dataset_uuid", uuid).Msg("Upload failed")
}

// Cancel aborts a session or cancels a dataset, depending on what jobID
// names. Canceling a terminal dataset is a no-op.
func (r *Router) Cancel(user *types.UserProfile, jobID string) error {
	if sess, err := r.store.GetSession(jobID); err == nil {
		if sess.OwnerEmail != user.Email {
			return fmt.Errorf("session %s belongs to another user: %w", jobID, types.ErrForbidden)
		}
		return r.uploads.Abort(jobID)
	}

	ds, err := r.resolver.Resolve(jobID, user.Email)
	if err != nil {
		return err
	}
	if !CanWrite(user, ds) {
		return fmt.Errorf("user %s may not cancel dataset %s: %w", user.Email, ds.UUID, types.ErrForbidden)
	}

	if state.IsTerminal(ds.Status) {
		return nil
	}

	switch ds.Status {
	case types.StatusConverting, types.StatusSyncing, types.StatusUnzipping:
		// A worker holds the claim: raise the flag, the worker finishes the cancel
		ds.CancelRequested = true
		if err := r.store.UpdateDataset(ds); err != nil {
			return err
		}
	default:
		if err := r.machine.Transition(ds.UUID, ds.Status, types.StatusCancelled); err != nil {
			if errors.Is(err, types.ErrStaleState) {
				// Moved underneath us; the flag still reaches the worker
				ds, err = r.store.GetDataset(ds.UUID)
				if err != nil {
					return err
				}
				ds.CancelRequested = true
				return r.store.UpdateDataset(ds)
			}
			return err
		}
		r.broker.Publish(&events.Event{
			Type:     events.EventDatasetCancelled,
			Message:  "dataset cancelled",
			Metadata: map[string]string{"dataset_uuid": ds.UUID},
		})
	}
	return nil
}

// JobStatus reports progress for a job handle, which names either an
// upload session or a dataset lifecycle.
type JobStatus struct {
	JobID              string    `json:"job_id"`
	Status             string    `json:"status"`
	ProgressPercentage float64   `json:"progress_percentage"`
	BytesUploaded      int64     `json:"bytes_uploaded"`
	BytesTotal         int64     `json:"bytes_total"`
	Message            string    `json:"message,omitempty"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// GetJobStatus resolves jobID as a session first, then as a dataset
func (r *Router) GetJobStatus(user *types.UserProfile, jobID string) (*JobStatus, error) {
	if sess, err := r.store.GetSession(jobID); err == nil {
		if sess.OwnerEmail != user.Email {
			return nil, fmt.Errorf("session %s belongs to another user: %w", jobID, types.ErrForbidden)
		}
		return sessionStatus(sess), nil
	}

	ds, err := r.resolver.Resolve(jobID, user.Email)
	if err != nil {
		return nil, err
	}
	if ds.OwnerEmail != user.Email && !CanWrite(user, ds) {
		return nil, fmt.Errorf("dataset %s belongs to another user: %w", ds.UUID, types.ErrForbidden)
	}
	return datasetStatus(ds), nil
}

func sessionStatus(sess *types.UploadSession) *JobStatus {
	progress := 0.0
	if sess.TotalChunks > 0 {
		progress = float64(sess.ReceivedCount()) / float64(sess.TotalChunks) * 100
	}
	return &JobStatus{
		JobID:              sess.SessionID,
		Status:             string(sess.State),
		ProgressPercentage: progress,
		BytesUploaded:      sess.BytesReceived(),
		BytesTotal:         sess.TotalBytes,
		CreatedAt:          sess.CreatedAt,
		UpdatedAt:          sess.CreatedAt,
	}
}

func datasetStatus(ds *types.Dataset) *JobStatus {
	var total int64
	for _, f := range ds.Files {
		total += f.SizeBytes
	}
	status := &JobStatus{
		JobID:      ds.UUID,
		Status:     jobStatusLabel(ds.Status),
		BytesTotal: total,
		Error:      ds.ConversionErrorMessage,
		CreatedAt:  ds.CreatedAt,
		UpdatedAt:  ds.UpdatedAt,
	}
	switch ds.Status {
	case types.StatusDone:
		status.ProgressPercentage = 100
		status.BytesUploaded = total
	case types.StatusConverting, types.StatusConversionQueued, types.StatusUnzipping:
		status.ProgressPercentage = 75
		status.BytesUploaded = total
	case types.StatusUploading, types.StatusSyncing:
		status.ProgressPercentage = 25
	}
	return status
}

// jobStatusLabel maps internal statuses onto the client vocabulary
func jobStatusLabel(s types.DatasetStatus) string {
	switch s {
	case types.StatusDone:
		return "completed"
	case types.StatusConversionFailed, types.StatusUploadError, types.StatusSyncError, types.StatusConversionError:
		return "failed"
	case types.StatusCancelled:
		return "cancelled"
	default:
		return string(s)
	}
}

// ListJobs returns the caller's recent jobs: chunked sessions and dataset
// lifecycles interleaved, newest first.
func (r *Router) ListJobs(user *types.UserProfile, limit, offset int) ([]*JobStatus, error) {
	sessions, err := r.store.ListSessionsByOwner(user.Email)
	if err != nil {
		return nil, err
	}
	datasets, err := r.store.ListDatasetsByOwner(user.Email)
	if err != nil {
		return nil, err
	}

	jobs := make([]*JobStatus, 0, len(sessions)+len(datasets))
	for _, sess := range sessions {
		jobs = append(jobs, sessionStatus(sess))
	}
	for _, ds := range datasets {
		jobs = append(jobs, datasetStatus(ds))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if offset >= len(jobs) {
		return []*JobStatus{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// withRetry applies a short retry budget to storage transients. Domain
// errors pass through immediately.
func (r *Router) withRetry(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if types.IsValidation(err) ||
			errors.Is(err, types.ErrNotFound) ||
			errors.Is(err, types.ErrStaleState) ||
			errors.Is(err, types.ErrForbidden) {
			return backoff.Permanent(err)
		}
		if strings.Contains(err.Error(), "already") {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// estimateDuration gives the client a rough processing estimate
func estimateDuration(size int64) string {
	const bytesPerSecond = 50 * 1024 * 1024
	secs := size/bytesPerSecond + 5
	return (time.Duration(secs) * time.Second).String()
}
