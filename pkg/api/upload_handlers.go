package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/strata-lab/strata/pkg/ingest"
	"github.com/strata-lab/strata/pkg/types"
)

// multipartMemory caps the in-memory portion of multipart parsing; larger
// parts spill to disk.
const multipartMemory = 32 << 20

// datasetInputFromForm reads the cross-cutting ingest fields from a
// multipart form or URL-encoded body.
func datasetInputFromForm(r *http.Request) *ingest.DatasetInput {
	return &ingest.DatasetInput{
		DatasetName:       r.FormValue("dataset_name"),
		Sensor:            types.SensorKind(r.FormValue("sensor")),
		Convert:           parseBool(r.FormValue("convert"), true),
		IsPublic:          types.Visibility(r.FormValue("is_public")),
		IsDownloadable:    types.Visibility(r.FormValue("is_downloadable")),
		TeamID:            r.FormValue("team_id"),
		Folder:            r.FormValue("folder"),
		Tags:              splitTags(r.FormValue("tags")),
		Description:       r.FormValue("description"),
		DatasetIdentifier: r.FormValue("dataset_identifier"),
		AddToExisting:     parseBool(r.FormValue("add_to_existing"), false),
	}
}

func parseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitTags(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// handleWholeFileUpload accepts an entire payload in one multipart request
func (s *Server) handleWholeFileUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, types.NewValidationError("body", "invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, types.NewValidationError("file", "file part is required"))
		return
	}
	defer file.Close()

	user := UserFromContext(r.Context())
	handle, err := s.router.IngestWholeFile(user, datasetInputFromForm(r), header.Filename, header.Size, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

type initiateChunkedRequest struct {
	Filename    string   `json:"filename"`
	FileSize    int64    `json:"file_size"`
	FileHash    string   `json:"file_hash,omitempty"`
	ChunkHashes []string `json:"chunk_hashes,omitempty"`

	DatasetName       string   `json:"dataset_name"`
	Sensor            string   `json:"sensor"`
	Convert           *bool    `json:"convert,omitempty"`
	IsPublic          string   `json:"is_public,omitempty"`
	IsDownloadable    string   `json:"is_downloadable,omitempty"`
	TeamID            string   `json:"team_id,omitempty"`
	Folder            string   `json:"folder,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Description       string   `json:"description,omitempty"`
	DatasetIdentifier string   `json:"dataset_identifier,omitempty"`
	AddToExisting     bool     `json:"add_to_existing,omitempty"`
}

type initiateChunkedResponse struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// handleInitiateChunked starts a chunked upload session
func (s *Server) handleInitiateChunked(w http.ResponseWriter, r *http.Request) {
	var req initiateChunkedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewValidationError("body", "invalid JSON"))
		return
	}

	convert := true
	if req.Convert != nil {
		convert = *req.Convert
	}
	in := &ingest.DatasetInput{
		DatasetName:       req.DatasetName,
		Sensor:            types.SensorKind(req.Sensor),
		Convert:           convert,
		IsPublic:          types.Visibility(req.IsPublic),
		IsDownloadable:    types.Visibility(req.IsDownloadable),
		TeamID:            req.TeamID,
		Folder:            req.Folder,
		Tags:              req.Tags,
		Description:       req.Description,
		DatasetIdentifier: req.DatasetIdentifier,
		AddToExisting:     req.AddToExisting,
	}

	user := UserFromContext(r.Context())
	sess, err := s.router.InitiateChunked(user, in, req.Filename, req.FileSize, req.FileHash, req.ChunkHashes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, initiateChunkedResponse{
		UploadID:    sess.SessionID,
		ChunkSize:   sess.ChunkSize,
		TotalChunks: sess.TotalChunks,
	})
}

// handleChunk accepts one chunk of an open session
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, types.NewValidationError("body", "invalid multipart form"))
		return
	}
	uploadID := r.FormValue("upload_id")
	chunkNumber, err := strconv.Atoi(r.FormValue("chunk_number"))
	if err != nil {
		writeError(w, types.NewValidationError("chunk_number", "must be an integer"))
		return
	}
	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, types.NewValidationError("chunk", "chunk part is required"))
		return
	}
	defer chunk.Close()

	user := UserFromContext(r.Context())
	if err := s.ownSession(user, uploadID); err != nil {
		writeError(w, err)
		return
	}

	count, err := s.uploads.WriteChunk(uploadID, chunkNumber, chunk)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": chunkNumber,
		"count":    count,
	})
}

type completeChunkedRequest struct {
	UploadID string `json:"upload_id"`
}

// handleCompleteChunked assembles and verifies a finished session
func (s *Server) handleCompleteChunked(w http.ResponseWriter, r *http.Request) {
	var req completeChunkedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewValidationError("body", "invalid JSON"))
		return
	}

	user := UserFromContext(r.Context())
	if err := s.ownSession(user, req.UploadID); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.uploads.Complete(req.UploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": sess.DatasetUUID,
		"status": "queued",
	})
}

type remoteIngestRequest struct {
	SourceType   string          `json:"source_type"`
	SourceConfig json.RawMessage `json:"source_config"`

	DatasetName       string   `json:"dataset_name"`
	Sensor            string   `json:"sensor"`
	Convert           *bool    `json:"convert,omitempty"`
	IsPublic          string   `json:"is_public,omitempty"`
	IsDownloadable    string   `json:"is_downloadable,omitempty"`
	TeamID            string   `json:"team_id,omitempty"`
	Folder            string   `json:"folder,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	Description       string   `json:"description,omitempty"`
	DatasetIdentifier string   `json:"dataset_identifier,omitempty"`
	AddToExisting     bool     `json:"add_to_existing,omitempty"`
}

// handleRemoteIngest queues a remote-source fetch. The source_config
// payload is decoded into the variant selected by source_type; unknown
// variants are rejected here at the boundary.
func (s *Server) handleRemoteIngest(w http.ResponseWriter, r *http.Request) {
	var req remoteIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewValidationError("body", "invalid JSON"))
		return
	}

	source := &types.SourceConfig{Type: types.SourceType(req.SourceType)}
	switch source.Type {
	case types.SourceURL:
		source.URL = &types.URLSource{}
		if err := json.Unmarshal(req.SourceConfig, source.URL); err != nil {
			writeError(w, types.NewValidationError("source_config", "invalid url source"))
			return
		}
	case types.SourceS3:
		source.S3 = &types.S3Source{}
		if err := json.Unmarshal(req.SourceConfig, source.S3); err != nil {
			writeError(w, types.NewValidationError("source_config", "invalid s3 source"))
			return
		}
	case types.SourceGoogleDrive:
		source.GoogleDrive = &types.GoogleDriveSource{}
		if err := json.Unmarshal(req.SourceConfig, source.GoogleDrive); err != nil {
			writeError(w, types.NewValidationError("source_config", "invalid google_drive source"))
			return
		}
	default:
		writeError(w, types.NewValidationError("source_type", "unknown source type"))
		return
	}

	convert := true
	if req.Convert != nil {
		convert = *req.Convert
	}
	in := &ingest.DatasetInput{
		DatasetName:       req.DatasetName,
		Sensor:            types.SensorKind(req.Sensor),
		Convert:           convert,
		IsPublic:          types.Visibility(req.IsPublic),
		IsDownloadable:    types.Visibility(req.IsDownloadable),
		TeamID:            req.TeamID,
		Folder:            req.Folder,
		Tags:              req.Tags,
		Description:       req.Description,
		DatasetIdentifier: req.DatasetIdentifier,
		AddToExisting:     req.AddToExisting,
	}

	user := UserFromContext(r.Context())
	handle, err := s.router.IngestRemote(user, in, source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

// handleJobStatus reports progress for a session or dataset lifecycle
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	status, err := s.router.GetJobStatus(user, chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleResumeInfo returns the missing chunk set for an open session
func (s *Server) handleResumeInfo(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "jobID")
	user := UserFromContext(r.Context())
	if err := s.ownSession(user, uploadID); err != nil {
		writeError(w, err)
		return
	}

	info, err := s.uploads.GetResumeInfo(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"missing_chunks": info.MissingChunks,
		"expected_total": info.TotalChunks,
		"received_count": info.ReceivedCount,
		"bytes_received": info.BytesReceived,
		"expires_at":     info.ExpiresAt,
	})
}

// handleCancel cancels a session or dataset job
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if err := s.router.Cancel(user, chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// handleListJobs returns the caller's recent jobs, paginated
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	user := UserFromContext(r.Context())
	jobs, err := s.router.ListJobs(user, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// handleSupportedSources advertises the remote-source kinds
func (s *Server) handleSupportedSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": []string{"url", "s3", "google_drive"},
	})
}

// handleLimits advertises size limits for capability discovery
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_file_size":    s.cfg.MaxFileSizeBytes,
		"chunk_size":       s.cfg.ChunkSizeBytes,
		"whole_file_limit": s.cfg.ChunkSizeBytes,
		"session_ttl":      s.cfg.SessionTTL.String(),
	})
}

// ownSession verifies the session belongs to the caller
func (s *Server) ownSession(user *types.UserProfile, sessionID string) error {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess.OwnerEmail != user.Email {
		return types.ErrForbidden
	}
	return nil
}
