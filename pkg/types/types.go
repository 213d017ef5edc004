package types

import (
	"time"
)

// UserProfile represents a registered user. Profiles are created lazily on
// first successful login and are never deleted, only marked inactive.
type UserProfile struct {
	UserID        string             `json:"user_id"`
	Email         string             `json:"email"`
	Name          string             `json:"name,omitempty"`
	EmailVerified bool               `json:"email_verified"`
	IsActive      bool               `json:"is_active"`
	Teams         []string           `json:"teams,omitempty"`
	Tokens        []*TokenDescriptor `json:"tokens,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	LastLogin     time.Time          `json:"last_login"`
	LastActivity  time.Time          `json:"last_activity"`
}

// TokenKind distinguishes access from refresh tokens
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// TokenDescriptor is the stored record of an issued bearer token.
// Only the SHA-256 hash of the secret is kept; the secret itself is
// returned to the client once and never stored.
type TokenDescriptor struct {
	TokenID   string    `json:"token_id"`
	Kind      TokenKind `json:"kind"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IsRevoked bool      `json:"is_revoked"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// SensorKind identifies the raw data format and selects the converter
type SensorKind string

const (
	SensorIDX        SensorKind = "IDX"
	SensorTIFF       SensorKind = "TIFF"
	SensorTIFFRGB    SensorKind = "TIFF_RGB"
	Sensor4DNexus    SensorKind = "4D_NEXUS"
	SensorHDF5       SensorKind = "HDF5"
	SensorNetCDF     SensorKind = "NETCDF"
	SensorRGBDrone   SensorKind = "RGB_DRONE"
	SensorMapirDrone SensorKind = "MAPIR_DRONE"
	SensorOther      SensorKind = "OTHER"
)

// ValidSensorKinds lists the closed sensor vocabulary
var ValidSensorKinds = []SensorKind{
	SensorIDX, SensorTIFF, SensorTIFFRGB, Sensor4DNexus, SensorHDF5,
	SensorNetCDF, SensorRGBDrone, SensorMapirDrone, SensorOther,
}

// IsValidSensorKind reports whether s is in the sensor vocabulary
func IsValidSensorKind(s SensorKind) bool {
	for _, k := range ValidSensorKinds {
		if k == s {
			return true
		}
	}
	return false
}

// Visibility controls who can see or download a dataset
type Visibility string

const (
	VisibilityOwner  Visibility = "only_owner"
	VisibilityTeam   Visibility = "only_team"
	VisibilityPublic Visibility = "public"
)

// IsValidVisibility reports whether v is a known visibility level
func IsValidVisibility(v Visibility) bool {
	return v == VisibilityOwner || v == VisibilityTeam || v == VisibilityPublic
}

// DatasetStatus is the single source of truth for what must happen next
// to a dataset. Every write goes through the state machine's compare-and-set.
type DatasetStatus string

const (
	StatusSubmitted        DatasetStatus = "submitted"
	StatusUploadQueued     DatasetStatus = "upload queued"
	StatusUploading        DatasetStatus = "uploading"
	StatusUnzipping        DatasetStatus = "unzipping"
	StatusSyncQueued       DatasetStatus = "sync queued"
	StatusSyncing          DatasetStatus = "syncing"
	StatusConversionQueued DatasetStatus = "conversion queued"
	StatusConverting       DatasetStatus = "converting"
	StatusDone             DatasetStatus = "done"
	StatusUploadError      DatasetStatus = "upload error"
	StatusSyncError        DatasetStatus = "sync error"
	StatusConversionError  DatasetStatus = "conversion error"
	StatusConversionFailed DatasetStatus = "conversion failed"
	StatusCancelled        DatasetStatus = "cancelled"
)

// FileEntry records one file belonging to a dataset
type FileEntry struct {
	Filename     string    `json:"filename"`
	SizeBytes    int64     `json:"size_bytes"`
	UploadedAt   time.Time `json:"uploaded_at"`
	RelativePath string    `json:"relative_path"`
}

// SourceType tags a remote-source descriptor
type SourceType string

const (
	SourceURL         SourceType = "url"
	SourceS3          SourceType = "s3"
	SourceGoogleDrive SourceType = "google_drive"
)

// SourceConfig is the tagged variant describing a remote source. Exactly
// one of the per-kind blocks is set, selected by Type. Credential fields
// are sealed before the record is persisted.
type SourceConfig struct {
	Type        SourceType         `json:"type"`
	URL         *URLSource         `json:"url,omitempty"`
	S3          *S3Source          `json:"s3,omitempty"`
	GoogleDrive *GoogleDriveSource `json:"google_drive,omitempty"`
}

// URLSource fetches a single object over HTTP(S)
type URLSource struct {
	URL string `json:"url"`
}

// S3Source fetches an object from an S3-compatible store
type S3Source struct {
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"` // sealed at rest
}

// GoogleDriveSource fetches a file via a service account
type GoogleDriveSource struct {
	FileID             string `json:"file_id"`
	ServiceAccountJSON string `json:"service_account_json,omitempty"` // sealed at rest
}

// Dataset is the unit of ingestion: one logical scientific artifact
// composed of one or more files plus metadata.
type Dataset struct {
	UUID       string     `json:"uuid"`
	Name       string     `json:"name"`
	Slug       string     `json:"slug"`
	NumericID  int        `json:"numeric_id"`
	OwnerEmail string     `json:"owner_email"`
	TeamID     string     `json:"team_id,omitempty"`
	Sensor     SensorKind `json:"sensor"`
	Convert    bool       `json:"convert"`

	IsPublic       Visibility `json:"is_public"`
	IsDownloadable Visibility `json:"is_downloadable"`

	Status DatasetStatus `json:"status"`

	Files      []*FileEntry `json:"files,omitempty"`
	DataSizeGB float64      `json:"data_size_gb"`

	Folder      string   `json:"folder,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`

	Source *SourceConfig `json:"source,omitempty"`

	// Conversion bookkeeping, written only by the dispatcher
	ConversionAttempts     int       `json:"conversion_attempts"`
	ConversionErrorMessage string    `json:"conversion_error_message,omitempty"`
	ConversionDurationSecs float64   `json:"conversion_duration_secs,omitempty"`
	ClaimedAt              time.Time `json:"claimed_at,omitempty"`
	CancelRequested        bool      `json:"cancel_requested"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// SessionState tracks the lifecycle of a chunked upload session
type SessionState string

const (
	SessionOpen       SessionState = "open"
	SessionCompleting SessionState = "completing"
	SessionComplete   SessionState = "complete"
	SessionAborted    SessionState = "aborted"
	SessionExpired    SessionState = "expired"
)

// UploadSession tracks server-side state of a chunked upload in progress.
// Chunks may arrive in any order; ReceivedChunks is the set of indices
// written to the spool so far.
type UploadSession struct {
	SessionID   string       `json:"session_id"`
	DatasetUUID string       `json:"dataset_uuid"`
	Filename    string       `json:"filename"`
	TotalBytes  int64        `json:"total_bytes"`
	ChunkSize   int64        `json:"chunk_size_bytes"`
	TotalChunks int          `json:"total_chunks"`

	ReceivedChunks map[int]bool `json:"received_chunks"`
	ChunkHashes    []string     `json:"chunk_hashes,omitempty"`
	OverallHash    string       `json:"overall_hash,omitempty"`

	OwnerEmail string       `json:"owner_email"`
	State      SessionState `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

// ReceivedCount returns the number of distinct chunks received
func (s *UploadSession) ReceivedCount() int {
	return len(s.ReceivedChunks)
}

// MissingChunks returns the sorted indices not yet received
func (s *UploadSession) MissingChunks() []int {
	missing := make([]int, 0)
	for i := 0; i < s.TotalChunks; i++ {
		if !s.ReceivedChunks[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// BytesReceived estimates received bytes from the chunk set. The final
// chunk may be short, so it is sized from TotalBytes rather than ChunkSize.
func (s *UploadSession) BytesReceived() int64 {
	var total int64
	lastChunk := s.TotalChunks - 1
	lastSize := s.TotalBytes - int64(lastChunk)*s.ChunkSize
	for idx := range s.ReceivedChunks {
		if idx == lastChunk {
			total += lastSize
		} else {
			total += s.ChunkSize
		}
	}
	return total
}
