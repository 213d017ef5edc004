// Package fetch streams remote-source bytes into the dataset file area.
// Each source kind (url, s3, google_drive) has its own fetcher; the
// dispatcher selects one by the source descriptor's tag.
package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/security"
	"github.com/strata-lab/strata/pkg/types"
)

// Result describes one fetched object
type Result struct {
	Filename  string
	SizeBytes int64
}

// Fetcher pulls a remote object into destDir
type Fetcher interface {
	Fetch(ctx context.Context, src *types.SourceConfig, destDir string) (*Result, error)
}

// Service dispatches to the per-kind fetchers. Sealed credentials on the
// source descriptor are opened just before use and never written back.
type Service struct {
	sealer   *security.Sealer
	fetchers map[types.SourceType]Fetcher
	logger   zerolog.Logger
}

// NewService builds the fetch service with the default fetcher set
func NewService(sealer *security.Sealer) *Service {
	s := &Service{
		sealer: sealer,
		logger: log.WithComponent("fetch"),
	}
	s.fetchers = map[types.SourceType]Fetcher{
		types.SourceURL:         &URLFetcher{},
		types.SourceS3:          &S3Fetcher{},
		types.SourceGoogleDrive: &DriveFetcher{},
	}
	return s
}

// SupportedSources lists the source kinds the service accepts
func (s *Service) SupportedSources() []types.SourceType {
	return []types.SourceType{types.SourceURL, types.SourceS3, types.SourceGoogleDrive}
}

// ValidateSource checks the tagged variant at the boundary: the tag must
// be known and the matching block present with its required fields.
func ValidateSource(src *types.SourceConfig) error {
	if src == nil {
		return types.NewValidationError("source_config", "must not be empty")
	}
	switch src.Type {
	case types.SourceURL:
		if src.URL == nil || src.URL.URL == "" {
			return types.NewValidationError("source_config.url", "url is required")
		}
	case types.SourceS3:
		if src.S3 == nil || src.S3.Bucket == "" || src.S3.Key == "" {
			return types.NewValidationError("source_config.s3", "bucket and key are required")
		}
	case types.SourceGoogleDrive:
		if src.GoogleDrive == nil || src.GoogleDrive.FileID == "" {
			return types.NewValidationError("source_config.google_drive", "file_id is required")
		}
	default:
		return types.NewValidationError("source_type", fmt.Sprintf("unknown source type %q", src.Type))
	}
	return nil
}

// Seal encrypts the credential fields of src in place for storage
func (s *Service) Seal(src *types.SourceConfig) error {
	var err error
	if src.S3 != nil && src.S3.SecretAccessKey != "" {
		if src.S3.SecretAccessKey, err = s.sealer.SealString(src.S3.SecretAccessKey); err != nil {
			return fmt.Errorf("failed to seal s3 credentials: %w", err)
		}
	}
	if src.GoogleDrive != nil && src.GoogleDrive.ServiceAccountJSON != "" {
		if src.GoogleDrive.ServiceAccountJSON, err = s.sealer.SealString(src.GoogleDrive.ServiceAccountJSON); err != nil {
			return fmt.Errorf("failed to seal drive credentials: %w", err)
		}
	}
	return nil
}

// Fetch opens the sealed credentials on a copy of src and runs the fetcher
// for its kind.
func (s *Service) Fetch(ctx context.Context, src *types.SourceConfig, destDir string) (*Result, error) {
	if err := ValidateSource(src); err != nil {
		return nil, err
	}
	fetcher, ok := s.fetchers[src.Type]
	if !ok {
		return nil, types.NewValidationError("source_type", fmt.Sprintf("unknown source type %q", src.Type))
	}

	unsealed, err := s.unseal(src)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create landing directory: %w", err)
	}

	s.logger.Info().Str("source_type", string(src.Type)).Str("dest", destDir).Msg("Fetching remote source")
	return fetcher.Fetch(ctx, unsealed, destDir)
}

// unseal returns a copy of src with credential fields decrypted
func (s *Service) unseal(src *types.SourceConfig) (*types.SourceConfig, error) {
	out := *src
	if src.S3 != nil {
		s3 := *src.S3
		plain, err := s.sealer.OpenString(s3.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("failed to open s3 credentials: %w", err)
		}
		s3.SecretAccessKey = plain
		out.S3 = &s3
	}
	if src.GoogleDrive != nil {
		gd := *src.GoogleDrive
		plain, err := s.sealer.OpenString(gd.ServiceAccountJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to open drive credentials: %w", err)
		}
		gd.ServiceAccountJSON = plain
		out.GoogleDrive = &gd
	}
	return &out, nil
}

// writeStream lands body as filename inside destDir via temp file + rename
func writeStream(destDir, filename string, body io.Reader) (*Result, error) {
	tmp, err := os.CreateTemp(destDir, ".fetch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create landing file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stream remote object: %w", err)
	}

	dest := filepath.Join(destDir, filepath.Base(filename))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("failed to land remote object: %w", err)
	}
	return &Result{Filename: filepath.Base(filename), SizeBytes: n}, nil
}
