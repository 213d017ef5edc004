package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/security"
	"github.com/strata-lab/strata/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	sealer, err := security.NewSealerFromSecret("test-secret")
	require.NoError(t, err)
	return NewService(sealer)
}

func TestValidateSource(t *testing.T) {
	tests := []struct {
		name    string
		src     *types.SourceConfig
		wantErr bool
	}{
		{"nil source", nil, true},
		{"url ok", &types.SourceConfig{Type: types.SourceURL, URL: &types.URLSource{URL: "https://x/y"}}, false},
		{"url missing", &types.SourceConfig{Type: types.SourceURL}, true},
		{"s3 ok", &types.SourceConfig{Type: types.SourceS3, S3: &types.S3Source{Bucket: "b", Key: "k"}}, false},
		{"s3 missing key", &types.SourceConfig{Type: types.SourceS3, S3: &types.S3Source{Bucket: "b"}}, true},
		{"drive ok", &types.SourceConfig{Type: types.SourceGoogleDrive, GoogleDrive: &types.GoogleDriveSource{FileID: "f"}}, false},
		{"drive missing id", &types.SourceConfig{Type: types.SourceGoogleDrive, GoogleDrive: &types.GoogleDriveSource{}}, true},
		{"unknown tag", &types.SourceConfig{Type: types.SourceType("ftp")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSource(tt.src)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestURLFetcher(t *testing.T) {
	payload := []byte("remote payload bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	svc := newTestService(t)
	dest := t.TempDir()

	result, err := svc.Fetch(context.Background(), &types.SourceConfig{
		Type: types.SourceURL,
		URL:  &types.URLSource{URL: server.URL + "/files/scan.tif"},
	}, dest)
	require.NoError(t, err)
	assert.Equal(t, "scan.tif", result.Filename)
	assert.Equal(t, int64(len(payload)), result.SizeBytes)

	data, err := os.ReadFile(filepath.Join(dest, "scan.tif"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestURLFetcherNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	svc := newTestService(t)
	_, err := svc.Fetch(context.Background(), &types.SourceConfig{
		Type: types.SourceURL,
		URL:  &types.URLSource{URL: server.URL + "/x"},
	}, t.TempDir())
	assert.Error(t, err)
}

func TestFilenameFromURL(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"https://host/path/scan.tif", "scan.tif"},
		{"https://host/scan.tif?sig=abc", "scan.tif"},
		{"https://host/", "download.bin"},
		{"https://host", "download.bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, filenameFromURL(tt.raw), tt.raw)
	}
}

func TestSealRoundTrip(t *testing.T) {
	svc := newTestService(t)

	src := &types.SourceConfig{
		Type: types.SourceS3,
		S3: &types.S3Source{
			Bucket:          "b",
			Key:             "k",
			AccessKeyID:     "AKIA",
			SecretAccessKey: "secret-material",
		},
	}
	require.NoError(t, svc.Seal(src))
	assert.NotEqual(t, "secret-material", src.S3.SecretAccessKey)

	unsealed, err := svc.unseal(src)
	require.NoError(t, err)
	assert.Equal(t, "secret-material", unsealed.S3.SecretAccessKey)

	// Sealing never mutates what unseal returns back into the original
	assert.NotEqual(t, unsealed.S3.SecretAccessKey, src.S3.SecretAccessKey)
}

func TestFetchUnknownTypeRejected(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Fetch(context.Background(), &types.SourceConfig{Type: "ftp"}, t.TempDir())
	assert.True(t, types.IsValidation(err))
}
