package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(100*1024*1024), cfg.ChunkSizeBytes)
	assert.Equal(t, int64(10*1024*1024*1024*1024), cfg.MaxFileSizeBytes)
	assert.Equal(t, 24*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.NotEmpty(t, cfg.Converters)
}

func TestLoadRequiresSigningKey(t *testing.T) {
	t.Setenv("STRATA_SIGNING_KEY", "")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("STRATA_SIGNING_KEY", "")
	path := filepath.Join(t.TempDir(), "strata.yaml")
	content := `
signing_key: "` + testKey + `"
catalog_path: /tmp/test/catalog.db
ingest_root: /tmp/test/data
api_addr: ":9999"
workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.APIAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "/tmp/test/data", cfg.IngestRoot)
	// Unset fields keep their defaults
	assert.Equal(t, int64(100*1024*1024), cfg.ChunkSizeBytes)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	content := `
signing_key: "` + testKey + `"
workers: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("STRATA_WORKERS", "8")
	t.Setenv("STRATA_API_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, ":7777", cfg.APIAddr)
}

func TestValidateRejectsShortKey(t *testing.T) {
	cfg := Default()
	cfg.SigningKey = "short"
	assert.Error(t, cfg.Validate())
}

func TestValidateStaleThresholdCoversTimeouts(t *testing.T) {
	cfg := Default()
	cfg.SigningKey = testKey
	require.NoError(t, cfg.Validate())

	// A converter timeout past the stale threshold would let the
	// reconciler yank running jobs
	cfg.StaleThreshold = 30 * time.Minute
	assert.Error(t, cfg.Validate())
}

func TestConverterFor(t *testing.T) {
	cfg := Default()

	conv, ok := cfg.ConverterFor("4D_NEXUS")
	require.True(t, ok)
	assert.Equal(t, 240, conv.TimeoutMinutes)

	_, ok = cfg.ConverterFor("UNKNOWN")
	assert.False(t, ok)
}
