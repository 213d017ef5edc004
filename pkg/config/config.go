// Package config loads the strata configuration bundle from a YAML file
// with environment-variable overrides. The bundle is built once at startup
// and injected into every component; there is no ambient configuration
// state beyond it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultChunkSizeBytes   = 100 * 1024 * 1024        // 100 MiB
	DefaultMaxFileSizeBytes = 10 * 1024 * 1024 * 1024 * 1024 // 10 TiB
	DefaultAccessTokenTTL   = 24 * time.Hour
	DefaultRefreshTokenTTL  = 30 * 24 * time.Hour
	DefaultSessionTTL       = 48 * time.Hour
	DefaultWorkers          = 2
	DefaultMaxAttempts      = 2
	DefaultStaleThreshold   = 300 * time.Minute
)

// ConverterSpec describes one registered sensor converter. Adding a
// converter is a data-only change: a new entry here, no code.
type ConverterSpec struct {
	Sensor         string            `yaml:"sensor"`
	Executable     string            `yaml:"executable"`
	Args           []string          `yaml:"args,omitempty"`
	TimeoutMinutes int               `yaml:"timeout_minutes"`
	ExtraParams    map[string]string `yaml:"extra_params,omitempty"`
}

// Config is the process-wide configuration bundle
type Config struct {
	// Catalog
	CatalogPath string `yaml:"catalog_path"`

	// Filesystem layout root; upload/, converted/, sync/ and tmp/ live below it
	IngestRoot string `yaml:"ingest_root"`

	// HTTP listen addresses
	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Token service
	SigningKey      string        `yaml:"signing_key"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`

	// Upload limits
	ChunkSizeBytes   int64         `yaml:"chunk_size_bytes"`
	MaxFileSizeBytes int64         `yaml:"max_file_size_bytes"`
	SessionTTL       time.Duration `yaml:"session_ttl"`

	// Dispatcher
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`

	Converters []ConverterSpec `yaml:"converters"`
}

// Default returns a config populated with defaults, suitable as the base
// before file and environment overrides.
func Default() *Config {
	return &Config{
		CatalogPath:      "/var/lib/strata/catalog.db",
		IngestRoot:       "/var/lib/strata/data",
		APIAddr:          ":8080",
		MetricsAddr:      "127.0.0.1:9090",
		AccessTokenTTL:   DefaultAccessTokenTTL,
		RefreshTokenTTL:  DefaultRefreshTokenTTL,
		ChunkSizeBytes:   DefaultChunkSizeBytes,
		MaxFileSizeBytes: DefaultMaxFileSizeBytes,
		SessionTTL:       DefaultSessionTTL,
		Workers:          DefaultWorkers,
		MaxAttempts:      DefaultMaxAttempts,
		StaleThreshold:   DefaultStaleThreshold,
		Converters: []ConverterSpec{
			{Sensor: "IDX", Executable: "strata-convert-idx", TimeoutMinutes: 120},
			{Sensor: "TIFF", Executable: "strata-convert-tiff", TimeoutMinutes: 120},
			{Sensor: "TIFF_RGB", Executable: "strata-convert-tiff", Args: []string{"--rgb"}, TimeoutMinutes: 120},
			{Sensor: "4D_NEXUS", Executable: "strata-convert-nexus", TimeoutMinutes: 240},
			{Sensor: "HDF5", Executable: "strata-convert-hdf5", TimeoutMinutes: 120},
			{Sensor: "NETCDF", Executable: "strata-convert-netcdf", TimeoutMinutes: 120},
			{Sensor: "RGB_DRONE", Executable: "strata-convert-drone", TimeoutMinutes: 180},
			{Sensor: "MAPIR_DRONE", Executable: "strata-convert-drone", Args: []string{"--mapir"}, TimeoutMinutes: 180},
		},
	}
}

// Load reads the configuration from path (optional, "" skips the file),
// then applies environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STRATA_CATALOG_PATH"); v != "" {
		c.CatalogPath = v
	}
	if v := os.Getenv("STRATA_INGEST_ROOT"); v != "" {
		c.IngestRoot = v
	}
	if v := os.Getenv("STRATA_API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("STRATA_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("STRATA_SIGNING_KEY"); v != "" {
		c.SigningKey = v
	}
	if v := os.Getenv("STRATA_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers = n
		}
	}
	if v := os.Getenv("STRATA_ACCESS_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.AccessTokenTTL = d
		}
	}
	if v := os.Getenv("STRATA_REFRESH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RefreshTokenTTL = d
		}
	}
}

// Validate checks the bundle for required fields and consistency
func (c *Config) Validate() error {
	if c.SigningKey == "" {
		return fmt.Errorf("signing key is required (set signing_key or STRATA_SIGNING_KEY)")
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("signing key must be at least 32 bytes, got %d", len(c.SigningKey))
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog path is required")
	}
	if c.IngestRoot == "" {
		return fmt.Errorf("ingest root is required")
	}
	if c.ChunkSizeBytes <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSizeBytes)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}
	// The stale threshold must exceed every converter timeout, otherwise the
	// reconciler would reschedule jobs that are still legitimately running.
	for _, conv := range c.Converters {
		if time.Duration(conv.TimeoutMinutes)*time.Minute >= c.StaleThreshold {
			return fmt.Errorf("stale threshold %s must exceed converter timeout for %s (%dm)",
				c.StaleThreshold, conv.Sensor, conv.TimeoutMinutes)
		}
	}
	return nil
}

// ConverterFor returns the converter spec for a sensor kind, or false when
// the sensor has no registered converter.
func (c *Config) ConverterFor(sensor string) (ConverterSpec, bool) {
	for _, conv := range c.Converters {
		if conv.Sensor == sensor {
			return conv, true
		}
	}
	return ConverterSpec{}, false
}
