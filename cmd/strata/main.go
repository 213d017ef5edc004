package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-lab/strata/pkg/api"
	"github.com/strata-lab/strata/pkg/config"
	"github.com/strata-lab/strata/pkg/dispatch"
	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/fetch"
	"github.com/strata-lab/strata/pkg/identity"
	"github.com/strata-lab/strata/pkg/ingest"
	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/security"
	"github.com/strata-lab/strata/pkg/state"
	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/token"
	"github.com/strata-lab/strata/pkg/types"
	"github.com/strata-lab/strata/pkg/upload"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - scientific dataset ingestion and conversion service",
	Long: `Strata ingests large scientific datasets from heterogeneous sources,
tracks each dataset through a status lifecycle, and dispatches conversion
workers that transform raw sensor data into a streamable tiled format.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion service",
	Long: `Start the strata service: the HTTP API, the conversion worker pool,
the stale-claim reconciler, and the upload-session garbage collector, all
backed by one catalog database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
}

func serve(cfg *config.Config) error {
	logger := log.WithComponent("main")

	// Catalog
	if err := os.MkdirAll(cfg.IngestRoot, 0755); err != nil {
		return fmt.Errorf("failed to create ingest root: %v", err)
	}
	store, err := storage.OpenBoltStore(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %v", err)
	}
	defer store.Close()

	// The catalog probe is a live round trip, not a remembered flag
	metrics.RegisterProbe("catalog", func() error {
		_, err := store.ListSessionsByState(types.SessionOpen)
		return err
	})

	layout, err := upload.NewLayout(cfg.IngestRoot)
	if err != nil {
		return fmt.Errorf("failed to prepare ingest layout: %v", err)
	}

	// Core services
	sealer, err := security.NewSealerFromSecret(cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("failed to initialize credential sealer: %v", err)
	}
	machine := state.NewMachine(store)
	resolver := identity.NewResolver(store)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	tokens, err := token.NewService(store, token.Config{
		SigningKey: cfg.SigningKey,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %v", err)
	}

	uploads := upload.NewManager(store, machine, layout, broker, upload.Config{
		ChunkSize:  cfg.ChunkSizeBytes,
		SessionTTL: cfg.SessionTTL,
	})
	uploads.StartGC(10 * time.Minute)
	defer uploads.Stop()

	fetchSvc := fetch.NewService(sealer)
	router := ingest.NewRouter(store, resolver, machine, uploads, fetchSvc, layout, broker, ingest.Config{
		WholeFileLimit: cfg.ChunkSizeBytes,
		MaxFileSize:    cfg.MaxFileSizeBytes,
	})

	// Worker pool
	registry := dispatch.NewRegistry(cfg.Converters)
	dispatcher := dispatch.NewDispatcher(store, machine, registry, fetchSvc, layout, broker, dispatch.Config{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		StaleThreshold: cfg.StaleThreshold,
	})
	dispatcher.Start()
	defer dispatcher.Stop()
	metrics.RegisterProbe("dispatcher", dispatcher.Healthy)

	// Event log sink
	sub := broker.Subscribe()
	go func() {
		eventLog := log.WithComponent("events")
		for event := range sub {
			eventLog.Info().
				Str("type", string(event.Type)).
				Fields(map[string]any{"metadata": event.Metadata}).
				Msg(event.Message)
		}
	}()
	defer broker.Unsubscribe(sub)

	// Metrics collector and endpoints
	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()
	metrics.SetVersion(Version)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics endpoints ready")

	// API server
	server := api.NewServer(store, tokens, router, uploads, resolver, cfg)
	metrics.RegisterProbe("api", server.Healthy)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Block until a signal or a listener failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown incomplete")
	}
	return nil
}
