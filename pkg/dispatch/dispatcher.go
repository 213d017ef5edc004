package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/fetch"
	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/state"
	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/types"
	"github.com/strata-lab/strata/pkg/upload"
)

const (
	claimBackoffInitial = 2 * time.Second
	claimBackoffMax     = 30 * time.Second
)

// Dispatcher runs the long-lived worker pool. Each worker claims one
// dataset at a time via compare-and-set on the status field; the catalog
// is the only coordination between workers.
type Dispatcher struct {
	store    storage.Store
	machine  *state.Machine
	registry *Registry
	fetchSvc *fetch.Service
	layout   *upload.Layout
	broker   *events.Broker
	logger   zerolog.Logger

	workers        int
	maxAttempts    int
	staleThreshold time.Duration

	cancelRoot context.CancelFunc
	wg         sync.WaitGroup
	stopCh     chan struct{}

	beatMu   sync.Mutex
	lastBeat time.Time
}

// Config holds dispatcher configuration
type Config struct {
	Workers        int
	MaxAttempts    int
	StaleThreshold time.Duration
}

// NewDispatcher creates the dispatcher
func NewDispatcher(store storage.Store, machine *state.Machine, registry *Registry,
	fetchSvc *fetch.Service, layout *upload.Layout, broker *events.Broker, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:          store,
		machine:        machine,
		registry:       registry,
		fetchSvc:       fetchSvc,
		layout:         layout,
		broker:         broker,
		logger:         log.WithComponent("dispatch"),
		workers:        cfg.Workers,
		maxAttempts:    cfg.MaxAttempts,
		staleThreshold: cfg.StaleThreshold,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the worker pool and the stale-claim reconciler
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancelRoot = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, i)
	}

	d.wg.Add(1)
	go d.runReconciler(ctx)

	d.logger.Info().Int("workers", d.workers).Msg("Dispatcher started")
}

// Stop signals the pool and waits for in-flight jobs to wind down
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	if d.cancelRoot != nil {
		d.cancelRoot()
	}
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

// runWorker is one worker's claim loop. When no work is claimable it
// sleeps on a bounded exponential backoff, reset whenever a claim lands.
func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With().Int("worker", id).Logger()
	logger.Info().Msg("Worker started")

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = claimBackoffInitial
	wait.MaxInterval = claimBackoffMax
	wait.MaxElapsedTime = 0 // workers never give up
	wait.Reset()

	for {
		select {
		case <-d.stopCh:
			logger.Info().Msg("Worker stopped")
			return
		default:
		}
		d.beat()

		worked, err := d.claimOne(ctx, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Claim cycle failed")
		}
		if worked {
			wait.Reset()
			continue
		}

		select {
		case <-time.After(wait.NextBackOff()):
		case <-d.stopCh:
			logger.Info().Msg("Worker stopped")
			return
		}
	}
}

// claimOne attempts to claim one unit of work, preferring conversions,
// then bucket syncs, then direct URL fetches. Returns whether anything
// was claimed.
func (d *Dispatcher) claimOne(ctx context.Context, logger zerolog.Logger) (bool, error) {
	ds, err := d.store.ClaimNextByStatus(types.StatusConversionQueued, types.StatusConverting)
	if err != nil {
		return false, err
	}
	if ds != nil {
		metrics.ClaimsTotal.Inc()
		d.runConversion(ctx, logger, ds)
		return true, nil
	}

	ds, err = d.store.ClaimNextByStatus(types.StatusSyncQueued, types.StatusSyncing)
	if err != nil {
		return false, err
	}
	if ds != nil {
		metrics.ClaimsTotal.Inc()
		d.runSync(ctx, logger, ds, true)
		return true, nil
	}

	ds, err = d.store.ClaimNextByStatus(types.StatusUploadQueued, types.StatusUploading)
	if err != nil {
		return false, err
	}
	if ds != nil {
		metrics.ClaimsTotal.Inc()
		d.runSync(ctx, logger, ds, false)
		return true, nil
	}

	return false, nil
}

// beat records worker-loop progress for the health probe
func (d *Dispatcher) beat() {
	d.beatMu.Lock()
	d.lastBeat = time.Now()
	d.beatMu.Unlock()
}

// Healthy is the dispatcher's health probe: the pool must have started
// and some loop must have made progress recently. Busy workers beat from
// their subprocess poll points, so a pool mid-conversion stays healthy;
// the window is several idle backoff periods.
func (d *Dispatcher) Healthy() error {
	d.beatMu.Lock()
	last := d.lastBeat
	d.beatMu.Unlock()

	if last.IsZero() {
		return fmt.Errorf("worker pool has not started")
	}
	if stale := time.Since(last); stale > 4*claimBackoffMax {
		return fmt.Errorf("no worker activity for %s", stale.Round(time.Second))
	}
	return nil
}

// cancelRequested re-reads the dataset's cancel flag
func (d *Dispatcher) cancelRequested(uuid string) bool {
	ds, err := d.store.GetDataset(uuid)
	if err != nil {
		return false
	}
	return ds.CancelRequested
}

// finishCancel completes a cancellation observed mid-job: output is
// cleaned and the dataset moves to cancelled from whatever working state
// it is in.
func (d *Dispatcher) finishCancel(logger zerolog.Logger, ds *types.Dataset, from types.DatasetStatus) {
	if err := d.machine.Transition(ds.UUID, from, types.StatusCancelled); err != nil {
		logger.Error().Err(err).Str("dataset_uuid", ds.UUID).Msg("Failed to record cancellation")
		return
	}
	d.broker.Publish(&events.Event{
		Type:     events.EventDatasetCancelled,
		Message:  "dataset cancelled by request",
		Metadata: map[string]string{"dataset_uuid": ds.UUID},
	})
	logger.Info().Str("dataset_uuid", ds.UUID).Msg("Job cancelled by request")
}
