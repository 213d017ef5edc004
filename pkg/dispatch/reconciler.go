package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/types"
)

// reconcileInterval is how often the stale-claim sweep runs
const reconcileInterval = time.Minute

// runReconciler periodically rescues datasets stuck in converting, syncing
// or (remote sources only) uploading past the staleness threshold: the
// claiming worker died, so the job goes back to its queue. The threshold exceeds every converter timeout, so a dataset
// this old cannot still be legitimately running.
func (d *Dispatcher) runReconciler(ctx context.Context) {
	defer d.wg.Done()

	logger := d.logger.With().Str("loop", "reconciler").Logger()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	logger.Info().Msg("Reconciler started")
	for {
		select {
		case <-ticker.C:
			d.beat()
			if err := d.reconcile(); err != nil {
				logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-d.stopCh:
			logger.Info().Msg("Reconciler stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcile performs one sweep over the abandoned working states
func (d *Dispatcher) reconcile() error {
	metrics.ReconciliationCyclesTotal.Inc()
	cutoff := time.Now().Add(-d.staleThreshold)

	if err := d.rescue(types.StatusConverting, types.StatusConversionQueued, cutoff); err != nil {
		return err
	}
	if err := d.rescue(types.StatusSyncing, types.StatusSyncQueued, cutoff); err != nil {
		return err
	}
	return d.rescue(types.StatusUploading, types.StatusUploadQueued, cutoff)
}

// rescue requeues stale claims in one working state. Losing the
// compare-and-set means the worker finished (or another reconciler won)
// in the meantime, which is fine.
func (d *Dispatcher) rescue(working, queued types.DatasetStatus, cutoff time.Time) error {
	stale, err := d.store.ListStaleClaims(working, cutoff)
	if err != nil {
		return err
	}
	for _, ds := range stale {
		// Remote datasets are the only ones legitimately parked in
		// uploading by the pool; chunked uploads own that status too and
		// have no source, so they are skipped even when they carry a claim.
		if working == types.StatusUploading && ds.Source == nil {
			continue
		}
		if err := d.machine.Transition(ds.UUID, working, queued); err != nil {
			if errors.Is(err, types.ErrStaleState) {
				continue
			}
			return err
		}
		metrics.StaleClaimsRescued.Inc()
		d.logger.Warn().
			Str("dataset_uuid", ds.UUID).
			Time("claimed_at", ds.ClaimedAt).
			Str("from", string(working)).
			Str("to", string(queued)).
			Msg("Rescued stale claim")
	}
	return nil
}
