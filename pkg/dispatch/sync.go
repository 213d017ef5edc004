package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/types"
	"github.com/strata-lab/strata/pkg/upload"
)

// runSync executes one claimed remote-source fetch. Bucket sources
// (landing=true) stream into sync/{uuid} and are moved into the file area
// on success; URL sources stream straight into upload/{uuid}.
func (d *Dispatcher) runSync(ctx context.Context, logger zerolog.Logger, ds *types.Dataset, landing bool) {
	working := types.StatusUploading
	errStatus := types.StatusUploadError
	if landing {
		working = types.StatusSyncing
		errStatus = types.StatusSyncError
	}

	logger = logger.With().Str("dataset_uuid", ds.UUID).Logger()
	if ds.Source == nil {
		d.failSync(logger, ds, working, errStatus, "dataset has no source descriptor")
		return
	}
	sourceType := string(ds.Source.Type)
	logger.Info().Str("source_type", sourceType).Msg("Remote fetch claimed")

	d.broker.Publish(&events.Event{
		Type:     events.EventSyncStarted,
		Message:  "remote fetch started",
		Metadata: map[string]string{"dataset_uuid": ds.UUID, "source_type": sourceType},
	})

	if d.cancelRequested(ds.UUID) {
		d.finishCancel(logger, ds, working)
		return
	}

	destDir := d.layout.DatasetDir(ds.UUID)
	if landing {
		destDir = d.layout.SyncDir(ds.UUID)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.watchCancel(fetchCtx, cancel, ds.UUID)

	result, err := d.fetchSvc.Fetch(fetchCtx, ds.Source, destDir)
	if err != nil {
		if d.cancelRequested(ds.UUID) {
			os.RemoveAll(destDir)
			d.finishCancel(logger, ds, working)
			return
		}
		metrics.SyncsTotal.WithLabelValues(sourceType, "error").Inc()
		d.failSync(logger, ds, working, errStatus, err.Error())
		return
	}

	if landing {
		// Move the landed object into the dataset file area
		uploadDir := d.layout.DatasetDir(ds.UUID)
		if err := os.MkdirAll(uploadDir, 0755); err != nil {
			d.failSync(logger, ds, working, errStatus, fmt.Sprintf("failed to create dataset directory: %v", err))
			return
		}
		src := filepath.Join(destDir, result.Filename)
		dst := filepath.Join(uploadDir, result.Filename)
		if err := os.Rename(src, dst); err != nil {
			d.failSync(logger, ds, working, errStatus, fmt.Sprintf("failed to move landed object: %v", err))
			return
		}
		if err := os.RemoveAll(destDir); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove sync landing directory")
		}
	}

	if err := d.store.AppendDatasetFile(ds.UUID, &types.FileEntry{
		Filename:     result.Filename,
		SizeBytes:    result.SizeBytes,
		UploadedAt:   time.Now(),
		RelativePath: result.Filename,
	}); err != nil {
		d.failSync(logger, ds, working, errStatus, err.Error())
		return
	}
	metrics.BytesIngested.Add(float64(result.SizeBytes))

	// Postlude mirrors a finished upload: unzip if needed, then queue
	// conversion or finish.
	next := upload.NextAfterUpload(ds, result.Filename)
	if err := d.machine.Transition(ds.UUID, working, next); err != nil {
		logger.Error().Err(err).Msg("Failed to advance after fetch")
		return
	}
	d.broker.PublishStatusChange(ds.UUID, string(working), string(next))

	if next == types.StatusUnzipping {
		d.runUnzip(logger, ds, result.Filename)
	}

	metrics.SyncsTotal.WithLabelValues(sourceType, "success").Inc()
	logger.Info().
		Str("filename", result.Filename).
		Int64("bytes", result.SizeBytes).
		Msg("Remote fetch completed")
}

// runUnzip expands a fetched archive and advances the dataset
func (d *Dispatcher) runUnzip(logger zerolog.Logger, ds *types.Dataset, filename string) {
	dir := d.layout.DatasetDir(ds.UUID)
	extracted, err := upload.ExpandArchive(filepath.Join(dir, filepath.Base(filename)), dir)
	if err != nil {
		if terr := d.machine.Transition(ds.UUID, types.StatusUnzipping, types.StatusUploadError); terr != nil {
			logger.Error().Err(terr).Msg("Failed to record unzip error")
		}
		logger.Error().Err(err).Msg("Failed to expand fetched archive")
		return
	}
	now := time.Now()
	for _, rel := range extracted {
		info, serr := os.Stat(filepath.Join(dir, rel))
		if serr != nil {
			continue
		}
		if err := d.store.AppendDatasetFile(ds.UUID, &types.FileEntry{
			Filename:     filepath.Base(rel),
			SizeBytes:    info.Size(),
			UploadedAt:   now,
			RelativePath: rel,
		}); err != nil {
			logger.Error().Err(err).Msg("Failed to append extracted file")
			return
		}
	}

	after := types.StatusDone
	if ds.Convert {
		after = types.StatusConversionQueued
	}
	if err := d.machine.Transition(ds.UUID, types.StatusUnzipping, after); err != nil {
		logger.Error().Err(err).Msg("Failed to advance after unzip")
		return
	}
	d.broker.PublishStatusChange(ds.UUID, string(types.StatusUnzipping), string(after))
}

// watchCancel cancels the fetch context when the dataset's cancel flag is
// raised or the dispatcher stops.
func (d *Dispatcher) watchCancel(ctx context.Context, cancel context.CancelFunc, uuid string) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			cancel()
			return
		case <-ticker.C:
			d.beat()
			if d.cancelRequested(uuid) {
				cancel()
				return
			}
		}
	}
}

// failSync records a fetch failure on the dataset
func (d *Dispatcher) failSync(logger zerolog.Logger, ds *types.Dataset, working, errStatus types.DatasetStatus, reason string) {
	fresh, err := d.store.GetDataset(ds.UUID)
	if err == nil {
		fresh.ConversionErrorMessage = reason
		if uerr := d.store.UpdateDataset(fresh); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record fetch error")
		}
	}
	if err := d.machine.Transition(ds.UUID, working, errStatus); err != nil {
		logger.Error().Err(err).Msg("Failed to record fetch failure")
		return
	}
	d.broker.Publish(&events.Event{
		Type:     events.EventSyncFailed,
		Message:  "remote fetch failed",
		Metadata: map[string]string{"dataset_uuid": ds.UUID, "reason": reason},
	})
	logger.Error().Str("reason", reason).Msg("Remote fetch failed")
}
