package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/metrics"
	"github.com/strata-lab/strata/pkg/types"
)

// cancelPollInterval is how often a running job re-reads the cancel flag
const cancelPollInterval = 5 * time.Second

// errShutdown marks a job interrupted by worker shutdown, not a converter
// failure; the job requeues without burning an attempt.
var errShutdown = errors.New("worker shutting down")

// runConversion executes one claimed conversion end to end: prepare,
// select, execute, post-check, publish. Failures either requeue (attempts
// remaining) or land in conversion failed.
func (d *Dispatcher) runConversion(ctx context.Context, logger zerolog.Logger, ds *types.Dataset) {
	logger = logger.With().Str("dataset_uuid", ds.UUID).Str("sensor", string(ds.Sensor)).Logger()
	logger.Info().Int("attempt", ds.ConversionAttempts+1).Msg("Conversion claimed")

	d.broker.Publish(&events.Event{
		Type:     events.EventConversionStarted,
		Message:  "conversion started",
		Metadata: map[string]string{"dataset_uuid": ds.UUID, "sensor": string(ds.Sensor)},
	})

	if d.cancelRequested(ds.UUID) {
		d.cleanOutput(ds.UUID)
		d.finishCancel(logger, ds, types.StatusConverting)
		return
	}

	// Prepare
	inputDir := d.layout.DatasetDir(ds.UUID)
	outputDir := d.layout.ConvertedDir(ds.UUID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		d.failConversion(logger, ds, fmt.Sprintf("failed to create output directory: %v", err))
		return
	}

	// Select
	conv, ok := d.registry.Lookup(ds.Sensor)
	if !ok {
		d.failConversionTerminal(logger, ds, fmt.Sprintf("no converter registered for sensor %q", ds.Sensor))
		return
	}

	if d.cancelRequested(ds.UUID) {
		d.cleanOutput(ds.UUID)
		d.finishCancel(logger, ds, types.StatusConverting)
		return
	}

	// Execute
	timer := metrics.NewTimer()
	cancelled, runErr := d.execConverter(ctx, logger, ds, conv, inputDir, outputDir)
	duration := timer.Duration()
	metrics.ConversionDuration.WithLabelValues(string(ds.Sensor)).Observe(duration.Seconds())

	if cancelled {
		d.cleanOutput(ds.UUID)
		d.finishCancel(logger, ds, types.StatusConverting)
		return
	}
	if errors.Is(runErr, errShutdown) {
		if err := d.machine.Transition(ds.UUID, types.StatusConverting, types.StatusConversionQueued); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue on shutdown")
		}
		return
	}
	if runErr != nil {
		metrics.ConversionsTotal.WithLabelValues(string(ds.Sensor), "error").Inc()
		d.failConversion(logger, ds, runErr.Error())
		return
	}

	// Post-check: an empty output directory is a failure
	entries, err := os.ReadDir(outputDir)
	if err != nil || len(entries) == 0 {
		metrics.ConversionsTotal.WithLabelValues(string(ds.Sensor), "empty").Inc()
		d.failConversion(logger, ds, "converter produced no output")
		return
	}

	// Publish
	if err := d.machine.Transition(ds.UUID, types.StatusConverting, types.StatusDone); err != nil {
		logger.Error().Err(err).Msg("Failed to publish conversion result")
		return
	}
	fresh, err := d.store.GetDataset(ds.UUID)
	if err == nil {
		fresh.ConversionDurationSecs = duration.Seconds()
		fresh.ConversionErrorMessage = ""
		if err := d.store.UpdateDataset(fresh); err != nil {
			logger.Warn().Err(err).Msg("Failed to record conversion duration")
		}
	}

	metrics.ConversionsTotal.WithLabelValues(string(ds.Sensor), "success").Inc()
	d.broker.Publish(&events.Event{
		Type:     events.EventConversionDone,
		Message:  "conversion succeeded",
		Metadata: map[string]string{"dataset_uuid": ds.UUID, "duration": duration.String()},
	})
	logger.Info().Dur("duration", duration).Msg("Conversion succeeded")
}

// execConverter spawns the converter subprocess with the per-sensor
// timeout, captures stdout/stderr to the per-job log, and watches the
// cancel flag while the process runs.
func (d *Dispatcher) execConverter(ctx context.Context, logger zerolog.Logger, ds *types.Dataset,
	conv *Converter, inputDir, outputDir string) (cancelled bool, err error) {

	runCtx, cancel := context.WithTimeout(ctx, conv.Timeout)
	defer cancel()

	args := append([]string{}, conv.Args...)
	args = append(args, inputDir, outputDir)
	if len(conv.ExtraParams) > 0 {
		blob, jerr := json.Marshal(conv.ExtraParams)
		if jerr != nil {
			return false, fmt.Errorf("failed to encode converter params: %w", jerr)
		}
		args = append(args, "--params", string(blob))
	}

	jobLog, err := os.OpenFile(d.layout.JobLogPath(ds.UUID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open job log: %w", err)
	}
	defer jobLog.Close()
	fmt.Fprintf(jobLog, "--- attempt %d: %s %s\n", ds.ConversionAttempts+1, conv.Executable, strings.Join(args, " "))

	var stderrTail strings.Builder
	cmd := exec.CommandContext(runCtx, conv.Executable, args...)
	cmd.Stdout = jobLog
	cmd.Stderr = newTeeWriter(jobLog, &stderrTail, 4096)

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to start converter %s: %w", conv.Executable, err)
	}

	// Watch the cancel flag while the subprocess runs
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case werr := <-done:
			if werr == nil {
				return false, nil
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return false, fmt.Errorf("converter timed out after %s", conv.Timeout)
			}
			tail := strings.TrimSpace(stderrTail.String())
			if tail == "" {
				tail = werr.Error()
			}
			return false, fmt.Errorf("converter failed: %s", tail)
		case <-ticker.C:
			d.beat()
			if d.cancelRequested(ds.UUID) {
				logger.Info().Msg("Cancel requested, terminating converter")
				cancel()
				<-done
				return true, nil
			}
		case <-d.stopCh:
			// Shutdown: kill the subprocess, hand the job back to the queue
			cancel()
			<-done
			return false, errShutdown
		}
	}
}

// failConversion requeues when attempts remain, otherwise lands the
// dataset in conversion failed with the error message recorded.
func (d *Dispatcher) failConversion(logger zerolog.Logger, ds *types.Dataset, reason string) {
	attempts := ds.ConversionAttempts + 1

	fresh, err := d.store.GetDataset(ds.UUID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load dataset for failure bookkeeping")
		return
	}
	fresh.ConversionAttempts = attempts
	fresh.ConversionErrorMessage = reason
	if err := d.store.UpdateDataset(fresh); err != nil {
		logger.Error().Err(err).Msg("Failed to record conversion error")
		return
	}

	if attempts < d.maxAttempts {
		if err := d.machine.Transition(ds.UUID, types.StatusConverting, types.StatusConversionQueued); err != nil {
			logger.Error().Err(err).Msg("Failed to requeue conversion")
			return
		}
		logger.Warn().Int("attempt", attempts).Str("reason", reason).Msg("Conversion failed, requeued")
		return
	}

	if err := d.machine.Transition(ds.UUID, types.StatusConverting, types.StatusConversionFailed); err != nil {
		logger.Error().Err(err).Msg("Failed to record terminal conversion failure")
		return
	}
	metrics.ConversionsTotal.WithLabelValues(string(ds.Sensor), "failed").Inc()
	d.broker.Publish(&events.Event{
		Type:     events.EventConversionFailed,
		Message:  "conversion failed",
		Metadata: map[string]string{"dataset_uuid": ds.UUID, "reason": reason},
	})
	logger.Error().Int("attempts", attempts).Str("reason", reason).Msg("Conversion failed terminally")
}

// failConversionTerminal skips the retry budget, for unrecoverable causes
// like an unknown sensor.
func (d *Dispatcher) failConversionTerminal(logger zerolog.Logger, ds *types.Dataset, reason string) {
	fresh, err := d.store.GetDataset(ds.UUID)
	if err == nil {
		fresh.ConversionAttempts++
		fresh.ConversionErrorMessage = reason
		if err := d.store.UpdateDataset(fresh); err != nil {
			logger.Error().Err(err).Msg("Failed to record conversion error")
		}
	}
	if err := d.machine.Transition(ds.UUID, types.StatusConverting, types.StatusConversionFailed); err != nil {
		logger.Error().Err(err).Msg("Failed to record terminal conversion failure")
		return
	}
	metrics.ConversionsTotal.WithLabelValues(string(ds.Sensor), "failed").Inc()
	logger.Error().Str("reason", reason).Msg("Conversion failed terminally")
}

// cleanOutput removes partial converter output after a cancel
func (d *Dispatcher) cleanOutput(uuid string) {
	if err := os.RemoveAll(d.layout.ConvertedDir(uuid)); err != nil {
		d.logger.Warn().Err(err).Str("dataset_uuid", uuid).Msg("Failed to clean output directory")
	}
}

// teeWriter mirrors writes to a primary writer while keeping a bounded
// tail in memory for error reporting.
type teeWriter struct {
	primary io.Writer
	tail    *strings.Builder
	limit   int
}

func newTeeWriter(primary io.Writer, tail *strings.Builder, limit int) *teeWriter {
	return &teeWriter{primary: primary, tail: tail, limit: limit}
}

func (w *teeWriter) Write(p []byte) (int, error) {
	if w.tail.Len() < w.limit {
		keep := w.limit - w.tail.Len()
		if keep > len(p) {
			keep = len(p)
		}
		w.tail.Write(p[:keep])
	}
	return w.primary.Write(p)
}
