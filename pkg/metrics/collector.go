package metrics

import (
	"time"

	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/types"
)

// statuses sampled into the datasets gauge
var sampledStatuses = []types.DatasetStatus{
	types.StatusSubmitted,
	types.StatusUploadQueued,
	types.StatusUploading,
	types.StatusUnzipping,
	types.StatusSyncQueued,
	types.StatusSyncing,
	types.StatusConversionQueued,
	types.StatusConverting,
	types.StatusDone,
	types.StatusUploadError,
	types.StatusSyncError,
	types.StatusConversionError,
	types.StatusConversionFailed,
	types.StatusCancelled,
}

// Collector periodically samples catalog gauges
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDatasetMetrics()
	c.collectSessionMetrics()
}

func (c *Collector) collectDatasetMetrics() {
	for _, status := range sampledStatuses {
		datasets, err := c.store.ListDatasetsByStatus(status)
		if err != nil {
			return
		}
		DatasetsTotal.WithLabelValues(string(status)).Set(float64(len(datasets)))
	}
}

func (c *Collector) collectSessionMetrics() {
	open, err := c.store.ListSessionsByState(types.SessionOpen)
	if err != nil {
		return
	}
	OpenSessionsTotal.Set(float64(len(open)))
}
