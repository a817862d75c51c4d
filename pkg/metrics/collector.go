package metrics

import (
	"time"

	"github.com/cosmix/loom/pkg/stagestore"
	"github.com/cosmix/loom/pkg/types"
)

// Collector periodically snapshots stage state from the stage store into
// the stage-count gauges. Per-event metrics (retries, merges, verification
// results) are recorded inline by the orchestrator as they happen; this
// collector only handles the gauges that need a point-in-time recount.
type Collector struct {
	store  *stagestore.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store *stagestore.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stages, err := c.store.ListAll()
	if err != nil {
		return
	}

	counts := make(map[types.StageStatus]int)
	for _, s := range stages {
		counts[s.Status]++
	}

	for _, status := range []types.StageStatus{
		types.StatusWaitingForDeps, types.StatusQueued, types.StatusExecuting,
		types.StatusCompleted, types.StatusCompletedWithFailures, types.StatusBlocked,
		types.StatusNeedsHandoff, types.StatusWaitingForInput, types.StatusMergeConflict,
		types.StatusMergeBlocked, types.StatusSkipped,
	} {
		StagesTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
