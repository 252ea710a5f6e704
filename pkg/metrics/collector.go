package metrics

import (
	"time"

	"github.com/cuemby/modelctl/pkg/types"
)

// QueueSnapshotter is the subset of the download manager's contract the
// collector needs. Satisfied by *queue.Manager.
type QueueSnapshotter interface {
	Snapshot() types.QueueSnapshot
}

// ProcessLister is the subset of the process supervisor's contract the
// collector needs. Satisfied by *supervisor.Supervisor.
type ProcessLister interface {
	ListRunning() []types.ProcessHandle
}

// Collector periodically samples the queue and supervisor and updates the
// corresponding gauges on a ticker, rather than updating them inline on
// every mutation.
type Collector struct {
	queue      QueueSnapshotter
	processes  ProcessLister
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(queue QueueSnapshotter, processes ProcessLister) *Collector {
	return &Collector{
		queue:     queue,
		processes: processes,
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics on a ticker, sampling immediately first.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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
	c.collectQueueMetrics()
	c.collectProcessMetrics()
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	snap := c.queue.Snapshot()
	QueueDepth.WithLabelValues("pending").Set(float64(len(snap.Pending)))
	QueueDepth.WithLabelValues("active").Set(float64(len(snap.Active)))
	QueueDepth.WithLabelValues("failed").Set(float64(len(snap.Failed)))
	ActiveJobsTotal.Set(float64(len(snap.Active)))
}

func (c *Collector) collectProcessMetrics() {
	if c.processes == nil {
		return
	}
	handles := c.processes.ListRunning()
	RunningProcessesTotal.Set(float64(len(handles)))
	for _, h := range handles {
		ProcessUptimeSeconds.WithLabelValues(h.ModelID).Set(time.Since(h.StartedAt).Seconds())
		for _, state := range []types.HealthState{
			types.HealthHealthy, types.HealthDegraded, types.HealthUnreachable, types.HealthProcessDied,
		} {
			value := 0.0
			if h.Health.State == state {
				value = 1.0
			}
			ProcessHealthState.WithLabelValues(h.ModelID, string(state)).Set(value)
		}
	}
}
