package sd

import (
	"sync"
)

// Collector accumulates per-stage latency samples for one run. It
// implements the telemetry stage-observer interface, is append-only,
// and is safe for concurrent writers (pipelined stages report from
// multiple goroutines).
type Collector struct {
	runID      string
	bugEnabled bool

	mu      sync.Mutex
	latency map[string]float64 // summed per stage across chunks
	bytes   map[string]int
}

// NewCollector creates a collector for one run. bugEnabled tags every
// record the run produces.
func NewCollector(runID string, bugEnabled bool) *Collector {
	return &Collector{
		runID:      runID,
		bugEnabled: bugEnabled,
		latency:    make(map[string]float64),
		bytes:      make(map[string]int),
	}
}

// ObserveStage adds one stage call's latency to the run's totals.
func (c *Collector) ObserveStage(stage string, latencyMs float64, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency[stage] += latencyMs
	c.bytes[stage] += bytes
}

// Records materializes the run's SD rows: one per observed stage plus
// the whole-run "total" row built from the given end-to-end latency and
// throughput.
func (c *Collector) Records(totalLatencyMs, throughput float64) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]Record, 0, len(c.latency)+1)
	for stage, latency := range c.latency {
		var tput float64
		if latency > 0 {
			tput = float64(c.bytes[stage]) / (latency / 1000.0)
		}
		records = append(records, Record{
			RunID:      c.runID,
			BugEnabled: c.bugEnabled,
			LatencyMs:  latency,
			Throughput: tput,
			Stage:      stage,
		})
	}
	records = append(records, Record{
		RunID:      c.runID,
		BugEnabled: c.bugEnabled,
		LatencyMs:  totalLatencyMs,
		Throughput: throughput,
		Stage:      StageTotal,
	})
	return records
}
