package metrics

import (
	"strconv"
	"time"
)

// ShardBufferStats is a snapshot of one shard's ingest buffer state.
type ShardBufferStats struct {
	BufferedBytes int64
	BufferedRows  int64
}

// BufferStatsSource is implemented by the ingest buffer so the collector can
// poll per-shard gauges without importing pkg/ingest directly.
type BufferStatsSource interface {
	ShardStats() map[uint32]ShardBufferStats
}

// Collector periodically polls a BufferStatsSource and updates gauges.
type Collector struct {
	source BufferStatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for the given buffer stats source.
func NewCollector(source BufferStatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a background goroutine.
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
	if c.source == nil {
		return
	}
	for shard, stats := range c.source.ShardStats() {
		label := strconv.FormatUint(uint64(shard), 10)
		BufferedBytes.WithLabelValues(label).Set(float64(stats.BufferedBytes))
		BufferedRows.WithLabelValues(label).Set(float64(stats.BufferedRows))
	}
}
