// Package metrics provides performance tracking for tablesync using
// Prometheus collectors. Query and write timers that were once process
// globals live here as labeled metrics plus a per-run collector that the
// orchestrator injects into the components that need it.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsExtracted counts rows written to the destination per table
	RowsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Name:      "rows_extracted_total",
		Help:      "Total rows extracted and written to the destination",
	}, []string{"database", "table"})

	// QueryDuration tracks per-batch query latency
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tablesync",
		Name:      "query_duration_seconds",
		Help:      "Time spent executing and fetching paginated queries",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"database", "table"})

	// WriteDuration tracks per-batch destination write latency
	WriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tablesync",
		Name:      "write_duration_seconds",
		Help:      "Time spent writing batches to the destination file",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"database", "table"})

	// Reconnects counts reconnection attempts per database
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Name:      "reconnect_attempts_total",
		Help:      "Database reconnection attempts",
	}, []string{"database"})

	// BatchPause reports the current adaptive inter-batch pause
	BatchPause = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tablesync",
		Name:      "batch_pause_seconds",
		Help:      "Current adaptive pause inserted between batches",
	}, []string{"database", "table"})

	// TablesAbandoned counts tables abandoned after exhausting retries
	TablesAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Name:      "tables_abandoned_total",
		Help:      "Tables abandoned for the run after an unrecoverable error",
	}, []string{"database"})
)

// Collector accumulates per-run timing totals for one (database, table)
// pair and mirrors them into the Prometheus collectors above.
type Collector struct {
	database string
	table    string

	queryNanos int64
	writeNanos int64
	rows       int64
}

// NewCollector creates a collector labeled for one table sync
func NewCollector(database, table string) *Collector {
	return &Collector{database: database, table: table}
}

// ObserveQuery records one paginated fetch
func (c *Collector) ObserveQuery(d time.Duration) {
	atomic.AddInt64(&c.queryNanos, d.Nanoseconds())
	QueryDuration.WithLabelValues(c.database, c.table).Observe(d.Seconds())
}

// ObserveWrite records one destination batch write
func (c *Collector) ObserveWrite(d time.Duration, rows int) {
	atomic.AddInt64(&c.writeNanos, d.Nanoseconds())
	atomic.AddInt64(&c.rows, int64(rows))
	WriteDuration.WithLabelValues(c.database, c.table).Observe(d.Seconds())
	RowsExtracted.WithLabelValues(c.database, c.table).Add(float64(rows))
}

// ObservePause reports the current adaptive pause
func (c *Collector) ObservePause(d time.Duration) {
	BatchPause.WithLabelValues(c.database, c.table).Set(d.Seconds())
}

// QueryTime returns the total time spent in fetches
func (c *Collector) QueryTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.queryNanos))
}

// WriteTime returns the total time spent writing
func (c *Collector) WriteTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.writeNanos))
}

// Rows returns the total rows recorded
func (c *Collector) Rows() int64 {
	return atomic.LoadInt64(&c.rows)
}
