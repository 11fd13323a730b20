// Package progress emits periodic throughput and ETA logs for a running
// table extraction. The reporter is passive: the extraction loop feeds it
// cumulative row counts and a background ticker turns them into log lines.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Snapshot is one progress observation
type Snapshot struct {
	Rows    int64
	Total   int64
	Percent float64
	Rate    float64 // rows per second since start
	Elapsed time.Duration
	ETA     time.Duration // zero when the total is unknown or rate is zero
}

// Reporter tracks cumulative extracted rows against an optional total
type Reporter struct {
	logger   *zap.Logger
	total    int64
	interval time.Duration

	start time.Time
	rows  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewReporter creates a reporter. total of zero means the total is unknown
// and no percentage or ETA is reported.
func NewReporter(logger *zap.Logger, database, table string, total int64, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		logger: logger.With(
			zap.String("database", database),
			zap.String("table", table)),
		total:    total,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Observe records the cumulative row count
func (r *Reporter) Observe(rows int64) {
	r.rows.Store(rows)
}

// Snapshot computes the current progress
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{
		Rows:    r.rows.Load(),
		Total:   r.total,
		Elapsed: time.Since(r.start),
	}
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.Rate = float64(s.Rows) / secs
	}
	if r.total > 0 {
		s.Percent = 100 * float64(s.Rows) / float64(r.total)
		if s.Rate > 0 && s.Rows < r.total {
			s.ETA = time.Duration(float64(r.total-s.Rows) / s.Rate * float64(time.Second))
		}
	}
	return s
}

// Start launches the periodic logger. Stop must be called to release it.
func (r *Reporter) Start() {
	r.start = time.Now()
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.log()
			}
		}
	}()
}

// Stop halts the periodic logger and waits for it to exit
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Reporter) log() {
	s := r.Snapshot()
	fields := []zap.Field{
		zap.Int64("rows", s.Rows),
		zap.Duration("elapsed", s.Elapsed.Round(time.Second)),
		zap.Float64("rows_per_sec", s.Rate),
	}
	if s.Total > 0 {
		fields = append(fields,
			zap.Int64("total", s.Total),
			zap.String("percent", percentString(s.Percent)),
			zap.Duration("eta", s.ETA.Round(time.Second)))
	}
	r.logger.Info("extraction progress", fields...)
}

func percentString(p float64) string {
	if p > 100 {
		// Estimated totals can undercount; never report beyond 100%
		p = 100
	}
	return fmt.Sprintf("%.1f%%", p)
}
