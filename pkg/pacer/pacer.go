// Package pacer implements adaptive inter-batch pacing. The pacer watches
// per-batch throughput in a fixed-size rolling window and inserts a pause
// between batches when throughput degrades against the warm-up baseline.
// Pacing is purely advisory: batch size is held fixed, and a nil pacer
// leaves extraction semantics unchanged.
package pacer

import (
	"sync"
	"time"
)

// Config controls the pacing behavior
type Config struct {
	// WindowSize is the rolling sample window capacity
	WindowSize int
	// MinSamples is the warm-up count before a baseline is established
	MinSamples int
	// DegradationThreshold triggers a pause increase when
	// recent/baseline drops below it (e.g. 0.7 = 30% drop)
	DegradationThreshold float64
	// RecoveryThreshold triggers a pause decrease when recent/baseline
	// rises above it
	RecoveryThreshold float64
	// Step is the pause increment/decrement
	Step time.Duration
	// MinPause floors the pause
	MinPause time.Duration
	// MaxPause caps the pause
	MaxPause time.Duration
}

// DefaultConfig returns the pacing defaults
func DefaultConfig() Config {
	return Config{
		WindowSize:           10,
		MinSamples:           3,
		DegradationThreshold: 0.7,
		RecoveryThreshold:    0.9,
		Step:                 100 * time.Millisecond,
		MinPause:             0,
		MaxPause:             time.Second,
	}
}

// sample is one per-batch throughput observation
type sample struct {
	rows    int
	elapsed time.Duration
}

func (s sample) throughput() float64 {
	secs := s.elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.rows) / secs
}

// Pacer maintains the rolling window and the current pause
type Pacer struct {
	cfg Config

	mu       sync.Mutex
	window   []sample // FIFO, capacity cfg.WindowSize
	baseline float64
	pause    time.Duration
}

// New creates a pacer; invalid fields fall back to defaults
func New(cfg Config) *Pacer {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.DegradationThreshold <= 0 {
		cfg.DegradationThreshold = def.DegradationThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.MaxPause <= 0 {
		cfg.MaxPause = def.MaxPause
	}
	if cfg.MinPause < 0 {
		cfg.MinPause = 0
	}
	return &Pacer{
		cfg:    cfg,
		window: make([]sample, 0, cfg.WindowSize),
		pause:  cfg.MinPause,
	}
}

// Record adds a per-batch sample and adjusts the pause. Zero-row or
// zero-duration batches are ignored; they carry no throughput signal.
func (p *Pacer) Record(rows int, elapsed time.Duration) {
	if rows <= 0 || elapsed <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.window) == cap(p.window) {
		// FIFO eviction of the oldest sample
		copy(p.window, p.window[1:])
		p.window = p.window[:len(p.window)-1]
	}
	p.window = append(p.window, sample{rows: rows, elapsed: elapsed})

	if len(p.window) < p.cfg.MinSamples {
		return
	}

	if p.baseline == 0 {
		// First stable window becomes the baseline
		p.baseline = p.average()
		return
	}

	ratio := p.average() / p.baseline
	switch {
	case ratio < p.cfg.DegradationThreshold:
		p.pause += p.cfg.Step
		if p.pause > p.cfg.MaxPause {
			p.pause = p.cfg.MaxPause
		}
	case ratio > p.cfg.RecoveryThreshold:
		p.pause -= p.cfg.Step
		if p.pause < p.cfg.MinPause {
			p.pause = p.cfg.MinPause
		}
	}
}

// Pause returns the pause to insert before the next batch
func (p *Pacer) Pause() time.Duration {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pause
}

// Baseline returns the established baseline throughput, zero while warming up
func (p *Pacer) Baseline() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseline
}

// average computes the mean throughput over the current window.
// Callers hold p.mu.
func (p *Pacer) average() float64 {
	if len(p.window) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range p.window {
		sum += s.throughput()
	}
	return sum / float64(len(p.window))
}
