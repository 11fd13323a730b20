// Package lifecycle converts interrupt signals into a cooperative stop
// request. The extraction loop observes the request only at batch
// boundaries, bounding cancellation latency to one batch; a second signal
// escalates to an immediate forced exit after a best-effort checkpoint
// flush.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// State is the controller's lifecycle state
type State int32

const (
	// StateRunning means no stop has been requested
	StateRunning State = iota
	// StateCancelRequested means a stop was requested and the loop will
	// exit at the next batch boundary
	StateCancelRequested
	// StateDraining means the loop is flushing in-flight work
	StateDraining
	// StateStopped means the run has come to rest; the last persisted
	// checkpoint is authoritative for resumption
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelRequested:
		return "cancel_requested"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Controller is the process-wide cancellation flag plus its wait primitive.
// All cross-goroutine communication goes through the atomic state word and
// the closed channel; there is no other shared mutable state.
type Controller struct {
	state  atomic.Int32
	stopCh chan struct{}
	once   sync.Once

	// flushFn runs best-effort before a forced exit
	flushFn func()
	// exitFn defaults to os.Exit; injectable for tests
	exitFn func(code int)

	logger *zap.Logger
}

// NewController creates a controller in the Running state. flushFn may be
// nil; when set it runs before a forced exit.
func NewController(logger *zap.Logger, flushFn func()) *Controller {
	return &Controller{
		stopCh:  make(chan struct{}),
		flushFn: flushFn,
		exitFn:  os.Exit,
		logger:  logger,
	}
}

// Watch installs signal handling: the first signal requests a cooperative
// stop, the second forces an immediate exit. Returns a function that
// uninstalls the handler.
func (c *Controller) Watch(signals ...os.Signal) func() {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, signals...)

	go func() {
		for sig := range sigCh {
			if c.State() == StateRunning {
				c.logger.Warn("stop requested, finishing current batch",
					zap.String("signal", sig.String()))
				c.RequestCancel()
				continue
			}
			c.logger.Warn("second stop signal, forcing exit",
				zap.String("signal", sig.String()))
			c.ForceKill()
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// RequestCancel requests a cooperative stop. Idempotent: repeated calls do
// not re-trigger; escalation happens only through the signal path.
func (c *Controller) RequestCancel() {
	c.once.Do(func() {
		c.state.CompareAndSwap(int32(StateRunning), int32(StateCancelRequested))
		close(c.stopCh)
	})
}

// ForceKill bypasses draining: best-effort checkpoint flush, then exit 130.
func (c *Controller) ForceKill() {
	if c.flushFn != nil {
		c.flushFn()
	}
	c.exitFn(130)
}

// BeginDrain marks the loop as flushing in-flight work
func (c *Controller) BeginDrain() {
	c.state.CompareAndSwap(int32(StateCancelRequested), int32(StateDraining))
}

// MarkStopped marks the run as at rest
func (c *Controller) MarkStopped() {
	c.state.Store(int32(StateStopped))
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Stopping reports whether a stop has been requested. Checked at batch
// boundaries only, never inside the fetch loop.
func (c *Controller) Stopping() bool {
	return c.State() != StateRunning
}

// Done returns a channel closed when a stop is requested, for use in
// select-based waits such as the pacing sleep.
func (c *Controller) Done() <-chan struct{} {
	return c.stopCh
}
