// Package shutdown implements the single shutdown state machine shared by
// the HTTP accept loop and the executor.
package shutdown

import (
	"sync"
	"sync/atomic"
	"time"

	"agentbridge/internal/shared/logging"
)

// State is the coordinator's monotonic lifecycle stage.
type State int32

const (
	Accepting State = iota
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Draining:
		return "draining"
	default:
		return "terminated"
	}
}

// InFlight is the subset of the task registry the coordinator needs: how
// many tasks remain, which ones, and how to force-cancel one.
type InFlight interface {
	PendingCount() int
	PendingIDs() []string
	Cancel(taskID string) bool
}

// Metrics summarizes a completed drain.
type Metrics struct {
	Completed  int
	Cancelled  int
	TimedOut   bool
	DurationMs int64
}

// Coordinator tracks accepting -> draining -> terminated.
type Coordinator struct {
	state atomic.Int32

	mu           sync.Mutex
	drainTimeout time.Duration
	registry     InFlight
	log          logging.Logger
}

// New constructs a Coordinator in the accepting state.
func New(registry InFlight, drainTimeout time.Duration, log logging.Logger) *Coordinator {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	c := &Coordinator{
		drainTimeout: drainTimeout,
		registry:     registry,
		log:          logging.OrNop(log),
	}
	c.state.Store(int32(Accepting))
	return c
}

// State returns the current lifecycle stage.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// AcceptingTasks reports whether new POST /task intake should be allowed.
// Once false, every subsequent caller observes the same answer — the
// state is monotonic and never returns to Accepting.
func (c *Coordinator) AcceptingTasks() bool {
	return c.State() == Accepting
}

// BeginDrain transitions accepting -> draining, blocks until in-flight
// work reaches zero or the drain watchdog fires, then transitions to
// terminated and returns the drain metrics. Safe to call once; a second
// call returns immediately with a zeroed Metrics.
func (c *Coordinator) BeginDrain() Metrics {
	if !c.state.CompareAndSwap(int32(Accepting), int32(Draining)) {
		return Metrics{}
	}
	start := time.Now()

	deadline := time.NewTimer(c.drainTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	initial := c.registry.PendingCount()

	for {
		if c.registry.PendingCount() == 0 {
			c.state.Store(int32(Terminated))
			return Metrics{
				Completed:  initial,
				Cancelled:  0,
				TimedOut:   false,
				DurationMs: time.Since(start).Milliseconds(),
			}
		}
		select {
		case <-deadline.C:
			remaining := c.registry.PendingIDs()
			for _, id := range remaining {
				c.registry.Cancel(id)
			}
			c.state.Store(int32(Terminated))
			return Metrics{
				Completed:  initial - len(remaining),
				Cancelled:  len(remaining),
				TimedOut:   true,
				DurationMs: time.Since(start).Milliseconds(),
			}
		case <-poll.C:
		}
	}
}
