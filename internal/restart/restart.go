// Package restart serializes backend restarts. Requests land in a capacity-1
// queue; a request made while one is already pending is dropped.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/sidekeeper/internal/metrics"
	"github.com/loykin/sidekeeper/internal/status"
)

// DefaultPortReleaseDelay is the pause between killing the old process and
// launching its replacement.
const DefaultPortReleaseDelay = 500 * time.Millisecond

// ErrRestart wraps a launch failure during a restart cycle.
var ErrRestart = errors.New("restart failed")

// Backend is what the coordinator drives.
type Backend interface {
	ShuttingDown() bool
	KillBackend()
	LaunchBackend() error
}

type Coordinator struct {
	Name             string
	Backend          Backend
	Publisher        status.Publisher
	PortReleaseDelay time.Duration
	Logger           *slog.Logger

	requests chan struct{}
	inFlight atomic.Int32
	executed atomic.Int64
}

func New(name string, b Backend, pub status.Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Name:      name,
		Backend:   b,
		Publisher: pub,
		Logger:    logger.With("backend", name),
		requests:  make(chan struct{}, 1),
	}
}

// Request enqueues a restart without blocking. It returns false when a request
// was already pending and this one was coalesced into it.
func (c *Coordinator) Request() bool {
	select {
	case c.requests <- struct{}{}:
		return true
	default:
		metrics.IncRestartCoalesced(c.Name)
		c.Logger.Warn("Restart request dropped; one is already pending")
		return false
	}
}

// InFlight reports how many restart cycles are executing right now (0 or 1).
func (c *Coordinator) InFlight() int { return int(c.inFlight.Load()) }

// Executed reports how many restart cycles have run.
func (c *Coordinator) Executed() int64 { return c.executed.Load() }

// Run processes requests one at a time until ctx is done or shutdown is observed.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.requests:
		}
		if c.Backend.ShuttingDown() {
			return
		}
		c.cycle(ctx)
	}
}

func (c *Coordinator) cycle(ctx context.Context) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.executed.Add(1)

	c.Logger.Info("Restarting backend")
	c.Publisher.Publish(status.NewRestarting())
	c.Backend.KillBackend()

	delay := c.PortReleaseDelay
	if delay <= 0 {
		delay = DefaultPortReleaseDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}
	if c.Backend.ShuttingDown() {
		return
	}

	metrics.IncRestart(c.Name)
	if err := c.Backend.LaunchBackend(); err != nil {
		err = fmt.Errorf("%w: %w", ErrRestart, err)
		c.Logger.Error("Restart failed", "error", err)
		c.Publisher.Publish(status.NewCrashed(err.Error()))
	}
}
