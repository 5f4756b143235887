// Package monitor consumes a backend's event stream, routes its output to the
// logger and turns unexpected terminations into crash reports and restart requests.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/sidekeeper/internal/metrics"
	"github.com/loykin/sidekeeper/internal/process"
	"github.com/loykin/sidekeeper/internal/status"
)

// DefaultCrashDelay is the pause between reporting a crash and requesting a restart.
const DefaultCrashDelay = 2 * time.Second

// State is the part of the supervisor state the monitor touches.
type State interface {
	ShuttingDown() bool
	SetHealthy(bool)
}

// Monitor watches one backend generation. It never restarts anything itself;
// it only asks through Restart.
type Monitor struct {
	Name       string
	Handle     *process.Handle // generation being watched; nil means every exit is a crash
	State      State
	Publisher  status.Publisher
	Restart    func() bool // enqueue a restart request; false when coalesced
	CrashDelay time.Duration
	Logger     *slog.Logger
}

func (m *Monitor) logger() *slog.Logger {
	l := m.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("backend", m.Name)
}

// Run consumes events until the terminated event, then returns. ctx only bounds
// the post-crash delay.
func (m *Monitor) Run(ctx context.Context, events <-chan process.Event) {
	log := m.logger()
	for ev := range events {
		switch ev.Type {
		case process.EventOutput:
			if ev.Stream == process.Stderr {
				log.Warn("backend stderr", "line", string(ev.Data))
			} else {
				log.Info("backend stdout", "line", string(ev.Data))
			}
		case process.EventError:
			log.Error("backend error", "error", ev.Message)
		case process.EventTerminated:
			m.terminated(ctx, log, ev.Exit)
			return
		}
	}
}

func (m *Monitor) terminated(ctx context.Context, log *slog.Logger, exit process.ExitInfo) {
	log.Info("Backend terminated", "exit", exit.String())
	if m.Handle != nil && m.Handle.Killed() {
		// killed by a restart or shutdown; the killer owns what happens next
		return
	}
	m.State.SetHealthy(false)
	if m.State.ShuttingDown() {
		return
	}

	metrics.IncCrash(m.Name)
	m.Publisher.Publish(status.NewCrashed(exit.String()))

	delay := m.CrashDelay
	if delay <= 0 {
		delay = DefaultCrashDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}
	if m.State.ShuttingDown() {
		return
	}
	if m.Handle != nil && m.Handle.Killed() {
		// a restart or shutdown already reaped this generation during the delay
		log.Info("Backend killed during crash delay; skipping restart request")
		return
	}
	if m.Restart != nil && !m.Restart() {
		log.Warn("Restart already pending; crash restart request coalesced")
	}
}
