// Package host wires the supervisor, the status hub and the HTTP command
// surface into one suture tree.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/sidekeeper/internal/config"
	"github.com/loykin/sidekeeper/internal/env"
	"github.com/loykin/sidekeeper/internal/events"
	"github.com/loykin/sidekeeper/internal/metrics"
	"github.com/loykin/sidekeeper/internal/server"
	"github.com/loykin/sidekeeper/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// ShutdownTimeout bounds how long the tree waits for each service to stop.
const ShutdownTimeout = 10 * time.Second

type Host struct {
	cfg  *config.Config
	log  *slog.Logger
	hub  *events.Hub
	sup  *supervisor.Supervisor
	tree *suture.Supervisor
}

// SupervisorOptions maps the configuration onto supervisor options.
func SupervisorOptions(c *config.Config, e *env.Env, log *slog.Logger) supervisor.Options {
	return supervisor.Options{
		Spec: c.BackendSpec(),
		Port: c.PortAllocator(),
		Health: supervisor.HealthOptions{
			Host:             c.Health.Host,
			Path:             c.Health.Path,
			InitialDelay:     c.Health.InitialDelay,
			Interval:         c.Health.Interval,
			Timeout:          c.Health.Timeout,
			FailureThreshold: c.Health.FailureThreshold,
			SampleProcess:    c.Health.SampleProcess,
		},
		CrashDelay:       c.Restart.CrashDelay,
		PortReleaseDelay: c.Restart.PortReleaseDelay,
		KillTimeout:      c.Restart.KillTimeout,
		Env:              e,
		Logger:           log,
	}
}

// New builds the service tree for c. Nothing runs until Serve.
func New(c *config.Config, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}
	e, err := c.BackendEnv()
	if err != nil {
		return nil, err
	}
	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	hub := events.NewHub()
	sup := supervisor.New(SupervisorOptions(c, e, log), hub)

	tree := suture.New("sidekeeper", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: log}).MustHook(),
		Timeout:   ShutdownTimeout,
	})
	tree.Add(&backendService{sup: sup, log: log})
	if c.Server.Enabled {
		r := server.NewRouter(sup, hub, c.Server.BasePath, c.Metrics.Enabled)
		tree.Add(server.NewServer(c.Server.Listen, r, log))
	}
	return &Host{cfg: c, log: log, hub: hub, sup: sup, tree: tree}, nil
}

func (h *Host) Supervisor() *supervisor.Supervisor { return h.sup }
func (h *Host) Hub() *events.Hub                   { return h.hub }

// Serve runs until ctx is cancelled. The backend is killed before it returns.
func (h *Host) Serve(ctx context.Context) error {
	err := h.tree.Serve(ctx)
	h.sup.Shutdown()
	h.hub.Close()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// backendService runs the supervisor for the lifetime of the tree.
type backendService struct {
	sup *supervisor.Supervisor
	log *slog.Logger
}

func (b *backendService) Serve(ctx context.Context) error {
	if err := b.sup.Start(); err != nil && !errors.Is(err, supervisor.ErrAlreadyStarted) {
		if errors.Is(err, supervisor.ErrShuttingDown) {
			return suture.ErrDoNotRestart
		}
		// reported as Crashed; a restart request can still recover
		b.log.Error("Initial backend launch failed", "backend", b.sup.Name(), "error", err)
	}
	<-ctx.Done()
	b.sup.Shutdown()
	return ctx.Err()
}

func (b *backendService) String() string { return "backend-supervisor" }
