package sidekeeper

import (
	"log/slog"
	"net/http"

	cfg "github.com/loykin/sidekeeper/internal/config"
	"github.com/loykin/sidekeeper/internal/events"
	"github.com/loykin/sidekeeper/internal/host"
	"github.com/loykin/sidekeeper/internal/metrics"
	"github.com/loykin/sidekeeper/internal/process"
	"github.com/loykin/sidekeeper/internal/server"
	"github.com/loykin/sidekeeper/internal/status"
	"github.com/loykin/sidekeeper/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

// Status is one backend transition as pushed on StatusEvent.
type Status = status.Status

type StatusPublisher = status.Publisher

type Handle = process.Handle

type Config = cfg.Config

type Host = host.Host

type Supervisor = supervisor.Supervisor

type SupervisorOptions = supervisor.Options

type HealthOptions = supervisor.HealthOptions

type Hub = events.Hub

// StatusEvent is the name of the backend status notification channel.
const StatusEvent = status.Event

var (
	ErrShuttingDown   = supervisor.ErrShuttingDown
	ErrAlreadyStarted = supervisor.ErrAlreadyStarted
	ErrRestart        = supervisor.ErrRestart
	ErrInvalidConfig  = cfg.ErrInvalidConfig
)

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

func DefaultConfig() Config { return cfg.Default() }

// New builds the full host (supervisor, status hub and HTTP surface) for c.
func New(c *Config, logger *slog.Logger) (*Host, error) { return host.New(c, logger) }

// NewSupervisor returns a bare supervisor for embedding without the HTTP
// surface. pub receives every status transition.
func NewSupervisor(opts SupervisorOptions, pub StatusPublisher) *Supervisor {
	return supervisor.New(opts, pub)
}

func NewHub() *Hub { return events.NewHub() }

// NewHandler exposes the command surface of sup over HTTP under basePath.
func NewHandler(sup *Supervisor, hub *Hub, basePath string, withMetrics bool) http.Handler {
	return server.NewRouter(sup, hub, basePath, withMetrics).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
