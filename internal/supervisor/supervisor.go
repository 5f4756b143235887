// Package supervisor owns one backend: it allocates the port, launches the
// process, attaches an output monitor and a health checker to every
// generation, and runs the restart coordinator.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sidekeeper/internal/env"
	"github.com/loykin/sidekeeper/internal/health"
	"github.com/loykin/sidekeeper/internal/metrics"
	"github.com/loykin/sidekeeper/internal/monitor"
	"github.com/loykin/sidekeeper/internal/port"
	"github.com/loykin/sidekeeper/internal/process"
	"github.com/loykin/sidekeeper/internal/restart"
	"github.com/loykin/sidekeeper/internal/status"
)

var (
	ErrShuttingDown   = errors.New("supervisor is shutting down")
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrRestart wraps launch failures that happen inside a restart cycle.
	ErrRestart = restart.ErrRestart
)

// HealthOptions tunes the per-generation health checker. Zero values use the
// health package defaults.
type HealthOptions struct {
	Host             string
	Path             string
	InitialDelay     time.Duration
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SampleProcess    bool // record gopsutil resource gauges after every passing check
}

// Options configures a Supervisor.
type Options struct {
	Spec             process.Spec
	Port             port.Allocator
	Health           HealthOptions
	CrashDelay       time.Duration
	PortReleaseDelay time.Duration
	KillTimeout      time.Duration
	Env              *env.Env
	Logger           *slog.Logger
}

type Supervisor struct {
	opts     Options
	name     string
	state    *State
	launcher *process.Launcher
	coord    *restart.Coordinator
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// pubMu orders publishes against Shutdown: publish holds it shared, Shutdown
	// exclusively while closing. It is never held while acquiring state.mu.
	pubMu  sync.RWMutex
	closed bool
	out    status.Publisher

	lastMu sync.Mutex
	last   status.Status

	startOnce    sync.Once
	shutdownOnce sync.Once
}

// New builds a supervisor that reports every status transition to pub.
func New(opts Options, pub status.Publisher) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Spec.Name == "" {
		opts.Spec.Name = "backend"
	}
	if pub == nil {
		pub = status.PublisherFunc(func(status.Status) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:   opts,
		name:   opts.Spec.Name,
		state:  &State{},
		log:    opts.Logger.With("backend", opts.Spec.Name),
		ctx:    ctx,
		cancel: cancel,
		out:    pub,
	}
	s.launcher = &process.Launcher{Spec: opts.Spec, Env: opts.Env, KillTimeout: opts.KillTimeout}
	s.coord = restart.New(s.name, backend{s}, status.PublisherFunc(s.publish), opts.Logger)
	s.coord.PortReleaseDelay = opts.PortReleaseDelay
	return s
}

func (s *Supervisor) Name() string { return s.name }

// State exposes the shared state for inspection.
func (s *Supervisor) State() *State { return s.state }

// APIPort returns the port of the current backend generation (get_api_port).
func (s *Supervisor) APIPort() uint16 { return s.state.Port() }

func (s *Supervisor) Healthy() bool { return s.state.Healthy() }

// Status returns the last published status.
func (s *Supervisor) Status() status.Status {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// RestartBackend asks for a restart (restart_backend). It returns false when
// the request was coalesced into a pending one or the supervisor is stopping.
func (s *Supervisor) RestartBackend() bool {
	if s.state.ShuttingDown() {
		return false
	}
	s.log.Info("Restart requested")
	return s.coord.Request()
}

// Start runs the restart coordinator and launches the first generation. A
// launch failure is published as Crashed and returned; a later RestartBackend
// can still recover.
func (s *Supervisor) Start() error {
	first := false
	s.startOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyStarted
	}

	s.state.mu.Lock()
	if s.state.ShuttingDown() {
		s.state.mu.Unlock()
		return ErrShuttingDown
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.coord.Run(s.ctx)
	}()
	s.state.mu.Unlock()

	if err := s.launch(); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return err
		}
		metrics.IncCrash(s.name)
		s.log.Error("Failed to start backend", "error", err)
		s.publish(status.NewCrashed(err.Error()))
		return err
	}
	return nil
}

// Shutdown stops everything: no restart, status publication or spawn happens
// once it returns. It is idempotent.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.pubMu.Lock()
		s.state.shuttingDown.Store(true)
		s.closed = true
		s.pubMu.Unlock()

		s.log.Info("Shutting down backend")
		s.cancel()
		if h := s.state.TakeHandle(); h != nil {
			if err := h.Kill(); err != nil {
				s.log.Warn("Failed to kill backend", "pid", h.PID(), "error", err)
			}
		}
		s.state.SetHealthy(false)
		s.wg.Wait()
	})
}

func (s *Supervisor) publish(st status.Status) {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.closed {
		return
	}
	s.out.Publish(st)
	s.lastMu.Lock()
	s.last = st
	s.lastMu.Unlock()
}

// launch is the launch sequence shared by Start and the restart coordinator.
func (s *Supervisor) launch() error {
	if s.state.ShuttingDown() {
		return ErrShuttingDown
	}
	p, err := s.opts.Port.Allocate()
	if err != nil {
		return err
	}
	s.state.SetPort(p)
	metrics.SetPort(p)
	s.state.SetHealthy(false)
	s.log.Info("Starting backend", "port", p)
	s.publish(status.NewStarting())

	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if s.state.ShuttingDown() {
		return ErrShuttingDown
	}
	if err := s.state.replaceLocked(nil); err != nil {
		s.log.Warn("Failed to kill previous backend", "error", err)
	}
	h, events, err := s.launcher.Launch(p)
	if err != nil {
		return fmt.Errorf("launch %s on port %d: %w", s.name, p, err)
	}
	s.state.handle = h
	metrics.IncStart(s.name)
	s.log.Info("Backend started", "pid", h.PID(), "port", p)

	gen := generation{sup: s, handle: h}
	mon := &monitor.Monitor{
		Name:       s.name,
		Handle:     h,
		State:      gen,
		Publisher:  gen,
		Restart:    s.coord.Request,
		CrashDelay: s.opts.CrashDelay,
		Logger:     s.opts.Logger,
	}
	chk := s.checker(gen)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		mon.Run(s.ctx, events)
	}()
	go func() {
		defer s.wg.Done()
		chk.Run(s.ctx)
	}()
	return nil
}

func (s *Supervisor) checker(gen generation) *health.Checker {
	ho := s.opts.Health
	h := gen.handle
	// one sampler per generation so CPU usage is measured between ticks
	var sampler *metrics.ProcessSampler
	return &health.Checker{
		Name:             s.name,
		State:            gen,
		Publisher:        gen,
		Done:             h.Done(),
		Host:             ho.Host,
		Path:             ho.Path,
		InitialDelay:     ho.InitialDelay,
		Interval:         ho.Interval,
		Timeout:          ho.Timeout,
		FailureThreshold: ho.FailureThreshold,
		Logger:           s.opts.Logger,
		OnProbe: func(ok bool) {
			metrics.ObserveHealthCheck(s.name, ok)
			if !ok || !ho.SampleProcess {
				return
			}
			if sampler == nil {
				ps, err := metrics.NewProcessSampler(h.PID())
				if err != nil {
					s.log.Debug("Failed to attach process sampler", "pid", h.PID(), "error", err)
					return
				}
				sampler = ps
			}
			if _, err := sampler.Sample(); err != nil {
				s.log.Debug("Failed to sample backend process", "pid", h.PID(), "error", err)
			}
		},
	}
}

// backend adapts Supervisor to restart.Backend.
type backend struct{ s *Supervisor }

func (b backend) ShuttingDown() bool { return b.s.state.ShuttingDown() }

func (b backend) KillBackend() {
	h := b.s.state.TakeHandle()
	if h == nil {
		return
	}
	b.s.state.SetHealthy(false)
	if err := h.Kill(); err != nil {
		b.s.log.Warn("Failed to kill backend", "pid", h.PID(), "error", err)
	}
}

func (b backend) LaunchBackend() error {
	err := b.s.launch()
	if errors.Is(err, ErrShuttingDown) {
		return nil
	}
	if err != nil {
		metrics.IncCrash(b.s.name)
	}
	return err
}
