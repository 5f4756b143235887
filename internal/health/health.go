// Package health polls the backend's HTTP health endpoint and publishes
// Healthy/Unhealthy transitions with failure-count hysteresis.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/sidekeeper/internal/status"
)

const (
	DefaultInitialDelay     = 500 * time.Millisecond
	DefaultInterval         = 5 * time.Second
	DefaultTimeout          = 2 * time.Second
	DefaultFailureThreshold = 3
	DefaultHost             = "localhost"
	DefaultPath             = "/health"
)

// ErrStatus is wrapped when the endpoint answers with a non-2xx status.
var ErrStatus = errors.New("health check returned non-2xx status")

// State is the part of the supervisor state the checker touches.
type State interface {
	ShuttingDown() bool
	Port() uint16
	SetHealthy(bool)
	SwapHealthy(bool) (old bool)
}

// Checker polls one backend generation. Unhealthy is published once per transition
// after FailureThreshold consecutive failures; Healthy is published on the first
// success while not healthy.
type Checker struct {
	Name      string
	State     State
	Publisher status.Publisher
	Done      <-chan struct{} // closed when the watched generation ends; nil never fires

	Host             string
	Path             string
	InitialDelay     time.Duration
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int

	Client  *http.Client
	Logger  *slog.Logger
	OnProbe func(ok bool) // optional, called after every probe of a live generation
}

// NewClient returns the client used for probes: no redirects are followed, so a
// 3xx counts as a failure.
func NewClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// URL returns the probe URL for the current port.
func (c *Checker) URL() string {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(int(c.State.Port()))) + path
}

// Probe issues one bounded GET against url. Any 2xx response is healthy.
func Probe(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	if client == nil {
		client = NewClient()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return nil
}

func (c *Checker) withDefaults() Checker {
	cc := *c
	if cc.InitialDelay <= 0 {
		cc.InitialDelay = DefaultInitialDelay
	}
	if cc.Interval <= 0 {
		cc.Interval = DefaultInterval
	}
	if cc.Timeout <= 0 {
		cc.Timeout = DefaultTimeout
	}
	if cc.FailureThreshold <= 0 {
		cc.FailureThreshold = DefaultFailureThreshold
	}
	if cc.Client == nil {
		cc.Client = NewClient()
	}
	if cc.Logger == nil {
		cc.Logger = slog.Default()
	}
	cc.Logger = cc.Logger.With("backend", cc.Name)
	return cc
}

// Run polls until shutdown, ctx cancellation or the end of the watched generation.
func (c *Checker) Run(ctx context.Context) {
	cc := c.withDefaults()
	if !cc.wait(ctx, cc.InitialDelay) {
		return
	}
	failures := 0
	unhealthyReported := false
	for {
		if cc.stopped(ctx) {
			return
		}
		err := Probe(ctx, cc.Client, cc.URL(), cc.Timeout)
		if cc.stopped(ctx) {
			return
		}
		if cc.OnProbe != nil {
			cc.OnProbe(err == nil)
		}
		if err == nil {
			failures = 0
			unhealthyReported = false
			if !cc.State.SwapHealthy(true) {
				cc.Logger.Info("Backend healthy", "port", cc.State.Port())
				cc.Publisher.Publish(status.NewHealthy())
			}
		} else {
			failures++
			cc.Logger.Warn("Health check failed", "failures", failures, "error", err)
			if failures >= cc.FailureThreshold && !unhealthyReported {
				unhealthyReported = true
				cc.State.SetHealthy(false)
				cc.Logger.Error("Backend unhealthy", "failures", failures)
				cc.Publisher.Publish(status.NewUnhealthy())
			}
		}
		if !cc.wait(ctx, cc.Interval) {
			return
		}
	}
}

func (c *Checker) stopped(ctx context.Context) bool {
	if c.State.ShuttingDown() || ctx.Err() != nil {
		return true
	}
	select {
	case <-c.Done:
		return true
	default:
		return false
	}
}

func (c *Checker) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.Done:
		return false
	}
}
