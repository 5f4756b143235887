package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/loykin/sidekeeper/internal/events"
	"github.com/loykin/sidekeeper/internal/metrics"
	"github.com/loykin/sidekeeper/internal/status"
)

// Router exposes the host command surface over HTTP.
// Endpoints (basePath may be empty or start with '/'; no trailing slash):
//
//	GET  {basePath}/api/port     current backend port
//	POST {basePath}/api/restart  request a backend restart
//	GET  {basePath}/api/status   last published status
//	GET  {basePath}/api/events   server-sent "backend-status" stream
//	GET  {basePath}/live         liveness of sidekeeper itself
//	GET  {basePath}/ready        ready once the backend is healthy
//	GET  {basePath}/metrics      Prometheus metrics (when enabled)
type Router struct {
	ctl      Controller
	hub      *events.Hub
	basePath string
	metrics  bool
	health   healthcheck.Handler
}

// Controller is the command surface the router drives.
type Controller interface {
	APIPort() uint16
	RestartBackend() bool
	Healthy() bool
}

// ErrNotHealthy is reported by the readiness check while the backend is not healthy.
var ErrNotHealthy = errors.New("backend not healthy")

const maxGoroutines = 10000

// NewRouter constructs a Router. hub may be nil, in which case the status and
// events endpoints answer 503.
func NewRouter(ctl Controller, hub *events.Hub, basePath string, withMetrics bool) *Router {
	hc := healthcheck.NewHandler()
	hc.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	hc.AddReadinessCheck("backend", func() error {
		if !ctl.Healthy() {
			return ErrNotHealthy
		}
		return nil
	})
	return &Router{ctl: ctl, hub: hub, basePath: sanitizeBase(basePath), metrics: withMetrics, health: hc}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/api/port", r.handlePort)
	group.POST("/api/restart", r.handleRestart)
	group.GET("/api/status", r.handleStatus)
	group.GET("/api/events", r.handleEvents)
	group.GET("/live", gin.WrapF(r.health.LiveEndpoint))
	group.GET("/ready", gin.WrapF(r.health.ReadyEndpoint))
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type portResp struct {
	Port uint16 `json:"port"`
}

type restartResp struct {
	OK     bool `json:"ok"`
	Queued bool `json:"queued"`
}

type statusResp struct {
	Status  *status.Status `json:"status"`
	Healthy bool           `json:"healthy"`
	Port    uint16         `json:"port"`
}

func (r *Router) handlePort(c *gin.Context) {
	writeJSON(c, http.StatusOK, portResp{Port: r.ctl.APIPort()})
}

// handleRestart always answers ok; a request coalesced into a pending one
// reports queued=false.
func (r *Router) handleRestart(c *gin.Context) {
	queued := r.ctl.RestartBackend()
	writeJSON(c, http.StatusOK, restartResp{OK: true, Queued: queued})
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.hub == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "status hub not configured"})
		return
	}
	resp := statusResp{Healthy: r.ctl.Healthy(), Port: r.ctl.APIPort()}
	if st, ok := r.hub.Latest(); ok {
		resp.Status = &st
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.hub == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "status hub not configured"})
		return
	}
	buf, _ := strconv.Atoi(c.Query("buffer"))
	latest, seen, ch, cancel := r.hub.Follow(buf)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	if seen {
		c.SSEvent(status.Event, latest)
	}
	c.Writer.Flush()
	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case st, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(status.Event, st)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
