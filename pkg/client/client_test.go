package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/sidekeeper/internal/events"
	"github.com/loykin/sidekeeper/internal/server"
	"github.com/loykin/sidekeeper/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubController struct{ restarts atomic.Int32 }

func (s *stubController) APIPort() uint16 { return 8765 }
func (s *stubController) Healthy() bool   { return true }
func (s *stubController) RestartBackend() bool {
	return s.restarts.Add(1) == 1
}

func newTestHost(t *testing.T) (*Client, *events.Hub, *stubController) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := events.NewHub()
	ctl := &stubController{}
	srv := httptest.NewServer(server.NewRouter(ctl, hub, "/sk", false).Handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/sk/"}), hub, ctl
}

func TestPortAndRestart(t *testing.T) {
	c, _, ctl := newTestHost(t)
	ctx := context.Background()

	require.True(t, c.IsReachable(ctx))
	p, err := c.Port(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 8765, p)

	queued, err := c.Restart(ctx)
	require.NoError(t, err)
	assert.True(t, queued)
	queued, err = c.Restart(ctx)
	require.NoError(t, err)
	assert.False(t, queued)
	assert.EqualValues(t, 2, ctl.restarts.Load())
}

func TestStatus(t *testing.T) {
	c, hub, _ := newTestHost(t)
	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Status)

	hub.Publish(status.NewCrashed("process exited with status 2"))
	st, err = c.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Status)
	assert.Equal(t, status.NewCrashed("process exited with status 2"), *st.Status)
	assert.True(t, st.Healthy)
}

func TestWatch(t *testing.T) {
	c, hub, _ := newTestHost(t)
	hub.Publish(status.NewStarting())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errStop := errors.New("stop")
	var got []status.Status
	go func() {
		assert.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
		hub.Publish(status.NewHealthy())
	}()
	err := c.Watch(ctx, func(s status.Status) error {
		got = append(got, s)
		if len(got) == 2 {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	assert.Equal(t, []status.Status{status.NewStarting(), status.NewHealthy()}, got)
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"status hub not configured"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status hub not configured")
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	assert.False(t, New(Config{BaseURL: url, Timeout: time.Second}).IsReachable(context.Background()))
}
