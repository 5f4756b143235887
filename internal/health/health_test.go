package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/sidekeeper/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	port     atomic.Uint32
	healthy  atomic.Bool
	shutting atomic.Bool
}

func (f *fakeState) ShuttingDown() bool          { return f.shutting.Load() }
func (f *fakeState) Port() uint16                { return uint16(f.port.Load()) }
func (f *fakeState) SetHealthy(v bool)           { f.healthy.Store(v) }
func (f *fakeState) SwapHealthy(v bool) (o bool) { return f.healthy.Swap(v) }

type recorder struct {
	mu  sync.Mutex
	got []status.Status
}

func (r *recorder) Publish(s status.Status) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func (r *recorder) all() []status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Status(nil), r.got...)
}

func serverPort(t *testing.T, srv *httptest.Server) uint16 {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return uint16(p)
}

func closedPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := uint16(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	return p
}

// runUntil runs the checker until probes reaches n, then stops it.
func runUntil(t *testing.T, c *Checker, n int32) {
	t.Helper()
	var probes atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Host = "127.0.0.1"
	c.InitialDelay = time.Millisecond
	c.Interval = 10 * time.Millisecond
	c.Timeout = 500 * time.Millisecond
	c.OnProbe = func(bool) {
		if probes.Add(1) >= n {
			cancel()
		}
	}
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("checker did not finish %d probes", n)
	}
}

func TestUnhealthyPublishedOnceAfterThreshold(t *testing.T) {
	st := &fakeState{}
	st.port.Store(uint32(closedPort(t)))
	rec := &recorder{}
	c := &Checker{Name: "api", State: st, Publisher: rec}

	runUntil(t, c, 2)
	assert.Empty(t, rec.all(), "sub-threshold failures must not publish")

	runUntil(t, c, 3)
	assert.Equal(t, []status.Status{status.NewUnhealthy()}, rec.all())

	rec2 := &recorder{}
	c2 := &Checker{Name: "api", State: st, Publisher: rec2}
	runUntil(t, c2, 6)
	assert.Equal(t, []status.Status{status.NewUnhealthy()}, rec2.all(), "fourth and later failures must not republish")
	assert.False(t, st.healthy.Load())
}

func TestHealthyPublishedOnlyOnTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	st := &fakeState{}
	st.port.Store(uint32(serverPort(t, srv)))
	rec := &recorder{}

	runUntil(t, &Checker{Name: "api", State: st, Publisher: rec}, 5)
	assert.Equal(t, []status.Status{status.NewHealthy()}, rec.all())
	assert.True(t, st.healthy.Load())
}

func TestRecoveryAfterUnhealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch {
		case n <= 2:
			w.WriteHeader(http.StatusOK)
		case n <= 5:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()
	st := &fakeState{}
	st.port.Store(uint32(serverPort(t, srv)))
	rec := &recorder{}

	runUntil(t, &Checker{Name: "api", State: st, Publisher: rec}, 8)
	assert.Equal(t, []status.Status{
		status.NewHealthy(),
		status.NewUnhealthy(),
		status.NewHealthy(),
	}, rec.all())
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// fail, fail, ok, fail, fail, ok: never three in a row
		if calls.Add(1)%3 == 0 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	st := &fakeState{}
	st.port.Store(uint32(serverPort(t, srv)))
	rec := &recorder{}

	runUntil(t, &Checker{Name: "api", State: st, Publisher: rec}, 6)
	assert.Equal(t, []status.Status{status.NewHealthy()}, rec.all())
}

func TestShutdownBeforeFirstCheck(t *testing.T) {
	st := &fakeState{}
	st.shutting.Store(true)
	probed := false
	c := &Checker{
		Name: "api", State: st, Publisher: &recorder{},
		InitialDelay: time.Millisecond,
		OnProbe:      func(bool) { probed = true },
	}
	c.Run(context.Background())
	assert.False(t, probed)
}

func TestGenerationEndStopsChecker(t *testing.T) {
	st := &fakeState{}
	st.port.Store(uint32(closedPort(t)))
	done := make(chan struct{})
	close(done)
	c := &Checker{Name: "api", State: st, Publisher: &recorder{}, Done: done, InitialDelay: time.Hour}
	finished := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("checker ignored closed Done channel")
	}
}

func TestProbeStatusHandling(t *testing.T) {
	for _, tc := range []struct {
		code int
		ok   bool
	}{
		{http.StatusOK, true},
		{http.StatusAccepted, true},
		{http.StatusFound, false},
		{http.StatusNotFound, false},
		{http.StatusServiceUnavailable, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if tc.code == http.StatusFound {
				w.Header().Set("Location", "/elsewhere")
			}
			w.WriteHeader(tc.code)
		}))
		err := Probe(context.Background(), nil, srv.URL+"/health", time.Second)
		if tc.ok {
			assert.NoError(t, err, "code %d", tc.code)
		} else {
			assert.ErrorIs(t, err, ErrStatus, "code %d", tc.code)
		}
		srv.Close()
	}
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := Probe(context.Background(), nil, srv.URL, 100*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestURL(t *testing.T) {
	st := &fakeState{}
	st.port.Store(8765)
	assert.Equal(t, "http://localhost:8765/health", (&Checker{State: st}).URL())
	assert.Equal(t, "http://127.0.0.1:8765/ready", (&Checker{State: st, Host: "127.0.0.1", Path: "ready"}).URL())
}
