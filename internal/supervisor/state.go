package supervisor

import (
	"sync"
	"sync/atomic"

	"github.com/loykin/sidekeeper/internal/process"
	"github.com/loykin/sidekeeper/internal/status"
)

// State is the shared supervision state. Port, health and the shutdown flag are
// lock-free; the process handle slot is guarded by mu.
type State struct {
	port         atomic.Uint32
	healthy      atomic.Bool
	shuttingDown atomic.Bool

	mu     sync.Mutex
	handle *process.Handle
}

func (s *State) Port() uint16            { return uint16(s.port.Load()) }
func (s *State) SetPort(p uint16)        { s.port.Store(uint32(p)) }
func (s *State) Healthy() bool           { return s.healthy.Load() }
func (s *State) SetHealthy(v bool)       { s.healthy.Store(v) }
func (s *State) SwapHealthy(v bool) bool { return s.healthy.Swap(v) }
func (s *State) ShuttingDown() bool      { return s.shuttingDown.Load() }

// Handle returns the current process handle, or nil between generations.
func (s *State) Handle() *process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// TakeHandle empties the slot and returns what was in it.
func (s *State) TakeHandle() *process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle = nil
	return h
}

// ReplaceHandle stores h after killing the previous handle, so two backends
// never run at once.
func (s *State) ReplaceHandle(h *process.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(h)
}

func (s *State) replaceLocked(h *process.Handle) error {
	var err error
	if old := s.handle; old != nil && old != h {
		err = old.Kill()
	}
	s.handle = h
	return err
}

// generation binds the health checker and output monitor to one process. Writes
// from a generation that is no longer current are discarded.
type generation struct {
	sup    *Supervisor
	handle *process.Handle
}

func (g generation) currentLocked() bool { return g.sup.state.handle == g.handle }

func (g generation) ShuttingDown() bool { return g.sup.state.ShuttingDown() }
func (g generation) Port() uint16       { return g.sup.state.Port() }

func (g generation) SetHealthy(v bool) {
	st := g.sup.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if g.currentLocked() {
		st.healthy.Store(v)
	}
}

// SwapHealthy reports true for a stale generation so it never publishes Healthy.
func (g generation) SwapHealthy(v bool) bool {
	st := g.sup.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if !g.currentLocked() {
		return true
	}
	return st.healthy.Swap(v)
}

func (g generation) Publish(s status.Status) {
	st := g.sup.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if g.currentLocked() {
		g.sup.publish(s)
	}
}
