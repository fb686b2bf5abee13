package session

import (
	"sync"
	"time"

	"github.com/cascade-search/rlm/pkg/bus"
	"github.com/cascade-search/rlm/pkg/driver"
	"github.com/cascade-search/rlm/pkg/sandbox"
	"github.com/cascade-search/rlm/pkg/tools"
)

// Session is one persistent conversation: a sandbox whose namespace
// survives across searches, the driver that runs in it, and the bus of
// the currently active search.
//
// At most one search may be active on a session at a time. Busy-ness is
// tracked by activeSearchID under the session's own lock; the manager
// lock only guards the registry map.
type Session struct {
	ID string

	Driver  *driver.Driver
	Sandbox *sandbox.Sandbox
	Context *tools.SearchContext

	mu             sync.Mutex
	bus            *bus.Bus
	searchCount    int
	lastActive     time.Time
	activeSearchID string
}

// Bus returns the bus of the most recent search.
func (s *Session) Bus() *bus.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

// Busy reports whether a search is currently active.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSearchID != ""
}

// ActiveSearchID returns the id of the active search, empty when idle.
func (s *Session) ActiveSearchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSearchID
}

// SearchCount returns the number of searches started on this session.
func (s *Session) SearchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchCount
}

// LastActive returns the time of the last activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// begin atomically claims the session for a new search. Fails when a
// search is already active.
func (s *Session) begin(searchID string, b *bus.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSearchID != "" {
		return ErrBusy
	}
	s.activeSearchID = searchID
	s.bus = b
	s.searchCount++
	s.lastActive = time.Now()
	return nil
}

// clear releases the session after a search finishes.
func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeSearchID = ""
	s.lastActive = time.Now()
}

// close releases the sandbox. Caller must have removed the session from
// the registry first.
func (s *Session) close() {
	if s.Sandbox != nil {
		s.Sandbox.Close()
	}
}
