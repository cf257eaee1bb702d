package browser

import (
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/lzA6/doubao2api-go/pkg/models"
)

// Health is a caller's observation of a session reported at release time
type Health int

const (
	HealthOK Health = iota
	HealthDegraded
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthDegraded:
		return "degraded"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is a long-lived automated browser context. It is owned exclusively
// by the Pool and leased to one request at a time.
type Session struct {
	id        string
	slot      int
	createdAt time.Time

	mu             sync.Mutex
	state          models.SessionState
	lastUsed       time.Time
	requests       uint64
	degradedStreak int
	evictOnRelease bool

	page    playwright.Page
	closeFn func() error
}

// NewSession wraps a launched browser page as a pool session. closeFn tears
// down the underlying browser resources and may be nil in tests.
func NewSession(id string, slot int, page playwright.Page, closeFn func() error) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		slot:      slot,
		createdAt: now,
		lastUsed:  now,
		state:     models.StateFresh,
		page:      page,
		closeFn:   closeFn,
	}
}

// ID returns the session identity
func (s *Session) ID() string { return s.id }

// CredentialSlot returns the credential rotation slot this session uses
func (s *Session) CredentialSlot() int { return s.slot }

// Page returns the automated page owned by this session. Only the holder of
// the session's lease may drive it.
func (s *Session) Page() playwright.Page { return s.page }

// State returns the current health state
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUsed returns the time of the most recent lease activity
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Info returns the introspection view of the session
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ID:             s.id,
		State:          s.state,
		CredentialSlot: s.slot,
		CreatedAt:      s.createdAt,
		LastUsedAt:     s.lastUsed,
		Requests:       s.requests,
	}
}

// Close tears down the session's browser resources
func (s *Session) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) markActive() {
	s.mu.Lock()
	s.state = models.StateActive
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// noteRelease records lease completion and applies the health observation.
// It returns true when the session must be destroyed.
func (s *Session) noteRelease(h Health) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUsed = time.Now()
	s.requests++

	if s.evictOnRelease {
		s.state = models.StateDead
		return true
	}

	switch h {
	case HealthDead:
		s.state = models.StateDead
		return true
	case HealthDegraded:
		s.degradedStreak++
		if s.degradedStreak >= 2 {
			s.state = models.StateDead
			return true
		}
		s.state = models.StateDegraded
		return false
	default:
		s.degradedStreak = 0
		s.state = models.StateIdle
		return false
	}
}

func (s *Session) markEvictOnRelease() {
	s.mu.Lock()
	s.evictOnRelease = true
	s.mu.Unlock()
}
