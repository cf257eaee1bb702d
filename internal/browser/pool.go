package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/pkg/models"
)

var (
	// ErrPoolTimeout means no session became available within the acquire timeout
	ErrPoolTimeout = errors.New("browser: pool acquire timed out")
	// ErrPoolExhausted means the pool cannot serve sessions at all (closed)
	ErrPoolExhausted = errors.New("browser: pool exhausted")
)

// Launcher creates fully warmed-up browser sessions
type Launcher interface {
	Launch(ctx context.Context) (*Session, error)
}

// Lease is the exclusive binding of one request to one session. Release is
// idempotent; only the first call updates the pool.
type Lease struct {
	session *Session
	pool    *Pool
	once    sync.Once
}

// Session returns the leased session
func (l *Lease) Session() *Session { return l.session }

// Release returns the session to the pool with the caller's health
// observation. Safe to call more than once.
func (l *Lease) Release(h Health) {
	l.once.Do(func() {
		l.pool.release(l.session, h)
	})
}

// handoff is what a parked acquirer receives: a session handed over
// directly, a grant to launch one against reserved capacity, or a pool error
type handoff struct {
	session *Session
	grant   bool
	err     error
}

// waiter is one parked Acquire call
type waiter struct {
	ch chan handoff
}

// Pool owns a bounded set of browser sessions. Sessions are created lazily
// up to capacity, handed out under exclusive leases, and destroyed once
// observed dead. Waiting acquirers are served first-come-first-served.
type Pool struct {
	mu       sync.Mutex
	capacity int
	launcher Launcher
	logger   *zap.Logger

	idle    []*Session
	live    map[string]*Session
	total   int
	waiters []*waiter
	closed  bool
}

// NewPool creates a pool of at most capacity sessions
func NewPool(capacity int, launcher Launcher, logger *zap.Logger) *Pool {
	return &Pool{
		capacity: capacity,
		launcher: launcher,
		logger:   logger,
		live:     make(map[string]*Session),
	}
}

// Acquire leases a session, waiting up to timeout for one to become
// available. A timeout of zero makes the call non-blocking.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}

	if s := p.popIdleLocked(); s != nil {
		p.mu.Unlock()
		s.markActive()
		return &Lease{session: s, pool: p}, nil
	}

	if p.total < p.capacity {
		p.total++
		p.mu.Unlock()
		return p.launch(ctx)
	}

	if timeout <= 0 {
		p.mu.Unlock()
		return nil, ErrPoolTimeout
	}

	w := &waiter{ch: make(chan handoff, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-w.ch:
		if h.err != nil {
			return nil, h.err
		}
		if h.grant {
			return p.launch(ctx)
		}
		h.session.markActive()
		return &Lease{session: h.session, pool: p}, nil
	case <-timer.C:
		p.abandon(w)
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		p.abandon(w)
		return nil, ctx.Err()
	}
}

// launch creates a new session against capacity already reserved by the caller
func (p *Pool) launch(ctx context.Context) (*Lease, error) {
	s, err := p.launcher.Launch(ctx)
	if err != nil {
		p.releaseGrant()
		return nil, fmt.Errorf("failed to launch session: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		if cerr := s.Close(); cerr != nil {
			p.logger.Warn("failed to close session after pool shutdown", zap.Error(cerr))
		}
		return nil, ErrPoolExhausted
	}
	p.live[s.ID()] = s
	p.mu.Unlock()

	s.markActive()
	p.logger.Info("session launched",
		zap.String("session", s.ID()),
		zap.Int("slot", s.CredentialSlot()))
	return &Lease{session: s, pool: p}, nil
}

// release processes a lease return
func (p *Pool) release(s *Session, h Health) {
	destroy := s.noteRelease(h)

	p.mu.Lock()
	if p.closed {
		destroy = true
	}
	var closer func()
	if destroy {
		closer = p.destroyLocked(s)
	} else {
		closer = p.handBackLocked(s)
	}
	p.mu.Unlock()

	if closer != nil {
		p.logger.Info("session destroyed on release",
			zap.String("session", s.ID()),
			zap.String("observed", h.String()))
		closer()
	}
}

// Evict removes a session from the pool. An idle session is destroyed
// immediately; a leased one is destroyed when its lease is released.
func (p *Pool) Evict(sessionID string) error {
	p.mu.Lock()
	s, ok := p.live[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}

	if p.removeIdleLocked(s) {
		closer := p.destroyLocked(s)
		p.mu.Unlock()
		p.logger.Info("session evicted", zap.String("session", sessionID))
		closer()
		return nil
	}
	p.mu.Unlock()

	s.markEvictOnRelease()
	p.logger.Info("session marked for eviction on release", zap.String("session", sessionID))
	return nil
}

// ScrubIdle probes idle sessions older than olderThan and destroys the ones
// failing the probe. Sessions under lease are never probed: candidates are
// pulled out of the idle set for the duration of their probe.
func (p *Pool) ScrubIdle(ctx context.Context, olderThan time.Duration, probe func(context.Context, *Session) error) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	now := time.Now()
	var candidates []*Session
	var keep []*Session
	for _, s := range p.idle {
		if now.Sub(s.LastUsed()) >= olderThan {
			candidates = append(candidates, s)
		} else {
			keep = append(keep, s)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	evicted := 0
	for _, s := range candidates {
		err := probe(ctx, s)

		p.mu.Lock()
		if err != nil {
			closer := p.destroyLocked(s)
			p.mu.Unlock()
			p.logger.Warn("idle session failed liveness probe",
				zap.String("session", s.ID()), zap.Error(err))
			closer()
			evicted++
			continue
		}
		closer := p.handBackLocked(s)
		p.mu.Unlock()
		if closer != nil {
			p.logger.Info("session destroyed after pool shutdown", zap.String("session", s.ID()))
			closer()
		}
	}
	return evicted
}

// Snapshot returns the current pool occupancy
func (p *Pool) Snapshot() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := models.PoolStats{
		Capacity: p.capacity,
		Live:     len(p.live),
		Idle:     len(p.idle),
		Waiting:  len(p.waiters),
	}
	for _, s := range p.live {
		stats.Sessions = append(stats.Sessions, s.Info())
	}
	return stats
}

// Close shuts the pool down. Idle sessions are destroyed now; leased ones
// when released. Parked acquirers fail with ErrPoolExhausted.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	for _, s := range idle {
		delete(p.live, s.ID())
		p.total--
		s.setState(models.StateDead)
	}

	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- handoff{err: ErrPoolExhausted}
	}
	for _, s := range idle {
		if err := s.Close(); err != nil {
			p.logger.Warn("failed to close idle session", zap.String("session", s.ID()), zap.Error(err))
		}
	}
}

// abandon withdraws a parked waiter; if the waiter was served concurrently,
// the delivered resource is returned to the pool.
func (p *Pool) abandon(w *waiter) {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	h := <-w.ch
	switch {
	case h.err != nil:
	case h.grant:
		p.releaseGrant()
	default:
		p.mu.Lock()
		closer := p.handBackLocked(h.session)
		p.mu.Unlock()
		if closer != nil {
			closer()
		}
	}
}

// releaseGrant returns reserved-but-unused capacity and promotes the next waiter
func (p *Pool) releaseGrant() {
	p.mu.Lock()
	p.total--
	p.promoteLocked()
	p.mu.Unlock()
}

// destroyLocked removes a session from the pool. The returned closer must be
// run after the pool lock is released.
func (p *Pool) destroyLocked(s *Session) func() {
	delete(p.live, s.ID())
	p.removeIdleLocked(s)
	s.setState(models.StateDead)
	p.total--
	p.promoteLocked()
	return func() {
		if err := s.Close(); err != nil {
			p.logger.Warn("failed to close session", zap.String("session", s.ID()), zap.Error(err))
		}
	}
}

// handBackLocked parks a reusable session, preferring a direct handoff to
// the first waiter in line. A session returning to a pool that shut down
// meanwhile is destroyed instead; the returned closer, if any, must be run
// after the pool lock is released.
func (p *Pool) handBackLocked(s *Session) func() {
	if p.closed {
		return p.destroyLocked(s)
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- handoff{session: s}
		return nil
	}
	p.idle = append(p.idle, s)
	return nil
}

// promoteLocked grants freed capacity to parked waiters
func (p *Pool) promoteLocked() {
	for len(p.waiters) > 0 && p.total < p.capacity {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.total++
		w.ch <- handoff{grant: true}
	}
}

func (p *Pool) popIdleLocked() *Session {
	if len(p.idle) == 0 {
		return nil
	}
	s := p.idle[0]
	p.idle = p.idle[1:]
	return s
}

func (p *Pool) removeIdleLocked(s *Session) bool {
	for i, q := range p.idle {
		if q == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}
