package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneThreshold bounds how many client buckets accumulate before idle ones
// are swept out on insert
const pruneThreshold = 4096

// evictAfter is how long a client may sit idle before its bucket is
// reclaimable. An evicted client that returns simply starts over with a
// fresh burst.
const evictAfter = time.Hour

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-client rate limits. Clients are keyed by whatever
// identity the transport extracts (API key, remote address); idle clients
// are evicted so the table does not grow with every address ever seen.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerHour: total requests allowed per hour per client (e.g., 100)
// burst: max requests in a burst (e.g., 10)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	// Convert requests per hour to requests per second
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		clients: make(map[string]*clientLimiter),
		rate:    r,
		burst:   burst,
		now:     time.Now,
	}
}

// GetLimiter returns the rate limiter for a specific client
func (l *Limiter) GetLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.clients[clientID]
	if !exists {
		if len(l.clients) >= pruneThreshold {
			l.pruneLocked()
		}
		c = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = l.now()

	return c.limiter
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(clientID string) bool {
	limiter := l.GetLimiter(clientID)
	return limiter.Allow()
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(clientID string) float64 {
	limiter := l.GetLimiter(clientID)
	return limiter.Tokens()
}

// Clients returns the number of tracked client buckets
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) pruneLocked() {
	cutoff := l.now().Add(-evictAfter)
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}
