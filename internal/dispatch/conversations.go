package dispatch

import (
	"sync"
	"time"
)

// purgeThreshold bounds how large the table grows before expired entries
// are swept out on write
const purgeThreshold = 1024

type convEntry struct {
	url     string
	expires time.Time
}

// Conversations binds a client identity to its upstream conversation thread
// so follow-up requests from the same caller continue where they left off.
// Entries expire after the configured TTL.
type Conversations struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]convEntry
}

// NewConversations creates the binding table
func NewConversations(ttl time.Duration) *Conversations {
	return &Conversations{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]convEntry),
	}
}

// Lookup returns the bound conversation URL for a client, if still fresh
func (c *Conversations) Lookup(user string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[user]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.entries, user)
		return "", false
	}
	return e.url, true
}

// Bind records (or refreshes) the client's conversation URL
func (c *Conversations) Bind(user, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= purgeThreshold {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[user] = convEntry{url: url, expires: c.now().Add(c.ttl)}
}

// Len returns the number of stored bindings, expired or not
func (c *Conversations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
