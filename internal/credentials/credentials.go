package credentials

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Cookie is a single parsed cookie pair
type Cookie struct {
	Name  string
	Value string
}

// Bundle is one upstream credential: a raw cookie header plus its parsed form
// and the slot it occupies in the rotation.
type Bundle struct {
	Slot    int
	Raw     string
	Cookies []Cookie
}

// Manager rotates credential bundles round-robin across session launches
type Manager struct {
	mu      sync.Mutex
	bundles []Bundle
	next    int
}

// NewManager parses the configured cookie strings into bundles
func NewManager(cookieStrings []string, logger *zap.Logger) (*Manager, error) {
	if len(cookieStrings) == 0 {
		return nil, fmt.Errorf("credential list must not be empty")
	}

	bundles := make([]Bundle, 0, len(cookieStrings))
	for i, raw := range cookieStrings {
		cookies, err := ParseCookieHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("credential %d: %w", i+1, err)
		}
		bundles = append(bundles, Bundle{Slot: i, Raw: raw, Cookies: cookies})
	}

	logger.Info("credential manager initialized", zap.Int("bundles", len(bundles)))
	return &Manager{bundles: bundles}, nil
}

// Next returns the next bundle in rotation
func (m *Manager) Next() Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle := m.bundles[m.next]
	m.next = (m.next + 1) % len(m.bundles)
	return bundle
}

// Count returns the number of configured bundles
func (m *Manager) Count() int {
	return len(m.bundles)
}

// ParseCookieHeader splits a raw Cookie header string into pairs
func ParseCookieHeader(raw string) ([]Cookie, error) {
	var cookies []Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed cookie segment %q", part)
		}
		cookies = append(cookies, Cookie{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("cookie string contains no pairs")
	}
	return cookies, nil
}
