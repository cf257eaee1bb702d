// Package health periodically probes idle browser sessions and evicts the
// ones that stopped responding. Leased sessions are never touched; their
// health is judged by the requests using them.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/browser"
)

// Scrubber is the slice of the pool the monitor drives
type Scrubber interface {
	ScrubIdle(ctx context.Context, olderThan time.Duration, probe func(context.Context, *browser.Session) error) int
}

// Config holds monitor timing knobs
type Config struct {
	// Interval is the pause between probe sweeps
	Interval time.Duration
	// StaleAfter exempts recently used sessions from probing
	StaleAfter time.Duration
	// ProbeTimeout bounds each individual probe
	ProbeTimeout time.Duration
}

// Monitor owns the background probe loop
type Monitor struct {
	pool   Scrubber
	probe  func(context.Context, *browser.Session) error
	cfg    Config
	logger *zap.Logger
	done   chan struct{}
}

// New creates a monitor; call Run to start it
func New(pool Scrubber, probe func(context.Context, *browser.Session) error, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &Monitor{
		pool:   pool,
		probe:  probe,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run sweeps until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := m.Sweep(ctx)
			if evicted > 0 {
				m.logger.Info("evicted unresponsive sessions", zap.Int("count", evicted))
			}
		}
	}
}

// Sweep runs one probe pass and reports how many sessions were evicted
func (m *Monitor) Sweep(ctx context.Context) int {
	return m.pool.ScrubIdle(ctx, m.cfg.StaleAfter, func(ctx context.Context, s *browser.Session) error {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
		if err := m.probe(probeCtx, s); err != nil {
			m.logger.Warn("session failed probe",
				zap.String("session_id", s.ID()),
				zap.Error(err))
			return err
		}
		return nil
	})
}

// Wait blocks until Run has returned
func (m *Monitor) Wait() {
	<-m.done
}
