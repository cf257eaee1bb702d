package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lzA6/doubao2api-go/internal/browser"
	"github.com/lzA6/doubao2api-go/internal/driver"
	"github.com/lzA6/doubao2api-go/internal/stream"
	"github.com/lzA6/doubao2api-go/pkg/models"
)

// ErrTooBusy is returned when the global in-flight bound is reached
var ErrTooBusy = errors.New("dispatch: too many in-flight requests")

// Pool hands out exclusive session leases
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (Lease, error)
}

// Lease is an exclusive hold on one browser session
type Lease interface {
	Session() *browser.Session
	Release(h browser.Health)
}

// Driver turns a chat request into a raw fragment stream against a session's page
type Driver interface {
	Run(ctx context.Context, sess *browser.Session, req *models.ChatRequest) <-chan driver.RawFragment
}

type browserPool struct {
	p *browser.Pool
}

// NewBrowserPool adapts the concrete session pool to the Pool interface
func NewBrowserPool(p *browser.Pool) Pool {
	return browserPool{p: p}
}

func (bp browserPool) Acquire(ctx context.Context, timeout time.Duration) (Lease, error) {
	lease, err := bp.p.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Config holds dispatcher timing knobs
type Config struct {
	// AcquireTimeout bounds how long a request may wait for a session lease
	AcquireTimeout time.Duration
	// RequestTimeout bounds the whole request, lease acquisition excluded
	RequestTimeout time.Duration
}

// Dispatcher admits requests under a global in-flight bound, pairs each with
// an exclusive session lease, and streams assembled fragments back. The lease
// is released exactly once on every path.
type Dispatcher struct {
	pool     Pool
	driver   Driver
	inflight *semaphore.Weighted
	cfg      Config
	logger   *zap.Logger
}

// New creates a dispatcher with the given in-flight capacity
func New(pool Pool, drv Driver, maxInflight int64, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		driver:   drv,
		inflight: semaphore.NewWeighted(maxInflight),
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle admits one chat request. On success the returned channel carries the
// request's fragment stream and closes after the terminal fragment (or after
// caller cancellation). Admission errors are returned synchronously and leave
// no state behind.
func (d *Dispatcher) Handle(ctx context.Context, req *models.ChatRequest) (<-chan models.Fragment, error) {
	if !d.inflight.TryAcquire(1) {
		return nil, ErrTooBusy
	}

	lease, err := d.pool.Acquire(ctx, d.cfg.AcquireTimeout)
	if err != nil {
		d.inflight.Release(1)
		return nil, fmt.Errorf("acquiring session: %w", err)
	}

	out := make(chan models.Fragment, 8)
	go d.serve(ctx, lease, req, out)
	return out, nil
}

// serve runs one leased request to completion. Deferred in LIFO order: the
// lease and the in-flight slot go back first, so a closed output channel
// means the request has fully unwound.
func (d *Dispatcher) serve(ctx context.Context, lease Lease, req *models.ChatRequest, out chan<- models.Fragment) {
	health := browser.HealthOK
	defer close(out)
	defer func() {
		lease.Release(health)
		d.inflight.Release(1)
	}()

	reqCtx := ctx
	cancel := func() {}
	if d.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
	}
	defer cancel()

	asm := stream.NewAssembler(req.ID, d.logger)
	raw := d.driver.Run(reqCtx, lease.Session(), req)

	var termKind string
	for rf := range raw {
		frags, err := asm.Ingest(rf)
		if err != nil {
			d.logger.Error("fragment assembly violation",
				zap.String("request_id", req.ID),
				zap.Error(err))
		}
		for _, f := range frags {
			if f.Kind == models.FragmentError {
				termKind = f.ErrKind
			}
			if !d.emit(ctx, out, f) {
				break
			}
		}
	}

	if !asm.Closed() {
		switch {
		case ctx.Err() != nil:
			// Caller is gone; nobody is owed a terminal fragment. The page
			// was interrupted mid-turn, so the session cannot be trusted.
			health = browser.HealthDegraded
			return
		case reqCtx.Err() != nil:
			for _, f := range asm.Abort(context.DeadlineExceeded) {
				termKind = f.ErrKind
				d.emit(ctx, out, f)
			}
		default:
			for _, f := range asm.Abort(fmt.Errorf("%w: stream ended without terminal", stream.ErrInvariantViolation)) {
				termKind = f.ErrKind
				d.emit(ctx, out, f)
			}
		}
	}

	switch termKind {
	case "", "internal":
		// clean completion, or a fault in our own pipeline rather than the page
	default:
		// blocked, stall, timeout, unexpected page state: the page was left
		// in an unknown or wedged condition
		health = browser.HealthDegraded
	}
}

func (d *Dispatcher) emit(ctx context.Context, out chan<- models.Fragment, f models.Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
