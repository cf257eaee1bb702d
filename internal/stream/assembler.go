package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/driver"
	"github.com/lzA6/doubao2api-go/pkg/models"
)

// ErrInvariantViolation signals an assembly bug: the fragment stream broke a
// guarantee the assembler is supposed to uphold. It is fatal to the request
// and always logged, never swallowed.
var ErrInvariantViolation = errors.New("stream: assembly invariant violation")

// Assembler normalizes the driver's raw observations into the canonical
// API-level stream. The upstream UI re-renders a growing text block rather
// than emitting true deltas, so the assembler diffs each observation against
// the last full text and emits only the new suffix. Guarantees:
//
//   - concatenation of all emitted deltas equals the final observed text
//   - sequence numbers strictly increase within the request
//   - exactly one terminal fragment ends the stream
type Assembler struct {
	reqID  string
	logger *zap.Logger

	seq      uint64
	lastText string
	done     bool
}

// NewAssembler creates an assembler for one request
func NewAssembler(reqID string, logger *zap.Logger) *Assembler {
	return &Assembler{reqID: reqID, logger: logger}
}

// Ingest consumes one raw fragment and returns the normalized fragments to
// emit, in order. After a terminal fragment has been produced, any further
// input is an invariant violation.
func (a *Assembler) Ingest(raw driver.RawFragment) ([]models.Fragment, error) {
	if a.done {
		err := fmt.Errorf("%w: fragment after terminal marker", ErrInvariantViolation)
		a.logger.Error("assembler received input after terminal fragment",
			zap.String("request", a.reqID))
		return nil, err
	}

	switch {
	case raw.Err != nil:
		a.done = true
		return []models.Fragment{a.errorFragment(raw.Err)}, nil

	case raw.Done:
		a.done = true
		return []models.Fragment{a.next(models.Fragment{Kind: models.FragmentDone})}, nil

	default:
		return a.ingestText(raw.Text)
	}
}

// FullText returns the complete text observed so far
func (a *Assembler) FullText() string { return a.lastText }

// Closed reports whether the terminal fragment has been emitted
func (a *Assembler) Closed() bool { return a.done }

// Abort produces the terminal error fragment for a failure detected outside
// the raw stream (e.g. a whole-request timeout). No-op once closed.
func (a *Assembler) Abort(err error) []models.Fragment {
	if a.done {
		return nil
	}
	a.done = true
	return []models.Fragment{a.errorFragment(err)}
}

func (a *Assembler) ingestText(text string) ([]models.Fragment, error) {
	// Duplicate or stale render of text already emitted: skip
	if text == a.lastText || (len(text) < len(a.lastText) && strings.HasPrefix(a.lastText, text)) {
		return nil, nil
	}

	// Growing render: the new suffix is the true delta
	if strings.HasPrefix(text, a.lastText) {
		delta := text[len(a.lastText):]
		a.lastText = text
		return []models.Fragment{a.next(models.Fragment{
			Kind:  models.FragmentDelta,
			Delta: delta,
		})}, nil
	}

	// The render rewrote text that was already streamed to the caller.
	// Emitted deltas can no longer reconcile with the final text, which is
	// precisely the invariant this type exists to protect.
	err := fmt.Errorf("%w: render conflicts with %d bytes already emitted", ErrInvariantViolation, len(a.lastText))
	a.logger.Error("upstream render rewrote already-streamed text",
		zap.String("request", a.reqID),
		zap.Int("emitted", len(a.lastText)),
		zap.Int("render", len(text)))
	a.done = true
	return []models.Fragment{a.errorFragment(err)}, err
}

func (a *Assembler) errorFragment(err error) models.Fragment {
	return a.next(models.Fragment{
		Kind:    models.FragmentError,
		ErrKind: classify(err),
		Message: publicMessage(err),
	})
}

func (a *Assembler) next(f models.Fragment) models.Fragment {
	a.seq++
	f.Seq = a.seq
	return f
}

// classify maps an error to its wire-visible kind
func classify(err error) string {
	var autoErr *driver.AutomationError
	switch {
	case errors.As(err, &autoErr):
		return string(autoErr.Kind)
	case errors.Is(err, ErrInvariantViolation):
		return "internal"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "upstream_error"
	}
}

// publicMessage renders a caller-safe description that explains the failure
// kind without leaking automation internals
func publicMessage(err error) string {
	var autoErr *driver.AutomationError
	if errors.As(err, &autoErr) {
		switch autoErr.Kind {
		case driver.KindBlocked:
			return "the upstream service rejected the request; credentials may be expired or rate limited"
		case driver.KindStallTimeout:
			return "the upstream service stopped responding mid-reply"
		default:
			return "the upstream service returned an unexpected page state"
		}
	}
	if errors.Is(err, ErrInvariantViolation) {
		return "internal stream assembly error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the request exceeded its time limit"
	}
	return "the upstream service failed to complete the request"
}
