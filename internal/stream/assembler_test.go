package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/driver"
	"github.com/lzA6/doubao2api-go/pkg/models"
)

func newAssembler() *Assembler {
	return NewAssembler("chatcmpl-test", zap.NewNop())
}

func ingestAll(t *testing.T, a *Assembler, raws ...driver.RawFragment) []models.Fragment {
	t.Helper()
	var out []models.Fragment
	for _, raw := range raws {
		frags, err := a.Ingest(raw)
		require.NoError(t, err)
		out = append(out, frags...)
	}
	return out
}

func TestGrowingRendersBecomeDeltas(t *testing.T) {
	a := newAssembler()
	frags := ingestAll(t, a,
		driver.RawFragment{Text: "Hi"},
		driver.RawFragment{Text: "Hi there"},
		driver.RawFragment{Text: "Hi there!"},
		driver.RawFragment{Done: true},
	)

	require.Len(t, frags, 4)
	assert.Equal(t, "Hi", frags[0].Delta)
	assert.Equal(t, " there", frags[1].Delta)
	assert.Equal(t, "!", frags[2].Delta)
	assert.Equal(t, models.FragmentDone, frags[3].Kind)

	var concat strings.Builder
	for _, f := range frags[:3] {
		concat.WriteString(f.Delta)
	}
	assert.Equal(t, a.FullText(), concat.String())
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	a := newAssembler()
	frags := ingestAll(t, a,
		driver.RawFragment{Text: "a"},
		driver.RawFragment{Text: "ab"},
		driver.RawFragment{Done: true},
	)

	var prev uint64
	for _, f := range frags {
		assert.Greater(t, f.Seq, prev)
		prev = f.Seq
	}
}

func TestDuplicateRendersAreDropped(t *testing.T) {
	a := newAssembler()
	frags := ingestAll(t, a,
		driver.RawFragment{Text: "Hi"},
		driver.RawFragment{Text: "Hi"},
		driver.RawFragment{Text: "Hi"},
		driver.RawFragment{Done: true},
	)

	require.Len(t, frags, 2)
	assert.Equal(t, "Hi", frags[0].Delta)
	assert.True(t, frags[1].Terminal())
}

func TestStaleShorterRendersAreDropped(t *testing.T) {
	a := newAssembler()
	frags := ingestAll(t, a,
		driver.RawFragment{Text: "Hi there"},
		driver.RawFragment{Text: "Hi"}, // re-render flicker
		driver.RawFragment{Text: "Hi there!"},
		driver.RawFragment{Done: true},
	)

	require.Len(t, frags, 3)
	assert.Equal(t, "Hi there", frags[0].Delta)
	assert.Equal(t, "!", frags[1].Delta)
}

func TestEmptyStreamEmitsSingleDone(t *testing.T) {
	a := newAssembler()
	frags := ingestAll(t, a, driver.RawFragment{Done: true})

	require.Len(t, frags, 1)
	assert.Equal(t, models.FragmentDone, frags[0].Kind)
	assert.Empty(t, a.FullText())
}

func TestAutomationErrorBecomesTerminalFragment(t *testing.T) {
	a := newAssembler()
	frags := ingestAll(t, a,
		driver.RawFragment{Text: "partial"},
		driver.RawFragment{Err: &driver.AutomationError{Kind: driver.KindBlocked}},
	)

	require.Len(t, frags, 2)
	assert.Equal(t, "partial", frags[0].Delta, "partial output already streamed is preserved")
	assert.Equal(t, models.FragmentError, frags[1].Kind)
	assert.Equal(t, "blocked", frags[1].ErrKind)
	assert.NotContains(t, frags[1].Message, "selector", "no automation internals leak to the caller")
	assert.True(t, a.Closed())
}

func TestInputAfterTerminalIsViolation(t *testing.T) {
	a := newAssembler()
	ingestAll(t, a, driver.RawFragment{Done: true})

	_, err := a.Ingest(driver.RawFragment{Text: "late"})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestConflictingRenderIsViolation(t *testing.T) {
	a := newAssembler()
	ingestAll(t, a, driver.RawFragment{Text: "Hello world"})

	frags, err := a.Ingest(driver.RawFragment{Text: "Goodbye"})
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Len(t, frags, 1)
	assert.Equal(t, models.FragmentError, frags[0].Kind)
	assert.Equal(t, "internal", frags[0].ErrKind)
	assert.True(t, a.Closed())
}

func TestAbort(t *testing.T) {
	a := newAssembler()
	ingestAll(t, a, driver.RawFragment{Text: "partial"})

	frags := a.Abort(context.DeadlineExceeded)
	require.Len(t, frags, 1)
	assert.Equal(t, models.FragmentError, frags[0].Kind)
	assert.Equal(t, "timeout", frags[0].ErrKind)

	assert.Empty(t, a.Abort(context.DeadlineExceeded), "abort after terminal is a no-op")
}
