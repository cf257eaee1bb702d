package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/browser"
	"github.com/lzA6/doubao2api-go/pkg/models"
)

// RawFragment is one raw observation from the page: a full rendered text
// snapshot, a completion marker, or a driver failure. Exactly one of Done or
// Err terminates the sequence; a cancelled request terminates it without
// either.
type RawFragment struct {
	Text string
	Done bool
	Err  error
}

// Config tunes the driver's polling behavior
type Config struct {
	// PollInterval is how often the page is read for new output
	PollInterval time.Duration
	// StallTimeout fails the request when no new output appears in time
	StallTimeout time.Duration
	// CompletionGrace delays completion detection after submit, so a turn
	// that has not started generating yet is not taken for an empty reply
	CompletionGrace time.Duration
	// ChatURL is the base chat surface; bot threads live under it. Empty
	// disables bot routing and every turn uses whatever page is open.
	ChatURL string
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 150 * time.Millisecond
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = 45 * time.Second
	}
	if c.CompletionGrace == 0 {
		c.CompletionGrace = 2 * time.Second
	}
}

// Driver translates one chat request into page actions against a leased
// session and yields raw output fragments as they appear.
type Driver struct {
	cfg           Config
	conversations ConversationStore
	logger        *zap.Logger
	pageFor       func(*browser.Session) PageSession
}

// New creates a driver using the doubao page adapter
func New(cfg Config, conversations ConversationStore, logger *zap.Logger) *Driver {
	cfg.applyDefaults()
	sel := DefaultSelectors()
	return &Driver{
		cfg:           cfg,
		conversations: conversations,
		logger:        logger,
		pageFor: func(s *browser.Session) PageSession {
			return NewDoubaoPage(s.Page(), sel)
		},
	}
}

// Run drives one request against the leased session. Fragments are emitted
// lazily as they are observed; the channel closes after the terminal
// fragment, or without one when ctx is cancelled.
func (d *Driver) Run(ctx context.Context, sess *browser.Session, req *models.ChatRequest) <-chan RawFragment {
	out := make(chan RawFragment)
	go d.run(ctx, d.pageFor(sess), req, out)
	return out
}

func (d *Driver) run(ctx context.Context, page PageSession, req *models.ChatRequest, out chan<- RawFragment) {
	defer close(out)

	m := newMachine(req.ID, d.logger)

	prompt, err := RenderPrompt(req.Messages)
	if err != nil {
		m.to(StateErrored)
		emit(ctx, out, RawFragment{Err: automationErr(KindUnexpectedPageState, err)})
		return
	}

	opened := false
	if d.conversations != nil && req.User != "" {
		if url, ok := d.conversations.Lookup(req.User); ok {
			if err := page.OpenConversation(ctx, url); err != nil {
				// A lost thread is not fatal; the turn starts a fresh one
				d.logger.Warn("failed to reopen conversation, starting fresh",
					zap.String("request", req.ID), zap.Error(err))
			} else {
				opened = true
			}
		}
	}

	// A fresh turn must land on the requested model's bot, not whatever
	// surface the session last served
	if !opened && req.BotID != "" && d.cfg.ChatURL != "" {
		if err := page.OpenConversation(ctx, botURL(d.cfg.ChatURL, req.BotID)); err != nil {
			m.to(StateErrored)
			emit(ctx, out, RawFragment{Err: automationErr(KindUnexpectedPageState, err)})
			return
		}
	}

	m.to(StateSubmitting)
	if err := page.SubmitPrompt(ctx, prompt); err != nil {
		if blocked, berr := page.DetectBlocked(ctx); berr == nil && blocked {
			m.to(StateBlocked)
			emit(ctx, out, RawFragment{Err: automationErr(KindBlocked, err)})
			return
		}
		m.to(StateErrored)
		emit(ctx, out, RawFragment{Err: automationErr(KindUnexpectedPageState, err)})
		return
	}
	m.to(StateStreaming)

	d.observe(ctx, m, page, req, out)
}

// observe polls the page until the turn completes, fails, stalls, or the
// request is cancelled
func (d *Driver) observe(ctx context.Context, m *machine, page PageSession, req *models.ChatRequest, out chan<- RawFragment) {
	var (
		lastText     string
		sawOutput    bool
		submittedAt  = time.Now()
		lastProgress = time.Now()
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Cancelled mid-flight: the caller is gone, no terminal
			// fragment is owed
			return
		case <-ticker.C:
		}

		if blocked, err := page.DetectBlocked(ctx); err == nil && blocked {
			m.to(StateBlocked)
			emit(ctx, out, RawFragment{Err: automationErr(KindBlocked, nil)})
			return
		}

		text, err := page.ReadResponseText(ctx)
		if err != nil {
			m.to(StateErrored)
			emit(ctx, out, RawFragment{Err: automationErr(KindUnexpectedPageState, err)})
			return
		}
		if text != lastText {
			lastText = text
			sawOutput = true
			lastProgress = time.Now()
			if !emit(ctx, out, RawFragment{Text: text}) {
				return
			}
		}

		done, err := page.DetectComplete(ctx)
		if err != nil {
			m.to(StateErrored)
			emit(ctx, out, RawFragment{Err: automationErr(KindUnexpectedPageState, err)})
			return
		}
		if done && (sawOutput || time.Since(submittedAt) >= d.cfg.CompletionGrace) {
			m.to(StateCompleted)
			d.bindConversation(ctx, page, req)
			emit(ctx, out, RawFragment{Done: true})
			return
		}

		if time.Since(lastProgress) >= d.cfg.StallTimeout {
			m.to(StateErrored)
			emit(ctx, out, RawFragment{Err: automationErr(KindStallTimeout,
				fmt.Errorf("no output for %s", d.cfg.StallTimeout))})
			return
		}
	}
}

func (d *Driver) bindConversation(ctx context.Context, page PageSession, req *models.ChatRequest) {
	if d.conversations == nil || req.User == "" {
		return
	}
	url, err := page.ConversationURL(ctx)
	if err != nil || url == "" {
		return
	}
	d.conversations.Bind(req.User, url)
}

// RenderPrompt flattens the conversation into the single composer input the
// upstream accepts. Message order and role tags are preserved exactly; a
// single user message goes through untagged.
func RenderPrompt(messages []models.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("request contains no messages")
	}
	if len(messages) == 1 && messages[0].Role == "user" {
		return messages[0].Content, nil
	}

	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String(), nil
}

// botURL points at one bot's chat surface under the base chat URL
func botURL(base, botID string) string {
	return strings.TrimRight(base, "/") + "/" + botID
}

// emit delivers a fragment unless the request is cancelled first
func emit(ctx context.Context, out chan<- RawFragment, f RawFragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
