package driver

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/lzA6/doubao2api-go/internal/browser"
)

// Selectors pins down the upstream DOM contract. When doubao.com ships a new
// chat UI, this is the only block that should need updating.
type Selectors struct {
	// Composer is the prompt input box
	Composer string
	// SendButton submits the composer content
	SendButton string
	// ResponseMessages matches every assistant message block; the last one
	// is the current turn
	ResponseMessages string
	// BusyIndicator is visible while the upstream is generating
	BusyIndicator string
	// BlockedBanner is any detection / verification challenge surface
	BlockedBanner string
}

// DefaultSelectors returns the selector set for the current doubao.com chat UI
func DefaultSelectors() Selectors {
	return Selectors{
		Composer:         `textarea[data-testid="chat_input_input"]`,
		SendButton:       `button[data-testid="chat_input_send_button"]`,
		ResponseMessages: `div[data-testid="receive_message"]`,
		BusyIndicator:    `button[data-testid="chat_input_local_break_button"]`,
		BlockedBanner:    `div[id^="captcha"], div[data-testid="security_verify_dialog"]`,
	}
}

// DoubaoPage drives the doubao.com chat UI through Playwright. It implements
// PageSession.
type DoubaoPage struct {
	page playwright.Page
	sel  Selectors
}

// NewDoubaoPage wraps a warmed-up chat page
func NewDoubaoPage(page playwright.Page, sel Selectors) *DoubaoPage {
	return &DoubaoPage{page: page, sel: sel}
}

func (p *DoubaoPage) OpenConversation(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.page.URL() == url {
		return nil
	}
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}); err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	if _, err := p.page.WaitForSelector(p.sel.Composer, playwright.PageWaitForSelectorOptions{
		State: playwright.WaitForSelectorStateVisible,
	}); err != nil {
		return fmt.Errorf("conversation page has no composer: %w", err)
	}
	return nil
}

func (p *DoubaoPage) SubmitPrompt(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.page.WaitForSelector(p.sel.Composer, playwright.PageWaitForSelectorOptions{
		State: playwright.WaitForSelectorStateVisible,
	}); err != nil {
		return fmt.Errorf("composer not available: %w", err)
	}
	if err := p.page.Fill(p.sel.Composer, prompt); err != nil {
		return fmt.Errorf("failed to type prompt: %w", err)
	}
	if err := p.page.Click(p.sel.SendButton); err != nil {
		// Some UI revisions disable the button and accept Enter instead
		if kerr := p.page.Keyboard().Press("Enter"); kerr != nil {
			return fmt.Errorf("failed to send prompt: %w", err)
		}
	}
	return nil
}

func (p *DoubaoPage) ReadResponseText(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	messages, err := p.page.QuerySelectorAll(p.sel.ResponseMessages)
	if err != nil {
		return "", fmt.Errorf("failed to query response messages: %w", err)
	}
	if len(messages) == 0 {
		return "", nil
	}
	text, err := messages[len(messages)-1].TextContent()
	if err != nil {
		return "", fmt.Errorf("failed to read response text: %w", err)
	}
	return text, nil
}

func (p *DoubaoPage) DetectComplete(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	busy, err := p.page.IsVisible(p.sel.BusyIndicator)
	if err != nil {
		return false, fmt.Errorf("failed to check busy indicator: %w", err)
	}
	return !busy, nil
}

func (p *DoubaoPage) DetectBlocked(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	blocked, err := p.page.IsVisible(p.sel.BlockedBanner)
	if err != nil {
		return false, fmt.Errorf("failed to check blocked banner: %w", err)
	}
	return blocked, nil
}

// SessionProbe returns a liveness check for idle sessions: the page must
// still evaluate script and the composer must still be attached. It never
// types into or otherwise mutates the page.
func SessionProbe(sel Selectors) func(ctx context.Context, sess *browser.Session) error {
	return func(ctx context.Context, sess *browser.Session) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := sess.Page()
		if page == nil {
			return fmt.Errorf("session %s has no page", sess.ID())
		}
		if _, err := page.Evaluate("1 + 1"); err != nil {
			return fmt.Errorf("page unresponsive: %w", err)
		}
		attached, err := page.IsVisible(sel.Composer)
		if err != nil {
			return fmt.Errorf("failed to check composer: %w", err)
		}
		if !attached {
			return fmt.Errorf("composer detached")
		}
		return nil
	}
}

func (p *DoubaoPage) ConversationURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.URL(), nil
}
