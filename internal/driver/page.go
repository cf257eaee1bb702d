package driver

import "context"

// PageSession is the typed surface the driver uses to operate one leased
// chat page. The upstream DOM is an unstable contract; everything
// selector-shaped lives behind this interface so a UI change touches only
// the adapter.
type PageSession interface {
	// OpenConversation navigates to an existing conversation thread
	OpenConversation(ctx context.Context, url string) error
	// SubmitPrompt types the prompt into the composer and sends it
	SubmitPrompt(ctx context.Context, prompt string) error
	// ReadResponseText reads the full text rendered so far for the current
	// turn. The UI re-renders a growing block, so successive reads repeat
	// earlier content.
	ReadResponseText(ctx context.Context) (string, error)
	// DetectComplete reports whether the upstream finished the turn
	DetectComplete(ctx context.Context) (bool, error)
	// DetectBlocked reports whether the upstream is showing a detection or
	// rate-limit challenge
	DetectBlocked(ctx context.Context) (bool, error)
	// ConversationURL returns the canonical URL of the current thread
	ConversationURL(ctx context.Context) (string, error)
}

// ConversationStore binds a client identity to its upstream conversation so
// follow-up requests continue the same thread
type ConversationStore interface {
	Lookup(user string) (string, bool)
	Bind(user, url string)
}
