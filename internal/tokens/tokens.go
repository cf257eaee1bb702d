// Package tokens estimates token usage for chat requests and responses.
// Upstream gives no usage numbers, so the counts reported on the wire are
// tiktoken estimates over the cl100k_base encoding.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lzA6/doubao2api-go/pkg/models"
)

const encodingName = "cl100k_base"

// message framing overhead, matching the OpenAI chat token accounting
const (
	perMessageTokens = 4
	perReplyTokens   = 3
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

func encoding() (*tiktoken.Tiktoken, error) {
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding(encodingName)
		if encErr != nil {
			encErr = fmt.Errorf("failed to load %s encoding: %w", encodingName, encErr)
		}
	})
	return enc, encErr
}

// CountText returns the token count of a plain string. A zero count with
// a nil error means the string is empty.
func CountText(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	e, err := encoding()
	if err != nil {
		return 0, err
	}
	return len(e.Encode(text, nil, nil)), nil
}

// CountMessages estimates the prompt-side token count of a chat request,
// including per-message framing overhead.
func CountMessages(messages []models.Message) (int, error) {
	e, err := encoding()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		total += perMessageTokens
		total += len(e.Encode(m.Role, nil, nil))
		total += len(e.Encode(m.Content, nil, nil))
	}
	total += perReplyTokens
	return total, nil
}

// Usage builds the usage block for a completed request. Counting errors
// degrade to zeroes rather than failing the request.
func Usage(messages []models.Message, completion string) models.Usage {
	prompt, err := CountMessages(messages)
	if err != nil {
		prompt = 0
	}
	out, err := CountText(completion)
	if err != nil {
		out = 0
	}
	return models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
