package llm

import (
	"context"
	"fmt"
)

// Client is the model channel.
type Client interface {
	// Chat sends the conversation and the available tools and returns
	// the model's reply. Failures are reported as *ModelCallError.
	Chat(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error)
}

// ModelCallError reports a failed model call: a transport failure
// (StatusCode 0, Err set) or a non-success API status.
type ModelCallError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ModelCallError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("model call failed: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("model API response (status %d): %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("model API error %d: %s", e.StatusCode, e.Body)
	}
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying later:
// transport errors, rate limiting and server-side errors.
func (e *ModelCallError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 429, e.StatusCode == 529:
		return true
	default:
		return e.StatusCode >= 500
	}
}
