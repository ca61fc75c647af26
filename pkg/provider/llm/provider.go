// Package llm is the seam between dictionary enrichment and chat-completion
// model APIs.
//
// A lookup is a single turn: one system instruction and one user prompt in,
// one reply out. Providers translate that into their SDK's request shape and
// map the reply's finish reason onto [ErrTruncated] so callers can tell a
// cut-off JSON object from a malformed one.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrTruncated marks a reply that stopped at the token limit.
	ErrTruncated = errors.New("llm: reply truncated at token limit")

	// ErrNoChoices marks a response that carried no reply at all.
	ErrNoChoices = errors.New("llm: response has no choices")

	// ErrUnauthorized marks a request the backend rejected for its API key.
	ErrUnauthorized = errors.New("llm: unauthorized")
)

// Finish reasons reported in [Response.FinishReason].
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Request is one lookup turn.
type Request struct {
	// System is the instruction sent ahead of Prompt. Optional.
	System string

	// Prompt is the user turn. Required.
	Prompt string

	// Temperature in [0, 2]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the reply. Zero leaves the backend default.
	MaxTokens int

	// JSON asks for a single JSON object. Backends without a native JSON
	// mode rely on the prompt.
	JSON bool
}

// Usage is token accounting for one request, in the model's own units.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is a finished reply.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Provider is a chat-completion backend.
type Provider interface {
	// Complete sends req and waits for the whole reply. A reply that hit
	// the token limit is returned together with an error wrapping
	// [ErrTruncated].
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Validate rejects requests no backend can serve.
func (r Request) Validate() error {
	if r.Prompt == "" {
		return errors.New("llm: empty prompt")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return errors.New("llm: temperature out of range [0, 2]")
	}
	if r.MaxTokens < 0 {
		return errors.New("llm: negative max tokens")
	}
	return nil
}

// Finish returns resp and, when its finish reason is [FinishLength], an
// error wrapping [ErrTruncated].
func Finish(resp *Response) (*Response, error) {
	if resp.FinishReason == FinishLength {
		return resp, ErrTruncated
	}
	return resp, nil
}
