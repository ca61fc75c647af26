// Package llmdict implements dictionary enrichment on top of any
// llm.Provider: it renders the dictionary prompt, asks for a JSON reply and
// decodes it into a lexical entry.
package llmdict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/lexicaption/pkg/enrich"
	"github.com/MrWong99/lexicaption/pkg/lexical"
	"github.com/MrWong99/lexicaption/pkg/provider/llm"
)

// Backend is an [enrich.Enricher] backed by an LLM provider.
type Backend struct {
	provider    llm.Provider
	ttsBase     string
	temperature float64
	maxTokens   int
}

// Option is a functional option for [New].
type Option func(*Backend)

// WithTTSBaseURL sets the speech endpoint used for pronunciation locators.
func WithTTSBaseURL(u string) Option {
	return func(b *Backend) { b.ttsBase = u }
}

// WithTemperature sets the sampling temperature. Defaults to 0.2.
func WithTemperature(t float64) Option {
	return func(b *Backend) { b.temperature = t }
}

// WithMaxTokens caps the reply length. Defaults to 2048.
func WithMaxTokens(n int) Option {
	return func(b *Backend) { b.maxTokens = n }
}

// New returns a backend that sends lookups to p.
func New(p llm.Provider, opts ...Option) *Backend {
	b := &Backend{
		provider:    p,
		ttsBase:     lexical.DefaultTTSBaseURL,
		temperature: 0.2,
		maxTokens:   2048,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Enrich implements [enrich.Enricher].
func (b *Backend) Enrich(ctx context.Context, text, context string) (*lexical.Entry, error) {
	resp, err := b.provider.Complete(ctx, llm.Request{
		System:      enrich.SystemPrompt,
		Prompt:      enrich.Prompt(text, context),
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
		JSON:        true,
	})
	switch {
	case errors.Is(err, llm.ErrTruncated):
		return nil, fmt.Errorf("llmdict: %w: raise max_tokens: %w", enrich.ErrFormat, err)
	case errors.Is(err, llm.ErrUnauthorized):
		return nil, fmt.Errorf("llmdict: %w: %w", enrich.ErrConfiguration, err)
	case err != nil:
		return nil, fmt.Errorf("llmdict: complete: %w: %w", enrich.ErrTransport, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("llmdict: %w: empty completion", enrich.ErrFormat)
	}
	e, err := enrich.Decode(resp.Content, b.ttsBase)
	if err != nil {
		return nil, fmt.Errorf("llmdict: %w", err)
	}
	return e, nil
}

var _ enrich.Enricher = (*Backend)(nil)
