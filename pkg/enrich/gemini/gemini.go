// Package gemini implements dictionary enrichment with the native Gemini API
// through google.golang.org/genai, using the JSON response mode so that the
// reply is a bare JSON object.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/lexicaption/pkg/enrich"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.5-flash-lite"

// Backend is an [enrich.Enricher] backed by genai.
type Backend struct {
	client      *genai.Client
	model       string
	ttsBase     string
	temperature float32
}

type config struct {
	baseURL    string
	httpClient *http.Client
	ttsBase    string
}

// Option is a functional option for [New].
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithTTSBaseURL sets the speech endpoint used for pronunciation locators.
func WithTTSBaseURL(u string) Option {
	return func(c *config) { c.ttsBase = u }
}

// New creates a Gemini backend for apiKey. An empty model selects
// [DefaultModel].
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w: api key is required", enrich.ErrConfiguration)
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := config{ttsBase: lexical.DefaultTTSBaseURL}
	for _, o := range opts {
		o(&cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Backend{client: client, model: model, ttsBase: cfg.ttsBase, temperature: 0.2}, nil
}

// Model returns the model name requests are sent to.
func (b *Backend) Model() string { return b.model }

// Enrich implements [enrich.Enricher].
func (b *Backend) Enrich(ctx context.Context, text, context string) (*lexical.Entry, error) {
	resp, err := b.client.Models.GenerateContent(ctx, b.model,
		[]*genai.Content{genai.NewContentFromText(enrich.Prompt(text, context), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(enrich.SystemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr(b.temperature),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", classify(err))
	}
	raw := ""
	if resp != nil {
		raw = resp.Text()
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("gemini: %w: response has no candidate text", enrich.ErrFormat)
	}
	e, err := enrich.Decode(raw, b.ttsBase)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return e, nil
}

// classify maps genai failures onto the enrichment taxonomy. Rejected keys
// are configuration errors; everything else is transport.
func classify(err error) error {
	if code, msg, ok := apiError(err); ok {
		if code == http.StatusUnauthorized || code == http.StatusForbidden || strings.Contains(msg, "API key") {
			return fmt.Errorf("%w: %w", enrich.ErrConfiguration, err)
		}
	}
	return fmt.Errorf("%w: %w", enrich.ErrTransport, err)
}

func apiError(err error) (int, string, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v.Code, v.Message, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return p.Code, p.Message, true
	}
	return 0, "", false
}

var _ enrich.Enricher = (*Backend)(nil)
