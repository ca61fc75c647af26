package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/lexicaption/internal/config"
	"github.com/MrWong99/lexicaption/internal/credential"
	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/internal/resilience"
	"github.com/MrWong99/lexicaption/pkg/enrich"
	"github.com/MrWong99/lexicaption/pkg/enrich/gemini"
	"github.com/MrWong99/lexicaption/pkg/enrich/llmdict"
	"github.com/MrWong99/lexicaption/pkg/provider/llm/anyllm"
	"github.com/MrWong99/lexicaption/pkg/provider/llm/openai"
)

// DefaultModels is the model used per backend when none is configured.
var DefaultModels = map[string]string{
	"gemini":    gemini.DefaultModel,
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-latest",
	"deepseek":  "deepseek-chat",
	"mistral":   "mistral-small-latest",
	"groq":      "llama-3.1-8b-instant",
	"ollama":    "llama3.2",
	"llamacpp":  "default",
	"llamafile": "default",
}

// KeyEnv is the environment variable consulted per backend when
// api_key_env is not set.
var KeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// RegisterBuiltinBackends wires every dictionary backend that ships with
// lexicaption into reg. gemini uses the native Gemini API in JSON mode;
// openai uses the official SDK; the rest go through any-llm-go. All but
// gemini render lookups with the LLM dictionary prompt.
func RegisterBuiltinBackends(reg *config.Registry, cfg config.EnrichmentConfig, ttsBase string) {
	dict := func() []llmdict.Option {
		opts := []llmdict.Option{llmdict.WithTTSBaseURL(ttsBase)}
		if cfg.Temperature > 0 {
			opts = append(opts, llmdict.WithTemperature(cfg.Temperature))
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, llmdict.WithMaxTokens(cfg.MaxTokens))
		}
		return opts
	}

	reg.Register("gemini", func(ctx context.Context, entry config.ProviderEntry, key string) (enrich.Enricher, error) {
		opts := []gemini.Option{gemini.WithTTSBaseURL(ttsBase)}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		b, err := gemini.New(ctx, key, modelFor(entry), opts...)
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	reg.Register("openai", func(_ context.Context, entry config.ProviderEntry, key string) (enrich.Enricher, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(cfg.Timeout))
		}
		p, err := openai.New(key, modelFor(entry), opts...)
		if err != nil {
			return nil, err
		}
		return llmdict.New(p, dict()...), nil
	})

	for _, name := range []string{"anthropic", "deepseek", "mistral", "groq", "ollama", "llamacpp", "llamafile"} {
		reg.Register(name, func(_ context.Context, entry config.ProviderEntry, key string) (enrich.Enricher, error) {
			var opts []anyllmlib.Option
			if key != "" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, modelFor(entry), opts...)
			if err != nil {
				return nil, err
			}
			return llmdict.New(p, dict()...), nil
		})
	}
}

func modelFor(entry config.ProviderEntry) string {
	if entry.Model != "" {
		return entry.Model
	}
	return DefaultModels[entry.Name]
}

// CredentialFor returns where the key of a backend comes from: the inline
// api_key, then the environment, then (for the primary) the key file.
func CredentialFor(entry config.ProviderEntry, file *credential.File) credential.Source {
	env := entry.APIKeyEnv
	if env == "" {
		env = KeyEnv[entry.Name]
	}
	chain := credential.Chain{credential.Static(entry.APIKey), credential.Env(env)}
	if file != nil {
		chain = append(chain, file)
	}
	return chain
}

// KeyFile returns the key store configured in cfg, or the per-user default.
func KeyFile(cfg config.EnrichmentConfig) (*credential.File, error) {
	path := cfg.CredentialFile
	if path == "" {
		var err error
		if path, err = credential.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return credential.NewFile(path), nil
}

// Backend is one built dictionary backend.
type Backend struct {
	Name     string
	Enricher enrich.Enricher

	// Credential is nil for backends that need no key.
	Credential credential.Source
}

// BuildBackend returns the backend for entry. Keyed backends are gated on
// their credential, so a missing key fails lookups with
// [enrich.ErrConfiguration] and a key set later is picked up without a
// restart.
func BuildBackend(ctx context.Context, reg *config.Registry, entry config.ProviderEntry, file *credential.File) (Backend, error) {
	b := Backend{Name: label(entry)}
	if !config.NeedsKey(entry.Name) {
		e, err := reg.Create(ctx, entry, "")
		if err != nil {
			return Backend{}, fmt.Errorf("app: build %s: %w", b.Name, err)
		}
		b.Enricher = e
		return b, nil
	}
	if !reg.Has(entry.Name) {
		return Backend{}, fmt.Errorf("app: build %s: %w: %q", b.Name, config.ErrProviderNotRegistered, entry.Name)
	}
	b.Credential = CredentialFor(entry, file)
	b.Enricher = enrich.NewGate(b.Credential, func(ctx context.Context, key string) (enrich.Enricher, error) {
		return reg.Create(ctx, entry, key)
	})
	return b, nil
}

// BuildEnricher builds the primary backend and its fallbacks. With
// fallbacks configured the result fails over across them, and breaker
// transitions are counted on m when it is non-nil.
func BuildEnricher(ctx context.Context, reg *config.Registry, cfg config.EnrichmentConfig, file *credential.File, log *slog.Logger, m *observe.Metrics) (enrich.Enricher, Backend, error) {
	primary, err := BuildBackend(ctx, reg, cfg.ProviderEntry, file)
	if err != nil {
		return nil, Backend{}, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary.Enricher, primary, nil
	}

	fb := resilience.NewEnrichFallback(primary.Enricher, primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  cfg.CircuitBreaker.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				if m != nil {
					m.RecordBreakerTransition(context.Background(), name, to.String())
				}
			},
		},
		Logger: log,
	})
	var errs []error
	for _, entry := range cfg.Fallbacks {
		b, err := BuildBackend(ctx, reg, entry, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fb.AddFallback(b.Name, b.Enricher)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, Backend{}, err
	}
	return fb, primary, nil
}

func label(entry config.ProviderEntry) string {
	if m := modelFor(entry); m != "" {
		return entry.Name + "/" + m
	}
	return entry.Name
}

// optString extracts a string value from a backend Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
