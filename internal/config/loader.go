package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known enrichment backends. Used by [Validate]
// to warn about unrecognised names.
var ValidProviderNames = []string{"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// KeylessProviders run locally and need no API key.
var KeylessProviders = []string{"ollama", "llamacpp", "llamafile"}

// NeedsKey reports whether the backend name requires an API key.
func NeedsKey(name string) bool {
	return !slices.Contains(KeylessProviders, name)
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultProvider        = "gemini"
	DefaultSendBuffer      = 256
	DefaultMaxMessageBytes = 1 << 20
	DefaultWriteTimeout    = 5 * time.Second
	DefaultEnrichTimeout   = 30 * time.Second
	DefaultAudioTimeout    = 10 * time.Second
	DefaultAudioMaxBytes   = 4 << 20
	DefaultAckTimeout      = 15 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero fields of cfg. Engine selectors and timings are
// left zero; the engine substitutes its own defaults for them.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogText
	}
	if s.SendBuffer == 0 {
		s.SendBuffer = DefaultSendBuffer
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}

	e := &cfg.Enrichment
	if e.Name == "" {
		e.Name = DefaultProvider
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultEnrichTimeout
	}

	a := &cfg.Audio
	if a.Timeout == 0 {
		a.Timeout = DefaultAudioTimeout
	}
	if a.MaxBytes == 0 {
		a.MaxBytes = DefaultAudioMaxBytes
	}
	if a.AckTimeout == 0 {
		a.AckTimeout = DefaultAckTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("server.send_buffer %d must not be negative", cfg.Server.SendBuffer))
	}
	if cfg.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes %d must not be negative", cfg.Server.MaxMessageBytes))
	}
	errs = appendNegative(errs, "server.write_timeout", cfg.Server.WriteTimeout)

	// Engine
	eng := cfg.Engine
	errs = appendClasses(errs, "engine.container_classes", eng.ContainerClasses)
	errs = appendClasses(errs, "engine.region_classes", eng.RegionClasses)
	if eng.TokenClass != "" {
		errs = appendClasses(errs, "engine.token_class", []string{eng.TokenClass})
	}
	if eng.SelectedClass != "" {
		errs = appendClasses(errs, "engine.selected_class", []string{eng.SelectedClass})
		if eng.SelectedClass == eng.TokenClass {
			errs = append(errs, fmt.Errorf("engine.selected_class %q must differ from engine.token_class", eng.SelectedClass))
		}
	}
	errs = appendNegative(errs, "engine.new_delay", eng.NewDelay)
	errs = appendNegative(errs, "engine.update_delay", eng.UpdateDelay)
	errs = appendNegative(errs, "engine.sweep_delay", eng.SweepDelay)
	errs = appendNegative(errs, "engine.sweep_interval", eng.SweepInterval)

	// Enrichment
	enr := cfg.Enrichment
	if enr.Name == "" {
		errs = append(errs, errors.New("enrichment.name is required"))
	}
	validateProviderName("enrichment", enr.Name)
	errs = appendNegative(errs, "enrichment.timeout", enr.Timeout)
	if enr.Temperature < 0 || enr.Temperature > 2 {
		errs = append(errs, fmt.Errorf("enrichment.temperature %.2f is out of range [0, 2]", enr.Temperature))
	}
	if enr.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("enrichment.max_tokens %d must not be negative", enr.MaxTokens))
	}
	if enr.BaseURL != "" {
		errs = appendURL(errs, "enrichment.base_url", enr.BaseURL)
	}
	cb := enr.CircuitBreaker
	if cb.MaxFailures < 0 || cb.HalfOpenMax < 0 {
		errs = append(errs, errors.New("enrichment.circuit_breaker counts must not be negative"))
	}
	errs = appendNegative(errs, "enrichment.circuit_breaker.reset_timeout", cb.ResetTimeout)

	seen := map[string]int{enr.Name: -1}
	for i, fb := range enr.Fallbacks {
		prefix := fmt.Sprintf("enrichment.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := fb.Name + "/" + fb.Model
		if prev, ok := seen[key]; ok {
			if prev < 0 {
				errs = append(errs, fmt.Errorf("%s duplicates the primary backend %q", prefix, key))
			} else {
				errs = append(errs, fmt.Errorf("%s duplicates enrichment.fallbacks[%d] (%q)", prefix, prev, key))
			}
		}
		seen[key] = i
		validateProviderName(prefix, fb.Name)
		if fb.BaseURL != "" {
			errs = appendURL(errs, prefix+".base_url", fb.BaseURL)
		}
	}

	// Audio
	if cfg.Audio.TTSBaseURL != "" {
		errs = appendURL(errs, "audio.tts_base_url", cfg.Audio.TTSBaseURL)
	}
	errs = appendNegative(errs, "audio.timeout", cfg.Audio.Timeout)
	errs = appendNegative(errs, "audio.ack_timeout", cfg.Audio.AckTimeout)
	if cfg.Audio.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_bytes %d must not be negative", cfg.Audio.MaxBytes))
	}
	if cfg.Audio.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("audio.cache_size %d must not be negative", cfg.Audio.CacheSize))
	}

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

func appendClasses(errs []error, field string, classes []string) []error {
	for _, c := range classes {
		if c == "" || strings.ContainsFunc(c, isSpace) {
			errs = append(errs, fmt.Errorf("%s: %q is not a valid class name", field, c))
		}
	}
	return errs
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' }

func appendURL(errs []error, field, raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", field, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return append(errs, fmt.Errorf("%s %q must be an http or https URL", field, raw))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown enrichment backend, may be a typo or a custom registration",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
