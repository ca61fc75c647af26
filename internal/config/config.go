// Package config provides the configuration schema, loader, and enricher
// registry for the lexicaption server.
package config

import "time"

// LogLevel controls log verbosity for the lexicaption server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Config is the root configuration structure for lexicaption.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Audio      AudioConfig      `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host origin patterns allowed to open the caption
	// socket (e.g., "www.youtube.com"). Same-origin requests are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// SendBuffer is the number of outbound messages queued per host before it
	// is disconnected as too slow.
	SendBuffer int `yaml:"send_buffer"`

	// MaxMessageBytes caps one inbound host message.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// WriteTimeout bounds a single outbound message write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineConfig holds the caption selectors and timings of the overlay
// engine. Zero values keep the built-in defaults.
type EngineConfig struct {
	// ContainerClasses identify caption line containers.
	ContainerClasses []string `yaml:"container_classes"`

	// RegionClasses identify the caption regions the sweep watches.
	RegionClasses []string `yaml:"region_classes"`

	// TokenClass is set on every rendered word.
	TokenClass string `yaml:"token_class"`

	// SelectedClass marks highlighted words.
	SelectedClass string `yaml:"selected_class"`

	// ModifierKey is the key that starts a drag selection (e.g., "Shift").
	ModifierKey string `yaml:"modifier_key"`

	// NewDelay debounces newly added caption lines.
	NewDelay time.Duration `yaml:"new_delay"`

	// UpdateDelay debounces caption lines whose text changed.
	UpdateDelay time.Duration `yaml:"update_delay"`

	// SweepDelay debounces lines rescheduled by the periodic sweep.
	SweepDelay time.Duration `yaml:"sweep_delay"`

	// SweepInterval is the cadence of the periodic sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProviderEntry is the configuration block of one enrichment backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered backend (e.g., "gemini", "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key. It takes precedence over APIKeyEnv
	// and the credential file.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the backend's default API endpoint.
	// Leave empty to use the backend's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend.
	Model string `yaml:"model"`

	// Options holds backend-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// EnrichmentConfig configures dictionary lookups.
type EnrichmentConfig struct {
	// ProviderEntry is the primary backend.
	ProviderEntry `yaml:",inline"`

	// CredentialFile is where `lexicaption key set` stores the key. Empty
	// selects the per-user default location.
	CredentialFile string `yaml:"credential_file"`

	// Timeout bounds one lookup.
	Timeout time.Duration `yaml:"timeout"`

	// Temperature is the sampling temperature for LLM backends.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the reply length of LLM backends.
	MaxTokens int `yaml:"max_tokens"`

	// CircuitBreaker tunes failover between the primary and Fallbacks.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// CircuitBreakerConfig configures the breaker guarding each backend.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// AudioConfig configures pronunciation playback.
type AudioConfig struct {
	// Disabled turns pronunciation playback off.
	Disabled bool `yaml:"disabled"`

	// TTSBaseURL is the speech synthesis endpoint pronunciation locators are
	// built from. Empty selects the default endpoint.
	TTSBaseURL string `yaml:"tts_base_url"`

	// Timeout bounds one clip download.
	Timeout time.Duration `yaml:"timeout"`

	// MaxBytes caps the size of one clip.
	MaxBytes int64 `yaml:"max_bytes"`

	// CacheSize caps the number of clips kept in memory, dropping the least
	// recently used one on overflow. Zero, the default, keeps every clip
	// until it fails to play.
	CacheSize int `yaml:"cache_size"`

	// AckTimeout bounds how long playback waits for the host to confirm.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}
