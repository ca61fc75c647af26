package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/lexicaption/internal/app"
	"github.com/MrWong99/lexicaption/internal/config"
	"github.com/MrWong99/lexicaption/internal/credential"
	"github.com/MrWong99/lexicaption/internal/hostbridge"
	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/pkg/enrich"
	enrichmock "github.com/MrWong99/lexicaption/pkg/enrich/mock"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

// testConfig returns the default config with audio off.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.Disabled = true
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *httptest.Server) {
	t.Helper()
	opts = append([]app.Option{app.WithMetricsHandler(http.NotFoundHandler())}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, ts
}

func status(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestNew_WithEnricherServesHealth(t *testing.T) {
	t.Parallel()

	_, ts := newApp(t, testConfig(), app.WithEnricher(&enrichmock.Enricher{}))

	if got := status(t, ts.URL+"/healthz"); got != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", got)
	}
	if got := status(t, ts.URL+"/readyz"); got != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", got)
	}
}

func TestNew_GatedBackendReadyOnceKeySet(t *testing.T) {
	t.Parallel()

	want := &lexical.Entry{Query: "cats"}
	var gotKey string
	reg := config.NewRegistry()
	reg.Register("gemini", func(_ context.Context, _ config.ProviderEntry, key string) (enrich.Enricher, error) {
		gotKey = key
		return &enrichmock.Enricher{Entry: want}, nil
	})

	cfg := testConfig()
	cfg.Enrichment.APIKeyEnv = "LEXICAPTION_TEST_KEY_NEVER_SET"
	keys := credential.NewFile(filepath.Join(t.TempDir(), "key.json"))
	a, ts := newApp(t, cfg, app.WithRegistry(reg), app.WithKeyFile(keys))

	if got := a.Backend().Name; got != "gemini/"+app.DefaultModels["gemini"] {
		t.Errorf("backend name = %q", got)
	}
	if got := status(t, ts.URL+"/readyz"); got != http.StatusServiceUnavailable {
		t.Errorf("/readyz without key = %d, want 503", got)
	}
	if _, err := a.Enricher().Enrich(context.Background(), "cats", ""); enrich.Kind(err) != "configuration" {
		t.Errorf("lookup without key: got %v, want configuration error", err)
	}

	if err := keys.Set(context.Background(), "k-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := status(t, ts.URL+"/readyz"); got != http.StatusOK {
		t.Errorf("/readyz with key = %d, want 200", got)
	}
	e, err := a.Enricher().Enrich(context.Background(), "cats", "")
	if err != nil {
		t.Fatalf("lookup with key: %v", err)
	}
	if e != want || gotKey != "k-123" {
		t.Errorf("lookup = %+v with key %q", e, gotKey)
	}
}

func TestNew_UnregisteredBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Enrichment.Name = "openai"
	if _, err := app.New(context.Background(), cfg, app.WithRegistry(config.NewRegistry())); err == nil {
		t.Fatal("expected error for unregistered backend")
	}
}

func TestNew_FallbacksFailOver(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.Register("ollama", func(context.Context, config.ProviderEntry, string) (enrich.Enricher, error) {
		return &enrichmock.Enricher{Err: enrich.ErrTransport}, nil
	})
	reg.Register("llamafile", func(context.Context, config.ProviderEntry, string) (enrich.Enricher, error) {
		return &enrichmock.Enricher{Entry: &lexical.Entry{Query: "local"}}, nil
	})

	cfg := testConfig()
	cfg.Enrichment.ProviderEntry = config.ProviderEntry{Name: "ollama"}
	cfg.Enrichment.Fallbacks = []config.ProviderEntry{{Name: "llamafile"}}
	a, _ := newApp(t, cfg, app.WithRegistry(reg))

	if a.Backend().Credential != nil {
		t.Error("keyless backend should have no credential")
	}
	e, err := a.Enricher().Enrich(context.Background(), "cats", "")
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if e.Query != "local" {
		t.Errorf("query = %q, want local", e.Query)
	}
}

func TestNew_BreakerTransitionsCounted(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg := config.NewRegistry()
	reg.Register("ollama", func(context.Context, config.ProviderEntry, string) (enrich.Enricher, error) {
		return &enrichmock.Enricher{Err: enrich.ErrTransport}, nil
	})
	reg.Register("llamafile", func(context.Context, config.ProviderEntry, string) (enrich.Enricher, error) {
		return &enrichmock.Enricher{Entry: &lexical.Entry{Query: "local"}}, nil
	})

	cfg := testConfig()
	cfg.Enrichment.ProviderEntry = config.ProviderEntry{Name: "ollama"}
	cfg.Enrichment.Fallbacks = []config.ProviderEntry{{Name: "llamafile"}}
	cfg.Enrichment.CircuitBreaker.MaxFailures = 1
	a, _ := newApp(t, cfg, app.WithRegistry(reg), app.WithMetrics(m))

	if _, err := a.Enricher().Enrich(context.Background(), "cats", ""); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "lexicaption.breaker.transitions" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("data = %T, want Sum[int64]", md.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, _ := dp.Attributes.Value("backend"); v.AsString() != "ollama" {
					t.Errorf("backend = %q, want ollama", v.AsString())
				}
				total += dp.Value
			}
		}
	}
	if total != 1 {
		t.Errorf("breaker transitions = %d, want 1", total)
	}
}

func TestApp_BridgeSendsHello(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Engine.TokenClass = "lx-word"
	_, ts := newApp(t, cfg, app.WithEnricher(&enrichmock.Enricher{}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + app.BridgePath
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var hello hostbridge.HelloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.Type != hostbridge.TypeHello {
		t.Fatalf("first message type = %q, want hello", hello.Type)
	}
	if hello.TokenClass != "lx-word" || hello.ModifierKey != "Shift" {
		t.Errorf("hello = %+v", hello)
	}
}

func TestEngineConfig_MergesOverDefaults(t *testing.T) {
	t.Parallel()

	got := app.EngineConfig(config.EngineConfig{
		ContainerClasses: []string{"cue"},
		UpdateDelay:      300 * time.Millisecond,
		ModifierKey:      "Alt",
	}, 5*time.Second)

	if !slices.Equal(got.Reconcile.ContainerClasses, []string{"cue"}) {
		t.Errorf("container classes = %v", got.Reconcile.ContainerClasses)
	}
	if got.Reconcile.UpdateDelay != 300*time.Millisecond {
		t.Errorf("update delay = %v, want 300ms", got.Reconcile.UpdateDelay)
	}
	if got.Reconcile.SweepDelay != 50*time.Millisecond || got.Reconcile.SweepInterval != 400*time.Millisecond {
		t.Errorf("sweep timings = %v/%v, want defaults", got.Reconcile.SweepDelay, got.Reconcile.SweepInterval)
	}
	if got.Reconcile.TokenClass != "yt-ai-dict-word" || got.SelectedClass != "selected" {
		t.Errorf("classes = %q/%q, want defaults", got.Reconcile.TokenClass, got.SelectedClass)
	}
	if got.ModifierKey != "Alt" || got.RequestTimeout != 5*time.Second {
		t.Errorf("modifier/timeout = %q/%v", got.ModifierKey, got.RequestTimeout)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("merged config invalid: %v", err)
	}
}

func TestReload_AppliesLogLevelAndTimings(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	prev := testConfig()
	a, _ := newApp(t, prev, app.WithEnricher(&enrichmock.Enricher{}), app.WithLevel(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Engine.UpdateDelay = 250 * time.Millisecond
	next.Server.ListenAddr = ":9999"
	if err := a.Reload(context.Background(), prev, next); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	if err := a.Reload(context.Background(), next, next); err != nil {
		t.Errorf("no-op Reload: %v", err)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(),
		app.WithEnricher(&enrichmock.Enricher{}),
		app.WithMetricsHandler(http.NotFoundHandler()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	if got := status(t, "http://"+ln.Addr().String()+"/healthz"); got != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", got)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if err := a.Bridge().Check(context.Background()); err == nil {
		t.Error("bridge should report shutdown")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"bogus":         slog.LevelInfo,
	} {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
