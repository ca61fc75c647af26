package resilience

import (
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"
)

// backendGroup builds a group of named string backends. failing lists the
// backends whose calls fail.
func backendGroup(cfg FallbackConfig, names ...string) *FallbackGroup[string] {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	fg := NewFallbackGroup(names[0], names[0], cfg)
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func call(fg *FallbackGroup[string], failing ...string) (string, []string, error) {
	var tried []string
	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		tried = append(tried, v)
		if slices.Contains(failing, v) {
			return "", errTest
		}
		return v, nil
	})
	return got, tried, err
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		failing   []string
		wantValue string
		wantTried []string
		wantErr   bool
	}{
		{name: "primary answers", wantValue: "gemini", wantTried: []string{"gemini"}},
		{name: "first fallback answers", failing: []string{"gemini"}, wantValue: "openai", wantTried: []string{"gemini", "openai"}},
		{name: "last fallback answers", failing: []string{"gemini", "openai"}, wantValue: "ollama", wantTried: []string{"gemini", "openai", "ollama"}},
		{name: "all fail", failing: []string{"gemini", "openai", "ollama"}, wantTried: []string{"gemini", "openai", "ollama"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := backendGroup(FallbackConfig{}, "gemini", "openai", "ollama")
			got, tried, err := call(fg, tt.failing...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantValue {
				t.Errorf("value = %q, want %q", got, tt.wantValue)
			}
			if !slices.Equal(tried, tt.wantTried) {
				t.Errorf("tried = %v, want %v", tried, tt.wantTried)
			}
		})
	}
}

func TestFallbackGroup_AllFailWrapsLastError(t *testing.T) {
	t.Parallel()
	errLast := errors.New("last")
	fg := backendGroup(FallbackConfig{}, "gemini", "openai")

	err := fg.Execute(func(v string) error {
		if v == "openai" {
			return errLast
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errLast) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
	if errors.Is(err, errTest) {
		t.Error("earlier errors should not be wrapped")
	}
}

func TestFallbackGroup_OpenBreakerSkipsBackend(t *testing.T) {
	t.Parallel()
	fg := backendGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	}, "gemini", "openai")

	for range 2 {
		_, _, _ = call(fg, "gemini")
	}
	if st, _ := fg.State("gemini"); st != StateOpen {
		t.Fatalf("gemini breaker = %v, want open", st)
	}

	got, tried, err := call(fg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "openai" || !slices.Equal(tried, []string{"openai"}) {
		t.Errorf("got %q after trying %v, want openai only", got, tried)
	}
}

func TestFallbackGroup_AllOpen(t *testing.T) {
	t.Parallel()
	fg := backendGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	}, "gemini", "openai")
	_, _, _ = call(fg, "gemini", "openai")

	_, tried, err := call(fg)
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
	if len(tried) != 0 {
		t.Errorf("tried %v with every breaker open", tried)
	}
}

func TestFallbackGroup_StopEndsFailover(t *testing.T) {
	t.Parallel()
	errStop := errors.New("stop")
	fg := backendGroup(FallbackConfig{Stop: func(err error) bool { return errors.Is(err, errStop) }}, "gemini", "openai")

	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		return errStop
	})
	if !errors.Is(err, errStop) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want the stop error returned as is", err)
	}
	if !slices.Equal(tried, []string{"gemini"}) {
		t.Errorf("tried = %v, want only the primary", tried)
	}
}

func TestFallbackGroup_BreakersReportPerBackend(t *testing.T) {
	t.Parallel()
	rec := &transitions{}
	fg := backendGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour, OnStateChange: rec.record},
	}, "gemini", "openai")

	_, _, _ = call(fg, "gemini")
	if got := rec.list(); !slices.Equal(got, []string{"gemini:closed->open"}) {
		t.Errorf("transitions = %v", got)
	}
	if names := fg.Names(); !slices.Equal(names, []string{"gemini", "openai"}) {
		t.Errorf("Names = %v", names)
	}
	if _, ok := fg.State("mistral"); ok {
		t.Error("State reported an unknown backend")
	}
}
