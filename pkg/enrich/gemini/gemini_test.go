package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/lexicaption/pkg/enrich"
)

type fakeAPI struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
	status int
	reply  string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, string(body))
	status, reply := f.status, f.reply
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
		return
	}
	resp := map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []any{map[string]any{"text": reply}},
			},
			"finishReason": "STOP",
		}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newBackend(t *testing.T, api *fakeAPI) *Backend {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	b, err := New(context.Background(), "test-key", "", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), "", ""); !errors.Is(err, enrich.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestEnrich_JSONMode(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{reply: `{"query":"cats","definitions":[]}`}
	b := newBackend(t, api)
	if b.Model() != DefaultModel {
		t.Errorf("Model = %q, want %q", b.Model(), DefaultModel)
	}

	e, err := b.Enrich(context.Background(), "cats", "I love cats")
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if e.Query != "cats" || len(e.AudioLocators()) != 2 {
		t.Errorf("entry = %+v", e)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.paths) != 1 || !strings.Contains(api.paths[0], DefaultModel+":generateContent") {
		t.Errorf("paths = %v", api.paths)
	}
	if !strings.Contains(api.bodies[0], "application/json") {
		t.Error("request did not ask for a JSON response")
	}
	if !strings.Contains(api.bodies[0], "I love cats") {
		t.Error("request did not carry the context")
	}
}

func TestEnrich_GarbageIsFormat(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeAPI{reply: "not json"})
	if _, err := b.Enrich(context.Background(), "x", "y"); !errors.Is(err, enrich.ErrFormat) {
		t.Errorf("err = %v, want ErrFormat", err)
	}
}

func TestEnrich_RejectedKeyIsConfiguration(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeAPI{
		status: http.StatusForbidden,
		reply:  `{"error":{"code":403,"message":"API key not valid. Please pass a valid API key.","status":"PERMISSION_DENIED"}}`,
	})
	if _, err := b.Enrich(context.Background(), "x", "y"); !errors.Is(err, enrich.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestEnrich_NotFoundIsTransport(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeAPI{
		status: http.StatusNotFound,
		reply:  `{"error":{"code":404,"message":"model not found","status":"NOT_FOUND"}}`,
	})
	if _, err := b.Enrich(context.Background(), "x", "y"); !errors.Is(err, enrich.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}
