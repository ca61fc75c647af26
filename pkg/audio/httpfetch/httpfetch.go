// Package httpfetch implements audio.Fetcher over HTTP. Concurrent fetches
// of the same locator share one request.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/lexicaption/pkg/audio"
)

// DefaultMaxBytes caps the size of a fetched clip.
const DefaultMaxBytes = 4 << 20

// userAgent is sent with every request; some speech endpoints reject
// requests without a browser-like agent.
const userAgent = "Mozilla/5.0 (compatible; lexicaption/1.0)"

// Fetcher fetches clips with an HTTP client.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	group    singleflight.Group
}

// Option is a functional option for [New].
type Option func(*Fetcher)

// WithClient sets the HTTP client. Defaults to a client with a 10s timeout.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes caps the response body size. Larger clips are rejected.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// New returns an HTTP fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 10 * time.Second},
		maxBytes: DefaultMaxBytes,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

type result struct {
	data []byte
	ct   string
}

// Fetch implements audio.Fetcher. Non-2xx statuses, network failures and
// oversized bodies wrap audio.ErrTransport.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, string, error) {
	ch := f.group.DoChan(locator, func() (any, error) {
		// Shared by every waiter, so no single caller's cancellation applies.
		return f.fetch(context.WithoutCancel(ctx), locator)
	})
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("httpfetch: %w: %w", audio.ErrTransport, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}
		r := res.Val.(result)
		return r.data, r.ct, nil
	}
}

func (f *Fetcher) fetch(ctx context.Context, locator string) (result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return result{}, fmt.Errorf("httpfetch: %w: build request: %w", audio.ErrTransport, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return result{}, fmt.Errorf("httpfetch: %w: %w", audio.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result{}, fmt.Errorf("httpfetch: %w: status %d", audio.ErrTransport, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return result{}, fmt.Errorf("httpfetch: %w: read body: %w", audio.ErrTransport, err)
	}
	if int64(len(data)) > f.maxBytes {
		return result{}, fmt.Errorf("httpfetch: %w: clip exceeds %d bytes", audio.ErrTransport, f.maxBytes)
	}
	return result{data: data, ct: resp.Header.Get("Content-Type")}, nil
}

var _ audio.Fetcher = (*Fetcher)(nil)
