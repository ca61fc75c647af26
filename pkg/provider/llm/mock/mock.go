// Package mock provides a scripted llm.Provider for dictionary backend tests.
//
//	p := &mock.Provider{Replies: []mock.Reply{{Content: `{"query":"cats"}`}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lexicaption/pkg/provider/llm"
)

// Reply is one scripted outcome. A nil Err with empty Content and no
// FinishReason still yields a non-nil response.
type Reply struct {
	Content      string
	FinishReason string
	Err          error

	// Nil returns (nil, Err) instead of a response.
	Nil bool
}

// Provider answers calls with Replies in order, repeating the last one once
// the script runs out. With no Replies every call gets an empty stop reply.
type Provider struct {
	Replies []Reply

	mu    sync.Mutex
	calls []llm.Request
}

// Complete records req and returns the next scripted reply. A cancelled
// ctx is returned as its error without consuming a reply.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	n := len(p.calls)
	p.calls = append(p.calls, req)
	var r Reply
	if len(p.Replies) > 0 {
		r = p.Replies[min(n, len(p.Replies)-1)]
	}
	p.mu.Unlock()

	if r.Nil {
		return nil, r.Err
	}
	finish := r.FinishReason
	if finish == "" {
		finish = llm.FinishStop
	}
	resp := &llm.Response{Content: r.Content, FinishReason: finish}
	if r.Err != nil {
		return nil, r.Err
	}
	return llm.Finish(resp)
}

// Calls returns the requests seen so far.
func (p *Provider) Calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.calls...)
}

var _ llm.Provider = (*Provider)(nil)
