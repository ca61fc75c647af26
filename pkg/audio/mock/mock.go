// Package mock provides recording test doubles for audio.Fetcher and
// audio.Player.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lexicaption/pkg/audio"
)

// Fetcher serves fixed bytes per locator and records every fetch.
type Fetcher struct {
	mu sync.Mutex

	// Data maps locators to clip bytes. Unknown locators return Err or
	// audio.ErrTransport.
	Data map[string][]byte

	// ContentType is reported for every clip.
	ContentType string

	// Err, if non-nil, is returned for every fetch.
	Err error

	calls []string
}

// Fetch implements audio.Fetcher.
func (f *Fetcher) Fetch(_ context.Context, locator string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, locator)
	if f.Err != nil {
		return nil, "", f.Err
	}
	data, ok := f.Data[locator]
	if !ok {
		return nil, "", audio.ErrTransport
	}
	return data, f.ContentType, nil
}

// Calls returns the fetched locators in order.
func (f *Fetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Player records played resources. FailNext makes the next n calls fail.
type Player struct {
	mu sync.Mutex

	// Err is returned by failing calls. Defaults to audio.ErrPlayback.
	Err error

	failNext int
	played   []audio.Resource
	failed   int
}

// FailNext makes the next n Play calls fail.
func (p *Player) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// Play implements audio.Player.
func (p *Player) Play(_ context.Context, r audio.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		p.failed++
		if p.Err != nil {
			return p.Err
		}
		return audio.ErrPlayback
	}
	p.played = append(p.played, r)
	return nil
}

// Played returns the successfully played resources in order.
func (p *Player) Played() []audio.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Resource(nil), p.played...)
}

// Failed returns the number of failed Play calls.
func (p *Player) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

var (
	_ audio.Fetcher = (*Fetcher)(nil)
	_ audio.Player  = (*Player)(nil)
)
