// Package audio plays pronunciation clips referenced by audio locators in
// lexical entries.
//
// Clips are fetched once through a [Fetcher], kept in a [Cache] and handed to
// a [Player]. When playing a cached clip fails the entry is evicted and the
// clip fetched and played again, once; a second failure is reported.
package audio

import (
	"context"
	"errors"
)

// DefaultContentType is assumed when a fetcher reports none.
const DefaultContentType = "audio/mpeg"

var (
	// ErrTransport marks failures fetching a clip, including non-2xx HTTP
	// statuses.
	ErrTransport = errors.New("audio: fetch failed")

	// ErrPlayback marks failures of the player.
	ErrPlayback = errors.New("audio: playback failed")
)

// Resource is a materialized clip.
type Resource struct {
	Locator     string `json:"locator"`
	Data        []byte `json:"-"`
	ContentType string `json:"contentType"`
}

// Fetcher retrieves the bytes a locator points at.
//
// Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (data []byte, contentType string, err error)
}

// Player plays a resource and returns once playback has started or failed.
//
// Implementations must be safe for concurrent use.
type Player interface {
	Play(ctx context.Context, r Resource) error
}

// FetcherFunc adapts a function to [Fetcher].
type FetcherFunc func(ctx context.Context, locator string) ([]byte, string, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, locator string) ([]byte, string, error) {
	return f(ctx, locator)
}

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(ctx context.Context, r Resource) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, r Resource) error {
	return f(ctx, r)
}
