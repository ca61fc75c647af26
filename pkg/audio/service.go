package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Recorder receives cache outcomes ("hit", "miss", "evict"). observe.Metrics
// satisfies it.
type Recorder interface {
	RecordAudioCache(ctx context.Context, result string)
}

// Option is a functional option for [NewService].
type Option func(*Service)

// WithCache sets the cache. Defaults to an unbounded one.
func WithCache(c *Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithRecorder reports cache outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.rec = r }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service plays clips by locator, caching what it fetched.
type Service struct {
	fetcher Fetcher
	player  Player
	cache   *Cache
	rec     Recorder
	log     *slog.Logger
}

// NewService returns a service fetching with f and playing with p.
func NewService(f Fetcher, p Player, opts ...Option) *Service {
	s := &Service{fetcher: f, player: p, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = NewCache(0)
	}
	return s
}

// Cache returns the service's cache.
func (s *Service) Cache() *Cache { return s.cache }

// Play plays the clip at locator. A cached clip that fails to play is evicted
// and replaced by a fresh fetch, which is played once more.
func (s *Service) Play(ctx context.Context, locator string) error {
	if locator == "" {
		return fmt.Errorf("audio: play: %w: empty locator", ErrTransport)
	}
	if r, ok := s.cache.Get(locator); ok {
		s.record(ctx, "hit")
		err := s.player.Play(ctx, r)
		if err == nil {
			return nil
		}
		s.log.Debug("audio: cached clip failed, refetching", "locator", locator, "err", err)
		s.cache.Evict(locator)
		s.record(ctx, "evict")
	} else {
		s.record(ctx, "miss")
	}

	r, err := s.Load(ctx, locator)
	if err != nil {
		return err
	}
	if err := s.player.Play(ctx, r); err != nil {
		return fmt.Errorf("audio: play %q: %w: %w", locator, ErrPlayback, err)
	}
	return nil
}

// Load fetches locator, bypassing and then refreshing the cache.
func (s *Service) Load(ctx context.Context, locator string) (Resource, error) {
	data, ct, err := s.fetcher.Fetch(ctx, locator)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return Resource{}, fmt.Errorf("audio: fetch %q: %w", locator, err)
	}
	if ct == "" {
		ct = DefaultContentType
	}
	r := Resource{Locator: locator, Data: data, ContentType: ct}
	s.cache.Put(r)
	return r, nil
}

func (s *Service) record(ctx context.Context, result string) {
	if s.rec != nil {
		s.rec.RecordAudioCache(ctx, result)
	}
}
