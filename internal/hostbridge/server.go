// Package hostbridge connects caption hosts to overlay engines over
// WebSocket.
//
// Every connection gets its own [engine.Engine]. The host mirrors its caption
// tree with a snapshot followed by mutate messages, and forwards key and
// pointer gestures on nodes. The engine answers with patches describing its
// own edits, panel states and audio clips to play.
//
// Node refs are strings. Hosts choose the refs of the nodes they create; refs
// of engine-created nodes start with "lx:". A children patch lists the
// complete child list of a node in order: entries carrying only an ID refer
// to nodes the host already has, entries with a kind are new subtrees. Nodes
// missing from the list are gone. Applying the same patch twice is
// harmless.
package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lexicaption/internal/engine"
	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/pkg/audio"
	"github.com/MrWong99/lexicaption/pkg/enrich"
)

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics records bridge and engine metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithProviderName labels lookup metrics with name.
func WithProviderName(name string) Option {
	return func(s *Server) { s.provider = name }
}

// WithFetcher enables pronunciation playback with clips loaded through f.
// Clips are cached in one cache shared by every connection; cacheSize <= 0
// keeps every clip until it fails to play.
func WithFetcher(f audio.Fetcher, cacheSize int) Option {
	return func(s *Server) {
		s.fetcher = f
		s.cache = audio.NewCache(cacheSize)
	}
}

// WithOriginPatterns sets the host origins allowed to connect, as accepted
// by [websocket.AcceptOptions]. Same-origin requests are always allowed.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithSendBuffer sets how many outbound messages may queue per connection
// before a slow host is disconnected. Defaults to 256.
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

// WithTimeouts sets the per-message write timeout and how long playback
// waits for the host's ack.
func WithTimeouts(write, ack time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = write
		s.ackTimeout = ack
	}
}

// WithReadLimit caps the size of one inbound message. Defaults to 1 MiB.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithEngineOptions adds options to every engine the server creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(s *Server) { s.engineOpts = append(s.engineOpts, opts...) }
}

// Server accepts host connections. It implements [http.Handler].
type Server struct {
	cfg        engine.Config
	enricher   enrich.Enricher
	engineOpts []engine.Option

	log      *slog.Logger
	metrics  *observe.Metrics
	provider string

	fetcher audio.Fetcher
	cache   *audio.Cache

	origins      []string
	sendBuffer   int
	writeTimeout time.Duration
	ackTimeout   time.Duration
	readLimit    int64

	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closed   bool
	live     map[uint64]*session
	sessions sync.WaitGroup
	nextID   atomic.Uint64
	active   atomic.Int64
}

// NewServer returns a server that runs one engine per connection, serving
// lookups with e.
func NewServer(cfg engine.Config, e enrich.Enricher, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hostbridge: %w", err)
	}
	if e == nil {
		return nil, errors.New("hostbridge: enricher must not be nil")
	}
	s := &Server{
		cfg:          cfg,
		enricher:     e,
		log:          slog.Default(),
		provider:     "default",
		sendBuffer:   256,
		writeTimeout: 5 * time.Second,
		ackTimeout:   15 * time.Second,
		readLimit:    1 << 20,
		live:         make(map[uint64]*session),
	}
	for _, o := range opts {
		o(s)
	}
	s.base, s.stop = context.WithCancel(context.Background())
	return s, nil
}

// Active returns the number of connected hosts.
func (s *Server) Active() int { return int(s.active.Load()) }

// ServeHTTP upgrades the request and serves the host until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.base.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("hostbridge: accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	stop := context.AfterFunc(s.base, func() { cancel(errServerShutdown) })
	defer stop()

	sess, err := s.newSession(conn)
	if err != nil {
		s.log.Error("hostbridge: create session", "err", err)
		conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}
	s.mu.Lock()
	s.live[sess.id] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.live, sess.id)
		s.mu.Unlock()
	}()

	s.active.Add(1)
	if s.metrics != nil {
		s.metrics.ActiveClients.Add(ctx, 1)
	}
	trace.SpanFromContext(ctx).SetAttributes(observe.AttrSessionID.String(sess.key))
	sess.log.Info("hostbridge: host connected", "remote", r.RemoteAddr)

	err = sess.run(ctx)

	s.active.Add(-1)
	if s.metrics != nil {
		s.metrics.ActiveClients.Add(context.Background(), -1)
	}

	if err != nil {
		sess.log.Warn("hostbridge: session ended", "err", err)
	}
	sess.log.Info("hostbridge: host disconnected")
}

func (s *Server) newSession(conn *websocket.Conn) (*session, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	sess := &session{
		id:           s.nextID.Add(1),
		key:          uuid.NewString(),
		conn:         conn,
		mirror:       newMirror(),
		metrics:      s.metrics,
		out:          make(chan []byte, s.sendBuffer),
		writeTimeout: s.writeTimeout,
		ackTimeout:   s.ackTimeout,
		acks:         make(map[uint64]chan error),
	}
	sess.log = s.log.With("session", sess.key)

	opts := []engine.Option{
		engine.WithRenderer(sess),
		engine.WithLogger(sess.log),
		engine.WithProviderName(s.provider),
	}
	if s.metrics != nil {
		opts = append(opts, engine.WithMetrics(s.metrics))
	}
	if s.fetcher != nil {
		svcOpts := []audio.Option{audio.WithCache(s.cache), audio.WithLogger(sess.log)}
		if s.metrics != nil {
			svcOpts = append(svcOpts, audio.WithRecorder(s.metrics))
		}
		opts = append(opts, engine.WithAudio(audio.NewService(s.fetcher, sess, svcOpts...)))
	}
	opts = append(opts, s.engineOpts...)

	eng, err := engine.New(cfg, s.enricher, opts...)
	if err != nil {
		return nil, err
	}
	sess.eng = eng
	sess.attach()
	return sess, nil
}

func (s *Server) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.live))
	for _, sess := range s.live {
		out = append(out, sess)
	}
	return out
}

// SetTimings changes the debounce delays of every connected engine and of
// engines created from now on. Timers already pending keep their delay.
func (s *Server) SetTimings(ctx context.Context, newDelay, updateDelay, sweepDelay time.Duration) error {
	s.mu.Lock()
	s.cfg.Reconcile.NewDelay = newDelay
	s.cfg.Reconcile.UpdateDelay = updateDelay
	s.cfg.Reconcile.SweepDelay = sweepDelay
	s.mu.Unlock()

	var errs []error
	for _, sess := range s.snapshot() {
		if err := sess.eng.SetTimings(ctx, newDelay, updateDelay, sweepDelay); err != nil && !errors.Is(err, sched.ErrLoopClosed) {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("hostbridge: set timings: %w", err)
	}
	return nil
}

// Check reports whether the server still accepts hosts. A session whose
// engine stops ends and leaves the server, so only shutdown fails it.
func (s *Server) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("hostbridge: shutting down")
	}
	return nil
}

// Shutdown ends every session and waits for them, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hostbridge: shutdown: %w", ctx.Err())
	}
}
