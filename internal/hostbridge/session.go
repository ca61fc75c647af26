package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lexicaption/internal/engine"
	"github.com/MrWong99/lexicaption/internal/observe"
	"github.com/MrWong99/lexicaption/internal/panel"
	"github.com/MrWong99/lexicaption/internal/sched"
	"github.com/MrWong99/lexicaption/pkg/audio"
	"github.com/MrWong99/lexicaption/pkg/dom"
	"github.com/MrWong99/lexicaption/pkg/lexical"
)

var (
	// errSessionDone ends a session normally.
	errSessionDone = errors.New("hostbridge: session done")

	// errServerShutdown is the cancel cause when the server stops.
	errServerShutdown = errors.New("hostbridge: server shutting down")

	// errSlowConsumer is the cancel cause when the host does not keep up
	// with outbound messages.
	errSlowConsumer = errors.New("hostbridge: host is not reading")
)

// session binds one connection to one engine. It is the engine's panel
// renderer and audio player.
type session struct {
	id      uint64
	key     string
	conn    *websocket.Conn
	eng     *engine.Engine
	mirror  *mirror
	log     *slog.Logger
	metrics *observe.Metrics

	out          chan []byte
	writeTimeout time.Duration
	ackTimeout   time.Duration
	cancel       context.CancelCauseFunc

	mu        sync.Mutex
	nextAudio uint64
	acks      map[uint64]chan error

	plays sync.WaitGroup
}

var (
	_ panel.Renderer = (*session)(nil)
	_ audio.Player   = (*session)(nil)
)

// run serves the connection until the host leaves, ctx ends or a loop fails.
// The connection is closed with a status matching the cause before run
// returns.
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	defer cancel(nil)

	cfg := s.eng.Config()
	if err := s.send(TypeHello, HelloMessage{
		Type:             TypeHello,
		Session:          s.key,
		ContainerClasses: cfg.Reconcile.ContainerClasses,
		TokenClass:       cfg.Reconcile.TokenClass,
		SelectedClass:    cfg.SelectedClass,
		ModifierKey:      cfg.ModifierKey,
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.eng.Run(gctx); err != nil {
			return err
		}
		return errSessionDone
	})
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		status, reason := closeStatus(context.Cause(gctx))
		s.conn.Close(status, reason)
		return nil
	})

	err := g.Wait()
	s.plays.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, errSlowConsumer) {
		return cause
	}
	if errors.Is(err, errSessionDone) || errors.Is(err, errServerShutdown) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func closeStatus(cause error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(cause, errSlowConsumer):
		return websocket.StatusPolicyViolation, "outbound queue full"
	case errors.Is(cause, errServerShutdown):
		return websocket.StatusGoingAway, "server shutting down"
	case cause == nil, errors.Is(cause, errSessionDone), errors.Is(cause, context.Canceled):
		return websocket.StatusNormalClosure, ""
	default:
		return websocket.StatusInternalError, "session failed"
	}
}

// attach wires the session into the engine. It must be called before run.
func (s *session) attach() {
	s.eng.AddListener(func(b dom.Batch) {
		if ops := s.mirror.patch(b); len(ops) > 0 {
			_ = s.send(TypePatch, PatchMessage{Type: TypePatch, Ops: ops})
		}
	})
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// send queues v without blocking. A full queue ends the session.
func (s *session) send(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("hostbridge: marshal %s: %w", typ, err)
	}
	select {
	case s.out <- data:
		if s.metrics != nil {
			s.metrics.RecordBridgeMessage(context.Background(), "out", typ)
		}
		return nil
	default:
		s.log.Warn("hostbridge: outbound queue full, closing session", "type", typ)
		if s.cancel != nil {
			s.cancel(errSlowConsumer)
		}
		return errSlowConsumer
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-s.out:
			// A cancelled write context tears the connection down; the
			// closer goroutine owns shutting it.
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("hostbridge: write: %w", err)
			}
		}
	}
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// readLoop returns once the connection closes. Reads are not bound to ctx,
// so that the closer can complete the closing handshake.
func (s *session) readLoop(ctx context.Context) error {
	rctx := context.WithoutCancel(ctx)
	for {
		_, data, err := s.conn.Read(rctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errSessionDone
			}
			return fmt.Errorf("hostbridge: read: %w", err)
		}
		if err := s.handle(ctx, data); err != nil {
			if errors.Is(err, sched.ErrLoopClosed) {
				return errSessionDone
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Debug("hostbridge: message rejected", "err", err)
			_ = s.send(TypeError, ErrorMessage{Type: TypeError, Message: err.Error()})
		}
	}
}

func (s *session) handle(ctx context.Context, data []byte) error {
	env, err := decode[envelope](data)
	if err != nil {
		return fmt.Errorf("hostbridge: decode: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordBridgeMessage(ctx, "in", env.Type)
	}

	switch env.Type {
	case TypeSnapshot:
		msg, err := decode[SnapshotMessage](data)
		if err != nil {
			return fmt.Errorf("hostbridge: decode snapshot: %w", err)
		}
		return s.eng.ApplyHost(ctx, func(doc *dom.Document) error {
			return s.mirror.reset(doc, msg.Nodes)
		})

	case TypeMutate:
		msg, err := decode[MutateMessage](data)
		if err != nil {
			return fmt.Errorf("hostbridge: decode mutate: %w", err)
		}
		return s.eng.ApplyHost(ctx, func(doc *dom.Document) error {
			for i, op := range msg.Ops {
				if err := s.mirror.apply(doc, op); err != nil {
					return fmt.Errorf("op %d: %w", i, err)
				}
			}
			return nil
		})

	case TypeKeyDown, TypeKeyUp:
		msg, err := decode[KeyMessage](data)
		if err != nil {
			return fmt.Errorf("hostbridge: decode key: %w", err)
		}
		if env.Type == TypeKeyDown {
			return s.eng.KeyDown(ctx, msg.Key)
		}
		return s.eng.KeyUp(ctx, msg.Key)

	case TypeBlur:
		return s.eng.Blur(ctx)

	case TypeHover, TypeClick:
		msg, err := decode[PointerMessage](data)
		if err != nil {
			return fmt.Errorf("hostbridge: decode pointer: %w", err)
		}
		id, err := s.mirror.nodeID(msg.Node)
		if err != nil {
			return err
		}
		if env.Type == TypeHover {
			return s.eng.Hover(ctx, id)
		}
		_, _, err = s.eng.Click(ctx, id)
		return err

	case TypeDismiss:
		return s.eng.Dismiss(ctx)

	case TypePlay:
		msg, err := decode[PlayMessage](data)
		if err != nil {
			return fmt.Errorf("hostbridge: decode play: %w", err)
		}
		// Playback waits for an ack that arrives on this read loop.
		s.plays.Add(1)
		go func() {
			defer s.plays.Done()
			s.play(ctx, msg.Locator)
		}()
		return nil

	case TypeAudioAck:
		msg, err := decode[AudioAckMessage](data)
		if err != nil {
			return fmt.Errorf("hostbridge: decode audio ack: %w", err)
		}
		return s.resolveAck(msg)

	default:
		return fmt.Errorf("hostbridge: unknown message type %q", env.Type)
	}
}

func (s *session) play(ctx context.Context, locator string) {
	res := PlayResultMessage{Type: TypePlayResult, Locator: locator, OK: true}
	if err := s.eng.PlayAudio(ctx, locator); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("hostbridge: playback failed", "locator", locator, "err", err)
		res.OK = false
		res.Error = playMessage(err)
	}
	_ = s.send(TypePlayResult, res)
}

func playMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrNoAudio):
		return "Audio is not available."
	case errors.Is(err, audio.ErrTransport):
		return "Could not load audio."
	default:
		return "Could not play audio."
	}
}

// ── panel.Renderer ───────────────────────────────────────────────────────────

func (s *session) anchor(a panel.Anchor) string {
	if a.NodeID == 0 {
		return ""
	}
	return s.mirror.anchorRef(a.NodeID)
}

func (s *session) ShowLoading(a panel.Anchor, query string) {
	_ = s.send(TypePanel, PanelMessage{Type: TypePanel, State: PanelLoading, Anchor: s.anchor(a), Text: a.Text, Query: query})
}

func (s *session) ShowEntry(a panel.Anchor, e *lexical.Entry) {
	_ = s.send(TypePanel, PanelMessage{Type: TypePanel, State: PanelEntry, Anchor: s.anchor(a), Text: a.Text, Entry: e})
}

func (s *session) ShowError(a panel.Anchor, msg string) {
	_ = s.send(TypePanel, PanelMessage{Type: TypePanel, State: PanelError, Anchor: s.anchor(a), Text: a.Text, Message: msg})
}

func (s *session) Close() {
	_ = s.send(TypePanel, PanelMessage{Type: TypePanel, State: PanelClosed})
}

// ── audio.Player ─────────────────────────────────────────────────────────────

// Play sends r to the host and waits for its ack.
func (s *session) Play(ctx context.Context, r audio.Resource) error {
	s.mu.Lock()
	s.nextAudio++
	id := s.nextAudio
	ack := make(chan error, 1)
	s.acks[id] = ack
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.acks, id)
		s.mu.Unlock()
	}()

	if err := s.send(TypeAudio, AudioMessage{
		Type:        TypeAudio,
		ID:          id,
		Locator:     r.Locator,
		ContentType: r.ContentType,
		Data:        r.Data,
	}); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrPlayback, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: no ack: %w", audio.ErrPlayback, ctx.Err())
	}
}

func (s *session) resolveAck(msg AudioAckMessage) error {
	s.mu.Lock()
	ack, ok := s.acks[msg.ID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostbridge: no pending audio %d", msg.ID)
	}
	var err error
	if !msg.OK {
		err = fmt.Errorf("%w: host: %s", audio.ErrPlayback, msg.Error)
	}
	select {
	case ack <- err:
	default:
	}
	return nil
}
