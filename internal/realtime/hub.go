package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config tunes the hub loop.
type Config struct {
	MatchTimeout  time.Duration
	SweepInterval time.Duration
	StoreTimeout  time.Duration
	InboundBuffer int
}

func (c Config) withDefaults() Config {
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 35 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 256
	}
	return c
}

// Sink receives encoded frames for one connection. Send must not block.
type Sink interface {
	Send(frame []byte) bool
}

// Observer is told about dispatch outcomes, typically to feed metrics.
type Observer interface {
	EventHandled(event string)
	EventRejected(event string)
	MatchMade()
	MatchTimedOut()
}

type nopObserver struct{}

func (nopObserver) EventHandled(string)  {}
func (nopObserver) EventRejected(string) {}
func (nopObserver) MatchMade()           {}
func (nopObserver) MatchTimedOut()       {}

type session struct {
	sink    Sink
	userID  int64
	tracked bool
	opened  time.Time
}

type handlerFunc func(conn uuid.UUID, data json.RawMessage) ([]Notification, error)

// Hub owns the connection registry, the rooms, presence and the match queue.
// All of that state is mutated by a single loop goroutine (Run); other
// goroutines talk to it through Submit, Connect and Do.
type Hub struct {
	store    Store
	logger   *slog.Logger
	cfg      Config
	sched    Scheduler
	validate *validator.Validate
	observer Observer
	now      func() time.Time
	handlers map[string]handlerFunc

	registry *Registry
	rooms    *Rooms
	presence *Presence
	queue    *Queue
	sessions map[uuid.UUID]*session
	pending  map[matchKey]*reservation
	requests map[matchKey]request
	ctx      context.Context

	requestSeq uint64

	inbound  chan Inbound
	tasks    chan func() []Notification
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Hub)

// WithScheduler replaces the scheduler used for collaborator calls.
func WithScheduler(s Scheduler) Option {
	return func(h *Hub) { h.sched = s }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func WithObserver(o Observer) Option {
	return func(h *Hub) { h.observer = o }
}

func NewHub(store Store, logger *slog.Logger, cfg Config, opts ...Option) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:    store,
		logger:   logger.With("component", "hub"),
		cfg:      cfg,
		validate: newValidator(),
		observer: nopObserver{},
		now:      time.Now,
		registry: NewRegistry(),
		rooms:    NewRooms(),
		presence: NewPresence(),
		queue:    NewQueue(),
		sessions: make(map[uuid.UUID]*session),
		pending:  make(map[matchKey]*reservation),
		requests: make(map[matchKey]request),
		ctx:      context.Background(),
		inbound:  make(chan Inbound, cfg.InboundBuffer),
		tasks:    make(chan func() []Notification, cfg.InboundBuffer),
		done:     make(chan struct{}),
	}
	h.sched = &loopScheduler{hub: h, timeout: cfg.StoreTimeout}
	for _, opt := range opts {
		opt(h)
	}
	h.handlers = map[string]handlerFunc{
		EventJoin:                h.handleJoin,
		EventLeave:               h.handleLeave,
		EventMessage:             h.handleMessage,
		EventMessageUpdate:       h.handleMessageUpdate,
		EventMessageDelete:       h.handleMessageDelete,
		EventTyping:              h.handleTyping,
		EventStartMatching:       h.handleStartMatching,
		EventStopMatching:        h.handleStopMatching,
		EventUpdateStatus:        h.handleUpdateStatus,
		EventConversationDeleted: h.handleConversationDeleted,
	}
	return h
}

// Run processes events until ctx is cancelled or Close is called.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer h.stop()
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	h.logger.Info("Hub started", "match_timeout", h.cfg.MatchTimeout, "sweep_interval", h.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub stopped", "reason", ctx.Err())
			return nil
		case <-h.done:
			h.logger.Info("Hub closed")
			return nil
		case in := <-h.inbound:
			h.deliver(h.Handle(in))
		case task := <-h.tasks:
			h.deliver(h.safely("task", task))
		case now := <-ticker.C:
			h.deliver(h.safely("sweep", func() []Notification { return h.Expire(now) }))
		}
	}
}

// Close stops the loop. Pending Submit, Connect and Do calls return ErrClosed.
func (h *Hub) Close() {
	h.stop()
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Submit queues an inbound event for the loop.
func (h *Hub) Submit(ctx context.Context, in Inbound) error {
	if h.closed() {
		return ErrClosed
	}
	select {
	case h.inbound <- in:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect queues the implicit disconnect of a connection.
func (h *Hub) Disconnect(conn uuid.UUID) {
	select {
	case h.inbound <- Inbound{Conn: conn, Event: EventDisconnect}:
	case <-h.done:
	}
}

// Do runs fn on the loop and waits for it. Notifications returned by fn are delivered.
func (h *Hub) Do(ctx context.Context, fn func() []Notification) error {
	if h.closed() {
		return ErrClosed
	}
	finished := make(chan struct{})
	task := func() []Notification {
		defer close(finished)
		return fn()
	}
	select {
	case h.tasks <- task:
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect attaches a sink and returns its connection id. userID binds the
// connection to an authenticated user (0 keeps it anonymous until it joins).
// Untracked connections never count towards presence.
func (h *Hub) Connect(ctx context.Context, sink Sink, userID int64, tracked bool) (uuid.UUID, error) {
	conn := uuid.New()
	err := h.Do(ctx, func() []Notification {
		return h.Open(conn, sink, userID, tracked)
	})
	return conn, err
}

// Open attaches a sink under conn. It must run on the loop. A tracked
// connection opened for a known user registers it right away.
func (h *Hub) Open(conn uuid.UUID, sink Sink, userID int64, tracked bool) []Notification {
	h.sessions[conn] = &session{sink: sink, opened: h.now(), tracked: tracked}
	h.logger.Debug("Connection opened", "conn", conn, "user_id", userID, "tracked", tracked)
	if userID == 0 {
		return nil
	}
	notes, err := h.identify(conn, userID)
	if err != nil {
		h.logger.Warn("Failed to bind connection", "conn", conn, "user_id", userID, "error", err)
	}
	return notes
}

// Handle dispatches one inbound event. It must run on the loop. Handler
// failures are turned into an error event for the originating connection.
func (h *Hub) Handle(in Inbound) (notes []Notification) {
	if in.Event == EventDisconnect {
		return h.safely(EventDisconnect, func() []Notification { return h.disconnect(in.Conn) })
	}
	if _, ok := h.sessions[in.Conn]; !ok {
		h.logger.Debug("Event from unknown connection dropped", "conn", in.Conn, "event", in.Event)
		return nil
	}
	handler, ok := h.handlers[in.Event]
	if !ok {
		return h.failure(in.Conn, in.Event, validationError("unknown event %q", in.Event))
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Handler panicked", "event", in.Event, "conn", in.Conn, "panic", r, "stack", string(debug.Stack()))
			notes = h.failure(in.Conn, in.Event, ErrInternal)
		}
	}()
	notes, err := handler(in.Conn, in.Data)
	if err != nil {
		return h.failure(in.Conn, in.Event, err)
	}
	h.observer.EventHandled(in.Event)
	return notes
}

func (h *Hub) safely(name string, fn func() []Notification) (notes []Notification) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Loop task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			notes = nil
		}
	}()
	return fn()
}

func (h *Hub) post(task func() []Notification) {
	select {
	case h.tasks <- task:
	case <-h.done:
	}
}

// deliver encodes each notification once and hands it to the targeted sinks.
// Broadcasts skip untracked connections.
func (h *Hub) deliver(notes []Notification) {
	for _, note := range notes {
		frame, err := json.Marshal(Envelope{Event: note.Event, Data: note.Payload})
		if err != nil {
			h.logger.Error("Failed to encode notification", "event", note.Event, "error", err)
			continue
		}
		if note.Broadcast {
			for conn, s := range h.sessions {
				if s.tracked {
					h.send(conn, s, note.Event, frame)
				}
			}
			continue
		}
		for _, conn := range note.Targets {
			if s, ok := h.sessions[conn]; ok {
				h.send(conn, s, note.Event, frame)
			}
		}
	}
}

func (h *Hub) send(conn uuid.UUID, s *session, event string, frame []byte) {
	if !s.sink.Send(frame) {
		h.logger.Warn("Dropped frame for slow connection", "conn", conn, "event", event)
	}
}

// Sessions returns the number of attached connections. It must run on the loop.
func (h *Hub) Sessions() int {
	return len(h.sessions)
}

// RoomExists reports whether a room currently has members.
func (h *Hub) RoomExists(ctx context.Context, id RoomID) (bool, error) {
	var exists bool
	err := h.Do(ctx, func() []Notification {
		exists = h.rooms.Exists(id)
		return nil
	})
	return exists, err
}
