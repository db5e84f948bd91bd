package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"worldchat/internal/storage"
)

// fakeStore keeps users and conversations in memory.
type fakeStore struct {
	mu            sync.Mutex
	users         map[int64]*storage.User
	conversations []*storage.Conversation
	statuses      []StatusChange
	createErr     error
	betweenErr    error
	createCalls   int
	// beforeCreate runs ahead of every CreateConversation, outside the lock.
	beforeCreate func()
}

func newFakeStore(users ...*storage.User) *fakeStore {
	s := &fakeStore{users: make(map[int64]*storage.User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func user(id int64, name, kind string) *storage.User {
	return &storage.User{ID: id, Username: name, Type: kind, Languages: []string{"fr"}, Status: StatusOffline}
}

func (s *fakeStore) GetUserByID(_ context.Context, id int64) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	clone := *u
	return &clone, nil
}

func (s *fakeStore) UpdateUserStatus(_ context.Context, id int64, status string, isManual bool) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	u.Status = status
	u.StatusIsManual = isManual && pinnable(status)
	s.statuses = append(s.statuses, StatusChange{UserID: id, Status: status, IsManual: isManual})
	clone := *u
	return &clone, nil
}

func (s *fakeStore) FindActiveConversation(_ context.Context, userID int64, language string) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.Involves(userID) && c.Language == language && c.Status != storage.ConversationEnded {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindConversationBetween(_ context.Context, a, b int64, language string) (*storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.betweenErr != nil {
		return nil, s.betweenErr
	}
	for _, c := range s.conversations {
		if c.Involves(a) && c.Involves(b) && c.Language == language && c.Status != storage.ConversationEnded {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreateConversation(_ context.Context, in storage.NewConversation) (*storage.Conversation, error) {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	c := &storage.Conversation{
		ID:        int64(len(s.conversations) + 1),
		StudentID: in.StudentID,
		TeacherID: in.TeacherID,
		Language:  in.Language,
		Status:    in.Status,
		CreatedAt: time.Now(),
	}
	s.conversations = append(s.conversations, c)
	return c, nil
}

func (s *fakeStore) Conversations() []*storage.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.Conversation(nil), s.conversations...)
}

var errStoreDown = errors.New("store down")

// queuedScheduler parks awaited work until the test runs it, so other events
// can be interleaved while a handler is suspended.
type queuedScheduler struct {
	pending []func() []Notification
}

func (s *queuedScheduler) Await(ctx context.Context, work func(ctx context.Context) error, resume Resume) []Notification {
	s.pending = append(s.pending, func() []Notification {
		return resume(work(ctx))
	})
	return nil
}

// Step runs the oldest parked work and its resume.
func (s *queuedScheduler) Step() []Notification {
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next()
}

// Drain runs parked work until nothing is left.
func (s *queuedScheduler) Drain() []Notification {
	var notes []Notification
	for len(s.pending) > 0 {
		notes = append(notes, s.Step()...)
	}
	return notes
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (s *recordingSink) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]string, 0, len(s.frames))
	for _, frame := range s.frames {
		var env struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(frame, &env)
		events = append(events, env.Event)
	}
	return events
}

func newTestHub(store Store, opts ...Option) *Hub {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	opts = append([]Option{WithScheduler(InlineScheduler{})}, opts...)
	return NewHub(store, log, Config{MatchTimeout: 35 * time.Second}, opts...)
}

func openConn(h *Hub) uuid.UUID {
	conn := uuid.New()
	h.Open(conn, &recordingSink{}, 0, true)
	return conn
}

func inbound(t *testing.T, conn uuid.UUID, event string, payload any) Inbound {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Inbound{Conn: conn, Event: event, Data: data}
}

func startMatching(t *testing.T, h *Hub, conn uuid.UUID, userID int64, language, role string) []Notification {
	t.Helper()
	return h.Handle(inbound(t, conn, EventStartMatching, StartMatchingPayload{UserID: userID, Language: language, UserType: role}))
}

func only(notes []Notification, event string) []Notification {
	var out []Notification
	for _, n := range notes {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

func sentTo(notes []Notification, conn uuid.UUID, event string) []Notification {
	var out []Notification
	for _, n := range only(notes, event) {
		for _, target := range n.Targets {
			if target == conn {
				out = append(out, n)
				break
			}
		}
	}
	return out
}
