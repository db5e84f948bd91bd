package internal

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"worldchat/internal/auth"
	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

// Store is everything the HTTP layer and the hub read and write.
// *storage.Store and *cache.Store both satisfy it.
type Store interface {
	realtime.Store
	CreateUser(ctx context.Context, in storage.NewUser) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*storage.User, error)
	ListUsersByLanguage(ctx context.Context, language string) ([]storage.User, error)
	UpdatePassword(ctx context.Context, userID int64, newHash []byte) error

	GetConversation(ctx context.Context, id int64) (*storage.Conversation, error)
	ListConversationsByUser(ctx context.Context, userID int64) ([]storage.Conversation, error)
	EndConversation(ctx context.Context, id int64) (*storage.Conversation, error)
	DeleteConversation(ctx context.Context, id int64) ([]string, error)

	CreateMessage(ctx context.Context, conversationID, senderID int64, content string) (*storage.Message, error)
	GetMessage(ctx context.Context, id int64) (*storage.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]storage.Message, error)
	UpdateMessage(ctx context.Context, id int64, content string) (*storage.Message, error)
	DeleteMessage(ctx context.Context, id int64) ([]string, error)

	CreateContact(ctx context.Context, userID, otherID int64, conversationID *int64) (*storage.Contact, error)
	GetContact(ctx context.Context, id int64) (*storage.Contact, error)
	ListContacts(ctx context.Context, userID int64) ([]storage.Contact, error)
	UpdateContactStatus(ctx context.Context, id int64, status string) (*storage.Contact, error)

	CreateImage(ctx context.Context, in storage.Image) (*storage.Image, error)
	GetImage(ctx context.Context, id int64) (*storage.Image, error)
}

var errUnauthorized = errors.New("unauthorized")

// ServerOptions carries the collaborators of a Server.
type ServerOptions struct {
	Store        Store
	Hub          *realtime.Hub
	Issuer       *auth.Issuer
	Metrics      *Metrics
	Logger       *slog.Logger
	UploadDir    string
	MaxImageSize int64
	MatchTimeout time.Duration
	SendBuffer   int
}

// Server serves the REST API and the websocket endpoint on top of a running hub.
type Server struct {
	store        Store
	hub          *realtime.Hub
	issuer       *auth.Issuer
	metrics      *Metrics
	logger       *slog.Logger
	validate     *validator.Validate
	authLimiter  *RateLimiter
	eventLimiter *RateLimiter
	uploadDir    string
	maxImageSize int64
	matchTimeout time.Duration
	sendBuffer   int
}

func NewServer(opts ServerOptions) *Server {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = 10 << 20
	}
	if opts.MatchTimeout <= 0 {
		opts.MatchTimeout = 35 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Server{
		store:        opts.Store,
		hub:          opts.Hub,
		issuer:       opts.Issuer,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "http"),
		validate:     newValidator(),
		authLimiter:  NewRateLimiter(10, time.Minute),
		eventLimiter: NewRateLimiter(20, 3*time.Second),
		uploadDir:    opts.UploadDir,
		maxImageSize: opts.MaxImageSize,
		matchTimeout: opts.MatchTimeout,
		sendBuffer:   opts.SendBuffer,
	}
}

// Routes mounts every endpoint. wsPath is where websocket clients connect.
func (s *Server) Routes(wsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+wsPath, s.ServeWS)

	mux.HandleFunc("POST /api/auth/signup", s.HandleSignup)
	mux.HandleFunc("POST /api/auth/login", s.HandleLogin)
	mux.Handle("PUT /api/auth/password", s.authenticated(s.HandlePasswordChange))

	mux.Handle("GET /api/users", s.authenticated(s.HandleListUsers))
	mux.Handle("GET /api/users/{id}", s.authenticated(s.HandleGetUser))
	mux.Handle("PUT /api/users/{id}/status", s.authenticated(s.HandleUpdateStatus))

	mux.Handle("GET /api/conversations", s.authenticated(s.HandleListConversations))
	mux.Handle("GET /api/conversations/{id}", s.authenticated(s.HandleGetConversation))
	mux.Handle("POST /api/conversations/{id}/end", s.authenticated(s.HandleEndConversation))
	mux.Handle("DELETE /api/conversations/{id}", s.authenticated(s.HandleDeleteConversation))
	mux.Handle("GET /api/conversations/{id}/messages", s.authenticated(s.HandleListMessages))
	mux.Handle("POST /api/conversations/{id}/messages", s.authenticated(s.HandleCreateMessage))
	mux.Handle("PUT /api/messages/{id}", s.authenticated(s.HandleUpdateMessage))
	mux.Handle("DELETE /api/messages/{id}", s.authenticated(s.HandleDeleteMessage))

	mux.Handle("GET /api/contacts", s.authenticated(s.HandleListContacts))
	mux.Handle("POST /api/contacts", s.authenticated(s.HandleCreateContact))
	mux.Handle("PUT /api/contacts/{id}", s.authenticated(s.HandleUpdateContact))

	mux.Handle("POST /api/images", s.authenticated(s.HandleImageUpload))
	mux.Handle("GET /api/images/{id}", s.authenticated(s.HandleImageDownload))

	mux.Handle("POST /api/matching/start", s.authenticated(s.HandleStartMatching))

	mux.HandleFunc("GET /exists", s.HandleRoomExists)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// authenticated rejects requests without a valid bearer token and stores
// the token's claims in the request context.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.issuer.Verify(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func caller(r *http.Request) *auth.Claims {
	claims, _ := auth.ClaimsFrom(r.Context())
	return claims
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
