package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "worldchat/internal"
	"worldchat/internal/auth"
	"worldchat/internal/cache"
	"worldchat/internal/realtime"
	"worldchat/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	hub    *realtime.Hub
	cache  *cache.Cache
	store  *storage.Store
	logger *slog.Logger
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits and its resources are released.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store and the badger cache, runs migrations,
// starts the hub loop and serves the API in the background. Call Stop/Wait to
// manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(filepath.Dir(cfg.DBPath), "uploads")
	}
	if cfg.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
		logger.Warn("No WORLDCHAT_JWT_SECRET set, tokens will not survive a restart")
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	userCache, err := cache.Open(cfg.CachePath, cfg.CacheTTL, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	cachedStore := cache.NewStore(store, userCache)

	metrics := intrnl.NewMetrics()
	hub := realtime.NewHub(cachedStore, logger, realtime.Config{
		MatchTimeout:  cfg.MatchTimeout,
		SweepInterval: cfg.SweepInterval,
		InboundBuffer: cfg.InboundBuffer,
	}, realtime.WithObserver(metrics))

	server := intrnl.NewServer(intrnl.ServerOptions{
		Store:        cachedStore,
		Hub:          hub,
		Issuer:       issuer,
		Metrics:      metrics,
		Logger:       logger,
		UploadDir:    cfg.UploadDir,
		MaxImageSize: cfg.MaxImageSize,
		MatchTimeout: cfg.MatchTimeout,
		SendBuffer:   cfg.SendBuffer,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(cfg.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = userCache.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		hub:    hub,
		cache:  userCache,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
	}

	hubCtx, cancelHub := context.WithCancel(context.Background())
	go func() {
		if err := hub.Run(hubCtx); err != nil {
			logger.Error("Hub stopped with error", "error", err)
		}
	}()

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server shutdown error", "error", err)
		}
	}()

	go handle.serve(listener, cancelHub)

	logger.Info("WorldChat server listening", "addr", handle.addr, "ws_path", cfg.Path, "db", cfg.DBPath)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener, cancelHub context.CancelFunc) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancelHub()
	h.hub.Close()
	if err := h.cache.Close(); err != nil {
		h.logger.Error("Cache close error", "error", err)
	}
	if err := h.store.Close(); err != nil {
		h.logger.Error("Store close error", "error", err)
	}
	h.err = err
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
