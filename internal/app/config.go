package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr          string        `env:"WORLDCHAT_ADDR,default=:8080"`
	Path          string        `env:"WORLDCHAT_WS_PATH,default=/ws"`
	DBPath        string        `env:"WORLDCHAT_DB_PATH"`
	CachePath     string        `env:"WORLDCHAT_CACHE_PATH"`
	CacheTTL      time.Duration `env:"WORLDCHAT_CACHE_TTL,default=5m"`
	UploadDir     string        `env:"WORLDCHAT_UPLOAD_DIR"`
	MaxImageSize  int64         `env:"WORLDCHAT_MAX_IMAGE_SIZE,default=10485760"`
	JWTSecret     string        `env:"WORLDCHAT_JWT_SECRET"`
	TokenTTL      time.Duration `env:"WORLDCHAT_TOKEN_TTL,default=24h"`
	MatchTimeout  time.Duration `env:"WORLDCHAT_MATCH_TIMEOUT,default=35s"`
	SweepInterval time.Duration `env:"WORLDCHAT_MATCH_SWEEP_INTERVAL,default=1s"`
	InboundBuffer int           `env:"WORLDCHAT_INBOUND_BUFFER,default=256"`
	SendBuffer    int           `env:"WORLDCHAT_SEND_BUFFER,default=256"`
	LogLevel      string        `env:"WORLDCHAT_LOG_LEVEL,default=INFO"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string `envconfig:"WORLDCHAT_SERVER" default:"ws://localhost:8080/ws"`
	Email       string `envconfig:"WORLDCHAT_EMAIL"`
	Language    string `envconfig:"WORLDCHAT_LANGUAGE"`
	SessionPath string `envconfig:"WORLDCHAT_SESSION_PATH"`
}

// LoadServerConfig reads the optional .env files, then the WORLDCHAT_*
// environment. Empty paths fall back to the per-user data directory.
func LoadServerConfig(envFiles ...string) (ServerConfig, error) {
	// A missing .env is fine.
	_ = godotenv.Load(envFiles...)

	var cfg ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config error: %w", err)
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	dataDir := filepath.Dir(cfg.DBPath)
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(dataDir, "cache")
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(dataDir, "uploads")
	}
	return cfg, nil
}

func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = filepath.Join(DefaultDataDir(), "session.json")
	}
	return cfg, nil
}

// DefaultDataDir returns the per-user directory holding the database, cache,
// uploads and the client session.
func DefaultDataDir() string {
	if dir := os.Getenv("WORLDCHAT_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "worldchat")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "WorldChat")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "WorldChat")
		}
		return filepath.Join(home, ".local", "share", "worldchat")
	}
	return filepath.Join(".", ".worldchat")
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "worldchat.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /ws when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
