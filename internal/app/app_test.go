package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults_And_Overrides(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	t.Setenv("WORLDCHAT_DATA_DIR", dir)
	t.Setenv("WORLDCHAT_ADDR", ":9999")
	t.Setenv("WORLDCHAT_MATCH_TIMEOUT", "10s")

	cfg, err := LoadServerConfig(filepath.Join(dir, "missing.env"))

	req.NoError(err)
	req.Equal(":9999", cfg.Addr)
	req.Equal(10*time.Second, cfg.MatchTimeout)
	req.Equal("/ws", cfg.Path)
	req.Equal(int64(10<<20), cfg.MaxImageSize)
	req.Equal(5*time.Minute, cfg.CacheTTL)
	req.Equal("INFO", cfg.LogLevel)
	req.Equal(filepath.Join(dir, "worldchat.db"), cfg.DBPath)
	req.Equal(filepath.Join(dir, "cache"), cfg.CachePath)
	req.Equal(filepath.Join(dir, "uploads"), cfg.UploadDir)
}

func TestLoadServerConfig_Reads_Env_File(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	t.Setenv("WORLDCHAT_DATA_DIR", dir)
	envFile := filepath.Join(dir, "worldchat.env")
	req.NoError(os.WriteFile(envFile, []byte("WORLDCHAT_WS_PATH=chat\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("WORLDCHAT_WS_PATH") })

	cfg, err := LoadServerConfig(envFile)

	req.NoError(err)
	req.Equal("/chat", cfg.Path)
}

func TestLoadClientConfig(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	t.Setenv("WORLDCHAT_DATA_DIR", dir)
	t.Setenv("WORLDCHAT_SERVER", "wss://chat.example.com/ws")
	t.Setenv("WORLDCHAT_LANGUAGE", "fr")

	cfg, err := LoadClientConfig()

	req.NoError(err)
	req.Equal("wss://chat.example.com/ws", cfg.ServerURL)
	req.Equal("fr", cfg.Language)
	req.Equal(filepath.Join(dir, "session.json"), cfg.SessionPath)
}

func TestNormalizeJoinPath(t *testing.T) {
	req := require.New(t)
	req.Equal("/ws", NormalizeJoinPath(""))
	req.Equal("/chat", NormalizeJoinPath("chat"))
	req.Equal("/chat", NormalizeJoinPath("/chat"))
}

func testConfig(t *testing.T) ServerConfig {
	t.Helper()
	dir := t.TempDir()
	return ServerConfig{
		Addr:         "127.0.0.1:0",
		DBPath:       filepath.Join(dir, "worldchat.db"),
		JWTSecret:    "app-test-secret-value",
		MatchTimeout: time.Second,
	}
}

func TestRunServer_Serves_And_Stops(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t)

	handle, err := RunServer(context.Background(), cfg, logs.GetLoggerFromLevel(slog.LevelError))
	req.NoError(err)
	base := "http://" + handle.Addr()

	// Given a running server
	resp, err := http.Get(base + "/healthz")
	req.NoError(err)
	_ = resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	// When someone signs up
	body, err := json.Marshal(map[string]any{
		"username": "ana", "email": "ana@example.com", "password": "password123",
		"userType": "student", "languages": []string{"es"},
	})
	req.NoError(err)
	resp, err = http.Post(base+"/api/auth/signup", "application/json", bytes.NewReader(body))
	req.NoError(err)
	_ = resp.Body.Close()

	// Then the account is created and uploads have a home
	req.Equal(http.StatusCreated, resp.StatusCode)
	_, err = os.Stat(filepath.Join(filepath.Dir(cfg.DBPath), "uploads"))
	req.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(handle.Stop(ctx))
	req.NoError(handle.Wait())
}

func TestRunServer_Stops_On_Context(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	handle, err := RunServer(ctx, testConfig(t), logs.GetLoggerFromLevel(slog.LevelError))
	req.NoError(err)
	cancel()

	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunServer_Requires_DB_Path(t *testing.T) {
	_, err := RunServer(context.Background(), ServerConfig{Addr: "127.0.0.1:0"}, nil)
	require.Error(t, err)
}
