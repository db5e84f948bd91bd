package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	intrnl "worldchat/internal"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	stdout, err := executeCLI(t, "version")
	require.NoError(t, err)
	require.Contains(t, stdout, "worldchat "+intrnl.Version)
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCLI(t, "teleport")
	require.Error(t, err)
}

func TestServerFlags_Override_Environment(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	t.Setenv("WORLDCHAT_DATA_DIR", dir)
	t.Setenv("WORLDCHAT_ADDR", ":7000")
	t.Setenv("WORLDCHAT_WS_PATH", "/env")

	flags := &serverFlags{}
	cmd := &cobra.Command{Use: "server"}
	flags.register(cmd)
	req.NoError(cmd.Flags().Parse([]string{"--path", "flag", "--env-file", filepath.Join(dir, "none.env")}))

	cfg, err := flags.load(cmd)

	req.NoError(err)
	req.Equal(":7000", cfg.Addr)
	req.Equal("/flag", cfg.Path)
	req.Equal(filepath.Join(dir, "worldchat.db"), cfg.DBPath)
}

func TestClientFlags_Override_Environment(t *testing.T) {
	req := require.New(t)
	t.Setenv("WORLDCHAT_DATA_DIR", t.TempDir())
	t.Setenv("WORLDCHAT_SERVER", "ws://env:8080/ws")
	t.Setenv("WORLDCHAT_LANGUAGE", "fr")

	flags := &clientFlags{}
	cmd := &cobra.Command{Use: "client"}
	flags.register(cmd, true)
	req.NoError(cmd.Flags().Parse([]string{"--server-url", "wss://flag/ws"}))

	cfg, err := flags.load(cmd)

	req.NoError(err)
	req.Equal("wss://flag/ws", cfg.ServerURL)
	req.Equal("fr", cfg.Language)
}

func TestBuildWebsocketURL(t *testing.T) {
	require.Equal(t, "ws://127.0.0.1:4000/ws", buildWebsocketURL("127.0.0.1:4000", "ws"))
	require.Equal(t, "ws://[::1]:4000/chat", buildWebsocketURL("[::1]:4000", "/chat"))
}
