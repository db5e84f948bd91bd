package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	intrnl "worldchat/internal"
	"worldchat/internal/app"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "worldchat",
		Short:         "WorldChat: practice languages with a partner from your terminal",
		Long:          "worldchat runs the WorldChat server, the terminal client, or both at once for local use.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		newServerCmd(),
		newClientCmd(),
		newLocalCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

type serverFlags struct {
	addr     string
	path     string
	db       string
	envFile  string
	logLevel string
}

func (f *serverFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "server listen address (WORLDCHAT_ADDR)")
	cmd.Flags().StringVar(&f.path, "path", "", "websocket path (WORLDCHAT_WS_PATH)")
	cmd.Flags().StringVar(&f.db, "db", "", "sqlite database path (WORLDCHAT_DB_PATH)")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "optional file of WORLDCHAT_* variables")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (WORLDCHAT_LOG_LEVEL)")
}

// load reads the environment, then applies the flags that were set.
func (f *serverFlags) load(cmd *cobra.Command) (app.ServerConfig, error) {
	cfg, err := app.LoadServerConfig(f.envFile)
	if err != nil {
		return app.ServerConfig{}, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = f.addr
	}
	if cmd.Flags().Changed("path") {
		cfg.Path = app.NormalizeJoinPath(f.path)
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = f.db
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

type clientFlags struct {
	serverURL string
	email     string
	language  string
	session   string
}

func (f *clientFlags) register(cmd *cobra.Command, withServer bool) {
	if withServer {
		cmd.Flags().StringVar(&f.serverURL, "server-url", "", "server websocket URL (WORLDCHAT_SERVER)")
	}
	cmd.Flags().StringVar(&f.email, "email", "", "email prefilled in the login prompt (WORLDCHAT_EMAIL)")
	cmd.Flags().StringVar(&f.language, "language", "", "language suggested when looking for a partner (WORLDCHAT_LANGUAGE)")
	cmd.Flags().StringVar(&f.session, "session", "", "where the login session is kept (WORLDCHAT_SESSION_PATH)")
}

func (f *clientFlags) load(cmd *cobra.Command) (app.ClientConfig, error) {
	cfg, err := app.LoadClientConfig()
	if err != nil {
		return app.ClientConfig{}, err
	}
	if cmd.Flags().Changed("server-url") {
		cfg.ServerURL = f.serverURL
	}
	if cmd.Flags().Changed("email") {
		cfg.Email = f.email
	}
	if cmd.Flags().Changed("language") {
		cfg.Language = f.language
	}
	if cmd.Flags().Changed("session") {
		cfg.SessionPath = f.session
	}
	return cfg, nil
}

func newServerCmd() *cobra.Command {
	flags := &serverFlags{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the WorldChat HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handle, err := app.RunServer(ctx, cfg, logs.GetLoggerFromString(cfg.LogLevel))
			if err != nil {
				return err
			}
			return handle.Wait()
		},
	}
	flags.register(cmd)
	return cmd
}

func newClientCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Open the terminal client against a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			return app.RunClient(cfg)
		},
	}
	flags.register(cmd, true)
	return cmd
}

// newLocalCmd starts a private server on a free port and opens the client on it.
func newLocalCmd() *cobra.Command {
	server := &serverFlags{}
	client := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run a local server and the terminal client together",
		RunE: func(cmd *cobra.Command, _ []string) error {
			serverCfg, err := server.load(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				serverCfg.Addr = "127.0.0.1:0"
			}
			// Server logs would draw over the TUI.
			if !cmd.Flags().Changed("log-level") {
				serverCfg.LogLevel = "ERROR"
			}
			clientCfg, err := client.load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handle, err := app.RunServer(ctx, serverCfg, logs.GetLoggerFromString(serverCfg.LogLevel))
			if err != nil {
				return err
			}
			defer stopServer(handle)
			if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
				return err
			}

			clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
			if err := app.RunClient(clientCfg); err != nil {
				return err
			}
			stopServer(handle)
			return handle.Wait()
		},
	}
	server.register(cmd)
	client.register(cmd, false)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "worldchat %s %s\n", intrnl.Version, intrnl.GetPlatform())
			return err
		},
	}
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
