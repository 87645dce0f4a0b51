// fugued is the terminal multiplexer daemon for hosting AI coding
// agents: it owns the session/window/pane tree, spawns pane PTYs,
// classifies agent activity from their output, and persists enough
// state to survive a restart.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fugue-hub/fugue/internal/config"
	"github.com/fugue-hub/fugue/internal/daemon"
	"github.com/fugue-hub/fugue/internal/protocol"
	"github.com/fugue-hub/fugue/internal/xdg"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "fugued",
		Short:   "Terminal multiplexer daemon for hosting AI coding agents",
		Version: Version,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon and block until shutdown",
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a daemon is reachable on the socket",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved daemon configuration",
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting fugued", "version", Version, "socket", cfg.EffectiveSocketPath())

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon exited: %w", err)
	}

	logger.Info("fugued stopped")
	return nil
}

// runStatus dials the daemon's socket and performs the connect/connected
// handshake every client (TUI or MCP bridge) performs, reporting success
// or the dial error rather than inspecting internal daemon state.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	socketPath := cfg.EffectiveSocketPath()
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		fmt.Printf("fugued is not reachable at %s: %v\n", socketPath, err)
		return nil
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	hello := &protocol.ClientMessage{
		Type:            "connect",
		ProtocolVersion: protocol.ProtocolVersion,
	}
	if err := protocol.WriteFrame(conn, hello); err != nil {
		return fmt.Errorf("handshake write failed: %w", err)
	}

	var reply protocol.ServerMessage
	if err := protocol.ReadFrame(bufio.NewReader(conn), &reply); err != nil {
		return fmt.Errorf("handshake read failed: %w", err)
	}

	if isInteractive() {
		fmt.Printf("\033[1mfugued\033[0m is running at %s (server_version=%d)\n", socketPath, reply.ServerVersion)
	} else {
		fmt.Printf("fugued is running at %s (server_version=%d)\n", socketPath, reply.ServerVersion)
	}
	return nil
}

// isInteractive reports whether stdout is a terminal, used to decide
// whether status output gets ANSI highlighting.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("log_level: %s\n", cfg.LogLevel)
	fmt.Printf("socket_path: %s\n", cfg.EffectiveSocketPath())
	fmt.Printf("worktree_base: %s\n", cfg.WorktreeBase)
	fmt.Printf("max_sessions: %d\n", cfg.MaxSessions)
	fmt.Printf("checkpoint_interval_secs: %d\n", cfg.CheckpointIntervalSecs)
	fmt.Printf("max_wal_size_mb: %d\n", cfg.MaxWalSizeMB)
	fmt.Printf("runtime_dir: %s\n", xdg.RuntimeDir())
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
