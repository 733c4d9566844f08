// Command haipd serves the Human-Agent Interaction Protocol over WebSocket,
// SSE and HTTP streaming.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haipio/haip/internal/app"
	"github.com/haipio/haip/internal/config"
	"github.com/haipio/haip/pkg/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("haipd %s (protocol %s)\n", app.Version, protocol.Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "haipd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "haipd: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("haipd starting",
		"version", app.Version,
		"protocol", protocol.Version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.WithConfigReload(*configPath))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func printStartupSummary(cfg *config.Config) {
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          haipd — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s║\n", addr)
	fmt.Printf("║  TLS             : %-19s║\n", onOff(cfg.Server.TLS != nil))
	fmt.Printf("║  Auth tokens     : %-19d║\n", len(cfg.Auth.Tokens))
	fmt.Printf("║  Builtin tools   : %-19s║\n", onOff(cfg.Tools.Builtin))
	fmt.Printf("║  MCP servers     : %-19d║\n", len(cfg.Tools.MCPServers))
	fmt.Printf("║  Archive         : %-19s║\n", onOff(cfg.Archive.PostgresDSN != ""))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "(disabled)"
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
