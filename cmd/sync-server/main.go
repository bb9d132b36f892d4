package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"aim-chat/sync-server/internal/config"
	"aim-chat/sync-server/internal/httpapi"
	"aim-chat/sync-server/internal/platform/privacylog"
	"aim-chat/sync-server/internal/store"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen-addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dbPath := flag.String("db", "", "Path to the sqlite database (overrides config)")
	verbose := flag.Bool("verbose", false, "debug-level logging")
	flag.Parse()
	if *showVersion {
		fmt.Printf("sync-server version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(privacylog.WrapHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.LoadFromPath(*configPath)
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("sync-server failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.ConfigureAccounts(cfg.AccountHMACKeyHex, cfg.AccountTokenLen); err != nil {
		log.Error("invalid account key configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Error("schema verification failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.New(cfg, st, log)
	log.Info("sync-server starting", "addr", cfg.ListenAddr, "db", cfg.DBPath)
	if err := srv.Run(ctx); err != nil {
		log.Error("sync-server failed", "error", err)
		os.Exit(1)
	}
	log.Info("sync-server stopped")
}
