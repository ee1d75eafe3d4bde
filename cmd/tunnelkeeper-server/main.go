package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/logx"
	"github.com/aspect-build/tunnelkeeper/internal/server"
	"github.com/aspect-build/tunnelkeeper/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or TUNNELKEEPER_LOG_LEVEL)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("tunnelkeeper-server"))
		fmt.Fprintf(os.Stderr, "Tunnelkeeper server authenticates clients by RSA challenge-response and keeps their tunnel URLs.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_CLIENT_KEYS_FILE  Client public keys file, .yaml/.toml/.json (required)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_JWT_SECRET        HS256 secret for compact tokens (min 32 chars, required)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_INTERNAL_SECRET   Shared secret for internal callers (min 16 chars, required)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_DB_PATH           SQLite database path (default: tunnelkeeper.db)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_LISTEN_ADDR       Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_MASTER_KEY        Seal stored entries with this key (64 hex chars, optional)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_SECRET_NAMES      Comma-separated env var names returned as the secret bundle\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_CHALLENGE_TTL     Challenge lifetime (default: 5m)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_WEBHOOK_URL       Base URL of the repository worker (optional)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_WEBHOOK_TIMEOUT   Worker call timeout (default: 5s)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_CORS_ORIGINS      Comma-separated allowed origins (default: *)\n")
		fmt.Fprintf(os.Stderr, "  TUNNELKEEPER_LOG_LEVEL         Log level for server logs: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("tunnelkeeper-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	app, err := server.NewApp(cfg)
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Printf("tunnelkeeper-server listening on %s", cfg.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = app.Close()
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		logx.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Warnf("shutdown: %v", err)
		}
		cancel()
	}

	if err := app.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}
}
