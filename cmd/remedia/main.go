package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"remedia/internal/config"
	"remedia/internal/download"
	"remedia/internal/event"
	"remedia/internal/logging"
	"remedia/internal/server"
	"remedia/internal/store"
)

func main() {
	cfg := config.New()

	flag.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Server port")
	flag.StringVar(&cfg.DownloadDir, "download-dir", "", "Directory for downloaded videos (default: $HOME/Downloads/remedia)")
	flag.StringVar(&cfg.DBPath, "db", "", "Path to SQLite database (default: OS cache dir: remedia/remedia.db)")
	flag.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "Directory with the client bundle")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")
	flag.Parse()

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ResolveDownloadDir(); err != nil {
		log.Fatalf("resolve download dir: %v", err)
	}
	if err := cfg.ResolveDBPath(); err != nil {
		log.Fatalf("resolve db path: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.AbsDownloadDir, 0o755); err != nil {
		log.Fatalf("create download dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
		log.Fatalf("create db dir: %v", err)
	}

	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	// st.Close() is called explicitly during shutdown, after the runner drains.

	hub := event.NewHub()
	reg := download.NewRegistry(st, hub)
	runner := download.NewRunner(cfg.AbsDownloadDir, reg, hub)

	// Tool checks run in the background so a missing yt-dlp install does not
	// delay startup; install notices reach clients as emissions.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		ytdlp, err := download.EnsureTools(ctx, hub, filepath.Dir(cfg.AbsDBPath))
		if err != nil {
			logging.LogHandlerError("ensure tools", err)
			return
		}
		runner.SetYtdlpPath(ytdlp)
	}()

	handler := server.New(reg, runner, st, hub, cfg.StaticDir)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // allow long-lived websocket writes
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.LogServerStart(cfg.Addr, cfg.Summary())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-shutdownCtx.Done()
	logging.LogServerShutdown("shutdown signal received; draining", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	runner.Shutdown()
	// Close store after the runner drains to avoid writes against a closed DB.
	if err := st.Close(); err != nil {
		logging.LogServerShutdown("close store", err)
	}
	logging.LogServerShutdown("shutdown complete", nil)
}
