package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/phsym/console-slog"

	"github.com/knagata/koelog/internal/call"
	"github.com/knagata/koelog/internal/config"
	"github.com/knagata/koelog/internal/httpapi"
	"github.com/knagata/koelog/internal/journal"
	"github.com/knagata/koelog/internal/observability"
	"github.com/knagata/koelog/internal/session"
)

func main() {
	log := slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config error", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("journal store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Info("journal store: in-memory (set DATABASE_URL for persistence)")
	} else {
		log.Info("journal store: postgres")
	}

	var summarizer journal.Summarizer
	if strings.TrimSpace(cfg.SummarizerURL) != "" {
		summarizer = journal.NewHTTPSummarizer(cfg.SummarizerURL, log)
		log.Info("summarizer: http", "url", cfg.SummarizerURL)
	} else {
		log.Info("summarizer: disabled, journal entries will be saved verbatim")
	}
	journalSvc := journal.NewService(store, summarizer, metrics, log)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	runner := call.NewService(cfg, sessions, journalSvc, store, metrics, log)

	api := httpapi.New(cfg, sessions, runner, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
}
