package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/haulstack/answerbench"
	"github.com/haulstack/answerbench/metrics"
	"github.com/haulstack/answerbench/runner"
	"github.com/haulstack/answerbench/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging. LOG_LEVEL accepts debug, info, warn, error.
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelInfo
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := answerbench.LoadConfig(ctx, *configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	// Server-only settings stay out of the harness config.
	apiToken := os.Getenv("API_TOKEN")
	corsOrigins := os.Getenv("CORS_ORIGINS")
	schedule := os.Getenv("EVAL_SCHEDULE")

	m := metrics.New(prometheus.DefaultRegisterer)
	cfg.Metrics = m

	h, err := answerbench.New(cfg)
	if err != nil {
		slog.Error("creating harness", "error", err)
		os.Exit(1)
	}
	defer h.Close()

	disp := h.Dispatcher(runner.DispatcherConfig{
		MaxAttempts: cfg.MaxAttempts,
		Metrics:     m,
	})

	hd := newHandler(h)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/eval/trigger", hd.handleTrigger)
	mux.HandleFunc("GET /api/eval/runs", hd.handleListRuns)
	mux.HandleFunc("GET /api/eval/runs/{id}", hd.handleGetRun)
	mux.HandleFunc("GET /api/eval/runs/{id}/results", hd.handleResults)
	mux.HandleFunc("GET /api/eval/runs/{id}/report", hd.handleReport)
	mux.HandleFunc("GET /api/eval/questions", hd.handleQuestions)
	mux.HandleFunc("POST /api/eval/feedback", hd.handleFeedback)
	mux.HandleFunc("GET /health", hd.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(m, handler)
	handler = authMiddleware(apiToken, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // trigger executes a whole batch synchronously
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := disp.Start(gctx); err != nil {
		slog.Error("starting dispatcher", "error", err)
		os.Exit(1)
	}

	var sched *cron.Cron
	if schedule != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(schedule, func() { triggerScheduledRun(gctx, h) }); err != nil {
			slog.Error("invalid EVAL_SCHEDULE", "schedule", schedule, "error", err)
			os.Exit(1)
		}
		sched.Start()
		slog.Info("scheduled runs enabled", "schedule", schedule)
	}

	g.Go(func() error {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if sched != nil {
			sched.Stop()
		}
		if err := disp.Stop(shutdownCtx); err != nil {
			slog.Warn("dispatcher shutdown", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

// triggerScheduledRun creates a scheduled run and leaves its first queued
// step for the dispatcher. An already active run is a skip, not an error.
func triggerScheduledRun(ctx context.Context, h answerbench.Harness) {
	run, err := h.StartRun(ctx, store.RunTypeScheduled)
	switch {
	case errors.Is(err, answerbench.ErrRunActive):
		slog.Warn("scheduled run skipped: another run is active")
	case errors.Is(err, answerbench.ErrNoQuestions):
		slog.Warn("scheduled run skipped: no active questions")
	case err != nil:
		slog.Error("starting scheduled run", "error", err)
	default:
		slog.Info("scheduled run started", "run_id", run.ID, "total_questions", run.TotalQuestions)
	}
}
