package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haulstack/answerbench"
	"github.com/haulstack/answerbench/assistant"
	"github.com/haulstack/answerbench/dataset"
	"github.com/haulstack/answerbench/report"
	"github.com/haulstack/answerbench/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	provider := os.Getenv("ASSISTANT_PROVIDER")
	if provider == "" {
		provider = "http"
	}
	baseURL := os.Getenv("ASSISTANT_BASE_URL")
	if provider == "http" && baseURL == "" {
		fmt.Fprintln(os.Stderr, "ASSISTANT_BASE_URL not set")
		os.Exit(1)
	}

	// Fallback: check well-known provider env vars for API keys.
	apiKey := os.Getenv("ASSISTANT_API_KEY")
	if apiKey == "" {
		switch provider {
		case "openai":
			apiKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	model := os.Getenv("ASSISTANT_MODEL")
	if model == "" {
		model = "llama3.1:8b"
	}

	tmpDir, _ := os.MkdirTemp("", "answerbench-e2e-*")
	defer os.RemoveAll(tmpDir)

	cfg := answerbench.DefaultConfig()
	cfg.DBPath = tmpDir + "/bench.db"
	cfg.Assistant = assistant.Config{
		Provider: provider,
		Model:    model,
		BaseURL:  baseURL,
		APIKey:   apiKey,
	}
	cfg.BatchSize = 3
	cfg.RatePerSecond = 1 // stay gentle with the live endpoint

	h, err := answerbench.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating harness: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	battery := dataset.SampleBattery()
	fmt.Fprintf(os.Stderr, "\n=== SEEDING %d QUESTIONS (%s) ===\n", len(battery.Questions), battery.Name)
	if _, err := h.SeedQuestions(ctx, battery); err != nil {
		fmt.Fprintf(os.Stderr, "seeding battery: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== SCORING AGAINST %s (%s) ===\n", provider, model)
	run, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "\n=== RUN %s: %s ===\n", run.ID, run.Status)

	rep, err := h.Report(ctx, run.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(report.Format(rep))
}
