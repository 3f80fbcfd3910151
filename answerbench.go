// Package answerbench evaluates the answer quality of a freight-dispatch AI
// assistant. It asks a fixed battery of dispatch-domain questions, scores
// each answer for accuracy, grounding (negation-aware hallucination
// detection), and completeness, classifies a verdict, and persists results
// run over run so quality drift stays visible. Runs execute as crash-safe
// batch steps that can be driven synchronously, by the background
// dispatcher, or over HTTP.
package answerbench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/haulstack/answerbench/assistant"
	"github.com/haulstack/answerbench/dataset"
	"github.com/haulstack/answerbench/negation"
	"github.com/haulstack/answerbench/report"
	"github.com/haulstack/answerbench/runner"
	"github.com/haulstack/answerbench/scoring"
	"github.com/haulstack/answerbench/store"
)

// Harness is the main entry point for the evaluation harness.
type Harness interface {
	// StartRun creates a new evaluation run over the active battery with
	// its first step queued. It does not execute any batch.
	StartRun(ctx context.Context, runType string) (*store.Run, error)

	// ContinueRun claims and synchronously executes the step at the given
	// offset. Safe to call twice for the same step: a step that is already
	// running or finished comes back unclaimed with current progress.
	ContinueRun(ctx context.Context, runID string, offset int) (*runner.Outcome, error)

	// RunToCompletion starts a run and drives it step by step until it
	// completes or fails, returning the final run state.
	RunToCompletion(ctx context.Context, runType string) (*store.Run, error)

	// GetRun returns a run by ID.
	GetRun(ctx context.Context, runID string) (*store.Run, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)

	// Results returns a run's scored results in processing order.
	Results(ctx context.Context, runID string) ([]store.Result, error)

	// Report joins a run with its results and the question battery.
	Report(ctx context.Context, runID string) (*report.Report, error)

	// ExportReport writes a run's report as an XLSX workbook.
	ExportReport(ctx context.Context, runID string, w io.Writer) error

	// SeedQuestions validates a battery and inserts its questions,
	// returning the new question IDs.
	SeedQuestions(ctx context.Context, battery *dataset.Battery) ([]int64, error)

	// RecordFalsePositive marks a flagged term as a confirmed false
	// positive for one question. Later runs stop flagging that term for
	// that question only.
	RecordFalsePositive(ctx context.Context, questionID int64, term, note string) error

	// Dispatcher creates a background dispatcher bound to this harness.
	Dispatcher(cfg runner.DispatcherConfig) *runner.Dispatcher

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the harness.
	Close() error
}

type harness struct {
	cfg      Config
	store    *store.Store
	provider assistant.Provider
	engine   *scoring.Engine
	runner   *runner.Runner

	// workerID tags step claims made through the synchronous API.
	workerID string
}

// New creates a Harness from configuration.
func New(cfg Config) (Harness, error) {
	rules := negation.DefaultRuleSet()
	if cfg.NegationRules != "" {
		loaded, err := negation.LoadRuleSet(cfg.NegationRules)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
		}
		rules = loaded
	}
	detector, err := negation.NewDetector(rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSet, err)
	}
	engine := scoring.NewEngine(detector)

	provider, err := assistant.NewProvider(cfg.Assistant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	st, err := store.New(cfg.resolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	run := runner.New(st, provider, engine, runner.Config{
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		RatePerSecond: cfg.RatePerSecond,
		Metrics:       cfg.Metrics,
	})

	return &harness{
		cfg:      cfg,
		store:    st,
		provider: provider,
		engine:   engine,
		runner:   run,
		workerID: uuid.NewString(),
	}, nil
}

func (h *harness) StartRun(ctx context.Context, runType string) (*store.Run, error) {
	if runType == "" {
		runType = store.RunTypeManual
	}
	if runType != store.RunTypeManual && runType != store.RunTypeScheduled {
		return nil, fmt.Errorf("%w: unknown run type %q", ErrInvalidConfig, runType)
	}

	run, err := h.runner.Start(ctx, runType)
	switch {
	case errors.Is(err, runner.ErrNoQuestions):
		return nil, ErrNoQuestions
	case errors.Is(err, store.ErrRunActive):
		return nil, ErrRunActive
	case err != nil:
		return nil, err
	}
	return run, nil
}

func (h *harness) ContinueRun(ctx context.Context, runID string, offset int) (*runner.Outcome, error) {
	if _, err := h.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	outcome, err := h.runner.ProcessStep(ctx, runID, offset, h.workerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%d", ErrStepNotFound, runID, offset)
	}
	return outcome, err
}

func (h *harness) RunToCompletion(ctx context.Context, runType string) (*store.Run, error) {
	run, err := h.StartRun(ctx, runType)
	if err != nil {
		return nil, err
	}

	offset := 0
	for {
		outcome, err := h.ContinueRun(ctx, run.ID, offset)
		if err != nil {
			return nil, err
		}
		if outcome.Claimed {
			if outcome.Completed {
				return outcome.Run, nil
			}
			offset = outcome.NextOffset
			continue
		}

		// Another worker holds or already finished this step. Watch the run
		// instead of competing for claims; committed batches move Processed
		// forward, which is always the next queued offset.
		current, err := h.GetRun(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != store.RunStatusRunning {
			return current, nil
		}
		offset = current.Processed()
		if err := sleepCtx(ctx, runWatchInterval); err != nil {
			return nil, err
		}
	}
}

func (h *harness) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := h.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

func (h *harness) ListRuns(ctx context.Context, limit int) ([]store.Run, error) {
	return h.store.ListRuns(ctx, limit)
}

func (h *harness) Results(ctx context.Context, runID string) ([]store.Result, error) {
	if _, err := h.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return h.store.ListResults(ctx, runID)
}

func (h *harness) Report(ctx context.Context, runID string) (*report.Report, error) {
	run, err := h.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := h.store.ListResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	questions, err := h.store.ListQuestions(ctx)
	if err != nil {
		return nil, err
	}
	return report.Build(run, results, questions), nil
}

func (h *harness) ExportReport(ctx context.Context, runID string, w io.Writer) error {
	rep, err := h.Report(ctx, runID)
	if err != nil {
		return err
	}
	return report.WriteXLSX(rep, w)
}

func (h *harness) SeedQuestions(ctx context.Context, battery *dataset.Battery) ([]int64, error) {
	if battery == nil {
		return nil, fmt.Errorf("%w: nil battery", ErrInvalidConfig)
	}
	if err := battery.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	questions := make([]store.Question, 0, len(battery.Questions))
	for _, entry := range battery.Questions {
		questions = append(questions, store.Question{
			Question:         entry.Question,
			ExpectedContains: entry.ExpectedContains,
			ExpectedExcludes: entry.ExpectedExcludes,
			Category:         entry.Category,
			Active:           entry.IsActive(),
		})
	}
	return h.store.InsertQuestions(ctx, questions)
}

func (h *harness) RecordFalsePositive(ctx context.Context, questionID int64, term, note string) error {
	if term == "" {
		return fmt.Errorf("%w: empty term", ErrInvalidConfig)
	}

	if _, err := h.store.GetQuestion(ctx, questionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrQuestionNotFound, questionID)
		}
		return err
	}

	_, err := h.store.UpsertFalsePositive(ctx, store.FalsePositive{
		QuestionID: questionID,
		Term:       term,
		Note:       note,
	})
	return err
}

func (h *harness) Dispatcher(cfg runner.DispatcherConfig) *runner.Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = h.cfg.Metrics
	}
	return runner.NewDispatcher(h.runner, h.store, cfg)
}

func (h *harness) Store() *store.Store {
	return h.store
}

func (h *harness) Close() error {
	return h.store.Close()
}

// runWatchInterval paces RunToCompletion while another worker holds a step.
const runWatchInterval = 200 * time.Millisecond

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
