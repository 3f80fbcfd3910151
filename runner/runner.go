// Package runner drives evaluation runs batch by batch. A run is a chain of
// durable steps: each step claims a slice of the question battery, asks the
// assistant every question in the slice, scores the answers, and commits the
// whole batch in one transaction that also enqueues the next step or
// finalizes the run. Workers are stateless between steps, so a crashed
// process loses at most one uncommitted batch.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/haulstack/answerbench/assistant"
	"github.com/haulstack/answerbench/metrics"
	"github.com/haulstack/answerbench/scoring"
	"github.com/haulstack/answerbench/store"
)

const (
	defaultBatchSize   = 15
	defaultMaxAttempts = 3

	// cleanupTimeout bounds the background writes that put a step back or
	// fail it after an error, so cleanup cannot hang a shutting-down worker.
	cleanupTimeout = 5 * time.Second
)

// ErrNoQuestions is returned by Start when the battery has no active
// questions to evaluate.
var ErrNoQuestions = errors.New("runner: no active questions")

// Config tunes a Runner. The zero value is usable.
type Config struct {
	// BatchSize is how many questions one step evaluates. Defaults to 15.
	BatchSize int

	// MaxAttempts bounds how often a step may be retried after transient
	// failures before the step and its run are failed. Defaults to 3.
	MaxAttempts int

	// RatePerSecond caps assistant requests per second across the runner.
	// Zero or negative disables pacing.
	RatePerSecond float64

	// Metrics receives runner observations when non-nil.
	Metrics *metrics.Metrics
}

// Runner executes evaluation steps: it claims them, interrogates the
// assistant, scores each answer, and commits batches through the store.
// Safe for concurrent use; concurrent workers are fenced by step claims.
type Runner struct {
	store    *store.Store
	provider assistant.Provider
	engine   *scoring.Engine
	feedback *FeedbackLoader
	metrics  *metrics.Metrics
	limiter  *rate.Limiter

	batchSize   int
	maxAttempts int
}

// New creates a Runner on top of a store, an assistant provider, and a
// scoring engine.
func New(st *store.Store, provider assistant.Provider, engine *scoring.Engine, cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Runner{
		store:       st,
		provider:    provider,
		engine:      engine,
		feedback:    NewFeedbackLoader(st),
		metrics:     cfg.Metrics,
		limiter:     limiter,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// BatchSize returns the number of questions each step evaluates.
func (r *Runner) BatchSize() int { return r.batchSize }

// Outcome describes what one processing call did.
type Outcome struct {
	// Run is the run's state after the call, re-read from the store.
	Run *store.Run

	// Step is the step the call addressed.
	Step *store.Step

	// Claimed reports whether this call won the step. False means another
	// worker holds it or it already completed; no work was done.
	Claimed bool

	// Processed is the number of questions this call evaluated.
	Processed int

	// NextOffset is where the following step starts. Only meaningful when
	// Claimed is true and Completed is false.
	NextOffset int

	// Completed is true when this call's batch finalized the run.
	Completed bool

	// Totals aggregates the verdicts of this call's batch.
	Totals store.BatchTotals
}

// Start creates a new run over the currently active battery, with its first
// step queued at offset zero. The battery size is frozen into the run; see
// ProcessStep for how mid-run edits are handled. Returns store.ErrRunActive
// while an earlier run is still in progress.
func (r *Runner) Start(ctx context.Context, runType string) (*store.Run, error) {
	questions, err := r.store.ListActiveQuestions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	run, err := r.store.CreateRun(ctx, runType, r.engine.RuleVersion(), len(questions))
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RunStarted(runType)
	}
	slog.Info("runner: run started",
		"run_id", run.ID,
		"run_type", runType,
		"total_questions", run.TotalQuestions,
		"rule_version", run.RuleVersion,
		"batch_size", r.batchSize,
	)
	return run, nil
}

// ProcessStep claims and executes the step at the given offset of a run.
// When the step is no longer claimable (already running elsewhere, or
// finished) it returns an unclaimed Outcome rather than an error, so
// duplicate triggers are harmless.
func (r *Runner) ProcessStep(ctx context.Context, runID string, offset int, workerID string) (*Outcome, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	step, claimed, err := r.store.ClaimStep(ctx, runID, offset, workerID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		slog.Info("runner: step not claimable, skipping",
			"run_id", runID,
			"offset", offset,
			"step_status", step.Status,
			"claimed_by", step.ClaimedBy,
		)
		return &Outcome{Run: run, Step: step}, nil
	}

	return r.executeStep(ctx, run, step, workerID)
}

// ProcessNext claims the oldest queued step across all runs and executes
// it. Returns (nil, nil) when the queue is empty.
func (r *Runner) ProcessNext(ctx context.Context, workerID string) (*Outcome, error) {
	step, err := r.store.ClaimNextStep(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, nil
	}

	run, err := r.store.GetRun(ctx, step.RunID)
	if err != nil {
		r.release(step.ID, workerID, "run lookup failed: "+err.Error())
		return nil, err
	}

	return r.executeStep(ctx, run, step, workerID)
}

// executeStep evaluates the claimed step's slice of the battery and commits
// the batch. The caller must hold the claim.
func (r *Runner) executeStep(ctx context.Context, run *store.Run, step *store.Step, workerID string) (*Outcome, error) {
	batchStart := time.Now()

	questions, err := r.store.ListActiveQuestions(ctx)
	if err != nil {
		return nil, r.stepError(run, step, workerID, fmt.Errorf("listing questions: %w", err))
	}
	// The run's recorded total is authoritative: a battery that grew
	// mid-run keeps feeding the run only its original question count.
	if len(questions) > run.TotalQuestions {
		questions = questions[:run.TotalQuestions]
	}

	if step.Offset >= len(questions) {
		// The battery shrank below this step's offset, so the run can never
		// reach its recorded total. Fail it rather than stall the queue.
		msg := fmt.Sprintf("battery shrank to %d active questions, below step offset %d", len(questions), step.Offset)
		r.failStepAndRun(run, step, workerID, msg)
		return nil, errors.New("runner: " + msg)
	}

	end := step.Offset + r.batchSize
	if end > len(questions) {
		end = len(questions)
	}
	batch := questions[step.Offset:end]

	// Suppression terms are read once per batch and fail open: scoring
	// without them only makes verdicts stricter, never wrong.
	falsePositives := r.feedback.Load(ctx)

	results := make([]store.Result, 0, len(batch))
	var totals store.BatchTotals

	for i, q := range batch {
		if err := ctx.Err(); err != nil {
			// Interrupted mid-batch. Nothing was committed, so releasing the
			// claim lets a retry rescore the whole slice.
			r.release(step.ID, workerID, "interrupted: "+err.Error())
			return nil, err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				r.release(step.ID, workerID, "interrupted: "+err.Error())
				return nil, err
			}
		}

		res := r.evaluateQuestion(ctx, q, falsePositives[q.ID])
		res.RunID = run.ID
		results = append(results, res)

		switch res.Verdict {
		case string(scoring.VerdictPass):
			totals.Passed++
		case string(scoring.VerdictSoftPass):
			totals.SoftPassed++
		case string(scoring.VerdictNeedsReview):
			totals.NeedsReview++
		default:
			totals.Failed++
		}
		totals.TotalAccuracy += res.Accuracy
		totals.TotalGrounding += res.Grounding

		slog.Info("runner: question evaluated",
			"run_id", run.ID,
			"progress", fmt.Sprintf("%d/%d", step.Offset+i+1, run.TotalQuestions),
			"verdict", res.Verdict,
			"overall", fmt.Sprintf("%.2f", res.Overall),
			"question", truncate(q.Question, 80),
		)
	}

	finalize := end >= run.TotalQuestions
	err = r.store.FinishStep(ctx, store.StepCompletion{
		StepID:     step.ID,
		RunID:      run.ID,
		WorkerID:   workerID,
		Results:    results,
		Totals:     totals,
		NextOffset: end,
		Finalize:   finalize,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleClaim) {
			// The watchdog gave this step away while we were evaluating.
			// The new owner will commit; this batch is discarded.
			slog.Warn("runner: batch discarded, claim was reassigned",
				"run_id", run.ID,
				"offset", step.Offset,
				"worker_id", workerID,
			)
			return nil, err
		}
		return nil, r.stepError(run, step, workerID, fmt.Errorf("committing batch: %w", err))
	}

	if r.metrics != nil {
		r.metrics.BatchCompleted(run.RunType, time.Since(batchStart).Seconds())
		if finalize {
			r.metrics.RunFinished(run.RunType, store.RunStatusCompleted)
		}
	}

	updated, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("re-reading run after batch: %w", err)
	}

	slog.Info("runner: batch committed",
		"run_id", run.ID,
		"offset", step.Offset,
		"batch_processed", len(results),
		"progress", fmt.Sprintf("%d/%d", updated.Processed(), updated.TotalQuestions),
		"run_status", updated.Status,
		"elapsed", time.Since(batchStart).Round(time.Millisecond),
	)

	return &Outcome{
		Run:        updated,
		Step:       step,
		Claimed:    true,
		Processed:  len(results),
		NextOffset: end,
		Completed:  finalize,
		Totals:     totals,
	}, nil
}

// evaluateQuestion asks the assistant one question and scores the answer.
// An assistant failure becomes a failed result, not a failed batch.
func (r *Runner) evaluateQuestion(ctx context.Context, q store.Question, knownFalsePositives []string) store.Result {
	start := time.Now()
	res := store.Result{QuestionID: q.ID}

	answer, err := r.provider.Ask(ctx, q.Question)

	if r.metrics != nil {
		status := "success"
		var promptTokens, completionTokens int
		if err != nil {
			status = "error"
		} else {
			promptTokens = answer.PromptTokens
			completionTokens = answer.CompletionTokens
		}
		r.metrics.RecordAssistantRequest(r.provider.Name(), status, time.Since(start).Seconds(), promptTokens, completionTokens)
	}

	if err != nil {
		slog.Warn("runner: assistant request failed",
			"question_id", q.ID,
			"question", truncate(q.Question, 80),
			"error", err,
		)
		res.Verdict = string(scoring.VerdictFail)
		res.Issues = []string{"Assistant error: " + err.Error()}
		res.ElapsedMs = time.Since(start).Milliseconds()
		return res
	}

	b := r.engine.Score(scoring.Input{
		Answer:              answer.Text,
		ExpectedContains:    q.ExpectedContains,
		ExpectedExcludes:    q.ExpectedExcludes,
		KnownFalsePositives: knownFalsePositives,
	})
	verdict := scoring.Classify(b.Overall)

	res.Answer = answer.Text
	res.Accuracy = b.Accuracy
	res.Grounding = b.Grounding
	res.Completeness = b.Completeness
	res.Overall = b.Overall
	res.Verdict = string(verdict)
	res.Issues = b.Issues
	res.Hallucinations = b.Hallucinations
	res.Excerpts = b.Excerpts
	res.Model = answer.Model
	res.ElapsedMs = time.Since(start).Milliseconds()

	if r.metrics != nil {
		r.metrics.QuestionEvaluated(res.Verdict, b.Accuracy, b.Grounding, b.Completeness, b.Overall)
		r.metrics.HallucinationFlagged(len(b.Hallucinations))
	}
	return res
}

// stepError handles a step-level failure: while attempts remain the step
// goes back to the queue for a retry, otherwise the step and its run are
// failed. Returns the cause for the caller to propagate.
func (r *Runner) stepError(run *store.Run, step *store.Step, workerID string, cause error) error {
	if step.Attempts >= r.maxAttempts {
		slog.Error("runner: step failed permanently",
			"run_id", run.ID,
			"offset", step.Offset,
			"attempts", step.Attempts,
			"error", cause,
		)
		r.failStepAndRun(run, step, workerID, cause.Error())
		return cause
	}

	slog.Warn("runner: step failed, requeueing",
		"run_id", run.ID,
		"offset", step.Offset,
		"attempts", step.Attempts,
		"max_attempts", r.maxAttempts,
		"error", cause,
	)
	r.release(step.ID, workerID, cause.Error())
	return cause
}

// release puts a claimed step back in the queue. Best effort on a fresh
// context so it works even when the batch died to cancellation; if it fails
// too, the watchdog will reclaim the step once it goes stale.
func (r *Runner) release(stepID int64, workerID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.store.ReleaseStep(ctx, stepID, workerID, message); err != nil {
		slog.Warn("runner: releasing step failed", "step_id", stepID, "error", err)
	}
}

// failStepAndRun marks the step and its run failed. Best effort, same
// contract as release.
func (r *Runner) failStepAndRun(run *store.Run, step *store.Step, workerID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.store.FailStep(ctx, step.ID, workerID, message); err != nil {
		slog.Warn("runner: failing step failed", "step_id", step.ID, "error", err)
	}
	if err := r.store.FailRun(ctx, run.ID, message); err != nil {
		slog.Warn("runner: failing run failed", "run_id", run.ID, "error", err)
	}
	if r.metrics != nil {
		r.metrics.RunFinished(run.RunType, store.RunStatusFailed)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
