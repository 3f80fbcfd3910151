package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run types.
const (
	RunTypeScheduled = "scheduled"
	RunTypeManual    = "manual"
)

// Step statuses.
const (
	StepStatusQueued    = "queued"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRunActive is returned when creating a run while another is running.
	ErrRunActive = errors.New("store: another run is active")

	// ErrStaleClaim is returned when finishing a step whose claim was lost
	// to the watchdog, so the slow worker cannot double-commit its batch.
	ErrStaleClaim = errors.New("store: stale step claim")
)

// Question represents a row in the eval_questions table.
type Question struct {
	ID               int64    `json:"id"`
	Question         string   `json:"question"`
	ExpectedContains []string `json:"expected_contains,omitempty"`
	ExpectedExcludes []string `json:"expected_excludes,omitempty"`
	Category         string   `json:"category,omitempty"`
	Active           bool     `json:"is_active"`
	CreatedAt        string   `json:"created_at,omitempty"`
	UpdatedAt        string   `json:"updated_at,omitempty"`
}

// FalsePositive represents a row in the eval_feedback table: a forbidden term
// confirmed by human review as an acceptable mention for one specific question.
type FalsePositive struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Term       string `json:"term"`
	Status     string `json:"status"`
	Note       string `json:"note,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Run represents a row in the eval_runs table.
type Run struct {
	ID             string  `json:"id"`
	RunType        string  `json:"run_type"`
	Status         string  `json:"status"`
	RuleVersion    string  `json:"rule_version,omitempty"`
	TotalQuestions int     `json:"total_questions"`
	Passed         int     `json:"passed"`
	SoftPassed     int     `json:"soft_passed"`
	NeedsReview    int     `json:"needs_review"`
	Failed         int     `json:"failed"`
	TotalAccuracy  float64 `json:"total_accuracy"`
	TotalGrounding float64 `json:"total_grounding"`
	AvgAccuracy    float64 `json:"avg_accuracy"`
	AvgGrounding   float64 `json:"avg_grounding"`
	Error          string  `json:"error,omitempty"`
	StartedAt      string  `json:"started_at"`
	CompletedAt    string  `json:"completed_at,omitempty"`
}

// Processed returns how many questions have been scored so far.
func (r *Run) Processed() int {
	return r.Passed + r.SoftPassed + r.NeedsReview + r.Failed
}

// Result represents a row in the eval_results table. Append-only.
type Result struct {
	ID             int64             `json:"id"`
	RunID          string            `json:"run_id"`
	QuestionID     int64             `json:"question_id"`
	Answer         string            `json:"answer"`
	Accuracy       float64           `json:"accuracy"`
	Grounding      float64           `json:"grounding"`
	Completeness   float64           `json:"completeness"`
	Overall        float64           `json:"overall"`
	Verdict        string            `json:"verdict"`
	Issues         []string          `json:"issues,omitempty"`
	Hallucinations []string          `json:"hallucinations,omitempty"`
	Excerpts       map[string]string `json:"excerpts,omitempty"`
	Model          string            `json:"model,omitempty"`
	ElapsedMs      int64             `json:"elapsed_ms"`
	CreatedAt      string            `json:"created_at,omitempty"`
}

// Step represents a row in the eval_steps table: one durable batch
// continuation of a run.
type Step struct {
	ID          int64  `json:"id"`
	RunID       string `json:"run_id"`
	Offset      int    `json:"batch_offset"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	ClaimedBy   string `json:"claimed_by,omitempty"`
	ClaimedAt   string `json:"claimed_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// BatchTotals carries one batch's contribution to the run aggregates.
type BatchTotals struct {
	Passed         int     `json:"passed"`
	SoftPassed     int     `json:"soft_passed"`
	NeedsReview    int     `json:"needs_review"`
	Failed         int     `json:"failed"`
	TotalAccuracy  float64 `json:"total_accuracy"`
	TotalGrounding float64 `json:"total_grounding"`
}

// StepCompletion describes everything persisted when a batch step finishes:
// the slice's results, the aggregate increments, and either the next queued
// step or run finalization. Committed in a single transaction.
type StepCompletion struct {
	StepID     int64
	RunID      string
	WorkerID   string // must still hold the claim; stale claims are rejected
	Results    []Result
	Totals     BatchTotals
	NextOffset int  // offset of the next step; ignored when Finalize is true
	Finalize   bool // true when this was the last batch of the run
}

// Store wraps the SQLite database for all answerbench persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema.
func New(dbPath string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Create schema
	if _, err := db.Exec(schemaSQL()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	// Run pending migrations.
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Question operations ---

// InsertQuestion adds a single question to the battery. Returns its ID.
func (s *Store) InsertQuestion(ctx context.Context, q Question) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_questions (question, expected_contains, expected_excludes, category, is_active)
		VALUES (?, ?, ?, ?, ?)
	`, q.Question, marshalStrings(q.ExpectedContains), marshalStrings(q.ExpectedExcludes),
		q.Category, boolToInt(q.Active))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertQuestions inserts a batch of questions and returns their IDs.
func (s *Store) InsertQuestions(ctx context.Context, questions []Question) ([]int64, error) {
	ids := make([]int64, len(questions))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO eval_questions (question, expected_contains, expected_excludes, category, is_active)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, q := range questions {
			res, err := stmt.ExecContext(ctx,
				q.Question, marshalStrings(q.ExpectedContains), marshalStrings(q.ExpectedExcludes),
				q.Category, boolToInt(q.Active))
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// GetQuestion retrieves a question by ID.
func (s *Store) GetQuestion(ctx context.Context, id int64) (*Question, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, question, expected_contains, expected_excludes, category, is_active, created_at, updated_at
		FROM eval_questions WHERE id = ?
	`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: question %d", ErrNotFound, id)
	}
	return q, err
}

// ListActiveQuestions returns the active battery in stable order. The order
// (creation time, then ID) is what makes batch offsets meaningful across
// chained invocations.
func (s *Store) ListActiveQuestions(ctx context.Context) ([]Question, error) {
	return s.listQuestions(ctx, `
		SELECT id, question, expected_contains, expected_excludes, category, is_active, created_at, updated_at
		FROM eval_questions WHERE is_active = 1 ORDER BY created_at, id
	`)
}

// ListQuestions returns all questions, active or not, in stable order.
func (s *Store) ListQuestions(ctx context.Context) ([]Question, error) {
	return s.listQuestions(ctx, `
		SELECT id, question, expected_contains, expected_excludes, category, is_active, created_at, updated_at
		FROM eval_questions ORDER BY created_at, id
	`)
}

func (s *Store) listQuestions(ctx context.Context, query string) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}

// SetQuestionActive toggles a question's activation flag.
func (s *Store) SetQuestionActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE eval_questions SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		boolToInt(active), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: question %d", ErrNotFound, id)
	}
	return nil
}

// --- Feedback operations ---

// UpsertFalsePositive records a confirmed false positive for a question.
// The (question, term) pair is unique case-insensitively; recording the same
// term again updates the note. Returns the feedback row ID.
func (s *Store) UpsertFalsePositive(ctx context.Context, fp FalsePositive) (int64, error) {
	status := fp.Status
	if status == "" {
		status = "confirmed"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_feedback (question_id, term, status, note)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(question_id, term) DO UPDATE SET
			status = excluded.status,
			note = excluded.note
	`, fp.QuestionID, fp.Term, status, fp.Note)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		row := s.db.QueryRowContext(ctx,
			"SELECT id FROM eval_feedback WHERE question_id = ? AND term = ?",
			fp.QuestionID, fp.Term)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// ListConfirmedFalsePositives returns confirmed false-positive terms grouped
// by question ID. A term recorded for one question never appears under
// another.
func (s *Store) ListConfirmedFalsePositives(ctx context.Context) (map[int64][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, term FROM eval_feedback
		WHERE status = 'confirmed' ORDER BY question_id, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byQuestion := make(map[int64][]string)
	for rows.Next() {
		var questionID int64
		var term string
		if err := rows.Scan(&questionID, &term); err != nil {
			return nil, err
		}
		byQuestion[questionID] = append(byQuestion[questionID], term)
	}
	return byQuestion, rows.Err()
}

// --- Run operations ---

// CreateRun creates a new run and enqueues its first batch step in one
// transaction. Returns ErrRunActive if another run is still running.
func (s *Store) CreateRun(ctx context.Context, runType, ruleVersion string, totalQuestions int) (*Run, error) {
	run := &Run{
		ID:             uuid.NewString(),
		RunType:        runType,
		Status:         RunStatusRunning,
		RuleVersion:    ruleVersion,
		TotalQuestions: totalQuestions,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO eval_runs (id, run_type, status, rule_version, total_questions)
			VALUES (?, ?, ?, ?, ?)
		`, run.ID, run.RunType, run.Status, nullIfEmpty(run.RuleVersion), run.TotalQuestions); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			"INSERT INTO eval_steps (run_id, batch_offset, status) VALUES (?, 0, ?)",
			run.ID, StepStatusQueued)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRunActive
		}
		return nil, err
	}

	return s.GetRun(ctx, run.ID)
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_type, status, rule_version, total_questions,
			passed, soft_passed, needs_review, failed,
			total_accuracy, total_grounding, avg_accuracy, avg_grounding,
			error, started_at, completed_at
		FROM eval_runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return run, err
}

// GetActiveRun returns the currently running run, or nil if none.
func (s *Store) GetActiveRun(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_type, status, rule_version, total_questions,
			passed, soft_passed, needs_review, failed,
			total_accuracy, total_grounding, avg_accuracy, avg_grounding,
			error, started_at, completed_at
		FROM eval_runs WHERE status = ?
	`, RunStatusRunning)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_type, status, rule_version, total_questions,
			passed, soft_passed, needs_review, failed,
			total_accuracy, total_grounding, avg_accuracy, avg_grounding,
			error, started_at, completed_at
		FROM eval_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// FailRun marks a run as failed with an error message.
func (s *Store) FailRun(ctx context.Context, runID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE eval_runs SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, RunStatusFailed, message, runID, RunStatusRunning)
	return err
}

// --- Step operations ---

// ClaimNextStep atomically claims the oldest queued step for the given
// worker, moving it to running and incrementing its attempt counter.
// Returns (nil, nil) when no step is queued.
func (s *Store) ClaimNextStep(ctx context.Context, workerID string) (*Step, error) {
	var step *Step
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, run_id, batch_offset, status, attempts, claimed_by, claimed_at, completed_at, last_error, created_at
			FROM eval_steps WHERE status = ? ORDER BY created_at, id LIMIT 1
		`, StepStatusQueued)
		claimed, err := scanStep(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE eval_steps SET status = ?, attempts = attempts + 1,
				claimed_by = ?, claimed_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, StepStatusRunning, workerID, claimed.ID); err != nil {
			return err
		}

		claimed.Status = StepStatusRunning
		claimed.Attempts++
		claimed.ClaimedBy = workerID
		step = claimed
		return nil
	})
	return step, err
}

// ClaimStep claims the queued step at a specific (run, offset), for
// synchronous continuation calls. Returns the step and whether this call
// claimed it: a step that is already running, completed, or failed is
// returned unclaimed so the caller can report current progress instead of
// re-executing the batch.
func (s *Store) ClaimStep(ctx context.Context, runID string, offset int, workerID string) (*Step, bool, error) {
	var step *Step
	var claimed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, run_id, batch_offset, status, attempts, claimed_by, claimed_at, completed_at, last_error, created_at
			FROM eval_steps WHERE run_id = ? AND batch_offset = ?
		`, runID, offset)
		found, err := scanStep(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: step %s/%d", ErrNotFound, runID, offset)
		}
		if err != nil {
			return err
		}

		step = found
		if found.Status != StepStatusQueued {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE eval_steps SET status = ?, attempts = attempts + 1,
				claimed_by = ?, claimed_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, StepStatusRunning, workerID, found.ID); err != nil {
			return err
		}

		step.Status = StepStatusRunning
		step.Attempts++
		step.ClaimedBy = workerID
		claimed = true
		return nil
	})
	return step, claimed, err
}

// GetStep retrieves the step at (run, offset).
func (s *Store) GetStep(ctx context.Context, runID string, offset int) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, batch_offset, status, attempts, claimed_by, claimed_at, completed_at, last_error, created_at
		FROM eval_steps WHERE run_id = ? AND batch_offset = ?
	`, runID, offset)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: step %s/%d", ErrNotFound, runID, offset)
	}
	return step, err
}

// ListSteps returns all steps of a run in offset order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, batch_offset, status, attempts, claimed_by, claimed_at, completed_at, last_error, created_at
		FROM eval_steps WHERE run_id = ? ORDER BY batch_offset
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// FinishStep persists everything a completed batch produced in a single
// transaction: the slice's results, the run aggregate increments with
// recomputed running averages, the step's completion, and either the next
// queued step or the run's finalization. A crash before commit leaves the
// step claimable again with nothing half-written. The step must still be
// running and claimed by c.WorkerID; otherwise the watchdog took the claim
// away and the whole completion is rejected with ErrStaleClaim.
func (s *Store) FinishStep(ctx context.Context, c StepCompletion) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE eval_steps SET status = ?, completed_at = CURRENT_TIMESTAMP, last_error = NULL
			WHERE id = ? AND status = ? AND claimed_by = ?
		`, StepStatusCompleted, c.StepID, StepStatusRunning, c.WorkerID)
		if err != nil {
			return fmt.Errorf("completing step: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: step %d worker %s", ErrStaleClaim, c.StepID, c.WorkerID)
		}

		if len(c.Results) > 0 {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO eval_results (run_id, question_id, answer, accuracy, grounding,
					completeness, overall, verdict, issues, hallucinations, excerpts, model, elapsed_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, r := range c.Results {
				if _, err := stmt.ExecContext(ctx,
					c.RunID, r.QuestionID, r.Answer, r.Accuracy, r.Grounding,
					r.Completeness, r.Overall, r.Verdict,
					marshalStrings(r.Issues), marshalStrings(r.Hallucinations),
					marshalExcerpts(r.Excerpts), nullIfEmpty(r.Model), r.ElapsedMs); err != nil {
					return fmt.Errorf("inserting result for question %d: %w", r.QuestionID, err)
				}
			}
		}

		// Atomic increments against the stored row; caller-carried stats are
		// never written here.
		if _, err := tx.ExecContext(ctx, `
			UPDATE eval_runs SET
				passed = passed + ?,
				soft_passed = soft_passed + ?,
				needs_review = needs_review + ?,
				failed = failed + ?,
				total_accuracy = total_accuracy + ?,
				total_grounding = total_grounding + ?
			WHERE id = ?
		`, c.Totals.Passed, c.Totals.SoftPassed, c.Totals.NeedsReview, c.Totals.Failed,
			c.Totals.TotalAccuracy, c.Totals.TotalGrounding, c.RunID); err != nil {
			return fmt.Errorf("updating run aggregates: %w", err)
		}

		// Recompute running averages from the updated sums.
		if _, err := tx.ExecContext(ctx, `
			UPDATE eval_runs SET
				avg_accuracy = CASE WHEN passed + soft_passed + needs_review + failed > 0
					THEN total_accuracy / (passed + soft_passed + needs_review + failed) ELSE 0 END,
				avg_grounding = CASE WHEN passed + soft_passed + needs_review + failed > 0
					THEN total_grounding / (passed + soft_passed + needs_review + failed) ELSE 0 END
			WHERE id = ?
		`, c.RunID); err != nil {
			return fmt.Errorf("recomputing run averages: %w", err)
		}

		if c.Finalize {
			if _, err := tx.ExecContext(ctx, `
				UPDATE eval_runs SET status = ?, completed_at = CURRENT_TIMESTAMP
				WHERE id = ?
			`, RunStatusCompleted, c.RunID); err != nil {
				return fmt.Errorf("finalizing run: %w", err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO eval_steps (run_id, batch_offset, status) VALUES (?, ?, ?)",
			c.RunID, c.NextOffset, StepStatusQueued); err != nil {
			return fmt.Errorf("enqueueing next step: %w", err)
		}
		return nil
	})
}

// ReleaseStep puts a claimed step back in the queue after a transient
// failure, recording the error. The attempt counter keeps its value so
// retries are bounded. No-op when the worker no longer holds the claim.
func (s *Store) ReleaseStep(ctx context.Context, stepID int64, workerID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE eval_steps SET status = ?, claimed_by = NULL, claimed_at = NULL, last_error = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`, StepStatusQueued, message, stepID, StepStatusRunning, workerID)
	return err
}

// FailStep marks a step permanently failed. No-op when the worker no longer
// holds the claim.
func (s *Store) FailStep(ctx context.Context, stepID int64, workerID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE eval_steps SET status = ?, completed_at = CURRENT_TIMESTAMP, last_error = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`, StepStatusFailed, message, stepID, StepStatusRunning, workerID)
	return err
}

// RequeueStaleSteps is the watchdog sweep: steps stuck in running longer
// than staleAfter go back to the queue while they have attempts left;
// exhausted ones are failed along with their run. Returns the number of
// steps requeued and failed.
func (s *Store) RequeueStaleSteps(ctx context.Context, staleAfter time.Duration, maxAttempts int) (requeued, failed int, err error) {
	cutoff := fmt.Sprintf("-%d seconds", int(staleAfter.Seconds()))

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE eval_steps SET status = ?, claimed_by = NULL, claimed_at = NULL,
				last_error = 'requeued: stale claim'
			WHERE status = ? AND claimed_at < datetime('now', ?) AND attempts < ?
		`, StepStatusQueued, StepStatusRunning, cutoff, maxAttempts)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		requeued = int(n)

		res, err = tx.ExecContext(ctx, `
			UPDATE eval_steps SET status = ?, completed_at = CURRENT_TIMESTAMP,
				last_error = 'failed: retry attempts exhausted'
			WHERE status = ? AND claimed_at < datetime('now', ?) AND attempts >= ?
		`, StepStatusFailed, StepStatusRunning, cutoff, maxAttempts)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		failed = int(n)

		if failed > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE eval_runs SET status = ?, error = 'batch step retries exhausted',
					completed_at = CURRENT_TIMESTAMP
				WHERE status = ? AND id IN (SELECT run_id FROM eval_steps WHERE status = ?)
			`, RunStatusFailed, RunStatusRunning, StepStatusFailed); err != nil {
				return err
			}
		}
		return nil
	})
	return requeued, failed, err
}

// --- Result operations ---

// ListResults returns all results of a run in processing order.
func (s *Store) ListResults(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, question_id, answer, accuracy, grounding, completeness, overall,
			verdict, issues, hallucinations, excerpts, model, elapsed_ms, created_at
		FROM eval_results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var answer, issues, hallucinations, excerpts, model sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.QuestionID, &answer,
			&r.Accuracy, &r.Grounding, &r.Completeness, &r.Overall,
			&r.Verdict, &issues, &hallucinations, &excerpts, &model,
			&r.ElapsedMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Answer = answer.String
		r.Issues = unmarshalStrings(issues.String)
		r.Hallucinations = unmarshalStrings(hallucinations.String)
		r.Excerpts = unmarshalExcerpts(excerpts.String)
		r.Model = model.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountResults returns the number of results stored for a run.
func (s *Store) CountResults(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM eval_results WHERE run_id = ?", runID).Scan(&count)
	return count, err
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(row rowScanner) (*Question, error) {
	q := &Question{}
	var contains, excludes, category sql.NullString
	var active int
	if err := row.Scan(&q.ID, &q.Question, &contains, &excludes, &category,
		&active, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.ExpectedContains = unmarshalStrings(contains.String)
	q.ExpectedExcludes = unmarshalStrings(excludes.String)
	q.Category = category.String
	q.Active = active != 0
	return q, nil
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var ruleVersion, runErr, completedAt sql.NullString
	if err := row.Scan(&run.ID, &run.RunType, &run.Status, &ruleVersion, &run.TotalQuestions,
		&run.Passed, &run.SoftPassed, &run.NeedsReview, &run.Failed,
		&run.TotalAccuracy, &run.TotalGrounding, &run.AvgAccuracy, &run.AvgGrounding,
		&runErr, &run.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	run.RuleVersion = ruleVersion.String
	run.Error = runErr.String
	run.CompletedAt = completedAt.String
	return run, nil
}

func scanStep(row rowScanner) (*Step, error) {
	step := &Step{}
	var claimedBy, claimedAt, completedAt, lastError sql.NullString
	if err := row.Scan(&step.ID, &step.RunID, &step.Offset, &step.Status, &step.Attempts,
		&claimedBy, &claimedAt, &completedAt, &lastError, &step.CreatedAt); err != nil {
		return nil, err
	}
	step.ClaimedBy = claimedBy.String
	step.ClaimedAt = claimedAt.String
	step.CompletedAt = completedAt.String
	step.LastError = lastError.String
	return step, nil
}

// marshalStrings encodes a term list as a JSON array, or NULL when empty.
func marshalStrings(values []string) interface{} {
	if len(values) == 0 {
		return nil
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}

func marshalExcerpts(excerpts map[string]string) interface{} {
	if len(excerpts) == 0 {
		return nil
	}
	data, _ := json.Marshal(excerpts)
	return string(data)
}

func unmarshalExcerpts(data string) map[string]string {
	if data == "" {
		return nil
	}
	var excerpts map[string]string
	if err := json.Unmarshal([]byte(data), &excerpts); err != nil {
		return nil
	}
	return excerpts
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
