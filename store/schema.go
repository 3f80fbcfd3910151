package store

// schemaSQL returns the DDL for all tables.
func schemaSQL() string {
	return `
-- Question battery: fixed test cases authored by human curators
CREATE TABLE IF NOT EXISTS eval_questions (
    id INTEGER PRIMARY KEY,
    question TEXT NOT NULL,
    expected_contains JSON,
    expected_excludes JSON,
    category TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Confirmed false positives: (question, term) pairs cleared by human review
CREATE TABLE IF NOT EXISTS eval_feedback (
    id INTEGER PRIMARY KEY,
    question_id INTEGER NOT NULL REFERENCES eval_questions(id) ON DELETE CASCADE,
    term TEXT NOT NULL COLLATE NOCASE,
    status TEXT NOT NULL DEFAULT 'confirmed',
    note TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(question_id, term)
);

-- One execution of the full battery, with running aggregate counters
CREATE TABLE IF NOT EXISTS eval_runs (
    id TEXT PRIMARY KEY,
    run_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    rule_version TEXT,
    total_questions INTEGER NOT NULL DEFAULT 0,
    passed INTEGER NOT NULL DEFAULT 0,
    soft_passed INTEGER NOT NULL DEFAULT 0,
    needs_review INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    total_accuracy REAL NOT NULL DEFAULT 0,
    total_grounding REAL NOT NULL DEFAULT 0,
    avg_accuracy REAL NOT NULL DEFAULT 0,
    avg_grounding REAL NOT NULL DEFAULT 0,
    error TEXT,
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME
);

-- At most one run may be in 'running' status at any time
CREATE UNIQUE INDEX IF NOT EXISTS idx_eval_runs_one_active
    ON eval_runs(status) WHERE status = 'running';

-- Scored answers, append-only, one per (run, question)
CREATE TABLE IF NOT EXISTS eval_results (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES eval_runs(id) ON DELETE CASCADE,
    question_id INTEGER NOT NULL REFERENCES eval_questions(id),
    answer TEXT,
    accuracy REAL NOT NULL DEFAULT 0,
    grounding REAL NOT NULL DEFAULT 0,
    completeness REAL NOT NULL DEFAULT 0,
    overall REAL NOT NULL DEFAULT 0,
    verdict TEXT NOT NULL,
    issues JSON,
    hallucinations JSON,
    excerpts JSON,
    model TEXT,
    elapsed_ms INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, question_id)
);

-- Durable batch steps: the continuation queue for chained invocations
CREATE TABLE IF NOT EXISTS eval_steps (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES eval_runs(id) ON DELETE CASCADE,
    batch_offset INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    claimed_by TEXT,
    claimed_at DATETIME,
    completed_at DATETIME,
    last_error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, batch_offset)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_eval_questions_active ON eval_questions(is_active);
CREATE INDEX IF NOT EXISTS idx_eval_feedback_question ON eval_feedback(question_id);
CREATE INDEX IF NOT EXISTS idx_eval_runs_started ON eval_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_eval_results_run ON eval_results(run_id);
CREATE INDEX IF NOT EXISTS idx_eval_steps_status ON eval_steps(status);
CREATE INDEX IF NOT EXISTS idx_eval_steps_run ON eval_steps(run_id);
`
}
