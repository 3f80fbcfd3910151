package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/haulstack/answerbench"
	"github.com/haulstack/answerbench/runner"
	"github.com/haulstack/answerbench/store"
)

type handler struct {
	harness answerbench.Harness
}

func newHandler(h answerbench.Harness) *handler {
	return &handler{harness: h}
}

// POST /api/eval/trigger
// Starts a run (no run_id) or executes one queued step of an existing run.
// Re-triggering a step that already ran reports progress instead of
// rescoring.
func (h *handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		RunType    string             `json:"run_type"`
		RunID      string             `json:"run_id"`
		Offset     int                `json:"offset"`
		BatchStats *store.BatchTotals `json:"batch_stats"`
	}
	// An empty body is a manual run from question zero.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	runID := req.RunID
	offset := req.Offset
	if runID == "" {
		run, err := h.harness.StartRun(ctx, req.RunType)
		if err != nil {
			respondError(w, "starting run failed", err)
			return
		}
		runID = run.ID
		offset = 0
	} else if req.BatchStats != nil {
		h.checkCarriedStats(ctx, runID, *req.BatchStats)
	}

	outcome, err := h.harness.ContinueRun(ctx, runID, offset)
	if err != nil {
		respondError(w, "evaluation step failed", err, "run_id", runID, "offset", offset)
		return
	}

	writeOutcome(w, outcome)
}

// GET /api/eval/runs?limit=
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := h.harness.ListRuns(r.Context(), limit)
	if err != nil {
		respondError(w, "listing runs failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(runs),
		"runs":    runs,
	})
}

// GET /api/eval/runs/{id}
func (h *handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := h.harness.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, "fetching run failed", err, "run_id", id)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"run":      run,
		"progress": progressOf(run),
	})
}

// GET /api/eval/runs/{id}/results
func (h *handler) handleResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	results, err := h.harness.Results(r.Context(), id)
	if err != nil {
		respondError(w, "fetching results failed", err, "run_id", id)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"run_id":  id,
		"count":   len(results),
		"results": results,
	})
}

// GET /api/eval/runs/{id}/report
// Streams the run's XLSX workbook as a download.
func (h *handler) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	id := r.PathValue("id")

	// Build the workbook fully before touching the response so errors can
	// still produce a JSON status.
	var buf bytes.Buffer
	if err := h.harness.ExportReport(ctx, id, &buf); err != nil {
		respondError(w, "exporting report failed", err, "run_id", id)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "answerbench-"+id+".xlsx"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// GET /api/eval/questions
func (h *handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.harness.Store().ListActiveQuestions(r.Context())
	if err != nil {
		respondError(w, "listing questions failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"count":     len(questions),
		"questions": questions,
	})
}

// POST /api/eval/feedback
// Records a confirmed false positive so future runs stop flagging the term
// for that question.
func (h *handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionID int64  `json:"question_id"`
		Term       string `json:"term"`
		Note       string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := h.harness.RecordFalsePositive(r.Context(), req.QuestionID, req.Term, req.Note); err != nil {
		respondError(w, "recording feedback failed", err, "question_id", req.QuestionID, "term", req.Term)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"question_id": req.QuestionID,
		"term":        req.Term,
		"status":      "confirmed",
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// checkCarriedStats compares chain-carried aggregates against the stored
// run row. The stored row is authoritative; divergence is only logged.
func (h *handler) checkCarriedStats(ctx context.Context, runID string, carried store.BatchTotals) {
	run, err := h.harness.GetRun(ctx, runID)
	if err != nil {
		return
	}
	if carried.Passed != run.Passed ||
		carried.SoftPassed != run.SoftPassed ||
		carried.NeedsReview != run.NeedsReview ||
		carried.Failed != run.Failed ||
		math.Abs(carried.TotalAccuracy-run.TotalAccuracy) > 1e-6 ||
		math.Abs(carried.TotalGrounding-run.TotalGrounding) > 1e-6 {
		slog.Warn("carried batch stats diverge from stored aggregates",
			"run_id", runID,
			"carried_passed", carried.Passed,
			"stored_passed", run.Passed,
			"carried_failed", carried.Failed,
			"stored_failed", run.Failed,
		)
	}
}

// writeOutcome renders the trigger response: completed runs get the final
// summary, everything else reports progress.
func writeOutcome(w http.ResponseWriter, o *runner.Outcome) {
	run := o.Run
	switch run.Status {
	case store.RunStatusCompleted:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"run_id":  run.ID,
			"status":  run.Status,
			"summary": map[string]interface{}{
				"total":         run.TotalQuestions,
				"passed":        run.Passed,
				"soft_passed":   run.SoftPassed,
				"needs_review":  run.NeedsReview,
				"failed":        run.Failed,
				"avg_accuracy":  run.AvgAccuracy,
				"avg_grounding": run.AvgGrounding,
			},
		})
	case store.RunStatusFailed:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"run_id":   run.ID,
			"status":   run.Status,
			"error":    run.Error,
			"progress": progressOf(run),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"run_id":   run.ID,
			"status":   "processing",
			"progress": progressOf(run),
			"batch_summary": map[string]interface{}{
				"passed":       o.Totals.Passed,
				"soft_passed":  o.Totals.SoftPassed,
				"needs_review": o.Totals.NeedsReview,
				"failed":       o.Totals.Failed,
			},
		})
	}
}

// progressOf summarizes how far a run has advanced.
func progressOf(run *store.Run) map[string]interface{} {
	processed := run.Processed()
	percent := 0.0
	if run.TotalQuestions > 0 {
		percent = math.Round(float64(processed)/float64(run.TotalQuestions)*1000) / 10
	}
	return map[string]interface{}{
		"processed": processed,
		"total":     run.TotalQuestions,
		"percent":   percent,
	}
}

// errorStatus maps harness sentinels onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, answerbench.ErrRunNotFound),
		errors.Is(err, answerbench.ErrStepNotFound),
		errors.Is(err, answerbench.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, answerbench.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, answerbench.ErrNoQuestions),
		errors.Is(err, answerbench.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error envelope for a failed harness call. Client
// errors echo the sentinel message; internal errors are logged and masked.
func respondError(w http.ResponseWriter, msg string, err error, attrs ...interface{}) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error(msg, append(attrs, "error", err)...)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
