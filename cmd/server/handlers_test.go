//go:build cgo

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xuri/excelize/v2"

	"github.com/haulstack/answerbench"
	"github.com/haulstack/answerbench/assistant"
	"github.com/haulstack/answerbench/dataset"
	"github.com/haulstack/answerbench/metrics"
	"github.com/haulstack/answerbench/store"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testServer struct {
	handler http.Handler
	harness answerbench.Harness
}

// newTestServer wires the full route table and middleware chain the way
// main does, against a mock assistant and a temp database.
func newTestServer(t *testing.T, batchSize int, token string) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()

	cfg := answerbench.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "bench.db")
	cfg.Assistant = assistant.Config{Provider: "mock"}
	cfg.BatchSize = batchSize
	cfg.Metrics = metrics.New(reg)

	h, err := answerbench.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })

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
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = logMiddleware(cfg.Metrics, handler)
	handler = authMiddleware(token, handler)
	handler = recoveryMiddleware(handler)

	return &testServer{handler: handler, harness: h}
}

// serverBattery is tuned to the mock provider's default replies: the echoed
// "Mock answer: <question>" satisfies the first three questions and trips an
// affirmative "mock" mention on the fourth.
func serverBattery() *dataset.Battery {
	return &dataset.Battery{
		Name: "server-smoke",
		Questions: []dataset.Entry{
			{
				Question:         "What trailer types do we accept for produce loads out of Salinas?",
				ExpectedContains: []string{"mock answer"},
				ExpectedExcludes: []string{"flatbed"},
				Category:         "equipment",
			},
			{
				Question:         "How long can a reefer unit idle at the Fresno yard before detention applies?",
				ExpectedContains: []string{"mock answer"},
				Category:         "accessorials",
			},
			{
				Question:         "Which lanes qualify for our dedicated reefer capacity program?",
				ExpectedContains: []string{"mock answer"},
				Category:         "capacity",
			},
			{
				Question:         "Do we offer guaranteed same-day delivery for LTL freight?",
				ExpectedContains: []string{"flatbed surcharge waiver"},
				ExpectedExcludes: []string{"mock"},
				Category:         "service",
			},
		},
	}
}

func seedServer(t *testing.T, ts *testServer) []int64 {
	t.Helper()
	ids, err := ts.harness.SeedQuestions(context.Background(), serverBattery())
	if err != nil {
		t.Fatalf("SeedQuestions: %v", err)
	}
	return ids
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

type triggerResponse struct {
	Success  bool   `json:"success"`
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Error    string `json:"error"`
	Progress struct {
		Processed int     `json:"processed"`
		Total     int     `json:"total"`
		Percent   float64 `json:"percent"`
	} `json:"progress"`
	BatchSummary struct {
		Passed      int `json:"passed"`
		SoftPassed  int `json:"soft_passed"`
		NeedsReview int `json:"needs_review"`
		Failed      int `json:"failed"`
	} `json:"batch_summary"`
	Summary struct {
		Total        int     `json:"total"`
		Passed       int     `json:"passed"`
		SoftPassed   int     `json:"soft_passed"`
		NeedsReview  int     `json:"needs_review"`
		Failed       int     `json:"failed"`
		AvgAccuracy  float64 `json:"avg_accuracy"`
		AvgGrounding float64 `json:"avg_grounding"`
	} `json:"summary"`
}

// ---------------------------------------------------------------------------
// Trigger endpoint
// ---------------------------------------------------------------------------

func TestTriggerCompletesRunInOneStep(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp triggerResponse
	decodeJSON(t, rec, &resp)

	if !resp.Success {
		t.Fatal("response not successful")
	}
	if resp.RunID == "" {
		t.Error("run_id is empty")
	}
	if resp.Status != store.RunStatusCompleted {
		t.Fatalf("status = %q, want %q", resp.Status, store.RunStatusCompleted)
	}
	if resp.Summary.Total != 4 {
		t.Errorf("summary.total = %d, want 4", resp.Summary.Total)
	}
	if resp.Summary.Passed != 3 || resp.Summary.Failed != 1 {
		t.Errorf("summary passed/failed = %d/%d, want 3/1", resp.Summary.Passed, resp.Summary.Failed)
	}
	if resp.Summary.AvgAccuracy != 0.75 {
		t.Errorf("summary.avg_accuracy = %v, want 0.75", resp.Summary.AvgAccuracy)
	}
	if resp.Summary.AvgGrounding != 0.9375 {
		t.Errorf("summary.avg_grounding = %v, want 0.9375", resp.Summary.AvgGrounding)
	}
}

func TestTriggerChainsSteps(t *testing.T) {
	ts := newTestServer(t, 2, "")
	seedServer(t, ts)

	first := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	if first.Code != http.StatusOK {
		t.Fatalf("first trigger status = %d (body %s)", first.Code, first.Body.String())
	}

	var mid triggerResponse
	decodeJSON(t, first, &mid)

	if mid.Status != "processing" {
		t.Fatalf("mid-run status = %q, want processing", mid.Status)
	}
	if mid.Progress.Processed != 2 || mid.Progress.Total != 4 {
		t.Errorf("progress = %d/%d, want 2/4", mid.Progress.Processed, mid.Progress.Total)
	}
	if mid.Progress.Percent != 50 {
		t.Errorf("progress.percent = %v, want 50", mid.Progress.Percent)
	}
	if mid.BatchSummary.Passed != 2 || mid.BatchSummary.Failed != 0 {
		t.Errorf("batch_summary passed/failed = %d/%d, want 2/0",
			mid.BatchSummary.Passed, mid.BatchSummary.Failed)
	}

	// Continue exactly as a chained caller would, carrying the stats the
	// first response implied. The server must treat them as advisory.
	second := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]interface{}{
		"run_type": "manual",
		"run_id":   mid.RunID,
		"offset":   2,
		"batch_stats": map[string]interface{}{
			"passed":          2,
			"total_accuracy":  2.0,
			"total_grounding": 2.0,
		},
	})
	if second.Code != http.StatusOK {
		t.Fatalf("second trigger status = %d (body %s)", second.Code, second.Body.String())
	}

	var final triggerResponse
	decodeJSON(t, second, &final)

	if final.Status != store.RunStatusCompleted {
		t.Fatalf("final status = %q, want %q", final.Status, store.RunStatusCompleted)
	}
	if final.RunID != mid.RunID {
		t.Errorf("run_id changed between steps: %q vs %q", final.RunID, mid.RunID)
	}
	if final.Summary.Passed != 3 || final.Summary.Failed != 1 {
		t.Errorf("summary passed/failed = %d/%d, want 3/1", final.Summary.Passed, final.Summary.Failed)
	}
}

func TestTriggerReplayDoesNotRescore(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	first := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	var resp triggerResponse
	decodeJSON(t, first, &resp)
	if resp.Status != store.RunStatusCompleted {
		t.Fatalf("status = %q, want completed", resp.Status)
	}

	// Replaying the already-finished step must report the final state
	// without evaluating anything again.
	replay := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]interface{}{
		"run_id": resp.RunID,
		"offset": 0,
	})
	if replay.Code != http.StatusOK {
		t.Fatalf("replay status = %d (body %s)", replay.Code, replay.Body.String())
	}

	var replayed triggerResponse
	decodeJSON(t, replay, &replayed)
	if replayed.Status != store.RunStatusCompleted {
		t.Errorf("replay status = %q, want %q", replayed.Status, store.RunStatusCompleted)
	}
	if replayed.Summary.Total != 4 {
		t.Errorf("replay summary.total = %d, want 4", replayed.Summary.Total)
	}

	results, err := ts.harness.Results(context.Background(), resp.RunID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 4 {
		t.Errorf("results after replay = %d, want 4", len(results))
	}
}

func TestTriggerErrors(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	done := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	var resp triggerResponse
	decodeJSON(t, done, &resp)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"unknown run", map[string]interface{}{"run_id": "not-a-run", "offset": 0}, http.StatusNotFound},
		{"unknown step offset", map[string]interface{}{"run_id": resp.RunID, "offset": 3}, http.StatusNotFound},
		{"invalid run type", map[string]string{"run_type": "hourly"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/eval/trigger", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			var errResp struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			decodeJSON(t, rec, &errResp)
			if errResp.Success {
				t.Error("error response has success = true")
			}
			if errResp.Error == "" {
				t.Error("error response has empty error message")
			}
		})
	}
}

func TestTriggerMalformedJSON(t *testing.T) {
	ts := newTestServer(t, 15, "")

	req := httptest.NewRequest(http.MethodPost, "/api/eval/trigger", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestTriggerWithoutQuestions(t *testing.T) {
	ts := newTestServer(t, 15, "")

	rec := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestTriggerConflictWithActiveRun(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	if _, err := ts.harness.StartRun(context.Background(), store.RunTypeManual); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	rec := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusConflict, rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------------

func TestGetRunReportsProgress(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	done := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	var trig triggerResponse
	decodeJSON(t, done, &trig)

	rec := ts.do(t, http.MethodGet, "/api/eval/runs/"+trig.RunID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success  bool      `json:"success"`
		Run      store.Run `json:"run"`
		Progress struct {
			Processed int     `json:"processed"`
			Total     int     `json:"total"`
			Percent   float64 `json:"percent"`
		} `json:"progress"`
	}
	decodeJSON(t, rec, &resp)

	if resp.Run.ID != trig.RunID {
		t.Errorf("run.id = %q, want %q", resp.Run.ID, trig.RunID)
	}
	if resp.Run.Status != store.RunStatusCompleted {
		t.Errorf("run.status = %q, want completed", resp.Run.Status)
	}
	if resp.Progress.Processed != 4 || resp.Progress.Percent != 100 {
		t.Errorf("progress = %d @ %v%%, want 4 @ 100%%", resp.Progress.Processed, resp.Progress.Percent)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t, 15, "")

	rec := ts.do(t, http.MethodGet, "/api/eval/runs/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestListRunsEndpoint(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})

	rec := ts.do(t, http.MethodGet, "/api/eval/runs?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool        `json:"success"`
		Count   int         `json:"count"`
		Runs    []store.Run `json:"runs"`
	}
	decodeJSON(t, rec, &resp)

	if resp.Count != 1 || len(resp.Runs) != 1 {
		t.Fatalf("count = %d, runs = %d, want 1 each", resp.Count, len(resp.Runs))
	}
	if resp.Runs[0].Status != store.RunStatusCompleted {
		t.Errorf("run status = %q, want completed", resp.Runs[0].Status)
	}
}

func TestListRunsRejectsBadLimit(t *testing.T) {
	ts := newTestServer(t, 15, "")

	rec := ts.do(t, http.MethodGet, "/api/eval/runs?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestResultsEndpoint(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	done := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	var trig triggerResponse
	decodeJSON(t, done, &trig)

	rec := ts.do(t, http.MethodGet, "/api/eval/runs/"+trig.RunID+"/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success bool           `json:"success"`
		Count   int            `json:"count"`
		Results []store.Result `json:"results"`
	}
	decodeJSON(t, rec, &resp)

	if resp.Count != 4 {
		t.Fatalf("count = %d, want 4", resp.Count)
	}
	for i, res := range resp.Results {
		if res.Answer == "" {
			t.Errorf("result %d has empty answer", i)
		}
		if res.Verdict == "" {
			t.Errorf("result %d has empty verdict", i)
		}
	}
}

func TestResultsNotFound(t *testing.T) {
	ts := newTestServer(t, 15, "")

	rec := ts.do(t, http.MethodGet, "/api/eval/runs/does-not-exist/results", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestReportEndpointStreamsWorkbook(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	done := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	var trig triggerResponse
	decodeJSON(t, done, &trig)

	rec := ts.do(t, http.MethodGet, "/api/eval/runs/"+trig.RunID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q, want spreadsheet MIME", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, trig.RunID) {
		t.Errorf("Content-Disposition = %q, want filename containing run id", cd)
	}

	wb, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("parsing workbook: %v", err)
	}
	defer wb.Close()

	got, err := wb.GetCellValue("Summary", "B1")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if got != trig.RunID {
		t.Errorf("Summary!B1 = %q, want run id %q", got, trig.RunID)
	}
}

func TestReportNotFound(t *testing.T) {
	ts := newTestServer(t, 15, "")

	rec := ts.do(t, http.MethodGet, "/api/eval/runs/does-not-exist/report", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestQuestionsEndpoint(t *testing.T) {
	ts := newTestServer(t, 15, "")
	seedServer(t, ts)

	rec := ts.do(t, http.MethodGet, "/api/eval/questions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Success   bool             `json:"success"`
		Count     int              `json:"count"`
		Questions []store.Question `json:"questions"`
	}
	decodeJSON(t, rec, &resp)

	if resp.Count != 4 {
		t.Fatalf("count = %d, want 4", resp.Count)
	}
	want := "What trailer types do we accept for produce loads out of Salinas?"
	if resp.Questions[0].Question != want {
		t.Errorf("first question = %q, want %q", resp.Questions[0].Question, want)
	}
}

// ---------------------------------------------------------------------------
// Feedback endpoint
// ---------------------------------------------------------------------------

func TestFeedbackSuppressesFlagOnNextRun(t *testing.T) {
	ts := newTestServer(t, 15, "")
	ids := seedServer(t, ts)

	rec := ts.do(t, http.MethodPost, "/api/eval/feedback", map[string]interface{}{
		"question_id": ids[3],
		"term":        "mock",
		"note":        "dispatch desk confirmed the wording is fine",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("feedback status = %d (body %s)", rec.Code, rec.Body.String())
	}

	done := ts.do(t, http.MethodPost, "/api/eval/trigger", map[string]string{"run_type": "manual"})
	var trig triggerResponse
	decodeJSON(t, done, &trig)

	// With the "mock" flag suppressed the fourth question keeps full
	// grounding and lands in needs_review instead of fail.
	if trig.Summary.Failed != 0 {
		t.Errorf("summary.failed = %d, want 0", trig.Summary.Failed)
	}
	if trig.Summary.NeedsReview != 1 {
		t.Errorf("summary.needs_review = %d, want 1", trig.Summary.NeedsReview)
	}
	if trig.Summary.Passed != 3 {
		t.Errorf("summary.passed = %d, want 3", trig.Summary.Passed)
	}
}

func TestFeedbackErrors(t *testing.T) {
	ts := newTestServer(t, 15, "")
	ids := seedServer(t, ts)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"unknown question", map[string]interface{}{"question_id": 9999, "term": "flatbed"}, http.StatusNotFound},
		{"empty term", map[string]interface{}{"question_id": ids[0], "term": ""}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/eval/feedback", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestAuthProtectsAPIRoutes(t *testing.T) {
	ts := newTestServer(t, 15, "secret-token")

	rec := ts.do(t, http.MethodGet, "/api/eval/runs", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/eval/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	wrong := httptest.NewRecorder()
	ts.handler.ServeHTTP(wrong, req)
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want %d", wrong.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/eval/runs", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	ok := httptest.NewRecorder()
	ts.handler.ServeHTTP(ok, req)
	if ok.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want %d (body %s)", ok.Code, http.StatusOK, ok.Body.String())
	}
}

func TestHealthAndMetricsSkipAuth(t *testing.T) {
	ts := newTestServer(t, 15, "secret-token")

	health := ts.do(t, http.MethodGet, "/health", nil)
	if health.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", health.Code, http.StatusOK)
	}

	metricsRec := ts.do(t, http.MethodGet, "/metrics", nil)
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", metricsRec.Code, http.StatusOK)
	}
	// The health request above went through the logging middleware, so the
	// HTTP collectors must already hold at least one sample.
	if body := metricsRec.Body.String(); !strings.Contains(body, "answerbench_http_requests_total") {
		t.Error("metrics output is missing answerbench_http_requests_total")
	}
}
