//go:build cgo

package answerbench

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/haulstack/answerbench/assistant"
	"github.com/haulstack/answerbench/dataset"
	"github.com/haulstack/answerbench/runner"
	"github.com/haulstack/answerbench/scoring"
	"github.com/haulstack/answerbench/store"
)

func newTestHarness(t *testing.T) (Harness, *assistant.Mock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "bench.db")
	cfg.Assistant = assistant.Config{Provider: "mock"}
	cfg.BatchSize = 3
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	mock := h.(*harness).provider.(*assistant.Mock)
	return h, mock
}

// testBattery pairs with scriptReplies: three answers score as pass and the
// oversize question draws an affirmative flatbed mention that fails.
func testBattery() *dataset.Battery {
	return &dataset.Battery{
		Name: "dispatch-smoke",
		Questions: []dataset.Entry{
			{
				Question:         "What trailer types do we accept for produce loads?",
				ExpectedContains: []string{"dry van", "reefer"},
				ExpectedExcludes: []string{"flatbed"},
				Category:         "equipment",
			},
			{
				Question:         "What is the detention policy for shippers?",
				ExpectedContains: []string{"detention", "2 hours"},
				Category:         "accessorials",
			},
			{
				Question:         "Do we book hazmat loads for carriers without an endorsement?",
				ExpectedContains: []string{"endorsement"},
				ExpectedExcludes: []string{"no restrictions"},
				Category:         "compliance",
			},
			{
				Question:         "Can we cover oversize produce shipments this week?",
				ExpectedContains: []string{"dry van"},
				ExpectedExcludes: []string{"flatbed"},
				Category:         "equipment",
			},
		},
	}
}

func scriptReplies(m *assistant.Mock) {
	m.Reply("What trailer types do we accept for produce loads?",
		"We accept dry van and reefer trailers for produce loads. Flatbed equipment is not a fit for produce and is not accepted.")
	m.Reply("What is the detention policy for shippers?",
		"Detention applies after 2 hours of free time at the shipper, billed at the contracted hourly rate.")
	m.Reply("Do we book hazmat loads for carriers without an endorsement?",
		"No. A valid hazmat endorsement is required before we book hazmat freight for any carrier.")
	m.Reply("Can we cover oversize produce shipments this week?",
		"Yes, we can also arrange flatbed service on request for oversize shipments when capacity runs short.")
}

func seedTestBattery(t *testing.T, h Harness) []int64 {
	t.Helper()
	ids, err := h.SeedQuestions(context.Background(), testBattery())
	if err != nil {
		t.Fatalf("SeedQuestions: %v", err)
	}
	return ids
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "bench.db")
	cfg.Assistant = assistant.Config{Provider: "carrier-pigeon"}

	_, err := New(cfg)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New error = %v, want ErrInvalidConfig", err)
	}
}

func TestNewRejectsMissingRuleSetFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "bench.db")
	cfg.Assistant = assistant.Config{Provider: "mock"}
	cfg.NegationRules = filepath.Join(t.TempDir(), "no-such-rules.yaml")

	_, err := New(cfg)
	if !errors.Is(err, ErrInvalidRuleSet) {
		t.Fatalf("New error = %v, want ErrInvalidRuleSet", err)
	}
}

func TestNewRecordsCustomRuleVersionOnRuns(t *testing.T) {
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	rules := `version: dispatch-rules-v2
rules:
  - name: be-not
    pattern: '\b(?:is|are)\s+not\b'
`
	if err := os.WriteFile(rulesPath, []byte(rules), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "bench.db")
	cfg.Assistant = assistant.Config{Provider: "mock"}
	cfg.NegationRules = rulesPath
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	ctx := context.Background()
	_, err = h.SeedQuestions(ctx, &dataset.Battery{
		Name: "tiny",
		Questions: []dataset.Entry{{
			Question:         "Summarize the current appointment rescheduling policy for dispatch.",
			ExpectedContains: []string{"mock answer"},
		}},
	})
	if err != nil {
		t.Fatalf("SeedQuestions: %v", err)
	}

	run, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}
	if run.RuleVersion != "dispatch-rules-v2" {
		t.Errorf("RuleVersion = %q, want dispatch-rules-v2", run.RuleVersion)
	}
}

func TestSeedQuestions(t *testing.T) {
	h, _ := newTestHarness(t)
	ctx := context.Background()

	ids := seedTestBattery(t, h)
	if len(ids) != 4 {
		t.Fatalf("got %d ids, want 4", len(ids))
	}

	questions, err := h.Store().ListActiveQuestions(ctx)
	if err != nil {
		t.Fatalf("ListActiveQuestions: %v", err)
	}
	if len(questions) != 4 {
		t.Fatalf("got %d active questions, want 4", len(questions))
	}
	if questions[0].Category != "equipment" {
		t.Errorf("first category = %q, want equipment", questions[0].Category)
	}
}

func TestSeedQuestionsRejectsInvalidBattery(t *testing.T) {
	h, _ := newTestHarness(t)
	ctx := context.Background()

	_, err := h.SeedQuestions(ctx, &dataset.Battery{Name: "empty"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("empty battery error = %v, want ErrInvalidConfig", err)
	}

	_, err = h.SeedQuestions(ctx, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil battery error = %v, want ErrInvalidConfig", err)
	}
}

func TestRunToCompletion(t *testing.T) {
	h, mock := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)
	scriptReplies(mock)

	run, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}

	if run.Status != store.RunStatusCompleted {
		t.Fatalf("run status = %q, want completed", run.Status)
	}
	if run.Processed() != 4 {
		t.Errorf("processed = %d, want 4", run.Processed())
	}
	if run.Passed != 3 || run.Failed != 1 {
		t.Errorf("passed/failed = %d/%d, want 3/1", run.Passed, run.Failed)
	}
	if run.AvgAccuracy != 0.75 {
		t.Errorf("avg accuracy = %v, want 0.75", run.AvgAccuracy)
	}
	if run.AvgGrounding != 0.9375 {
		t.Errorf("avg grounding = %v, want 0.9375", run.AvgGrounding)
	}
	if run.CompletedAt == "" {
		t.Error("completed run has no completion time")
	}
	if asked := mock.Asked(); len(asked) != 4 {
		t.Errorf("assistant saw %d questions, want 4", len(asked))
	}

	results, err := h.Results(ctx, run.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	wantVerdicts := []string{
		string(scoring.VerdictPass), string(scoring.VerdictPass),
		string(scoring.VerdictPass), string(scoring.VerdictFail),
	}
	for i, want := range wantVerdicts {
		if results[i].Verdict != want {
			t.Errorf("result %d verdict = %q, want %q", i, results[i].Verdict, want)
		}
	}

	last := results[3]
	if len(last.Hallucinations) != 1 || last.Hallucinations[0] != "Hallucinated: flatbed" {
		t.Errorf("hallucinations = %v, want [Hallucinated: flatbed]", last.Hallucinations)
	}
	if last.Excerpts["flatbed"] == "" {
		t.Error("flagged hallucination has no excerpt")
	}
	if last.Grounding != 0.75 {
		t.Errorf("grounding = %v, want 0.75", last.Grounding)
	}
}

func TestRunToCompletionWithoutQuestions(t *testing.T) {
	h, _ := newTestHarness(t)

	_, err := h.RunToCompletion(context.Background(), store.RunTypeManual)
	if !errors.Is(err, ErrNoQuestions) {
		t.Fatalf("error = %v, want ErrNoQuestions", err)
	}
}

func TestStartRunValidation(t *testing.T) {
	h, _ := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)

	if _, err := h.StartRun(ctx, "hourly"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown run type error = %v, want ErrInvalidConfig", err)
	}

	run, err := h.StartRun(ctx, "")
	if err != nil {
		t.Fatalf("StartRun with empty type: %v", err)
	}
	if run.RunType != store.RunTypeManual {
		t.Errorf("run type = %q, want manual default", run.RunType)
	}
}

func TestStartRunWhileAnotherActive(t *testing.T) {
	h, _ := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)

	if _, err := h.StartRun(ctx, store.RunTypeManual); err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	_, err := h.StartRun(ctx, store.RunTypeManual)
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("second StartRun error = %v, want ErrRunActive", err)
	}
}

func TestContinueRunErrors(t *testing.T) {
	h, _ := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)

	_, err := h.ContinueRun(ctx, "22222222-2222-2222-2222-222222222222", 0)
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("unknown run error = %v, want ErrRunNotFound", err)
	}

	run, err := h.StartRun(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	_, err = h.ContinueRun(ctx, run.ID, 7)
	if !errors.Is(err, ErrStepNotFound) {
		t.Errorf("unknown step error = %v, want ErrStepNotFound", err)
	}
}

func TestContinueRunAdvancesStepByStep(t *testing.T) {
	h, mock := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)
	scriptReplies(mock)

	run, err := h.StartRun(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	first, err := h.ContinueRun(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("ContinueRun(0): %v", err)
	}
	if !first.Claimed || first.Completed {
		t.Fatalf("first step claimed=%v completed=%v, want claimed and not completed",
			first.Claimed, first.Completed)
	}
	if first.Processed != 3 || first.NextOffset != 3 {
		t.Errorf("first step processed=%d next=%d, want 3/3", first.Processed, first.NextOffset)
	}
	if first.Run.Status != store.RunStatusRunning {
		t.Errorf("run status after first step = %q, want running", first.Run.Status)
	}

	second, err := h.ContinueRun(ctx, run.ID, first.NextOffset)
	if err != nil {
		t.Fatalf("ContinueRun(3): %v", err)
	}
	if !second.Completed {
		t.Fatal("second step did not complete the run")
	}
	if second.Run.Status != store.RunStatusCompleted {
		t.Errorf("final run status = %q, want completed", second.Run.Status)
	}
}

func TestResultsUnknownRun(t *testing.T) {
	h, _ := newTestHarness(t)

	_, err := h.Results(context.Background(), "33333333-3333-3333-3333-333333333333")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("error = %v, want ErrRunNotFound", err)
	}
}

func TestRecordFalsePositiveSuppressesFlag(t *testing.T) {
	h, mock := newTestHarness(t)
	ctx := context.Background()

	ids, err := h.SeedQuestions(ctx, &dataset.Battery{
		Name: "oversize",
		Questions: []dataset.Entry{{
			Question:         "Can we cover oversize produce shipments this week?",
			ExpectedContains: []string{"arrange"},
			ExpectedExcludes: []string{"flatbed"},
			Category:         "equipment",
		}},
	})
	if err != nil {
		t.Fatalf("SeedQuestions: %v", err)
	}
	mock.Reply("Can we cover oversize produce shipments this week?",
		"Yes, we can also arrange flatbed service on request for oversize shipments when capacity runs short.")

	before, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	beforeResults, err := h.Results(ctx, before.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(beforeResults[0].Hallucinations) != 1 {
		t.Fatalf("first run hallucinations = %v, want one flag", beforeResults[0].Hallucinations)
	}

	if err := h.RecordFalsePositive(ctx, ids[0], "flatbed", "drayage desk confirmed the mention is fine"); err != nil {
		t.Fatalf("RecordFalsePositive: %v", err)
	}

	after, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	afterResults, err := h.Results(ctx, after.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(afterResults[0].Hallucinations) != 0 {
		t.Errorf("second run hallucinations = %v, want none", afterResults[0].Hallucinations)
	}
	if afterResults[0].Grounding != 1.0 {
		t.Errorf("second run grounding = %v, want 1.0", afterResults[0].Grounding)
	}
	if afterResults[0].Verdict != string(scoring.VerdictPass) {
		t.Errorf("second run verdict = %q, want pass", afterResults[0].Verdict)
	}
}

func TestRecordFalsePositiveValidation(t *testing.T) {
	h, _ := newTestHarness(t)
	ctx := context.Background()
	ids := seedTestBattery(t, h)

	if err := h.RecordFalsePositive(ctx, ids[0], "", "note"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("empty term error = %v, want ErrInvalidConfig", err)
	}
	if err := h.RecordFalsePositive(ctx, 9999, "flatbed", ""); !errors.Is(err, ErrQuestionNotFound) {
		t.Errorf("unknown question error = %v, want ErrQuestionNotFound", err)
	}
}

func TestReportJoinsCategories(t *testing.T) {
	h, mock := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)
	scriptReplies(mock)

	run, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}

	rep, err := h.Report(ctx, run.ID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(rep.Rows) != 4 {
		t.Fatalf("report has %d rows, want 4", len(rep.Rows))
	}
	equipment, ok := rep.Categories["equipment"]
	if !ok {
		t.Fatal("report missing equipment category")
	}
	if equipment.Total != 2 || equipment.Passed != 1 || equipment.Failed != 1 {
		t.Errorf("equipment stats = %+v, want total 2, passed 1, failed 1", equipment)
	}
	if rep.Rows[0].Question == "" {
		t.Error("report row lost its question text")
	}
}

func TestExportReportRoundTrip(t *testing.T) {
	h, mock := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)
	scriptReplies(mock)

	run, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("RunToCompletion: %v", err)
	}

	var buf bytes.Buffer
	if err := h.ExportReport(ctx, run.ID, &buf); err != nil {
		t.Fatalf("ExportReport: %v", err)
	}

	wb, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("opening workbook: %v", err)
	}
	defer wb.Close()

	got, err := wb.GetCellValue("Summary", "B1")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if got != run.ID {
		t.Errorf("Summary B1 = %q, want run id %q", got, run.ID)
	}

	rows, err := wb.GetRows("Results")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("results sheet has %d rows, want header plus 4", len(rows))
	}
	if rows[4][3] != string(scoring.VerdictFail) {
		t.Errorf("last row verdict = %q, want fail", rows[4][3])
	}
	if rows[4][8] != "Hallucinated: flatbed" {
		t.Errorf("last row hallucinations = %q, want the flagged term", rows[4][8])
	}
}

func TestExportReportUnknownRun(t *testing.T) {
	h, _ := newTestHarness(t)

	var buf bytes.Buffer
	err := h.ExportReport(context.Background(), "44444444-4444-4444-4444-444444444444", &buf)
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("error = %v, want ErrRunNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	h, mock := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)
	scriptReplies(mock)

	first, err := h.RunToCompletion(ctx, store.RunTypeManual)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := h.RunToCompletion(ctx, store.RunTypeScheduled)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	runs, err := h.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	seen := map[string]bool{runs[0].ID: true, runs[1].ID: true}
	if !seen[first.ID] || !seen[second.ID] {
		t.Errorf("runs = [%s %s], want both %s and %s", runs[0].ID, runs[1].ID, first.ID, second.ID)
	}
	for _, run := range runs {
		if run.Status != store.RunStatusCompleted {
			t.Errorf("run %s status = %q, want completed", run.ID, run.Status)
		}
	}
}

func TestDispatcherDrivesHarnessRun(t *testing.T) {
	h, mock := newTestHarness(t)
	ctx := context.Background()
	seedTestBattery(t, h)
	scriptReplies(mock)

	run, err := h.StartRun(ctx, store.RunTypeScheduled)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	d := h.Dispatcher(runner.DispatcherConfig{
		WorkerID:         "facade-worker",
		PollInterval:     20 * time.Millisecond,
		WatchdogInterval: time.Hour,
	})
	if err := d.Start(ctx); err != nil {
		t.Fatalf("dispatcher start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Stop(stopCtx); err != nil {
			t.Errorf("dispatcher stop: %v", err)
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		current, err := h.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if current.Status == store.RunStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in status %q", current.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	results, err := h.Results(ctx, run.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 4 {
		t.Errorf("got %d results, want 4", len(results))
	}
}
