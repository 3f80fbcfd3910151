// Package report renders finished evaluation runs: a plain text summary for
// logs and terminals, and an XLSX workbook for the answer-quality review.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/haulstack/answerbench/scoring"
	"github.com/haulstack/answerbench/store"
)

// Row is one scored question joined with its battery entry.
type Row struct {
	store.Result
	Question string
	Category string
}

// CategoryStats aggregates verdicts within one battery category.
type CategoryStats struct {
	Total        int
	Passed       int
	Failed       int
	AvgAccuracy  float64
	AvgGrounding float64
	AvgOverall   float64
}

// Report is a run joined with its results, ready for rendering.
type Report struct {
	Run        *store.Run
	Rows       []Row
	Categories map[string]CategoryStats
}

// Build joins a run's results with the question battery. Results whose
// question has since been deleted keep their scores and land in the
// uncategorized bucket.
func Build(run *store.Run, results []store.Result, questions []store.Question) *Report {
	byID := make(map[int64]store.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	r := &Report{
		Run:        run,
		Rows:       make([]Row, 0, len(results)),
		Categories: make(map[string]CategoryStats),
	}

	type sums struct{ accuracy, grounding, overall float64 }
	catSums := make(map[string]sums)

	for _, res := range results {
		row := Row{Result: res}
		if q, ok := byID[res.QuestionID]; ok {
			row.Question = q.Question
			row.Category = q.Category
		}
		if row.Category == "" {
			row.Category = "uncategorized"
		}
		r.Rows = append(r.Rows, row)

		stats := r.Categories[row.Category]
		stats.Total++
		switch row.Verdict {
		case string(scoring.VerdictPass), string(scoring.VerdictSoftPass):
			stats.Passed++
		case string(scoring.VerdictFail):
			stats.Failed++
		}
		r.Categories[row.Category] = stats

		s := catSums[row.Category]
		s.accuracy += row.Accuracy
		s.grounding += row.Grounding
		s.overall += row.Overall
		catSums[row.Category] = s
	}

	for cat, stats := range r.Categories {
		s := catSums[cat]
		n := float64(stats.Total)
		stats.AvgAccuracy = s.accuracy / n
		stats.AvgGrounding = s.grounding / n
		stats.AvgOverall = s.overall / n
		r.Categories[cat] = stats
	}

	return r
}

// AvgOverall returns the mean overall score across all rows.
func (r *Report) AvgOverall() float64 {
	if len(r.Rows) == 0 {
		return 0
	}
	var total float64
	for _, row := range r.Rows {
		total += row.Overall
	}
	return total / float64(len(r.Rows))
}

// Format produces a human-readable report string.
func Format(r *Report) string {
	var b strings.Builder
	run := r.Run

	fmt.Fprintf(&b, "=== Answer Quality Run: %s ===\n", run.ID)
	fmt.Fprintf(&b, "Type: %s | Status: %s | Rule set: %s\n", run.RunType, run.Status, run.RuleVersion)
	fmt.Fprintf(&b, "Questions: %d of %d evaluated | Pass rate: %.1f%%\n",
		run.Processed(), run.TotalQuestions, passRate(run.Passed+run.SoftPassed, run.Processed()))
	fmt.Fprintf(&b, "Started: %s", run.StartedAt)
	if run.CompletedAt != "" {
		fmt.Fprintf(&b, " | Completed: %s", run.CompletedAt)
	}
	fmt.Fprintln(&b)
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "Verdicts:\n")
	fmt.Fprintf(&b, "  pass:          %3d (%.1f%%)\n", run.Passed, passRate(run.Passed, run.Processed()))
	fmt.Fprintf(&b, "  soft pass:     %3d (%.1f%%)\n", run.SoftPassed, passRate(run.SoftPassed, run.Processed()))
	fmt.Fprintf(&b, "  needs review:  %3d (%.1f%%)\n", run.NeedsReview, passRate(run.NeedsReview, run.Processed()))
	fmt.Fprintf(&b, "  fail:          %3d (%.1f%%)\n\n", run.Failed, passRate(run.Failed, run.Processed()))

	fmt.Fprintf(&b, "Averages:\n")
	fmt.Fprintf(&b, "  Accuracy:   %.2f\n", run.AvgAccuracy)
	fmt.Fprintf(&b, "  Grounding:  %.2f\n", run.AvgGrounding)
	fmt.Fprintf(&b, "  Overall:    %.2f\n\n", r.AvgOverall())

	flagged := 0
	for _, row := range r.Rows {
		flagged += len(row.Hallucinations)
	}
	if flagged > 0 {
		fmt.Fprintf(&b, "Flagged Hallucinations:\n")
		for i, row := range r.Rows {
			if len(row.Hallucinations) == 0 {
				continue
			}
			fmt.Fprintf(&b, "  %d. %s\n", i+1, truncate(row.Question, 80))
			for _, flag := range row.Hallucinations {
				// Excerpts are keyed by the bare term, not the flag string.
				term := strings.TrimPrefix(flag, scoring.HallucinationPrefix)
				if excerpt := row.Excerpts[term]; excerpt != "" {
					fmt.Fprintf(&b, "     %s: %q\n", term, truncate(excerpt, 120))
				} else {
					fmt.Fprintf(&b, "     %s\n", term)
				}
			}
		}
		fmt.Fprintln(&b)
	}

	// Per-category breakdown (sorted for deterministic output)
	if len(r.Categories) > 0 {
		cats := make([]string, 0, len(r.Categories))
		for cat := range r.Categories {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category:\n")
		for _, cat := range cats {
			stats := r.Categories[cat]
			fmt.Fprintf(&b, "  [%s] total=%d passed=%d failed=%d acc=%.2f grd=%.2f overall=%.2f\n",
				cat, stats.Total, stats.Passed, stats.Failed,
				stats.AvgAccuracy, stats.AvgGrounding, stats.AvgOverall)
		}
		fmt.Fprintln(&b)
	}

	if len(r.Rows) > 0 {
		fmt.Fprintf(&b, "Results:\n")
		for i, row := range r.Rows {
			fmt.Fprintf(&b, "[%s] %d. %s\n", verdictTag(row.Verdict), i+1, row.Question)
			fmt.Fprintf(&b, "  Acc=%.2f Grd=%.2f Comp=%.2f Overall=%.2f  (%dms)\n",
				row.Accuracy, row.Grounding, row.Completeness, row.Overall, row.ElapsedMs)
			if len(row.Issues) > 0 {
				fmt.Fprintf(&b, "  Issues: %s\n", strings.Join(row.Issues, "; "))
			}
		}
	}

	return b.String()
}

const (
	summarySheet = "Summary"
	resultsSheet = "Results"
)

// WriteXLSX renders the report as a two-sheet workbook.
func WriteXLSX(r *Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("renaming summary sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	run := r.Run
	summary := [][]interface{}{
		{"Run", run.ID},
		{"Type", run.RunType},
		{"Status", run.Status},
		{"Rule set", run.RuleVersion},
		{"Questions", run.TotalQuestions},
		{"Processed", run.Processed()},
		{"Passed", run.Passed},
		{"Soft passed", run.SoftPassed},
		{"Needs review", run.NeedsReview},
		{"Failed", run.Failed},
		{"Avg accuracy", run.AvgAccuracy},
		{"Avg grounding", run.AvgGrounding},
		{"Started", run.StartedAt},
		{"Completed", run.CompletedAt},
	}
	if run.Error != "" {
		summary = append(summary, []interface{}{"Error", run.Error})
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("writing summary row: %w", err)
		}
	}
	if err := f.SetCellStyle(summarySheet, "A1", fmt.Sprintf("A%d", len(summary)), bold); err != nil {
		return fmt.Errorf("styling summary: %w", err)
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 16); err != nil {
		return err
	}
	if err := f.SetColWidth(summarySheet, "B", "B", 44); err != nil {
		return err
	}

	idx, err := f.NewSheet(resultsSheet)
	if err != nil {
		return fmt.Errorf("creating results sheet: %w", err)
	}

	header := []interface{}{
		"#", "Question", "Category", "Verdict",
		"Accuracy", "Grounding", "Completeness", "Overall",
		"Hallucinations", "Issues", "Model", "Elapsed ms",
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &header); err != nil {
		return fmt.Errorf("writing results header: %w", err)
	}
	if err := f.SetCellStyle(resultsSheet, "A1", "L1", bold); err != nil {
		return fmt.Errorf("styling results header: %w", err)
	}

	for i, row := range r.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		record := []interface{}{
			i + 1,
			row.Question,
			row.Category,
			row.Verdict,
			row.Accuracy,
			row.Grounding,
			row.Completeness,
			row.Overall,
			strings.Join(row.Hallucinations, ", "),
			strings.Join(row.Issues, "; "),
			row.Model,
			row.ElapsedMs,
		}
		if err := f.SetSheetRow(resultsSheet, cell, &record); err != nil {
			return fmt.Errorf("writing result row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(resultsSheet, "B", "B", 60); err != nil {
		return err
	}
	if err := f.SetColWidth(resultsSheet, "I", "J", 40); err != nil {
		return err
	}
	f.SetActiveSheet(idx)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func verdictTag(verdict string) string {
	switch verdict {
	case string(scoring.VerdictPass):
		return "PASS"
	case string(scoring.VerdictSoftPass):
		return "SOFT"
	case string(scoring.VerdictNeedsReview):
		return "REVIEW"
	case string(scoring.VerdictFail):
		return "FAIL"
	default:
		return strings.ToUpper(verdict)
	}
}

func passRate(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
