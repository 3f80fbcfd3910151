// Command eval drives the answer-quality harness from the terminal.
//
// Seed the battery and score a run against the configured assistant:
//
//	go run ./cmd/eval seed --file battery.yaml
//	go run ./cmd/eval run --type manual
//
// Inspect past runs and export a workbook:
//
//	go run ./cmd/eval list --limit 10
//	go run ./cmd/eval export --run 6f1c... --out report.xlsx
//
// Clear a wrongly flagged term so future runs stop failing it, or check how
// the negation rules read a phrasing first:
//
//	go run ./cmd/eval rules --answer "We do not book flatbed." --term flatbed
//	go run ./cmd/eval feedback --question 12 --term "flatbed" --note "ops confirmed the mention"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/haulstack/answerbench"
	"github.com/haulstack/answerbench/dataset"
	"github.com/haulstack/answerbench/negation"
	"github.com/haulstack/answerbench/report"
	"github.com/haulstack/answerbench/store"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	// Reports print to stdout; logs stay on stderr and default quiet so
	// they do not interleave with the output.
	level := slog.LevelWarn
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelWarn
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "seed":
		err = cmdSeed(ctx, args)
	case "run":
		err = cmdRun(ctx, args)
	case "watch":
		err = cmdWatch(ctx, args)
	case "list":
		err = cmdList(ctx, args)
	case "export":
		err = cmdExport(ctx, args)
	case "feedback":
		err = cmdFeedback(ctx, args)
	case "rules":
		err = cmdRules(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: eval <command> [flags]

Commands:
  seed      Load a question battery into the database
  run       Score the active battery and print the report
  watch     Follow a run's progress until it finishes
  list      Show recent runs
  export    Write a run's XLSX workbook
  feedback  Record a confirmed false positive
  rules     Print, validate, or test negation rules

Run "eval <command> -h" for command flags.
`)
}

// openHarness builds a harness from defaults, an optional config file, and
// the environment.
func openHarness(ctx context.Context, configPath string) (answerbench.Harness, error) {
	cfg, err := answerbench.LoadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}
	return answerbench.New(cfg)
}

func cmdSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	file := fs.String("file", "", "Battery YAML file (default: built-in sample battery)")
	fs.Parse(args)

	battery := dataset.SampleBattery()
	if *file != "" {
		b, err := dataset.Load(*file)
		if err != nil {
			return fmt.Errorf("loading battery: %w", err)
		}
		battery = b
	}

	h, err := openHarness(ctx, *configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	ids, err := h.SeedQuestions(ctx, battery)
	if err != nil {
		return err
	}

	fmt.Printf("Seeded %d questions from battery %q\n", len(ids), battery.Name)
	return nil
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	runType := fs.String("type", store.RunTypeManual, "Run type: manual or scheduled")
	fs.Parse(args)

	h, err := openHarness(ctx, *configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	fmt.Fprintln(os.Stderr, "Scoring active battery...")
	start := time.Now()

	run, err := h.RunToCompletion(ctx, *runType)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Run %s finished in %s\n", run.ID, time.Since(start).Round(time.Millisecond))

	rep, err := h.Report(ctx, run.ID)
	if err != nil {
		return err
	}
	fmt.Println(report.Format(rep))
	return nil
}

func cmdWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	runID := fs.String("run", "", "Run id to watch (default: the active run)")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval")
	fs.Parse(args)

	h, err := openHarness(ctx, *configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	id := *runID
	if id == "" {
		active, err := h.Store().GetActiveRun(ctx)
		if err != nil {
			return err
		}
		if active == nil {
			return errors.New("no active run; pass --run to watch a finished one")
		}
		id = active.ID
	}

	for {
		run, err := h.GetRun(ctx, id)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "\r%-9s  %d/%d processed  (pass %d, fail %d)   ",
			run.Status, run.Processed(), run.TotalQuestions, run.Passed, run.Failed)

		if run.Status != store.RunStatusRunning {
			fmt.Fprintln(os.Stderr)
			rep, err := h.Report(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println(report.Format(rep))
			return nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return ctx.Err()
		case <-time.After(*interval):
		}
	}
}

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	limit := fs.Int("limit", 20, "Max runs to show")
	fs.Parse(args)

	h, err := openHarness(ctx, *configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	runs, err := h.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-9s  %-9s  %9s  %5s  %5s  %5s  %s\n",
		"RUN", "TYPE", "STATUS", "PROGRESS", "PASS", "FAIL", "ACC", "STARTED")
	for _, run := range runs {
		fmt.Printf("%-36s  %-9s  %-9s  %4d/%-4d  %5d  %5d  %5.2f  %s\n",
			run.ID, run.RunType, run.Status,
			run.Processed(), run.TotalQuestions,
			run.Passed, run.Failed, run.AvgAccuracy, run.StartedAt)
	}
	return nil
}

func cmdExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	runID := fs.String("run", "", "Run id to export (default: the most recent)")
	out := fs.String("out", "", "Output path (default: answerbench-<run>.xlsx)")
	fs.Parse(args)

	h, err := openHarness(ctx, *configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	id := *runID
	if id == "" {
		runs, err := h.ListRuns(ctx, 1)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return errors.New("no runs recorded")
		}
		id = runs[0].ID
	}

	path := *out
	if path == "" {
		path = "answerbench-" + id + ".xlsx"
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := h.ExportReport(ctx, id, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Printf("Report for run %s written to %s\n", id, path)
	return nil
}

func cmdFeedback(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("feedback", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	questionID := fs.Int64("question", 0, "Question id the term was flagged on")
	term := fs.String("term", "", "Flagged term to suppress")
	note := fs.String("note", "", "Why the flag is wrong")
	fs.Parse(args)

	if *questionID == 0 || *term == "" {
		return errors.New("--question and --term are required")
	}

	h, err := openHarness(ctx, *configPath)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.RecordFalsePositive(ctx, *questionID, *term, *note); err != nil {
		return err
	}

	fmt.Printf("Recorded false positive %q for question %d\n", *term, *questionID)
	return nil
}

func cmdRules(args []string) error {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	file := fs.String("file", "", "Rule-set YAML to validate (default: show the built-in rules)")
	answer := fs.String("answer", "", "Answer text to test a term against")
	term := fs.String("term", "", "Term to test for negation inside --answer")
	fs.Parse(args)

	rules := negation.DefaultRuleSet()
	if *file != "" {
		rs, err := negation.LoadRuleSet(*file)
		if err != nil {
			return err
		}
		rules = rs
		fmt.Printf("Rule set %s is valid.\n", *file)
	}

	// Explain mode: report which rule, if any, keeps the term from being
	// flagged in the given answer.
	if *answer != "" || *term != "" {
		if *answer == "" || *term == "" {
			return errors.New("--answer and --term go together")
		}
		det, err := negation.NewDetector(rules)
		if err != nil {
			return err
		}
		if name := det.MatchRule(*answer, *term); name != "" {
			fmt.Printf("%q is negated by rule %q; a run would not flag it.\n", *term, name)
		} else if strings.Contains(strings.ToLower(*answer), strings.ToLower(*term)) {
			fmt.Printf("%q appears affirmatively; a run would flag it.\n", *term)
		} else {
			fmt.Printf("%q does not appear in the answer.\n", *term)
		}
		return nil
	}

	fmt.Printf("Version: %s (%d rules)\n", rules.Version, len(rules.Rules))
	for _, rule := range rules.Rules {
		fmt.Printf("  %-22s %s\n", rule.Name, rule.Pattern)
	}
	return nil
}
