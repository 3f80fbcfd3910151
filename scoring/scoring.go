// Package scoring turns a raw assistant answer into a score breakdown:
// accuracy against expected content, grounding against forbidden terms
// (negation-aware, with per-question false-positive suppression),
// a length-based completeness heuristic, and a weighted overall score.
package scoring

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/haulstack/answerbench/negation"
)

// Overall score weights. Accuracy and grounding dominate; completeness is a
// tie-breaker so a terse but correct answer still lands in a passing band.
const (
	weightAccuracy     = 0.4
	weightGrounding    = 0.4
	weightCompleteness = 0.2
)

// groundingPenalty is the score cost of each unsuppressed hallucination.
const groundingPenalty = 0.25

// HallucinationPrefix marks entries in a Breakdown's hallucination list.
// Excerpts are keyed by the bare term, without it.
const HallucinationPrefix = "Hallucinated: "

// Input is everything needed to score one answer. KnownFalsePositives are
// the confirmed false-positive terms for this question only.
type Input struct {
	Answer              string
	ExpectedContains    []string
	ExpectedExcludes    []string
	KnownFalsePositives []string
}

// Breakdown is the scored view of a single answer. All score dimensions are
// in [0,1]. Issues lists missing expected terms; Hallucinations lists
// flagged forbidden terms; Excerpts maps each flagged term to the answer
// sentence(s) around its first occurrence, as a review aid.
type Breakdown struct {
	Accuracy       float64
	Grounding      float64
	Completeness   float64
	Overall        float64
	Issues         []string
	Hallucinations []string
	Excerpts       map[string]string
}

// Engine scores answers. Pure: no I/O, no state beyond the compiled
// negation detector, safe for concurrent use.
type Engine struct {
	detector *negation.Detector
}

// NewEngine creates a scoring engine around a compiled negation detector.
func NewEngine(d *negation.Detector) *Engine {
	return &Engine{detector: d}
}

// RuleVersion returns the version of the negation rule set in use. Runs
// record it so scores can be traced back to the rules that produced them.
func (e *Engine) RuleVersion() string {
	return e.detector.Version()
}

// Score computes the full breakdown for one answer.
func (e *Engine) Score(in Input) Breakdown {
	var b Breakdown
	norm := normalizeText(in.Answer)
	lower := strings.ToLower(norm)

	b.Accuracy = e.scoreAccuracy(lower, in.ExpectedContains, &b.Issues)
	b.Grounding = e.scoreGrounding(norm, lower, in, &b)
	b.Completeness = scoreCompleteness(in.Answer)
	b.Overall = clamp(weightAccuracy*b.Accuracy +
		weightGrounding*b.Grounding +
		weightCompleteness*b.Completeness)
	return b
}

// scoreAccuracy returns the fraction of expected terms present as
// case-insensitive substrings. An empty expectation list is vacuously
// satisfied. Each miss appends a "Missing:" issue.
func (e *Engine) scoreAccuracy(lowerAnswer string, expected []string, issues *[]string) float64 {
	if len(expected) == 0 {
		return 1.0
	}
	found := 0
	for _, term := range expected {
		if strings.Contains(lowerAnswer, strings.ToLower(normalizeText(term))) {
			found++
		} else {
			*issues = append(*issues, "Missing: "+term)
		}
	}
	return float64(found) / float64(len(expected))
}

// scoreGrounding flags forbidden terms that appear without negation and are
// not known false positives, then charges groundingPenalty per flag.
func (e *Engine) scoreGrounding(normAnswer, lowerAnswer string, in Input, b *Breakdown) float64 {
	for _, term := range in.ExpectedExcludes {
		if isKnownFalsePositive(term, in.KnownFalsePositives) {
			continue
		}
		normTerm := normalizeText(term)
		if !strings.Contains(lowerAnswer, strings.ToLower(normTerm)) {
			continue
		}
		if e.detector.IsNegated(normAnswer, normTerm) {
			continue
		}
		b.Hallucinations = append(b.Hallucinations, HallucinationPrefix+term)
		if excerpt := ExcerptAround(normAnswer, normTerm); excerpt != "" {
			if b.Excerpts == nil {
				b.Excerpts = make(map[string]string)
			}
			b.Excerpts[term] = excerpt
		}
	}
	return clamp(1.0 - groundingPenalty*float64(len(b.Hallucinations)))
}

// scoreCompleteness is a length heuristic on the raw answer, counted in
// characters. Short answers cap out low even when accurate.
func scoreCompleteness(answer string) float64 {
	n := utf8.RuneCountInString(answer)
	switch {
	case n >= 300:
		return 1.0
	case n >= 150:
		return 0.85
	case n >= 50:
		return 0.7
	default:
		return 0.5
	}
}

// isKnownFalsePositive reports whether term matches a confirmed false
// positive, case-insensitively.
func isKnownFalsePositive(term string, known []string) bool {
	for _, k := range known {
		if strings.EqualFold(term, k) {
			return true
		}
	}
	return false
}

// normalizeText normalizes Unicode characters commonly produced by LLMs so
// that substring matching works reliably:
//   - Unicode whitespace → ASCII space (U+202F, U+00A0, etc.)
//   - Unicode hyphens → ASCII hyphen (U+2010..U+2014)
//   - zero-width characters stripped (U+200B..U+200D, U+FEFF)
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '‐' || r == '‑' || r == '‒' || r == '–' || r == '—':
			b.WriteByte('-')
		case r == '​' || r == '‌' || r == '‍' || r == '\ufeff':
			// strip zero-width characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
