package scoring

import (
	"math"
	"strings"
	"testing"

	"github.com/haulstack/answerbench/negation"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	d, err := negation.NewDetector(negation.DefaultRuleSet())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return NewEngine(d)
}

func almost(got, want float64) bool {
	return math.Abs(got-want) < 0.001
}

// ---------------------------------------------------------------------------
// End-to-end scoring scenarios
// ---------------------------------------------------------------------------

func TestScore_NegatedForbiddenTerm(t *testing.T) {
	e := newTestEngine(t)
	b := e.Score(Input{
		Answer:           "Use a refrigerated trailer set to 35°F; this is not a flatbed load.",
		ExpectedContains: []string{"refrigerated", "35°F"},
		ExpectedExcludes: []string{"flatbed"},
	})

	if !almost(b.Accuracy, 1.0) {
		t.Errorf("accuracy: got %f, want 1.0", b.Accuracy)
	}
	if len(b.Hallucinations) != 0 {
		t.Errorf("hallucinations: got %v, want none (negated mention)", b.Hallucinations)
	}
	if !almost(b.Grounding, 1.0) {
		t.Errorf("grounding: got %f, want 1.0", b.Grounding)
	}
	if len(b.Issues) != 0 {
		t.Errorf("issues: got %v, want none", b.Issues)
	}
	if v := Classify(b.Overall); v != VerdictPass {
		t.Errorf("verdict: got %q (overall %f), want pass", v, b.Overall)
	}
}

func TestScore_HallucinatedForbiddenTerm(t *testing.T) {
	e := newTestEngine(t)
	b := e.Score(Input{
		Answer:           "This requires a flatbed trailer.",
		ExpectedContains: []string{"refrigerated", "35°F"},
		ExpectedExcludes: []string{"flatbed"},
	})

	if !almost(b.Accuracy, 0.0) {
		t.Errorf("accuracy: got %f, want 0", b.Accuracy)
	}
	if len(b.Issues) != 2 {
		t.Errorf("issues: got %v, want two Missing entries", b.Issues)
	}
	if len(b.Hallucinations) != 1 || b.Hallucinations[0] != "Hallucinated: flatbed" {
		t.Errorf("hallucinations: got %v, want [Hallucinated: flatbed]", b.Hallucinations)
	}
	if !almost(b.Grounding, 0.75) {
		t.Errorf("grounding: got %f, want 0.75", b.Grounding)
	}
	if v := Classify(b.Overall); v != VerdictFail {
		t.Errorf("verdict: got %q (overall %f), want fail", v, b.Overall)
	}
	if excerpt, ok := b.Excerpts["flatbed"]; !ok || !strings.Contains(strings.ToLower(excerpt), "flatbed") {
		t.Errorf("excerpts: got %v, want flatbed excerpt", b.Excerpts)
	}
}

func TestScore_KnownFalsePositiveSuppressed(t *testing.T) {
	e := newTestEngine(t)
	in := Input{
		Answer:           "This requires a flatbed trailer.",
		ExpectedContains: []string{"refrigerated", "35°F"},
		ExpectedExcludes: []string{"flatbed"},
	}

	flagged := e.Score(in)
	in.KnownFalsePositives = []string{"FLATBED"} // case-insensitive match
	suppressed := e.Score(in)

	if len(suppressed.Hallucinations) != 0 {
		t.Errorf("hallucinations: got %v, want none after suppression", suppressed.Hallucinations)
	}
	if suppressed.Grounding <= flagged.Grounding {
		t.Errorf("grounding should improve: %f vs %f", suppressed.Grounding, flagged.Grounding)
	}
	if suppressed.Overall <= flagged.Overall {
		t.Errorf("overall should improve: %f vs %f", suppressed.Overall, flagged.Overall)
	}
}

func TestScore_EmptyExpectedContains(t *testing.T) {
	e := newTestEngine(t)
	b := e.Score(Input{Answer: "Anything at all."})
	if b.Accuracy != 1.0 {
		t.Errorf("accuracy with no expectations: got %f, want exactly 1.0", b.Accuracy)
	}
	if len(b.Issues) != 0 {
		t.Errorf("issues: got %v, want none", b.Issues)
	}
}

func TestScore_GroundingFloor(t *testing.T) {
	e := newTestEngine(t)
	b := e.Score(Input{
		Answer:           "We can use flatbed, tanker, hopper, reefer, conestoga equipment here.",
		ExpectedExcludes: []string{"flatbed", "tanker", "hopper", "reefer", "conestoga"},
	})
	if len(b.Hallucinations) != 5 {
		t.Fatalf("hallucinations: got %d, want 5", len(b.Hallucinations))
	}
	// 5 * 0.25 exceeds 1.0; the score floors at 0 rather than going negative.
	if b.Grounding != 0 {
		t.Errorf("grounding: got %f, want 0", b.Grounding)
	}
}

func TestScore_BoundsAlwaysHold(t *testing.T) {
	e := newTestEngine(t)
	inputs := []Input{
		{},
		{Answer: strings.Repeat("word ", 200)},
		{Answer: "short", ExpectedContains: []string{"a", "b", "c"}},
		{
			Answer:           "flatbed flatbed flatbed flatbed flatbed flatbed",
			ExpectedExcludes: []string{"flatbed", "tanker"},
		},
		{
			Answer:           "The rate is $2.85 per mile on this lane.",
			ExpectedContains: []string{"$2.85", "per mile"},
			ExpectedExcludes: []string{"$3.50"},
		},
	}
	for i, in := range inputs {
		b := e.Score(in)
		for name, v := range map[string]float64{
			"accuracy":     b.Accuracy,
			"grounding":    b.Grounding,
			"completeness": b.Completeness,
			"overall":      b.Overall,
		} {
			if v < 0 || v > 1 {
				t.Errorf("input %d: %s out of bounds: %f", i, name, v)
			}
		}
	}
}

func TestScore_PartialAccuracy(t *testing.T) {
	e := newTestEngine(t)
	b := e.Score(Input{
		Answer:           "Detention billing starts after two hours at the shipper.",
		ExpectedContains: []string{"two hours", "shipper", "$75"},
	})
	if !almost(b.Accuracy, 2.0/3.0) {
		t.Errorf("accuracy: got %f, want 2/3", b.Accuracy)
	}
	if len(b.Issues) != 1 || b.Issues[0] != "Missing: $75" {
		t.Errorf("issues: got %v, want [Missing: $75]", b.Issues)
	}
}

func TestScore_UnicodeNormalization(t *testing.T) {
	e := newTestEngine(t)
	// Non-breaking space and Unicode hyphen in the answer still match plain
	// ASCII expected terms.
	b := e.Score(Input{
		Answer:           "Set the reefer to 35 °F for temp‑controlled freight.",
		ExpectedContains: []string{"35 °F", "temp-controlled"},
	})
	if !almost(b.Accuracy, 1.0) {
		t.Errorf("accuracy: got %f, want 1.0 (issues %v)", b.Accuracy, b.Issues)
	}
}

// ---------------------------------------------------------------------------
// Completeness heuristic
// ---------------------------------------------------------------------------

func TestScoreCompleteness(t *testing.T) {
	tests := []struct {
		name string
		n    int
		want float64
	}{
		{name: "empty", n: 0, want: 0.5},
		{name: "short", n: 49, want: 0.5},
		{name: "lower medium edge", n: 50, want: 0.7},
		{name: "medium", n: 149, want: 0.7},
		{name: "lower long edge", n: 150, want: 0.85},
		{name: "long", n: 299, want: 0.85},
		{name: "full", n: 300, want: 1.0},
		{name: "beyond", n: 500, want: 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreCompleteness(strings.Repeat("a", tt.n))
			if got != tt.want {
				t.Errorf("completeness(%d chars): got %f, want %f", tt.n, got, tt.want)
			}
		})
	}
}

func TestScoreCompleteness_CountsRunes(t *testing.T) {
	// 50 multibyte runes are >= the 50-character threshold even though the
	// byte length is far larger.
	if got := scoreCompleteness(strings.Repeat("°", 50)); got != 0.7 {
		t.Errorf("completeness: got %f, want 0.7", got)
	}
}
