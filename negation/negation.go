// Package negation decides whether a forbidden term inside an answer is
// mentioned in a negated context ("this is not a flatbed load") and therefore
// should not count as a hallucination. Detection is window-based: every
// case-insensitive occurrence of the term gets a fixed-width context window,
// and an ordered rule set of negation patterns is tested against each window.
package negation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// contextWindow is the number of characters of context taken on each side of
// a term occurrence when looking for negation cues.
const contextWindow = 100

// Detector tests term occurrences against a compiled negation rule set.
type Detector struct {
	version string
	rules   []compiledRule
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// NewDetector compiles a rule set into a Detector. Patterns are compiled
// case-insensitively in rule-set order; an invalid pattern fails the whole
// set so a bad rules file is caught at startup rather than mid-run.
func NewDetector(rs RuleSet) (*Detector, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{version: rs.Version}
	for _, r := range rs.Rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("negation: rule %q: %w", r.Name, err)
		}
		d.rules = append(d.rules, compiledRule{name: r.Name, re: re})
	}
	return d, nil
}

// Version reports the version of the rule set the detector was built from.
func (d *Detector) Version() string { return d.version }

// IsNegated reports whether term appears in text inside a negated context.
// Every case-insensitive occurrence is checked; one negated occurrence is
// enough, even when other occurrences of the same term are not negated.
// Returns false when the term does not appear at all.
func (d *Detector) IsNegated(text, term string) bool {
	if text == "" || term == "" {
		return false
	}
	lower := strings.ToLower(text)
	lowTerm := strings.ToLower(term)

	from := 0
	for {
		idx := strings.Index(lower[from:], lowTerm)
		if idx < 0 {
			return false
		}
		start := from + idx
		window := windowAround(lower, start, start+len(lowTerm))
		for _, r := range d.rules {
			if r.re.MatchString(window) {
				return true
			}
		}
		from = start + len(lowTerm)
	}
}

// MatchRule returns the name of the first rule that negates term in text,
// checking occurrences in order. Empty string when no rule matches. Used by
// the rules CLI subcommand to explain detector behavior.
func (d *Detector) MatchRule(text, term string) string {
	if text == "" || term == "" {
		return ""
	}
	lower := strings.ToLower(text)
	lowTerm := strings.ToLower(term)

	from := 0
	for {
		idx := strings.Index(lower[from:], lowTerm)
		if idx < 0 {
			return ""
		}
		start := from + idx
		window := windowAround(lower, start, start+len(lowTerm))
		for _, r := range d.rules {
			if r.re.MatchString(window) {
				return r.name
			}
		}
		from = start + len(lowTerm)
	}
}

// windowAround returns the slice of text extending contextWindow characters
// on each side of text[start:end], clamped to the text bounds.
func windowAround(text string, start, end int) string {
	ws := start
	for i := 0; i < contextWindow && ws > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:ws])
		ws -= size
	}
	we := end
	for i := 0; i < contextWindow && we < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[we:])
		we += size
	}
	return text[ws:we]
}
