package negation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule is a single negation pattern. The pattern is a regular expression
// compiled case-insensitively against a context window around a term.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// RuleSet is a versioned, ordered list of negation rules. The version is
// recorded on every evaluation run so score changes caused by rule edits
// stay attributable.
type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Validate checks structural requirements without compiling patterns.
func (rs RuleSet) Validate() error {
	if rs.Version == "" {
		return fmt.Errorf("negation: rule set has no version")
	}
	if len(rs.Rules) == 0 {
		return fmt.Errorf("negation: rule set %q has no rules", rs.Version)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.Name == "" {
			return fmt.Errorf("negation: rule %d has no name", i)
		}
		if r.Pattern == "" {
			return fmt.Errorf("negation: rule %q has no pattern", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("negation: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// DefaultRuleSet returns the built-in negation rules. Covers the negation
// constructions dispatch answers actually produce: plain "is not", the
// contracted forms, validity denials, existence denials, and exclusion or
// rejection phrasing.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Version: "builtin-2025-06",
		Rules: []Rule{
			{Name: "be-not", Pattern: `\b(?:is|are|was|were)\s+not\b`},
			{Name: "be-not-contracted", Pattern: `\b(?:isn|aren|wasn|weren)['’]t\b`},
			{Name: "do-not", Pattern: `\b(?:do|does|did)\s+not\b`},
			{Name: "do-not-contracted", Pattern: `\b(?:don|doesn|didn)['’]t\b`},
			{Name: "not-a-valid", Pattern: `\bnot\s+an?\s+(?:valid|correct|acceptable|appropriate)\b`},
			{Name: "not-a", Pattern: `\bnot\s+an?\b`},
			{Name: "invalid", Pattern: `\binvalid\b`},
			{Name: "does-not-exist", Pattern: `\bdoes\s+not\s+exist\b|\bdoesn['’]t\s+exist\b|\bno\s+longer\s+exists?\b`},
			{Name: "cannot-be", Pattern: `\bcannot\s+be\b|\bcan['’]t\s+be\b|\bcan\s+not\s+be\b`},
			{Name: "should-not", Pattern: `\bshould\s+not\b|\bshouldn['’]t\b`},
			{Name: "must-not", Pattern: `\bmust\s+not\b|\bmustn['’]t\b`},
			{Name: "excluded", Pattern: `\bexclude[ds]?\b`},
			{Name: "not-accepted", Pattern: `\bwon['’]t\s+be\s+accepted\b|\bwill\s+not\s+be\s+accepted\b|\bnot\s+accepted\b|\brejected\b`},
			{Name: "never", Pattern: `\bnever\b`},
			{Name: "avoid", Pattern: `\bavoid\b|\brather\s+than\b|\binstead\s+of\b`},
		},
	}
}

// LoadRuleSet reads a rule set from a YAML file. The file must carry its own
// version; partial files do not merge with the defaults.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("negation: reading rules file: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("negation: parsing rules file %s: %w", path, err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, fmt.Errorf("%w (file %s)", err, path)
	}
	return rs, nil
}
