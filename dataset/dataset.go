// Package dataset loads question batteries from YAML files for seeding the
// evaluation store. Entries carry no ids; the store assigns them on insert.
package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Battery is a named collection of evaluation questions.
type Battery struct {
	Name      string  `yaml:"name" json:"name"`
	Questions []Entry `yaml:"questions" json:"questions"`
}

// Entry defines a single evaluation question.
type Entry struct {
	Question         string   `yaml:"question" json:"question"`
	ExpectedContains []string `yaml:"expected_contains" json:"expected_contains,omitempty"`
	ExpectedExcludes []string `yaml:"expected_excludes" json:"expected_excludes,omitempty"`
	Category         string   `yaml:"category" json:"category,omitempty"`

	// Active defaults to true when omitted from the file.
	Active *bool `yaml:"active" json:"active,omitempty"`
}

// IsActive reports whether the entry should be evaluated in runs.
func (e Entry) IsActive() bool {
	return e.Active == nil || *e.Active
}

// Validate checks that every entry can be scored: a question needs text and
// at least one expectation to check the answer against.
func (b *Battery) Validate() error {
	if len(b.Questions) == 0 {
		return fmt.Errorf("battery has no questions")
	}
	for i, e := range b.Questions {
		if e.Question == "" {
			return fmt.Errorf("question %d: question text is required", i+1)
		}
		if len(e.ExpectedContains) == 0 && len(e.ExpectedExcludes) == 0 {
			return fmt.Errorf("question %d: needs expected_contains or expected_excludes", i+1)
		}
		for _, term := range e.ExpectedContains {
			if term == "" {
				return fmt.Errorf("question %d: empty expected_contains term", i+1)
			}
		}
		for _, term := range e.ExpectedExcludes {
			if term == "" {
				return fmt.Errorf("question %d: empty expected_excludes term", i+1)
			}
		}
	}
	return nil
}

// Load reads and validates a battery from a YAML file.
func Load(path string) (*Battery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading battery file: %w", err)
	}
	var b Battery
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing battery file: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("battery %s: %w", path, err)
	}
	return &b, nil
}

// SampleBattery returns a small built-in freight-dispatch battery, used by
// the CLI seed command and the live smoke driver when no file is given.
func SampleBattery() *Battery {
	return &Battery{
		Name: "dispatch-core",
		Questions: []Entry{
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
				Question:         "Who pays lumper fees at the receiver?",
				ExpectedContains: []string{"lumper", "receipt"},
				Category:         "accessorials",
			},
			{
				Question:         "How is the fuel surcharge calculated?",
				ExpectedContains: []string{"fuel surcharge", "DOE"},
				Category:         "billing",
			},
			{
				Question:         "Do we book hazmat loads for carriers without a hazmat endorsement?",
				ExpectedContains: []string{"endorsement"},
				ExpectedExcludes: []string{"no restrictions"},
				Category:         "compliance",
			},
			{
				Question:         "What documents are required before dispatch?",
				ExpectedContains: []string{"rate confirmation", "insurance"},
				Category:         "compliance",
			},
		},
	}
}
