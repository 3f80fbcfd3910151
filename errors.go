package answerbench

import "errors"

var (
	// ErrNoQuestions is returned when a run is triggered with no active questions.
	ErrNoQuestions = errors.New("answerbench: no active questions")

	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("answerbench: run not found")

	// ErrRunActive is returned when starting a run while another is still running.
	ErrRunActive = errors.New("answerbench: another run is active")

	// ErrStepNotFound is returned when a continuation names an unknown step.
	ErrStepNotFound = errors.New("answerbench: step not found")

	// ErrQuestionNotFound is returned when a question ID does not exist.
	ErrQuestionNotFound = errors.New("answerbench: question not found")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("answerbench: invalid configuration")

	// ErrInvalidRuleSet is returned when a negation rule set fails to compile.
	ErrInvalidRuleSet = errors.New("answerbench: invalid negation rule set")
)
