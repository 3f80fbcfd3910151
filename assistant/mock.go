package assistant

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Mock is an in-memory provider for tests and dry runs. Answers are scripted
// per question; unscripted questions get a canned reply so batch flows keep
// moving without real network calls.
type Mock struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	failAll error
	asked   []string
}

// NewMock creates a mock provider with no scripted answers.
func NewMock() *Mock {
	return &Mock{
		replies: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (m *Mock) Name() string { return "mock" }

// Reply scripts the answer returned for an exact question. Returns the mock
// so calls can be chained when setting up a battery.
func (m *Mock) Reply(question, answer string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[question] = answer
	return m
}

// ReplyError makes Ask fail for an exact question.
func (m *Mock) ReplyError(question string, err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[question] = err
	return m
}

// FailAll makes every Ask without a scripted reply or error return err.
// Pass nil to clear.
func (m *Mock) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Asked returns the questions seen so far, in call order.
func (m *Mock) Asked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.asked))
	copy(out, m.asked)
	return out
}

func (m *Mock) Ask(ctx context.Context, question string) (*Answer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asked = append(m.asked, question)

	if err, ok := m.errs[question]; ok {
		return nil, err
	}
	text, scripted := m.replies[question]
	if !scripted {
		if m.failAll != nil {
			return nil, m.failAll
		}
		text = "Mock answer: " + question
	}
	promptTokens := len(strings.Fields(question))
	completionTokens := len(strings.Fields(text))
	return &Answer{
		Text:             text,
		Model:            "mock",
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Elapsed:          time.Millisecond,
	}, nil
}
