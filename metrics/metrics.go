// Package metrics exposes Prometheus collectors for the evaluation harness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the harness emits. Create one per process
// and share it; collectors register on construction.
type Metrics struct {
	// RunsStarted counts evaluation runs created.
	// Labels: run_type (scheduled|manual)
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts runs reaching a terminal status.
	// Labels: run_type, status (completed|failed)
	RunsFinished *prometheus.CounterVec

	// QuestionsEvaluated counts evaluated questions by verdict.
	// Labels: verdict (pass|soft_pass|needs_review|fail)
	QuestionsEvaluated *prometheus.CounterVec

	// HallucinationsFlagged counts forbidden terms flagged across all answers.
	HallucinationsFlagged prometheus.Counter

	// Scores observes component scores per evaluated question.
	// Labels: component (accuracy|grounding|completeness|overall)
	Scores *prometheus.HistogramVec

	// AssistantRequests counts assistant calls by outcome.
	// Labels: provider, status (success|error)
	AssistantRequests *prometheus.CounterVec

	// AssistantRequestDuration measures assistant call latency in seconds.
	// Labels: provider
	AssistantRequestDuration *prometheus.HistogramVec

	// AssistantTokens tracks token consumption reported by the assistant.
	// Labels: provider, type (prompt|completion)
	AssistantTokens *prometheus.CounterVec

	// BatchDuration measures wall time per processed batch in seconds.
	// Labels: run_type
	BatchDuration *prometheus.HistogramVec

	// StepsRequeued counts steps the watchdog returned to the queue.
	StepsRequeued prometheus.Counter

	// StepsFailed counts steps that exhausted their attempt budget.
	StepsFailed prometheus.Counter

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all collectors on reg. Production code passes
// prometheus.DefaultRegisterer; tests pass a fresh registry for isolation.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answerbench_runs_started_total",
				Help: "Total number of evaluation runs created",
			},
			[]string{"run_type"},
		),

		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answerbench_runs_finished_total",
				Help: "Total number of evaluation runs reaching a terminal status",
			},
			[]string{"run_type", "status"},
		),

		QuestionsEvaluated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answerbench_questions_evaluated_total",
				Help: "Total number of questions evaluated by verdict",
			},
			[]string{"verdict"},
		),

		HallucinationsFlagged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "answerbench_hallucinations_flagged_total",
				Help: "Total number of forbidden terms flagged in answers",
			},
		),

		Scores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "answerbench_scores",
				Help:    "Component score distribution per evaluated question",
				Buckets: []float64{0.25, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
			},
			[]string{"component"},
		),

		AssistantRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answerbench_assistant_requests_total",
				Help: "Total number of assistant requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		AssistantRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "answerbench_assistant_request_duration_seconds",
				Help:    "Duration of assistant requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),

		AssistantTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answerbench_assistant_tokens_total",
				Help: "Total number of tokens reported by the assistant",
			},
			[]string{"provider", "type"},
		),

		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "answerbench_batch_duration_seconds",
				Help:    "Wall time per processed batch in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"run_type"},
		),

		StepsRequeued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "answerbench_steps_requeued_total",
				Help: "Total number of stale steps returned to the queue by the watchdog",
			},
		),

		StepsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "answerbench_steps_failed_total",
				Help: "Total number of steps that exhausted their attempt budget",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "answerbench_http_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answerbench_http_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RunStarted records a newly created run.
func (m *Metrics) RunStarted(runType string) {
	m.RunsStarted.WithLabelValues(runType).Inc()
}

// RunFinished records a run reaching a terminal status.
func (m *Metrics) RunFinished(runType, status string) {
	m.RunsFinished.WithLabelValues(runType, status).Inc()
}

// QuestionEvaluated records one scored question with its component scores.
func (m *Metrics) QuestionEvaluated(verdict string, accuracy, grounding, completeness, overall float64) {
	m.QuestionsEvaluated.WithLabelValues(verdict).Inc()
	m.Scores.WithLabelValues("accuracy").Observe(accuracy)
	m.Scores.WithLabelValues("grounding").Observe(grounding)
	m.Scores.WithLabelValues("completeness").Observe(completeness)
	m.Scores.WithLabelValues("overall").Observe(overall)
}

// HallucinationFlagged adds n flagged forbidden terms.
func (m *Metrics) HallucinationFlagged(n int) {
	if n > 0 {
		m.HallucinationsFlagged.Add(float64(n))
	}
}

// RecordAssistantRequest records one assistant call. Token counts of zero
// are skipped so providers that do not report usage stay absent from the
// token series.
func (m *Metrics) RecordAssistantRequest(provider, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.AssistantRequests.WithLabelValues(provider, status).Inc()
	m.AssistantRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
	if promptTokens > 0 {
		m.AssistantTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.AssistantTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// BatchCompleted records wall time for one processed batch.
func (m *Metrics) BatchCompleted(runType string, durationSeconds float64) {
	m.BatchDuration.WithLabelValues(runType).Observe(durationSeconds)
}

// StepsReturned records watchdog requeues and exhausted steps.
func (m *Metrics) StepsReturned(requeued, failed int) {
	if requeued > 0 {
		m.StepsRequeued.Add(float64(requeued))
	}
	if failed > 0 {
		m.StepsFailed.Add(float64(failed))
	}
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
