package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haulstack/answerbench/metrics"
	"github.com/haulstack/answerbench/store"
)

// DispatcherConfig configures the background step dispatcher.
type DispatcherConfig struct {
	// WorkerID identifies this process's step claims. Defaults to a UUID.
	WorkerID string

	// PollInterval is how often the queue is checked for runnable steps.
	// Defaults to 2 seconds.
	PollInterval time.Duration

	// WatchdogInterval is how often stale running steps are swept back to
	// the queue. Defaults to 30 seconds.
	WatchdogInterval time.Duration

	// StaleAfter is how long a claimed step may sit in running before the
	// watchdog assumes its worker died. Must comfortably exceed the slowest
	// expected batch. Defaults to 5 minutes.
	StaleAfter time.Duration

	// MaxAttempts bounds retries per step before the watchdog fails the
	// step and its run. Defaults to 3.
	MaxAttempts int

	// Metrics receives dispatcher observations when non-nil.
	Metrics *metrics.Metrics
}

// DefaultDispatcherConfig returns a DispatcherConfig with sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		WorkerID:         uuid.NewString(),
		PollInterval:     2 * time.Second,
		WatchdogInterval: 30 * time.Second,
		StaleAfter:       5 * time.Minute,
		MaxAttempts:      defaultMaxAttempts,
	}
}

// Dispatcher owns background step processing: a poll loop that drains the
// step queue through the runner, and a watchdog loop that requeues steps
// whose worker died mid-batch. Multiple dispatcher processes may share one
// database; step claims keep them from doubling up.
type Dispatcher struct {
	runner *Runner
	store  *store.Store
	config DispatcherConfig

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a dispatcher driving the given runner.
func NewDispatcher(r *Runner, st *store.Store, config DispatcherConfig) *Dispatcher {
	if config.WorkerID == "" {
		config.WorkerID = uuid.NewString()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.WatchdogInterval <= 0 {
		config.WatchdogInterval = 30 * time.Second
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}

	return &Dispatcher{
		runner: r,
		store:  st,
		config: config,
	}
}

// WorkerID returns the identifier this dispatcher claims steps under.
func (d *Dispatcher) WorkerID() string { return d.config.WorkerID }

// Start launches the poll and watchdog loops. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	slog.Info("dispatcher: starting",
		"worker_id", d.config.WorkerID,
		"poll_interval", d.config.PollInterval,
		"stale_after", d.config.StaleAfter,
	)

	d.wg.Add(1)
	go d.pollLoop(ctx)

	d.wg.Add(1)
	go d.watchdogLoop(ctx)

	return nil
}

// Stop shuts the loops down and waits for them, up to ctx's deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	slog.Info("dispatcher: stopping", "worker_id", d.config.WorkerID)

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("dispatcher: stopped", "worker_id", d.config.WorkerID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollLoop drains the step queue on every tick.
func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start so queued work left over from a previous
	// process is picked up without waiting a full interval.
	d.drainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainQueue(ctx)
		}
	}
}

// drainQueue processes queued steps until the queue is empty or a step
// fails. Failures are left for the next tick; the runner has already
// released or failed the step.
func (d *Dispatcher) drainQueue(ctx context.Context) {
	for {
		outcome, err := d.runner.ProcessNext(ctx, d.config.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("dispatcher: step processing failed", "worker_id", d.config.WorkerID, "error", err)
			return
		}
		if outcome == nil {
			return
		}
		if outcome.Completed {
			slog.Info("dispatcher: run completed",
				"run_id", outcome.Run.ID,
				"processed", outcome.Run.Processed(),
				"passed", outcome.Run.Passed,
				"failed", outcome.Run.Failed,
			)
		}
	}
}

// watchdogLoop periodically returns stale claimed steps to the queue.
func (d *Dispatcher) watchdogLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.WatchdogInterval)
	defer ticker.Stop()

	// Sweep immediately on start to recover steps orphaned by a crash.
	d.sweepStaleSteps(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepStaleSteps(ctx)
		}
	}
}

func (d *Dispatcher) sweepStaleSteps(ctx context.Context) {
	requeued, failed, err := d.store.RequeueStaleSteps(ctx, d.config.StaleAfter, d.config.MaxAttempts)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("dispatcher: stale step sweep failed", "error", err)
		}
		return
	}
	if requeued == 0 && failed == 0 {
		return
	}

	slog.Warn("dispatcher: returned stale steps",
		"requeued", requeued,
		"failed", failed,
		"stale_after", d.config.StaleAfter,
	)
	if d.config.Metrics != nil {
		d.config.Metrics.StepsReturned(requeued, failed)
	}
}
