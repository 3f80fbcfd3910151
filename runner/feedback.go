package runner

import (
	"context"
	"log/slog"

	"github.com/haulstack/answerbench/store"
)

// FeedbackLoader reads confirmed false-positive terms for hallucination
// suppression.
type FeedbackLoader struct {
	store *store.Store
}

// NewFeedbackLoader creates a loader over the store.
func NewFeedbackLoader(st *store.Store) *FeedbackLoader {
	return &FeedbackLoader{store: st}
}

// Load returns confirmed false-positive terms grouped by question id. A
// read failure logs a warning and returns nil, so scoring proceeds without
// suppression instead of blocking the batch.
func (f *FeedbackLoader) Load(ctx context.Context) map[int64][]string {
	terms, err := f.store.ListConfirmedFalsePositives(ctx)
	if err != nil {
		slog.Warn("runner: loading false-positive feedback failed, scoring without suppression", "error", err)
		return nil
	}
	return terms
}
