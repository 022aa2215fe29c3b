// Package compress shrinks raw observation payloads into short dense
// summaries via the external capability, off the write path.
package compress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keepsake-dev/keepsake/internal/storage"
)

// ObservationStore abstracts the store operations the worker needs.
type ObservationStore interface {
	GetObservation(id string) (storage.Observation, error)
	MarkObservationCompressed(id, compressedData string, originalTokens, compressedTokens int) error
	MarkObservationFailed(id string) error
}

// Compressor is the external compression capability.
type Compressor interface {
	Compress(ctx context.Context, functionName, functionArgs, functionResult string) (string, error)
}

const defaultQueueSize = 1024

// Worker drains a queue of observation ids, one job per tick. The single
// consumer goroutine bounds in-flight external calls to exactly one; the
// payload is re-fetched from the store when the job runs so the worker
// always sees the latest persisted state.
type Worker struct {
	store      ObservationStore
	compressor Compressor
	jobs       chan string
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store ObservationStore, compressor Compressor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		compressor: compressor,
		jobs:       make(chan string, defaultQueueSize),
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Enqueue submits an observation id for compression. Ids are accepted
// without validation: re-submitting a compressed or already-queued id is
// harmless because MarkObservationCompressed is idempotent.
func (w *Worker) Enqueue(observationID string) {
	w.jobs <- observationID
}

// Backlog returns the number of queued jobs.
func (w *Worker) Backlog() int {
	return len(w.jobs)
}

// Run processes at most one job per tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("compression job failed", "error", err)
			}
		}
	}
}

// RunOnce dequeues and processes a single job if one is waiting. Returns
// true if a job was taken, regardless of its outcome. Job errors are
// terminal: the job is not re-enqueued (re-submission is the caller's
// responsibility) and the observation is marked failed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	var id string
	select {
	case id = <-w.jobs:
	default:
		return false, nil
	}

	if err := w.processJob(ctx, id); err != nil {
		if markErr := w.store.MarkObservationFailed(id); markErr != nil {
			w.logger.Error("failed to mark observation failed", "observation_id", id, "error", markErr)
		}
		return true, fmt.Errorf("compressing observation %s: %w", id, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, id string) error {
	obs, err := w.store.GetObservation(id)
	if errors.Is(err, storage.ErrNotFound) {
		// Permanently unrecoverable for this job; drop it.
		w.logger.Error("observation missing, dropping job", "observation_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading observation: %w", err)
	}

	compressed, err := w.compressor.Compress(ctx, obs.FunctionName, obs.FunctionArgs, obs.FunctionResult)
	if err != nil {
		return fmt.Errorf("external compress: %w", err)
	}

	originalTokens := EstimateTokens(obs.FunctionArgs + obs.FunctionResult)
	compressedTokens := EstimateTokens(compressed)

	if err := w.store.MarkObservationCompressed(obs.ID, compressed, originalTokens, compressedTokens); err != nil {
		return fmt.Errorf("persisting compression: %w", err)
	}

	w.logger.Debug("observation compressed",
		"observation_id", obs.ID,
		"original_tokens", originalTokens,
		"compressed_tokens", compressedTokens,
	)
	return nil
}

// EstimateTokens provides a rough token count using the 4 chars per token
// heuristic. The same estimator is applied to raw and compressed text so
// savings stay comparable.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
