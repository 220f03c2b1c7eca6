package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerline-systems/ledgerline/internal/metrics"
)

// Writer persists snapshots asynchronously and best-effort. A failed or slow
// snapshot write never blocks command processing; it only affects future
// hydration cost.
type Writer struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Snapshot
	wg     sync.WaitGroup
}

// NewWriter starts a background writer draining into store.
func NewWriter(store Store, logger *slog.Logger) *Writer {
	w := &Writer{
		store:  store,
		logger: logger,
		queue:  make(chan Snapshot, 64),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue schedules a snapshot write. Drops the snapshot when the queue is
// full or the writer is stopped; full replay remains a valid fallback.
func (w *Writer) Enqueue(snap Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		metrics.SnapshotFailures.Inc()
		return
	}
	select {
	case w.queue <- snap:
	default:
		metrics.SnapshotFailures.Inc()
		w.logger.Warn("snapshot queue full, dropping snapshot",
			slog.String("aggregate_id", snap.AggregateID),
			slog.Uint64("sequence", snap.Sequence))
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for snap := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.store.Save(ctx, snap)
		cancel()
		if err != nil {
			metrics.SnapshotFailures.Inc()
			w.logger.Warn("snapshot write failed",
				slog.String("aggregate_id", snap.AggregateID),
				slog.Uint64("sequence", snap.Sequence),
				slog.String("error", err.Error()))
			continue
		}
		metrics.SnapshotsWritten.Inc()
	}
}

// Close stops the writer after draining queued snapshots. Idempotent.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
