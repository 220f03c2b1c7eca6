// Package notify fans out advancement hints: appends to the event log and
// checkpoint commits by projection workers. Hints are best-effort wakeups
// that spare consumers from tight polling; delivery guarantees stay with the
// stores, so a lost hint only costs one polling interval.
package notify

// AppendHint announces new events in the global change stream.
type AppendHint struct {
	// Position is the head position after the append.
	Position uint64 `json:"position"`
}

// CheckpointHint announces a committed projection checkpoint.
type CheckpointHint struct {
	Projection string `json:"projection_name"`
	Partition  int    `json:"partition_id"`
	Position   uint64 `json:"last_processed_position"`
}

// Notifier publishes and subscribes to advancement hints. Subscribe
// functions return an unsubscribe func; handlers must be fast and must not
// block.
type Notifier interface {
	PublishAppend(hint AppendHint)
	PublishCheckpoint(hint CheckpointHint)
	SubscribeAppends(fn func(AppendHint)) (unsubscribe func())
	SubscribeCheckpoints(fn func(CheckpointHint)) (unsubscribe func())
	Close() error
}
