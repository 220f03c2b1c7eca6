// Package replay rebuilds read models without downtime. A shadow projection
// replays the change stream from position zero into a fresh namespace while
// the live projection keeps serving; once the shadow has caught up, reads are
// cut over atomically through a routing pointer and the old model is retained
// for a rollback grace period.
package replay

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a replay.
type Status string

const (
	// StatusRunning means the shadow projection is still catching up.
	StatusRunning Status = "running"
	// StatusCutover means reads were switched to the shadow namespace.
	StatusCutover Status = "cutover"
	// StatusCancelled means the replay was abandoned before cutover.
	StatusCancelled Status = "cancelled"
)

// Registry errors.
var (
	ErrNotFound   = errors.New("replay not found")
	ErrNotRunning = errors.New("replay is not running")
)

// Cutover preconditions.
var (
	ErrLagTooHigh        = errors.New("replay lag above cutover threshold")
	ErrLagNotSustained   = errors.New("replay lag not below threshold long enough")
	ErrStalled           = errors.New("replay is stalled")
	ErrGraceActive       = errors.New("rollback grace period still active")
	ErrCutoverInProgress = errors.New("another cutover is in progress")
)

// Replay is the durable record of one shadow rebuild.
type Replay struct {
	ID         string `json:"id"`
	Projection string `json:"projection"`
	// Namespace is the shadow read-model namespace and the shadow's
	// checkpoint key.
	Namespace string `json:"namespace"`
	// Partitions is the shadow's partition count, recorded so lag can be
	// measured from a process that does not hold the projection itself.
	Partitions int        `json:"partitions"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	CutoverAt  *time.Time `json:"cutover_at,omitempty"`
	// RetiredNamespace is the namespace reads came from before cutover, kept
	// around for the grace period.
	RetiredNamespace string `json:"retired_namespace,omitempty"`

	// Progress fields, maintained by the replay monitor.
	Position       uint64     `json:"position"`
	LastProgressAt time.Time  `json:"last_progress_at"`
	LagBelowSince  *time.Time `json:"lag_below_since,omitempty"`
}

// Registry persists replay records so status and cutover can run from a
// different process than the replay itself.
type Registry interface {
	Create(ctx context.Context, r Replay) error
	Get(ctx context.Context, id string) (Replay, error)
	List(ctx context.Context, projection string) ([]Replay, error)
	// UpdateProgress records the monitor's latest observation.
	UpdateProgress(ctx context.Context, id string, position uint64, progressAt time.Time, lagBelowSince *time.Time) error
	// Finish transitions the replay out of StatusRunning.
	Finish(ctx context.Context, id string, status Status, cutoverAt *time.Time, retiredNamespace string) error
}

// Lag is a point-in-time view of how far a shadow is behind the stream head.
type Lag struct {
	Head     uint64 `json:"head"`
	Position uint64 `json:"position"`
	Lag      uint64 `json:"lag"`
	Stalled  bool   `json:"stalled"`
}
