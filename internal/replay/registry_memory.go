package replay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory Registry for tests and embedded use.
type MemoryRegistry struct {
	mu      sync.RWMutex
	replays map[string]Replay
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{replays: make(map[string]Replay)}
}

// Create implements Registry.
func (r *MemoryRegistry) Create(ctx context.Context, rec Replay) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replays[rec.ID] = rec
	return nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (Replay, error) {
	if err := ctx.Err(); err != nil {
		return Replay{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.replays[id]
	if !ok {
		return Replay{}, ErrNotFound
	}
	return rec, nil
}

// List implements Registry.
func (r *MemoryRegistry) List(ctx context.Context, projection string) ([]Replay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Replay
	for _, rec := range r.replays {
		if projection == "" || rec.Projection == projection {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// UpdateProgress implements Registry.
func (r *MemoryRegistry) UpdateProgress(ctx context.Context, id string, position uint64, progressAt time.Time, lagBelowSince *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.replays[id]
	if !ok {
		return ErrNotFound
	}
	rec.Position = position
	rec.LastProgressAt = progressAt
	rec.LagBelowSince = lagBelowSince
	r.replays[id] = rec
	return nil
}

// Finish implements Registry.
func (r *MemoryRegistry) Finish(ctx context.Context, id string, status Status, cutoverAt *time.Time, retiredNamespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.replays[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusRunning {
		return ErrNotRunning
	}
	rec.Status = status
	rec.CutoverAt = cutoverAt
	rec.RetiredNamespace = retiredNamespace
	r.replays[id] = rec
	return nil
}
