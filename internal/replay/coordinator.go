package replay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
	"github.com/ledgerline-systems/ledgerline/internal/eventstore"
	"github.com/ledgerline-systems/ledgerline/internal/metrics"
	"github.com/ledgerline-systems/ledgerline/internal/projection"
	"github.com/ledgerline-systems/ledgerline/internal/readmodel"
)

// Config tunes cutover safety margins.
type Config struct {
	// LagThreshold is the maximum lag, in positions, under which cutover is
	// allowed.
	LagThreshold uint64
	// LagWindow is how long the lag must stay below the threshold before
	// cutover is allowed. Writes keep flowing during cutover, so a shadow
	// that only momentarily dips under the threshold is not ready.
	LagWindow time.Duration
	// StallAfter marks the shadow stalled when its checkpoint has not moved
	// for this long while lag remains.
	StallAfter time.Duration
	// SampleInterval is the monitor's observation period.
	SampleInterval time.Duration
	// Grace is how long the retired read model and the rollback pointer are
	// kept after cutover.
	Grace time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		LagThreshold:   100,
		LagWindow:      30 * time.Second,
		StallAfter:     2 * time.Minute,
		SampleInterval: 5 * time.Second,
		Grace:          time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LagThreshold == 0 {
		c.LagThreshold = d.LagThreshold
	}
	if c.LagWindow <= 0 {
		c.LagWindow = d.LagWindow
	}
	if c.StallAfter <= 0 {
		c.StallAfter = d.StallAfter
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	return c
}

// Coordinator drives shadow rebuilds end to end: start, progress tracking,
// cutover and retirement of the old model.
type Coordinator struct {
	store       eventstore.Store
	checkpoints checkpoint.Store
	readModels  readmodel.Store
	registry    Registry
	router      *Router
	engine      *projection.Engine
	logger      *slog.Logger
	cfg         Config

	now func() time.Time
}

// NewCoordinator wires a coordinator. The engine runs the shadow workers; it
// may be shared with the live projections.
func NewCoordinator(store eventstore.Store, checkpoints checkpoint.Store, readModels readmodel.Store, registry Registry, router *Router, engine *projection.Engine, logger *slog.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:       store,
		checkpoints: checkpoints,
		readModels:  readModels,
		registry:    registry,
		router:      router,
		engine:      engine,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// StartReplay registers a shadow rebuild of proj and returns its record. Run
// must be called with the returned id to actually replay.
func (c *Coordinator) StartReplay(ctx context.Context, proj projection.Projection) (Replay, error) {
	id := uuid.NewString()
	rec := Replay{
		ID:             id,
		Projection:     proj.Name(),
		Namespace:      shadowNamespace(proj.Name(), id),
		Partitions:     proj.Partitions(),
		Status:         StatusRunning,
		StartedAt:      c.now().UTC(),
		LastProgressAt: c.now().UTC(),
	}
	if err := c.registry.Create(ctx, rec); err != nil {
		return Replay{}, fmt.Errorf("register replay for %s: %w", proj.Name(), err)
	}
	c.logger.Info("replay registered",
		slog.String("replay_id", rec.ID),
		slog.String("projection", rec.Projection),
		slog.String("namespace", rec.Namespace))
	return rec, nil
}

// Run replays the change stream from position zero into the shadow namespace
// until ctx is cancelled or the replay leaves StatusRunning. It blocks.
func (c *Coordinator) Run(ctx context.Context, id string, proj projection.Projection) error {
	rec, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Projection != proj.Name() {
		return fmt.Errorf("replay %s is for projection %s, not %s", id, rec.Projection, proj.Name())
	}

	shadow := projection.Renamed(proj, rec.Namespace)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.engine.Run(runCtx, shadow, rec.Namespace) }()
	go c.monitor(runCtx, rec, shadow, cancel)

	err = <-done
	if err != nil && ctx.Err() == nil && runCtx.Err() == nil {
		return fmt.Errorf("shadow replay %s: %w", id, err)
	}
	return nil
}

// monitor samples shadow progress, feeds the registry and metrics, and stops
// the replay when another process finishes it.
func (c *Coordinator) monitor(ctx context.Context, rec Replay, shadow projection.Projection, stop context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	lastPosition := rec.Position
	lastProgress := rec.LastProgressAt
	var lagBelowSince *time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := c.registry.Get(ctx, rec.ID)
		if err == nil && current.Status != StatusRunning {
			c.logger.Info("replay finished elsewhere, stopping shadow",
				slog.String("replay_id", rec.ID),
				slog.String("status", string(current.Status)))
			stop()
			return
		}

		lag, err := c.measure(ctx, rec.Namespace, shadow.Partitions())
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("replay lag sample failed",
					slog.String("replay_id", rec.ID),
					slog.String("error", err.Error()))
			}
			continue
		}

		now := c.now().UTC()
		if lag.Position > lastPosition {
			lastPosition = lag.Position
			lastProgress = now
		}
		if lag.Lag <= c.cfg.LagThreshold {
			if lagBelowSince == nil {
				t := now
				lagBelowSince = &t
			}
		} else {
			lagBelowSince = nil
		}
		if lag.Lag > 0 && now.Sub(lastProgress) > c.cfg.StallAfter {
			c.logger.Error("replay stalled",
				slog.String("replay_id", rec.ID),
				slog.String("projection", rec.Projection),
				slog.Uint64("position", lag.Position),
				slog.Uint64("lag", lag.Lag),
				slog.Duration("since_progress", now.Sub(lastProgress)))
		}

		metrics.ReplayLag.WithLabelValues(rec.Namespace).Set(float64(lag.Lag))
		if err := c.registry.UpdateProgress(ctx, rec.ID, lag.Position, lastProgress, lagBelowSince); err != nil && ctx.Err() == nil {
			c.logger.Warn("replay progress update failed",
				slog.String("replay_id", rec.ID),
				slog.String("error", err.Error()))
		}
	}
}

// GetLag reports how far the shadow is behind the stream head.
func (c *Coordinator) GetLag(ctx context.Context, id string) (Lag, error) {
	rec, err := c.registry.Get(ctx, id)
	if err != nil {
		return Lag{}, err
	}
	lag, err := c.measure(ctx, rec.Namespace, rec.Partitions)
	if err != nil {
		return Lag{}, err
	}
	lag.Stalled = lag.Lag > 0 && c.now().UTC().Sub(rec.LastProgressAt) > c.cfg.StallAfter
	return lag, nil
}

// measure computes min checkpoint across the shadow's partitions against the
// stream head. Partitions that have not committed yet count as position zero.
func (c *Coordinator) measure(ctx context.Context, namespace string, partitions int) (Lag, error) {
	head, err := c.store.Head(ctx)
	if err != nil {
		return Lag{}, fmt.Errorf("read stream head: %w", err)
	}

	cps, err := c.checkpoints.List(ctx, namespace)
	if err != nil {
		return Lag{}, fmt.Errorf("list shadow checkpoints: %w", err)
	}
	byPartition := make(map[int]uint64, len(cps))
	for _, cp := range cps {
		byPartition[cp.Partition] = cp.Position
	}
	if partitions < 1 {
		partitions = 1
	}
	min := head
	for p := 0; p < partitions; p++ {
		if pos := byPartition[p]; pos < min {
			min = pos
		}
	}

	lag := Lag{Head: head, Position: min}
	if head > min {
		lag.Lag = head - min
	}
	return lag, nil
}

// Cutover switches reads of the replay's projection to the shadow namespace.
// It refuses to cut over while the shadow lags, has not sustained low lag for
// the configured window, or is stalled.
func (c *Coordinator) Cutover(ctx context.Context, id string) (Replay, error) {
	rec, err := c.registry.Get(ctx, id)
	if err != nil {
		return Replay{}, err
	}

	// One cutover per projection at a time. Two replays of the same
	// projection both pass the running check on their own records; without
	// the lock their pointer flips and registry transitions can interleave.
	locked, err := c.router.AcquireCutoverLock(ctx, rec.Projection)
	if err != nil {
		return Replay{}, err
	}
	if !locked {
		metrics.Cutovers.WithLabelValues("blocked").Inc()
		return Replay{}, fmt.Errorf("replay %s: %w", id, ErrCutoverInProgress)
	}
	defer func() {
		if err := c.router.ReleaseCutoverLock(context.WithoutCancel(ctx), rec.Projection); err != nil {
			c.logger.Warn("cutover lock release failed",
				slog.String("projection", rec.Projection),
				slog.String("error", err.Error()))
		}
	}()

	// Re-read under the lock: a concurrent cutover may have finished this
	// replay between the first read and lock acquisition.
	rec, err = c.registry.Get(ctx, id)
	if err != nil {
		return Replay{}, err
	}
	if rec.Status != StatusRunning {
		return Replay{}, fmt.Errorf("replay %s: %w", id, ErrNotRunning)
	}

	lag, err := c.measure(ctx, rec.Namespace, rec.Partitions)
	if err != nil {
		return Replay{}, err
	}
	now := c.now().UTC()
	if lag.Lag > 0 && now.Sub(rec.LastProgressAt) > c.cfg.StallAfter {
		metrics.Cutovers.WithLabelValues("blocked").Inc()
		return Replay{}, fmt.Errorf("replay %s at position %d: %w", id, lag.Position, ErrStalled)
	}
	if lag.Lag > c.cfg.LagThreshold {
		metrics.Cutovers.WithLabelValues("blocked").Inc()
		return Replay{}, fmt.Errorf("replay %s lag %d exceeds %d: %w", id, lag.Lag, c.cfg.LagThreshold, ErrLagTooHigh)
	}
	if rec.LagBelowSince == nil || now.Sub(*rec.LagBelowSince) < c.cfg.LagWindow {
		metrics.Cutovers.WithLabelValues("blocked").Inc()
		return Replay{}, fmt.Errorf("replay %s: %w", id, ErrLagNotSustained)
	}

	retired, err := c.router.Cutover(ctx, rec.Projection, rec.Namespace)
	if err != nil {
		metrics.Cutovers.WithLabelValues("failed").Inc()
		return Replay{}, err
	}
	if err := c.registry.Finish(ctx, id, StatusCutover, &now, retired); err != nil {
		return Replay{}, err
	}
	metrics.Cutovers.WithLabelValues("ok").Inc()
	c.logger.Info("replay cut over",
		slog.String("replay_id", id),
		slog.String("projection", rec.Projection),
		slog.String("namespace", rec.Namespace),
		slog.String("retired", retired))

	rec.Status = StatusCutover
	rec.CutoverAt = &now
	rec.RetiredNamespace = retired
	return rec, nil
}

// Cancel abandons a running replay and drops its shadow namespace.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	rec, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.registry.Finish(ctx, id, StatusCancelled, nil, ""); err != nil {
		return err
	}
	if err := c.readModels.DropNamespace(ctx, rec.Namespace); err != nil {
		return fmt.Errorf("drop shadow namespace %s: %w", rec.Namespace, err)
	}
	c.logger.Info("replay cancelled", slog.String("replay_id", id))
	return nil
}

// Cleanup drops the retired read model of a cut-over replay once the grace
// period has passed.
func (c *Coordinator) Cleanup(ctx context.Context, id string) error {
	rec, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusCutover || rec.CutoverAt == nil {
		return fmt.Errorf("replay %s has no retired model: %w", id, ErrNotRunning)
	}
	if rec.RetiredNamespace == "" {
		return nil
	}
	if age := c.now().UTC().Sub(*rec.CutoverAt); age < c.cfg.Grace {
		return fmt.Errorf("replay %s cut over %s ago: %w", id, age.Round(time.Second), ErrGraceActive)
	}
	if err := c.readModels.DropNamespace(ctx, rec.RetiredNamespace); err != nil {
		return fmt.Errorf("drop retired namespace %s: %w", rec.RetiredNamespace, err)
	}
	c.logger.Info("retired read model dropped",
		slog.String("replay_id", id),
		slog.String("namespace", rec.RetiredNamespace))
	return nil
}

func shadowNamespace(projection, id string) string {
	short := id
	if i := strings.IndexByte(id, '-'); i > 0 {
		short = id[:i]
	}
	return fmt.Sprintf("%s_replay_%s", projection, short)
}
