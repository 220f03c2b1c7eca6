package projection

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/eventstore"
	"github.com/ledgerline-systems/ledgerline/internal/metrics"
	"github.com/ledgerline-systems/ledgerline/internal/notify"
	"github.com/ledgerline-systems/ledgerline/internal/readmodel"
)

// Config tunes the projection engine.
type Config struct {
	// BatchSize is the flush threshold in events.
	BatchSize int
	// BatchWait is the time threshold: a partial batch is topped up once
	// within this window before flushing. Zero disables the wait, which is
	// what replays use to run at maximum throughput.
	BatchWait time.Duration
	// PollInterval bounds how long an idle worker sleeps between reads when
	// no append hint arrives.
	PollInterval time.Duration
	// MaxRetries is how often one event is retried before dead-lettering.
	MaxRetries int
	// RetryBackoff is the base wait between retries, doubled per attempt.
	RetryBackoff time.Duration
	// LeaseTTL is the checkpoint lease duration; workers renew at a third of
	// it.
	LeaseTTL time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    1000,
		BatchWait:    500 * time.Millisecond,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
		RetryBackoff: 100 * time.Millisecond,
		LeaseTTL:     15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	return c
}

// Engine runs projection workers. Safe to share across projections.
type Engine struct {
	store       eventstore.Store
	readModels  readmodel.Store
	checkpoints checkpoint.Store
	deadLetters DeadLetterStore
	notifier    notify.Notifier
	logger      *slog.Logger
	cfg         Config
}

// NewEngine wires an engine over the given stores. The notifier is optional;
// without it workers fall back to pure polling.
func NewEngine(store eventstore.Store, readModels readmodel.Store, checkpoints checkpoint.Store, deadLetters DeadLetterStore, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		readModels:  readModels,
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		notifier:    notifier,
		logger:      logger,
		cfg:         cfg.withDefaults(),
	}
}

// Run consumes the change stream for proj, writing into namespace, until ctx
// is cancelled. One worker per partition. Cancellation is graceful: an
// in-flight batch finishes its atomic commit before the worker exits, so the
// read model and checkpoint are never left inconsistent.
func (e *Engine) Run(ctx context.Context, proj Projection, namespace string) error {
	partitions := proj.Partitions()
	if partitions < 1 {
		partitions = 1
	}

	var wg sync.WaitGroup
	errCh := make(chan error, partitions)
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for p := 0; p < partitions; p++ {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			if err := e.runWorker(workerCtx, proj, namespace, partition, partitions); err != nil {
				select {
				case errCh <- fmt.Errorf("partition %d: %w", partition, err):
				default:
				}
				cancel()
			}
		}(p)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (e *Engine) runWorker(ctx context.Context, proj Projection, namespace string, partition, partitions int) error {
	name := proj.Name()
	owner := uuid.NewString()
	logger := e.logger.With(
		slog.String("projection", name),
		slog.String("namespace", namespace),
		slog.Int("partition", partition))

	if err := e.acquireLease(ctx, name, partition, owner); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.checkpoints.ReleaseLease(releaseCtx, name, partition, owner); err != nil {
			logger.Warn("release lease failed", slog.String("error", err.Error()))
		}
	}()

	// Append hints wake the worker early; a missed hint only costs one poll
	// interval.
	wake := make(chan struct{}, 1)
	if e.notifier != nil {
		unsub := e.notifier.SubscribeAppends(func(notify.AppendHint) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		defer unsub()
	}

	pos, err := e.checkpoints.Load(ctx, name, partition)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	logger.Info("projection worker started", slog.Uint64("position", pos))

	lastRenew := time.Now()
	for {
		if ctx.Err() != nil {
			logger.Info("projection worker stopped", slog.Uint64("position", pos))
			return nil
		}

		if time.Since(lastRenew) > e.cfg.LeaseTTL/3 {
			ok, err := e.checkpoints.RenewLease(ctx, name, partition, owner, e.cfg.LeaseTTL)
			if err != nil {
				return fmt.Errorf("renew lease: %w", err)
			}
			if !ok {
				return fmt.Errorf("lease for %s/%d lost to another worker", name, partition)
			}
			lastRenew = time.Now()
		}

		batch, err := e.readBatch(ctx, pos)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("change stream read failed", slog.String("error", err.Error()))
			if !sleepCtx(ctx, e.cfg.RetryBackoff) {
				return nil
			}
			continue
		}
		if len(batch) == 0 {
			e.observeLag(ctx, name, partition, pos)
			select {
			case <-ctx.Done():
			case <-wake:
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		newPos, err := e.commitBatch(ctx, proj, namespace, partition, partitions, pos, batch)
		if err != nil {
			return err
		}
		pos = newPos
		e.observeLag(ctx, name, partition, pos)
	}
}

func (e *Engine) acquireLease(ctx context.Context, name string, partition int, owner string) error {
	for {
		ok, err := e.checkpoints.AcquireLease(ctx, name, partition, owner, e.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			return nil
		}
		if !sleepCtx(ctx, e.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

// readBatch reads up to BatchSize events past pos, topping a partial batch
// up once within the BatchWait window.
func (e *Engine) readBatch(ctx context.Context, pos uint64) ([]envelope.Positioned, error) {
	batch, err := e.store.ReadGlobal(ctx, pos, e.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 || len(batch) >= e.cfg.BatchSize || e.cfg.BatchWait <= 0 {
		return batch, nil
	}
	if !sleepCtx(ctx, e.cfg.BatchWait) {
		return batch, nil
	}
	more, err := e.store.ReadGlobal(ctx, batch[len(batch)-1].Position, e.cfg.BatchSize-len(batch))
	if err != nil {
		// The events in hand are still committable.
		return batch, nil
	}
	return append(batch, more...), nil
}

// commitBatch applies the batch and its checkpoint in one atomic unit. When
// the batch fails it degrades to per-event commits so a single poison event
// can be isolated, retried and finally dead-lettered.
func (e *Engine) commitBatch(ctx context.Context, proj Projection, namespace string, partition, partitions int, fromPos uint64, batch []envelope.Positioned) (uint64, error) {
	name := proj.Name()
	target := batch[len(batch)-1].Position

	// Commits run on a context that survives cancellation so a graceful stop
	// never aborts a half-applied batch.
	commitCtx := context.WithoutCancel(ctx)

	applied := 0
	err := e.readModels.RunInTx(commitCtx, checkpoint.Checkpoint{Projection: name, Partition: partition, Position: target}, func(tx readmodel.Tx) error {
		for _, p := range batch {
			if envelope.PartitionFor(p.PartitionKey, partitions) != partition {
				continue
			}
			if err := proj.Apply(commitCtx, tx, namespace, p); err != nil {
				return fmt.Errorf("apply %s@%d: %w", p.Event.Type, p.Position, err)
			}
			applied++
		}
		return nil
	})
	if err == nil {
		metrics.ProjectedEvents.WithLabelValues(name).Add(float64(applied))
		metrics.BatchFlushes.WithLabelValues(name, "batch").Inc()
		e.publishCheckpoint(name, partition, target)
		return target, nil
	}

	e.logger.Warn("batch commit failed, isolating events",
		slog.String("projection", name),
		slog.Int("partition", partition),
		slog.String("error", err.Error()))

	pos := fromPos
	for _, p := range batch {
		if err := e.commitOne(commitCtx, proj, namespace, partition, partitions, p); err != nil {
			return pos, err
		}
		pos = p.Position
	}
	metrics.BatchFlushes.WithLabelValues(name, "isolated").Inc()
	e.publishCheckpoint(name, partition, target)
	return target, nil
}

// commitOne applies a single event with retries. After MaxRetries the event
// is dead-lettered and the checkpoint advances past it.
func (e *Engine) commitOne(ctx context.Context, proj Projection, namespace string, partition, partitions int, p envelope.Positioned) error {
	name := proj.Name()
	cp := checkpoint.Checkpoint{Projection: name, Partition: partition, Position: p.Position}

	mine := envelope.PartitionFor(p.PartitionKey, partitions) == partition
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, e.cfg.RetryBackoff<<(attempt-1)) {
				break
			}
		}
		lastErr = e.readModels.RunInTx(ctx, cp, func(tx readmodel.Tx) error {
			if !mine {
				return nil
			}
			return proj.Apply(ctx, tx, namespace, p)
		})
		if lastErr == nil {
			if mine {
				metrics.ProjectedEvents.WithLabelValues(name).Inc()
			}
			return nil
		}
	}

	// Poison event: file it and move on so one bad event cannot stall the
	// partition forever.
	e.logger.Error("event dead-lettered",
		slog.String("projection", name),
		slog.Int("partition", partition),
		slog.Uint64("position", p.Position),
		slog.String("event_type", p.Event.Type),
		slog.String("error", lastErr.Error()))
	metrics.DeadLetters.WithLabelValues(name).Inc()

	if err := e.deadLetters.Add(ctx, DeadLetter{
		Projection: name,
		Partition:  partition,
		Position:   p.Position,
		Event:      p.Event,
		Reason:     lastErr.Error(),
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("record dead letter at %d: %w", p.Position, err)
	}
	if err := e.readModels.RunInTx(ctx, cp, func(readmodel.Tx) error { return nil }); err != nil {
		return fmt.Errorf("advance past dead letter at %d: %w", p.Position, err)
	}
	return nil
}

func (e *Engine) publishCheckpoint(name string, partition int, position uint64) {
	if e.notifier == nil {
		return
	}
	e.notifier.PublishCheckpoint(notify.CheckpointHint{
		Projection: name,
		Partition:  partition,
		Position:   position,
	})
}

func (e *Engine) observeLag(ctx context.Context, name string, partition int, pos uint64) {
	head, err := e.store.Head(ctx)
	if err != nil {
		return
	}
	lag := float64(0)
	if head > pos {
		lag = float64(head - pos)
	}
	metrics.ProjectionLag.WithLabelValues(name, strconv.Itoa(partition)).Set(lag)
}

// sleepCtx waits d or until ctx is done. Reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
