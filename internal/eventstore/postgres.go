package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/metrics"
)

const (
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond
)

// PostgresStore implements Store on PostgreSQL. Per-aggregate serialization
// is enforced with a transaction-scoped advisory lock on the aggregate id;
// the unique (aggregate_id, sequence_number) constraint is the backstop.
//
// Global positions are claimed from the single event_log_head row rather than
// a sequence. The row lock taken by the claiming UPDATE is held until commit,
// so transactions become visible in position order: a tailer that has seen
// position N knows every position <= N is committed, which is what makes
// checkpoint-based delivery safe across aggregates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool. The pool is not
// closed by Close; it is shared with the other Postgres-backed stores.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []envelope.Event) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, errEmptyAppend(aggregateID)
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return AppendResult{}, err
		}
	}

	start := time.Now()
	var res AppendResult
	err := withRetry(ctx, func() error {
		var err error
		res, err = s.appendTx(ctx, aggregateID, expectedVersion, events)
		return err
	})
	metrics.AppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.VersionConflicts.Inc()
			metrics.AppendsTotal.WithLabelValues("conflict").Inc()
		} else {
			metrics.AppendsTotal.WithLabelValues("error").Inc()
		}
		return AppendResult{}, err
	}
	metrics.AppendsTotal.WithLabelValues("ok").Inc()
	metrics.AppendedEvents.Add(float64(len(events)))
	return res, nil
}

func (s *PostgresStore) appendTx(ctx context.Context, aggregateID string, expectedVersion uint64, events []envelope.Event) (AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize writers to this aggregate only. Writers to other aggregates
	// take different locks and proceed concurrently.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, aggregateID); err != nil {
		return AppendResult{}, fmt.Errorf("lock stream %s: %w", aggregateID, err)
	}

	var current uint64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&current)
	if err != nil {
		return AppendResult{}, fmt.Errorf("read stream head for %s: %w", aggregateID, err)
	}

	if current != expectedVersion {
		return AppendResult{}, &ConflictError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	// Claim the position range for this batch. The head row stays locked
	// until commit, which orders commits by position.
	var last uint64
	err = tx.QueryRow(ctx, `
		UPDATE event_log_head SET position = position + $1 RETURNING position
	`, len(events)).Scan(&last)
	if err != nil {
		return AppendResult{}, fmt.Errorf("claim positions for %s: %w", aggregateID, err)
	}
	base := last - uint64(len(events))

	for i, ev := range events {
		current++
		_, err = tx.Exec(ctx, `
			INSERT INTO events (global_position, aggregate_id, sequence_number, event_type, schema_version, payload, occurred_at, causation_id, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, base+uint64(i)+1, aggregateID, current, ev.Type, ev.SchemaVersion, ev.Payload, ev.OccurredAt, ev.CausationID, ev.CorrelationID)
		if err != nil {
			if isUniqueViolation(err) {
				return AppendResult{}, &ConflictError{
					AggregateID:     aggregateID,
					ExpectedVersion: expectedVersion,
					ActualVersion:   current,
				}
			}
			return AppendResult{}, fmt.Errorf("insert event %s/%d: %w", aggregateID, current, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}
	return AppendResult{NewVersion: current, Position: last}, nil
}

// ReadStream implements Store.
func (s *PostgresStore) ReadStream(ctx context.Context, aggregateID string, fromSeq uint64, limit int) ([]envelope.Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	query := `
		SELECT aggregate_id, sequence_number, event_type, schema_version, payload, occurred_at, causation_id, correlation_id
		FROM events
		WHERE aggregate_id = $1 AND sequence_number >= $2
		ORDER BY sequence_number`
	args := []any{aggregateID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	var out []envelope.Event
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("read stream %s: %w", aggregateID, err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var ev envelope.Event
			if err := rows.Scan(&ev.AggregateID, &ev.Sequence, &ev.Type, &ev.SchemaVersion, &ev.Payload, &ev.OccurredAt, &ev.CausationID, &ev.CorrelationID); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadGlobal implements Store.
func (s *PostgresStore) ReadGlobal(ctx context.Context, fromPosition uint64, limit int) ([]envelope.Positioned, error) {
	if limit <= 0 {
		limit = 1000
	}

	var out []envelope.Positioned
	err := withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
			SELECT global_position, aggregate_id, sequence_number, event_type, schema_version, payload, occurred_at, causation_id, correlation_id
			FROM events
			WHERE global_position > $1
			ORDER BY global_position
			LIMIT $2
		`, fromPosition, limit)
		if err != nil {
			return fmt.Errorf("read global from %d: %w", fromPosition, err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var p envelope.Positioned
			ev := &p.Event
			if err := rows.Scan(&p.Position, &ev.AggregateID, &ev.Sequence, &ev.Type, &ev.SchemaVersion, &ev.Payload, &ev.OccurredAt, &ev.CausationID, &ev.CorrelationID); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			p.PartitionKey = ev.AggregateID
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := withRetry(ctx, func() error {
		return s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(global_position), 0) FROM events`).Scan(&head)
	})
	if err != nil {
		return 0, fmt.Errorf("read stream head: %w", err)
	}
	return head, nil
}

// Close implements Store. The shared pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// withRetry retries fn on transient connection errors with exponential
// backoff. Conflicts and context cancellation are never retried.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseWait << (attempt - 1)):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) || ctx.Err() != nil || !pgconn.SafeToRetry(err) {
			return err
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
