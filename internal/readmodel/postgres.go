package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
)

// PostgresStore implements Store on PostgreSQL. RunInTx maps directly onto a
// database transaction: read-model rows and the checkpoint row commit or
// roll back together.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a read-model store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type postgresTx struct {
	tx pgx.Tx
}

// Get implements Tx.
func (t *postgresTx) Get(ctx context.Context, namespace, id string) (Record, error) {
	var r Record
	err := t.tx.QueryRow(ctx, `
		SELECT id, data, last_seq FROM read_model_records
		WHERE namespace = $1 AND id = $2
	`, namespace, id).Scan(&r.ID, &r.Data, &r.LastSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get record %s/%s: %w", namespace, id, err)
	}
	return r, nil
}

// Upsert implements Tx.
func (t *postgresTx) Upsert(ctx context.Context, namespace, id string, data json.RawMessage, seq uint64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO read_model_records (namespace, id, data, last_seq)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, id) DO UPDATE
		SET data = EXCLUDED.data, last_seq = EXCLUDED.last_seq
		WHERE read_model_records.last_seq < EXCLUDED.last_seq
	`, namespace, id, data, seq)
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", namespace, id, err)
	}
	return nil
}

// AddCounter implements Tx.
func (t *postgresTx) AddCounter(ctx context.Context, namespace, counter, shard string, delta int64, seq uint64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO read_model_counters (namespace, counter, shard, value, last_seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, counter, shard) DO UPDATE
		SET value = read_model_counters.value + EXCLUDED.value,
		    last_seq = EXCLUDED.last_seq
		WHERE read_model_counters.last_seq < EXCLUDED.last_seq
	`, namespace, counter, shard, delta, seq)
	if err != nil {
		return fmt.Errorf("add counter %s/%s/%s: %w", namespace, counter, shard, err)
	}
	return nil
}

// RunInTx implements Store.
func (s *PostgresStore) RunInTx(ctx context.Context, cp checkpoint.Checkpoint, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin read-model tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	// Checkpoint advances in the same transaction as the mutations above.
	// GREATEST keeps the position monotone even under a misbehaving caller.
	_, err = tx.Exec(ctx, `
		INSERT INTO projection_checkpoints (projection_name, partition_id, last_processed_position)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection_name, partition_id) DO UPDATE
		SET last_processed_position = GREATEST(projection_checkpoints.last_processed_position, EXCLUDED.last_processed_position)
	`, cp.Projection, cp.Partition, cp.Position)
	if err != nil {
		return fmt.Errorf("commit checkpoint %s/%d: %w", cp.Projection, cp.Partition, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit read-model tx: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, namespace, id string) (Record, error) {
	var r Record
	err := s.pool.QueryRow(ctx, `
		SELECT id, data, last_seq FROM read_model_records
		WHERE namespace = $1 AND id = $2
	`, namespace, id).Scan(&r.ID, &r.Data, &r.LastSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get record %s/%s: %w", namespace, id, err)
	}
	return r, nil
}

// CounterValue implements Store.
func (s *PostgresStore) CounterValue(ctx context.Context, namespace, counter string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(value), 0) FROM read_model_counters
		WHERE namespace = $1 AND counter = $2
	`, namespace, counter).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum counter %s/%s: %w", namespace, counter, err)
	}
	return total, nil
}

// NamespaceStats implements Store.
func (s *PostgresStore) NamespaceStats(ctx context.Context, namespace string) (Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data, last_seq FROM read_model_records WHERE namespace = $1
	`, namespace)
	if err != nil {
		return Stats{}, fmt.Errorf("stats for %s: %w", namespace, err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Data, &r.LastSeq); err != nil {
			return Stats{}, fmt.Errorf("scan record: %w", err)
		}
		stats.Records++
		stats.Checksum ^= recordDigest(r.ID, r.LastSeq, r.Data)
	}
	return stats, rows.Err()
}

// DropNamespace implements Store.
func (s *PostgresStore) DropNamespace(ctx context.Context, namespace string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin drop: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM read_model_records WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("drop records for %s: %w", namespace, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM read_model_counters WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("drop counters for %s: %w", namespace, err)
	}
	return tx.Commit(ctx)
}
