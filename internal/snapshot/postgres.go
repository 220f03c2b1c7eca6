package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL, one row per aggregate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a snapshot store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Save implements Store. An older snapshot never overwrites a newer one.
func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO snapshots (aggregate_id, sequence_number, schema_version, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET sequence_number = EXCLUDED.sequence_number,
		    schema_version = EXCLUDED.schema_version,
		    state = EXCLUDED.state
		WHERE snapshots.sequence_number < EXCLUDED.sequence_number
	`, snap.AggregateID, snap.Sequence, snap.SchemaVersion, snap.State)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snap.AggregateID, err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, aggregateID string) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT aggregate_id, sequence_number, schema_version, state
		FROM snapshots
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&snap.AggregateID, &snap.Sequence, &snap.SchemaVersion, &snap.State)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("load snapshot for %s: %w", aggregateID, err)
	}
	return snap, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, aggregateID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE aggregate_id = $1`, aggregateID); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", aggregateID, err)
	}
	return nil
}
