package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL. Checkpoint rows are written
// by the read-model store inside its commit transaction; this store covers
// reads, administrative resets and leases.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a checkpoint store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, projection string, partition int) (uint64, error) {
	var pos uint64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(last_processed_position), 0)
		FROM projection_checkpoints
		WHERE projection_name = $1 AND partition_id = $2
	`, projection, partition).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s/%d: %w", projection, partition, err)
	}
	return pos, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, projection string) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT projection_name, partition_id, last_processed_position
		FROM projection_checkpoints
		WHERE projection_name = $1
		ORDER BY partition_id
	`, projection)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", projection, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.Projection, &cp.Partition, &cp.Position); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Reset implements Store.
func (s *PostgresStore) Reset(ctx context.Context, projection string, partition int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM projection_checkpoints
		WHERE projection_name = $1 AND partition_id = $2
	`, projection, partition)
	if err != nil {
		return fmt.Errorf("reset checkpoint %s/%d: %w", projection, partition, err)
	}
	return nil
}

// AcquireLease implements Store using a conditional upsert: the insert wins
// only when no row exists, the previous lease expired, or the caller already
// owns it.
func (s *PostgresStore) AcquireLease(ctx context.Context, projection string, partition int, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO projection_leases (projection_name, partition_id, owner, expires_at)
		VALUES ($1, $2, $3, now() + make_interval(secs => $4))
		ON CONFLICT (projection_name, partition_id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE projection_leases.owner = EXCLUDED.owner
		   OR projection_leases.expires_at < now()
	`, projection, partition, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s/%d: %w", projection, partition, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease implements Store.
func (s *PostgresStore) RenewLease(ctx context.Context, projection string, partition int, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projection_leases
		SET expires_at = now() + make_interval(secs => $4)
		WHERE projection_name = $1 AND partition_id = $2 AND owner = $3
	`, projection, partition, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("renew lease %s/%d: %w", projection, partition, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease implements Store.
func (s *PostgresStore) ReleaseLease(ctx context.Context, projection string, partition int, owner string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM projection_leases
		WHERE projection_name = $1 AND partition_id = $2 AND owner = $3
	`, projection, partition, owner)
	if err != nil {
		return fmt.Errorf("release lease %s/%d: %w", projection, partition, err)
	}
	return nil
}
