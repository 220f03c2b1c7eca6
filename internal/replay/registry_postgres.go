package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry implements Registry on PostgreSQL.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry creates a registry backed by the pool.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// Create implements Registry.
func (r *PostgresRegistry) Create(ctx context.Context, rec Replay) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO replays (id, projection_name, namespace, partitions, status, started_at, position, last_progress_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.Projection, rec.Namespace, rec.Partitions, string(rec.Status), rec.StartedAt, rec.Position, rec.LastProgressAt)
	if err != nil {
		return fmt.Errorf("create replay %s: %w", rec.ID, err)
	}
	return nil
}

// Get implements Registry.
func (r *PostgresRegistry) Get(ctx context.Context, id string) (Replay, error) {
	rec, err := scanReplay(r.pool.QueryRow(ctx, selectReplay+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Replay{}, ErrNotFound
	}
	if err != nil {
		return Replay{}, fmt.Errorf("get replay %s: %w", id, err)
	}
	return rec, nil
}

// List implements Registry.
func (r *PostgresRegistry) List(ctx context.Context, projection string) ([]Replay, error) {
	query := selectReplay + ` ORDER BY started_at`
	args := []any{}
	if projection != "" {
		query = selectReplay + ` WHERE projection_name = $1 ORDER BY started_at`
		args = append(args, projection)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list replays: %w", err)
	}
	defer rows.Close()

	var out []Replay
	for rows.Next() {
		rec, err := scanReplay(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replay: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateProgress implements Registry.
func (r *PostgresRegistry) UpdateProgress(ctx context.Context, id string, position uint64, progressAt time.Time, lagBelowSince *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE replays
		SET position = $2, last_progress_at = $3, lag_below_since = $4
		WHERE id = $1
	`, id, position, progressAt, lagBelowSince)
	if err != nil {
		return fmt.Errorf("update replay %s progress: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish implements Registry.
func (r *PostgresRegistry) Finish(ctx context.Context, id string, status Status, cutoverAt *time.Time, retiredNamespace string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE replays
		SET status = $2, cutover_at = $3, retired_namespace = $4
		WHERE id = $1 AND status = $5
	`, id, string(status), cutoverAt, retiredNamespace, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("finish replay %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already finished.
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	return nil
}

const selectReplay = `
	SELECT id, projection_name, namespace, partitions, status, started_at, cutover_at,
	       COALESCE(retired_namespace, ''), position, last_progress_at, lag_below_since
	FROM replays`

func scanReplay(row pgx.Row) (Replay, error) {
	var rec Replay
	var status string
	err := row.Scan(&rec.ID, &rec.Projection, &rec.Namespace, &rec.Partitions, &status, &rec.StartedAt,
		&rec.CutoverAt, &rec.RetiredNamespace, &rec.Position, &rec.LastProgressAt, &rec.LagBelowSince)
	if err != nil {
		return Replay{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
