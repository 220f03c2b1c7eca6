package projection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
)

// DeadLetter records an event a projection repeatedly failed to apply. The
// worker advances past it after filing the record; operators replay dead
// letters manually once the projection bug is fixed.
type DeadLetter struct {
	Projection string         `json:"projection_name"`
	Partition  int            `json:"partition_id"`
	Position   uint64         `json:"position"`
	Event      envelope.Event `json:"event"`
	Reason     string         `json:"reason"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DeadLetterStore persists poison events.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, projection string, limit int) ([]DeadLetter, error)
}

// MemoryDeadLetters is an in-memory DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.RWMutex
	letters []DeadLetter
}

// NewMemoryDeadLetters creates an empty in-memory dead-letter store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Add implements DeadLetterStore.
func (s *MemoryDeadLetters) Add(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

// List implements DeadLetterStore.
func (s *MemoryDeadLetters) List(ctx context.Context, projection string, limit int) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeadLetter
	for _, dl := range s.letters {
		if dl.Projection == projection {
			out = append(out, dl)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// PostgresDeadLetters implements DeadLetterStore on PostgreSQL.
type PostgresDeadLetters struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetters creates a dead-letter store backed by the pool.
func NewPostgresDeadLetters(pool *pgxpool.Pool) *PostgresDeadLetters {
	return &PostgresDeadLetters{pool: pool}
}

// Add implements DeadLetterStore.
func (s *PostgresDeadLetters) Add(ctx context.Context, dl DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (projection_name, partition_id, position, aggregate_id, sequence_number, event_type, payload, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (projection_name, position) DO NOTHING
	`, dl.Projection, dl.Partition, dl.Position, dl.Event.AggregateID, dl.Event.Sequence,
		dl.Event.Type, dl.Event.Payload, dl.Reason, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("add dead letter %s@%d: %w", dl.Projection, dl.Position, err)
	}
	return nil
}

// List implements DeadLetterStore.
func (s *PostgresDeadLetters) List(ctx context.Context, projection string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT projection_name, partition_id, position, aggregate_id, sequence_number, event_type, payload, reason, created_at
		FROM dead_letters
		WHERE projection_name = $1
		ORDER BY position
		LIMIT $2
	`, projection, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters for %s: %w", projection, err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.Projection, &dl.Partition, &dl.Position, &dl.Event.AggregateID,
			&dl.Event.Sequence, &dl.Event.Type, &dl.Event.Payload, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
