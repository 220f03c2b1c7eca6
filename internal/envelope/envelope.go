// Package envelope defines the persisted event envelope shared by the event
// store, the projection engine and external subscribers.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable record persisted by the event store. Once appended,
// the payload and sequence number never change.
type Event struct {
	// AggregateID identifies the stream this event belongs to.
	AggregateID string `json:"aggregate_id"`
	// Sequence is the per-aggregate sequence number, starting at 1 with no gaps.
	// Assigned by the event store on append.
	Sequence uint64 `json:"sequence_number"`
	// Type identifies the kind of event (e.g. "order.created").
	Type string `json:"event_type"`
	// SchemaVersion is the payload schema version the event was written with.
	SchemaVersion uint32 `json:"schema_version"`
	// Payload holds event-specific data as JSON.
	Payload json.RawMessage `json:"payload"`
	// OccurredAt is when the event occurred.
	OccurredAt time.Time `json:"occurred_at"`
	// CausationID identifies the command or event that caused this event.
	CausationID string `json:"causation_id"`
	// CorrelationID groups events belonging to one logical workflow.
	CorrelationID string `json:"correlation_id"`
}

// Validate reports whether the event is usable for append.
func (e Event) Validate() error {
	if strings.TrimSpace(e.AggregateID) == "" {
		return fmt.Errorf("aggregate id is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("event type is required")
	}
	if e.SchemaVersion == 0 {
		return fmt.Errorf("schema version must be >= 1")
	}
	return nil
}

// Domain returns the domain prefix of the event type (e.g. "order" for
// "order.created"). Returns the whole type when it carries no prefix.
func (e Event) Domain() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// New builds an event ready for append. Sequence is left for the store to
// assign. Causation and correlation ids default to a fresh UUID when empty so
// every persisted event is traceable.
func New(aggregateID, eventType string, schemaVersion uint32, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload for %s: %w", eventType, err)
	}
	id := uuid.NewString()
	return Event{
		AggregateID:   aggregateID,
		Type:          eventType,
		SchemaVersion: schemaVersion,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
		CausationID:   id,
		CorrelationID: id,
	}, nil
}

// Positioned pairs an event with its global change-stream position and the
// partition key used for projection routing.
type Positioned struct {
	// PartitionKey is the key events are partitioned by (the aggregate id).
	PartitionKey string `json:"partition_key"`
	// Position is the globally comparable, monotonically increasing offset of
	// the event in the change stream. Opaque to consumers.
	Position uint64 `json:"position"`
	Event    Event  `json:"event"`
}
