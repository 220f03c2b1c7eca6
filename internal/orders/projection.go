package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/readmodel"
)

// ViewName is the live read-model name and default namespace.
const ViewName = "orders_view"

// ViewPartitions is the partition count of the orders view.
const ViewPartitions = 4

// Counters maintained by the view.
const (
	CounterOrders  = "orders_created"
	CounterRevenue = "revenue_cents"
)

// Doc is the per-order read-model document.
type Doc struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	CustomerID string `json:"customer_id,omitempty"`
	Currency   string `json:"currency,omitempty"`
	LastSeq    uint64 `json:"last_seq"`
}

// View projects order events into per-order documents plus two counters. It
// is stateless; every mutation is derived from the event alone so redelivery
// is absorbed by the sequence guards.
type View struct{}

// NewView creates the orders view projection.
func NewView() *View { return &View{} }

// Name implements projection.Projection.
func (v *View) Name() string { return ViewName }

// Partitions implements projection.Projection.
func (v *View) Partitions() int { return ViewPartitions }

// Apply implements projection.Projection.
func (v *View) Apply(ctx context.Context, tx readmodel.Tx, namespace string, p envelope.Positioned) error {
	ev := p.Event
	switch ev.Type {
	case EventCreated:
		var payload CreatedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if err := v.upsert(ctx, tx, namespace, ev, Doc{
			OrderID:    ev.AggregateID,
			Status:     StatusOpen,
			CustomerID: payload.CustomerID,
			Currency:   payload.Currency,
		}); err != nil {
			return err
		}
		return tx.AddCounter(ctx, namespace, CounterOrders, ev.AggregateID, 1, p.Position)

	case EventItemAdded:
		// Line items only matter for the aggregate; the view tracks status
		// and money.
		return nil

	case EventPaid:
		var payload PaidPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		doc := Doc{OrderID: ev.AggregateID}
		existing, err := tx.Get(ctx, namespace, ev.AggregateID)
		switch {
		case err == nil:
			if err := json.Unmarshal(existing.Data, &doc); err != nil {
				return fmt.Errorf("decode doc for %s: %w", ev.AggregateID, err)
			}
		case errors.Is(err, readmodel.ErrNotFound):
			// The created event may have been dead-lettered; project what the
			// paid event carries rather than dropping it too.
		default:
			return err
		}
		doc.Status = StatusPaid
		if err := v.upsert(ctx, tx, namespace, ev, doc); err != nil {
			return err
		}
		return tx.AddCounter(ctx, namespace, CounterRevenue, ev.AggregateID, payload.AmountCents, p.Position)

	default:
		// Foreign event types share the stream; they are not ours to project.
		return nil
	}
}

func (v *View) upsert(ctx context.Context, tx readmodel.Tx, namespace string, ev envelope.Event, doc Doc) error {
	doc.LastSeq = ev.Sequence
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode doc for %s: %w", ev.AggregateID, err)
	}
	return tx.Upsert(ctx, namespace, ev.AggregateID, data, ev.Sequence)
}
