// Package orders is the reference domain shipped with the binary: a small
// order aggregate and its read-model view. It doubles as the seed target for
// local development.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ledgerline-systems/ledgerline/internal/aggregate"
	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/upcast"
)

// Event types emitted by the order aggregate.
const (
	EventCreated   = "order.created"
	EventItemAdded = "order.item_added"
	EventPaid      = "order.paid"

	// SnapshotType keys the upcaster chain for serialized order state.
	SnapshotType = "order.snapshot"
)

// Order statuses.
const (
	StatusOpen = "open"
	StatusPaid = "paid"
)

// CreatedPayload is the order.created payload, schema v2. v1 lacked the
// currency field.
type CreatedPayload struct {
	CustomerID string `json:"customer_id"`
	Currency   string `json:"currency"`
}

// ItemAddedPayload is the order.item_added payload.
type ItemAddedPayload struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// PaidPayload is the order.paid payload.
type PaidPayload struct {
	AmountCents int64 `json:"amount_cents"`
}

// Item is one order line.
type Item struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// state is the serialized snapshot shape.
type state struct {
	Status     string `json:"status"`
	CustomerID string `json:"customer_id"`
	Currency   string `json:"currency"`
	Items      []Item `json:"items"`
	TotalCents int64  `json:"total_cents"`
}

// Order is an event-sourced purchase order.
type Order struct {
	aggregate.Root

	status     string
	customerID string
	currency   string
	items      []Item
	totalCents int64

	apply aggregate.ApplyTable
}

// New builds an empty order, ready for hydration.
func New(id string) *Order {
	o := &Order{Root: aggregate.NewRoot(id)}
	o.apply = aggregate.ApplyTable{
		EventCreated:   o.applyCreated,
		EventItemAdded: o.applyItemAdded,
		EventPaid:      o.applyPaid,
	}
	return o
}

// Factory adapts New to the repository's factory signature.
func Factory(id string) aggregate.Aggregate { return New(id) }

// Status returns the current order status, empty before creation.
func (o *Order) Status() string { return o.status }

// TotalCents returns the sum of all line totals.
func (o *Order) TotalCents() int64 { return o.totalCents }

// Items returns the order lines.
func (o *Order) Items() []Item { return o.items }

// ApplyEvent implements aggregate.Aggregate.
func (o *Order) ApplyEvent(ev envelope.Event) error {
	return o.apply.Dispatch(ev)
}

func (o *Order) applyCreated(ev envelope.Event) error {
	var p CreatedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	o.status = StatusOpen
	o.customerID = p.CustomerID
	o.currency = p.Currency
	return nil
}

func (o *Order) applyItemAdded(ev envelope.Event) error {
	var p ItemAddedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", ev.Type, err)
	}
	o.items = append(o.items, Item{SKU: p.SKU, Quantity: p.Quantity, PriceCents: p.PriceCents})
	o.totalCents += int64(p.Quantity) * p.PriceCents
	return nil
}

func (o *Order) applyPaid(ev envelope.Event) error {
	o.status = StatusPaid
	return nil
}

// SnapshotState implements aggregate.Aggregate.
func (o *Order) SnapshotState() (json.RawMessage, error) {
	return json.Marshal(state{
		Status:     o.status,
		CustomerID: o.customerID,
		Currency:   o.currency,
		Items:      o.items,
		TotalCents: o.totalCents,
	})
}

// RestoreState implements aggregate.Aggregate.
func (o *Order) RestoreState(raw json.RawMessage) error {
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode order snapshot: %w", err)
	}
	o.status = s.Status
	o.customerID = s.CustomerID
	o.currency = s.Currency
	o.items = s.Items
	o.totalCents = s.TotalCents
	return nil
}

// Create stages order.created. Fails when the order already exists.
func (o *Order) Create(customerID, currency string) error {
	if o.status != "" {
		return &aggregate.BusinessError{Reason: "order already exists"}
	}
	if customerID == "" {
		return &aggregate.BusinessError{Reason: "customer id is required"}
	}
	if currency == "" {
		currency = "USD"
	}
	return o.record(EventCreated, CreatedPayload{CustomerID: customerID, Currency: currency})
}

// AddItem stages order.item_added. Only open orders accept items.
func (o *Order) AddItem(sku string, quantity int, priceCents int64) error {
	if o.status != StatusOpen {
		return &aggregate.BusinessError{Reason: "order is not open"}
	}
	if quantity <= 0 {
		return &aggregate.BusinessError{Reason: "quantity must be positive"}
	}
	return o.record(EventItemAdded, ItemAddedPayload{SKU: sku, Quantity: quantity, PriceCents: priceCents})
}

// Pay stages order.paid for the full outstanding total.
func (o *Order) Pay() error {
	if o.status != StatusOpen {
		return &aggregate.BusinessError{Reason: "order is not open"}
	}
	if len(o.items) == 0 {
		return &aggregate.BusinessError{Reason: "order has no items"}
	}
	return o.record(EventPaid, PaidPayload{AmountCents: o.totalCents})
}

// record builds the envelope at the current schema version, applies it to
// in-memory state and stages it for append.
func (o *Order) record(eventType string, payload any) error {
	ev, err := envelope.New(o.AggregateID(), eventType, Chain().CurrentVersion(eventType), payload)
	if err != nil {
		return err
	}
	if err := o.ApplyEvent(ev); err != nil {
		return err
	}
	o.Record(ev)
	return nil
}

var (
	chainOnce  sync.Once
	orderChain *upcast.Chain
)

// Chain returns the upcaster chain for order events. order.created v1
// predates multi-currency support; the upcaster defaults those payloads to
// USD.
func Chain() *upcast.Chain {
	chainOnce.Do(func() {
		c := upcast.NewChain()
		c.Register(EventCreated, 1, func(payload json.RawMessage) (json.RawMessage, error) {
			var p CreatedPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, err
			}
			if p.Currency == "" {
				p.Currency = "USD"
			}
			return json.Marshal(p)
		})
		c.SetCurrent(EventItemAdded, 1)
		c.SetCurrent(EventPaid, 1)
		c.SetCurrent(SnapshotType, 1)
		orderChain = c
	})
	return orderChain
}

// Decide helpers for the command handler.

// CreateCommand returns a Decide that creates the order.
func CreateCommand(customerID, currency string) aggregate.Decide {
	return func(ctx context.Context, agg aggregate.Aggregate) error {
		return agg.(*Order).Create(customerID, currency)
	}
}

// AddItemCommand returns a Decide that adds an order line.
func AddItemCommand(sku string, quantity int, priceCents int64) aggregate.Decide {
	return func(ctx context.Context, agg aggregate.Aggregate) error {
		return agg.(*Order).AddItem(sku, quantity, priceCents)
	}
}

// PayCommand returns a Decide that settles the order.
func PayCommand() aggregate.Decide {
	return func(ctx context.Context, agg aggregate.Aggregate) error {
		return agg.(*Order).Pay()
	}
}
