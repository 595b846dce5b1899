// Package repository persists the Order aggregate through the keyed
// store: one snapshot row in the "orders" table (SK "ITEM") holding the
// current state, plus an append-only event log in the "order_events"
// table keyed by the same order ID, which GetOrder also returns as the
// order's timeline.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"ordersaga/domain/order"
	"ordersaga/infrastructure/store"
)

const (
	ordersTable = "orders"
	eventsTable = "order_events"
)

// ErrNotFound is returned by Get when the order does not exist.
var ErrNotFound = errors.New("repository: order not found")

type OrderRepository struct {
	store store.Store
}

func NewOrderRepository(s store.Store) *OrderRepository {
	return &OrderRepository{store: s}
}

// Save flushes every event accumulated in o.Changes: a snapshot
// write guarded by optimistic version (or PutIfAbsent for the first
// event), and one event-log row per change, under
// EVENT#<10-digit-zero-padded-version>. Save is a no-op if Changes is
// empty.
func (r *OrderRepository) Save(o *order.Order) error {
	if len(o.Changes) == 0 {
		return nil
	}

	expectedVersion := int64(o.Version - len(o.Changes))
	key := store.SimpleKey(o.ID)
	attrs := snapshot(o)

	if expectedVersion == 0 {
		if err := r.store.PutIfAbsent(ordersTable, key, attrs); err != nil {
			return fmt.Errorf("repository: create order %s: %w", o.ID, err)
		}
	} else {
		if _, err := r.store.PutIfVersion(ordersTable, key, attrs, expectedVersion); err != nil {
			return fmt.Errorf("repository: update order %s: %w", o.ID, err)
		}
	}

	version := expectedVersion
	for _, change := range o.Changes {
		version++
		raw, err := json.Marshal(change)
		if err != nil {
			return fmt.Errorf("repository: encode event for order %s: %w", o.ID, err)
		}
		var attrs map[string]any
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return fmt.Errorf("repository: decode event attrs for order %s: %w", o.ID, err)
		}
		attrs["event_type"] = eventType(change)

		sk := fmt.Sprintf("EVENT#%010d", version)
		if err := r.store.PutIfAbsent(eventsTable, store.Key{PK: o.ID, SK: sk}, attrs); err != nil {
			return fmt.Errorf("repository: append event %s for order %s: %w", sk, o.ID, err)
		}
	}

	o.Changes = nil
	return nil
}

// Get reconstructs the aggregate by replaying its full event log rather
// than trusting the META snapshot alone, so a partially-applied write
// (snapshot succeeded, event append crashed) can never silently diverge
// from the log GetOrder exposes.
func (r *OrderRepository) Get(orderID string) (*order.Order, error) {
	events, err := r.store.QueryPrefix(eventsTable, orderID, "EVENT#")
	if err != nil {
		return nil, fmt.Errorf("repository: query events for %s: %w", orderID, err)
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}

	o := order.New()
	for _, item := range events {
		event, err := decodeEvent(item.Attrs)
		if err != nil {
			return nil, fmt.Errorf("repository: decode event for %s: %w", orderID, err)
		}
		if err := o.When(event); err != nil {
			return nil, fmt.Errorf("repository: replay event for %s: %w", orderID, err)
		}
	}
	return o, nil
}

// Snapshot returns the current snapshot row without replaying the event
// log. GetOrder does not use it; it replays the log through Get.
func (r *OrderRepository) Snapshot(orderID string) (store.Item, error) {
	item, err := r.store.Get(ordersTable, store.SimpleKey(orderID))
	if errors.Is(err, store.ErrNotFound) {
		return store.Item{}, ErrNotFound
	}
	return item, err
}

// Events returns the full ordered event log for an order, as generic
// attribute maps — used by the GetOrder query handler to render a
// timeline without re-typing every event.
func (r *OrderRepository) Events(orderID string) ([]store.Item, error) {
	return r.store.QueryPrefix(eventsTable, orderID, "EVENT#")
}

func snapshot(o *order.Order) map[string]any {
	itemsRaw, _ := json.Marshal(o.Items)
	return map[string]any{
		"customer_id":         o.CustomerID,
		"items":               string(itemsRaw),
		"status":              string(o.Status),
		"correlation_id":      o.CorrelationID,
		"reservation_id":      o.ReservationID,
		"payment_id":          o.PaymentID,
		"amount_cents":        o.AmountCents,
		"failure_reason":      o.FailureReason,
		"retry_after_seconds": o.RetryAfterSeconds,
	}
}

func eventType(event any) string {
	switch event.(type) {
	case order.OrderCreated:
		return "OrderCreated"
	case order.InventoryReserved:
		return "InventoryReserved"
	case order.InventoryReservationFailed:
		return "InventoryReservationFailed"
	case order.PaymentCharged:
		return "PaymentCharged"
	case order.PaymentFailed:
		return "PaymentFailed"
	case order.OrderConfirmed:
		return "OrderConfirmed"
	case order.CompensationStarted:
		return "CompensationStarted"
	case order.InventoryReleased:
		return "InventoryReleased"
	case order.PaymentRefunded:
		return "PaymentRefunded"
	case order.OrderFailed:
		return "OrderFailed"
	case order.NotificationSent:
		return "NotificationSent"
	default:
		return fmt.Sprintf("%T", event)
	}
}

func decodeEvent(attrs map[string]any) (any, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}

	eventType, _ := attrs["event_type"].(string)
	var target any
	switch eventType {
	case "OrderCreated":
		target = &order.OrderCreated{}
	case "InventoryReserved":
		target = &order.InventoryReserved{}
	case "InventoryReservationFailed":
		target = &order.InventoryReservationFailed{}
	case "PaymentCharged":
		target = &order.PaymentCharged{}
	case "PaymentFailed":
		target = &order.PaymentFailed{}
	case "OrderConfirmed":
		target = &order.OrderConfirmed{}
	case "CompensationStarted":
		target = &order.CompensationStarted{}
	case "InventoryReleased":
		target = &order.InventoryReleased{}
	case "PaymentRefunded":
		target = &order.PaymentRefunded{}
	case "OrderFailed":
		target = &order.OrderFailed{}
	case "NotificationSent":
		target = &order.NotificationSent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}

	switch v := target.(type) {
	case *order.OrderCreated:
		return *v, nil
	case *order.InventoryReserved:
		return *v, nil
	case *order.InventoryReservationFailed:
		return *v, nil
	case *order.PaymentCharged:
		return *v, nil
	case *order.PaymentFailed:
		return *v, nil
	case *order.OrderConfirmed:
		return *v, nil
	case *order.CompensationStarted:
		return *v, nil
	case *order.InventoryReleased:
		return *v, nil
	case *order.PaymentRefunded:
		return *v, nil
	case *order.OrderFailed:
		return *v, nil
	case *order.NotificationSent:
		return *v, nil
	default:
		return nil, fmt.Errorf("unreachable: %T", target)
	}
}
