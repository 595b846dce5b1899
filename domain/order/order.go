// Package order implements the Order aggregate: an event-sourced status
// machine whose full history is an append-only event log. State changes
// only through When/Apply; commands validate the current status before
// emitting the next event.
package order

import (
	"errors"
	"fmt"
	"time"
)

// Status is the order's position in the saga state machine.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusPaymentCharged    Status = "PAYMENT_CHARGED"
	StatusConfirmed         Status = "CONFIRMED"
	StatusCompensating      Status = "COMPENSATING"
	StatusFailed            Status = "FAILED"
)

// OrderItem is a single line item: a product, the quantity requested,
// and the unit price at order time. Money is always an integer cent
// count, never a float.
type OrderItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// TotalCents sums quantity*unit_price_cents across every line item.
// The total is always derived, never stored, so it cannot drift from
// the items it describes.
func TotalCents(items []OrderItem) int64 {
	var total int64
	for _, it := range items {
		total += it.Quantity * it.UnitPriceCents
	}
	return total
}

// Order is the aggregate root. Version is the optimistic-lock counter
// the Keyed Store enforces on every persisted transition.
type Order struct {
	ID            string
	CustomerID    string
	Items         []OrderItem
	Status        Status
	CorrelationID string
	ReservationID string
	PaymentID     string
	AmountCents   int64
	FailureReason string

	// RetryAfterSeconds is carried from a PAYMENT_PROVIDER_UNAVAILABLE
	// failure so callers polling the order learn when the provider was
	// expected to admit calls again.
	RetryAfterSeconds int64

	Version int
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Changes holds events not yet persisted, so a single saga step can
	// emit one event and the repository can flush it in one write.
	Changes []any
}

// New returns an empty aggregate ready to have events applied to it,
// either freshly created or replayed from a persisted event log.
func New() *Order {
	return &Order{Changes: make([]any, 0)}
}

// When mutates state in response to an event, with no side effects and
// no further event emission — used both by Apply (new events) and by
// replay (reconstructing state from a stored log).
func (o *Order) When(event any) error {
	switch e := event.(type) {
	case OrderCreated:
		o.ID = e.AggregateID
		o.CustomerID = e.CustomerID
		o.Items = e.Items
		o.Status = StatusPending
		o.CorrelationID = e.CorrelationID
		o.Version = e.Version
		o.CreatedAt = e.Timestamp
		o.UpdatedAt = e.Timestamp

	case InventoryReserved:
		o.Status = StatusInventoryReserved
		o.ReservationID = e.ReservationID
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case InventoryReservationFailed:
		o.Status = StatusFailed
		o.FailureReason = e.Reason
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case PaymentCharged:
		o.Status = StatusPaymentCharged
		o.PaymentID = e.PaymentID
		o.AmountCents = e.AmountCents
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case PaymentFailed:
		o.Status = StatusCompensating
		o.FailureReason = e.Reason
		o.RetryAfterSeconds = e.RetryAfterSeconds
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case OrderConfirmed:
		o.Status = StatusConfirmed
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case CompensationStarted:
		o.Status = StatusCompensating
		o.FailureReason = e.Reason
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case InventoryReleased:
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case PaymentRefunded:
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case OrderFailed:
		o.Status = StatusFailed
		o.FailureReason = e.Reason
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	case NotificationSent:
		o.Version = e.Version
		o.UpdatedAt = e.Timestamp

	default:
		return fmt.Errorf("order: unknown event type %T", event)
	}
	return nil
}

// Apply runs When and, on success, records the event in Changes.
func (o *Order) Apply(event any) error {
	if err := o.When(event); err != nil {
		return err
	}
	o.Changes = append(o.Changes, event)
	return nil
}

func (o *Order) nextVersion() int { return o.Version + 1 }

// Create is the command that starts a new order. It is the only command
// valid on an empty aggregate.
func (o *Order) Create(orderID, customerID, correlationID string, items []OrderItem) error {
	if o.ID != "" {
		return errors.New("order: already created")
	}
	if len(items) == 0 {
		return errors.New("order: at least one item is required")
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return fmt.Errorf("order: item %q quantity must be positive", it.ProductID)
		}
		if it.UnitPriceCents < 0 {
			return fmt.Errorf("order: item %q unit_price_cents must not be negative", it.ProductID)
		}
	}

	return o.Apply(OrderCreated{
		BaseEvent: BaseEvent{
			EventID:       generateEventID(),
			AggregateID:   orderID,
			EventType:     "OrderCreated",
			Version:       1,
			Timestamp:     now(),
			CorrelationID: correlationID,
		},
		CustomerID: customerID,
		Items:      items,
	})
}

// ReserveInventory records a successful Reserve step.
func (o *Order) ReserveInventory(reservationID string) error {
	if o.Status != StatusPending {
		return fmt.Errorf("order: cannot reserve inventory in status %s", o.Status)
	}
	return o.Apply(InventoryReserved{
		BaseEvent:     o.baseEvent("InventoryReserved"),
		ReservationID: reservationID,
	})
}

// FailReservation records a business-level INSUFFICIENT_STOCK outcome.
// No compensation is needed: nothing was reserved.
func (o *Order) FailReservation(reason string) error {
	if o.Status != StatusPending {
		return fmt.Errorf("order: cannot fail reservation in status %s", o.Status)
	}
	return o.Apply(InventoryReservationFailed{
		BaseEvent: o.baseEvent("InventoryReservationFailed"),
		Reason:    reason,
	})
}

// ChargePayment records a successful Charge step.
func (o *Order) ChargePayment(paymentID string, amountCents int64) error {
	if o.Status != StatusInventoryReserved {
		return fmt.Errorf("order: cannot charge payment in status %s", o.Status)
	}
	return o.Apply(PaymentCharged{
		BaseEvent:   o.baseEvent("PaymentCharged"),
		PaymentID:   paymentID,
		AmountCents: amountCents,
	})
}

// FailPayment records a business-level Charge failure (a decline, or
// the provider unavailable behind an open breaker — retryAfterSeconds
// is non-zero only in the latter case). The reservation made earlier
// must now be released, so this transitions straight into COMPENSATING.
func (o *Order) FailPayment(reason string, retryAfterSeconds int64) error {
	if o.Status != StatusInventoryReserved {
		return fmt.Errorf("order: cannot fail payment in status %s", o.Status)
	}
	return o.Apply(PaymentFailed{
		BaseEvent:         o.baseEvent("PaymentFailed"),
		Reason:            reason,
		RetryAfterSeconds: retryAfterSeconds,
	})
}

// FailAfterCharge records an infrastructure failure discovered after a
// payment was already charged (e.g. the confirmation write itself could
// not be persisted after retries). Unlike FailPayment — which fires
// before any charge exists — this transition means both the
// reservation and the payment must be unwound, so Refund runs alongside
// Release in compensation.
func (o *Order) FailAfterCharge(reason string) error {
	if o.Status != StatusPaymentCharged {
		return fmt.Errorf("order: cannot start compensation from status %s", o.Status)
	}
	return o.Apply(CompensationStarted{
		BaseEvent: o.baseEvent("CompensationStarted"),
		Reason:    reason,
	})
}

// Confirm is the terminal success transition.
func (o *Order) Confirm() error {
	if o.Status != StatusPaymentCharged {
		return fmt.Errorf("order: cannot confirm in status %s", o.Status)
	}
	return o.Apply(OrderConfirmed{BaseEvent: o.baseEvent("OrderConfirmed")})
}

// ReleaseInventory records a completed Release compensation step.
func (o *Order) ReleaseInventory() error {
	if o.Status != StatusCompensating {
		return fmt.Errorf("order: cannot release inventory in status %s", o.Status)
	}
	return o.Apply(InventoryReleased{
		BaseEvent:     o.baseEvent("InventoryReleased"),
		ReservationID: o.ReservationID,
	})
}

// RefundPayment records a completed Refund compensation step.
func (o *Order) RefundPayment() error {
	if o.Status != StatusCompensating {
		return fmt.Errorf("order: cannot refund payment in status %s", o.Status)
	}
	return o.Apply(PaymentRefunded{
		BaseEvent: o.baseEvent("PaymentRefunded"),
		PaymentID: o.PaymentID,
	})
}

// Fail is the terminal failure transition, reached either directly (from
// a failed Reserve) or after compensation has unwound a charge/reservation.
func (o *Order) Fail(reason string) error {
	if o.Status != StatusCompensating && o.Status != StatusPending {
		return fmt.Errorf("order: cannot fail from status %s", o.Status)
	}
	return o.Apply(OrderFailed{
		BaseEvent: o.baseEvent("OrderFailed"),
		Reason:    reason,
	})
}

// RecordNotification appends a NotificationSent event without changing
// Status — notification is a side effect of the outcome, not part of
// the state machine itself.
func (o *Order) RecordNotification(outcome string) error {
	return o.Apply(NotificationSent{
		BaseEvent: o.baseEvent("NotificationSent"),
		Outcome:   outcome,
	})
}

func (o *Order) baseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:       generateEventID(),
		AggregateID:   o.ID,
		EventType:     eventType,
		Version:       o.nextVersion(),
		Timestamp:     now(),
		CorrelationID: o.CorrelationID,
	}
}

// TotalCents returns the order's derived total — the sum of every line
// item's quantity*unit_price_cents, recomputed rather than cached so it
// can never drift from Items.
func (o *Order) TotalCents() int64 {
	return TotalCents(o.Items)
}

// IsTerminal reports whether the order has reached CONFIRMED or FAILED.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusConfirmed || o.Status == StatusFailed
}
