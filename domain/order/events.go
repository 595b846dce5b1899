package order

import "time"

// BaseEvent carries the fields every order event shares. The keyed
// store persists the whole event as one jsonb row, so there is no
// serializer layer between the event struct and its storage
// representation.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	Version       int       `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// OrderCreated is the first event in every order's history.
type OrderCreated struct {
	BaseEvent
	CustomerID string      `json:"customer_id"`
	Items      []OrderItem `json:"items"`
}

// InventoryReserved records a successful Reserve step.
type InventoryReserved struct {
	BaseEvent
	ReservationID string `json:"reservation_id"`
}

// InventoryReservationFailed records a business-level Reserve failure
// (insufficient stock), not an infrastructure exception.
type InventoryReservationFailed struct {
	BaseEvent
	Reason string `json:"reason"`
}

// PaymentCharged records a successful Charge step. The amount is the
// order's derived total, always an integer cent count.
type PaymentCharged struct {
	BaseEvent
	PaymentID   string `json:"payment_id"`
	AmountCents int64  `json:"amount_cents"`
}

// PaymentFailed records a business-level Charge failure.
// RetryAfterSeconds is non-zero when the failure was the payment
// breaker being OPEN: how long the provider was expected to stay
// unavailable at the time of failure.
type PaymentFailed struct {
	BaseEvent
	Reason            string `json:"reason"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// OrderConfirmed is the terminal success event.
type OrderConfirmed struct {
	BaseEvent
}

// CompensationStarted marks the saga's pivot from forward progress to
// unwinding whatever already succeeded.
type CompensationStarted struct {
	BaseEvent
	Reason string `json:"reason"`
}

// InventoryReleased records a completed Release compensation step.
type InventoryReleased struct {
	BaseEvent
	ReservationID string `json:"reservation_id"`
}

// PaymentRefunded records a completed Refund compensation step.
type PaymentRefunded struct {
	BaseEvent
	PaymentID string `json:"payment_id"`
}

// OrderFailed is the terminal failure event, written once compensation
// (if any was needed) has finished.
type OrderFailed struct {
	BaseEvent
	Reason string `json:"reason"`
}

// NotificationSent records that the saga handed the outcome to the
// outbox for delivery, not that delivery itself succeeded: delivery is
// at-least-once and consumers dedupe.
type NotificationSent struct {
	BaseEvent
	Outcome string `json:"outcome"`
}
