// Package steps implements the five business operations the saga
// orchestrator calls: Reserve, Release, Charge, Refund, Notify. Each is
// wrapped in the idempotency registry and, for the payment operations,
// gated by the circuit breaker. One file per step.
package steps

import (
	"context"
	"fmt"
	"time"
)

// BusinessError is a step outcome the orchestrator must not retry:
// insufficient stock, a declined card. It is distinct from an
// infrastructure error (network timeout, a store write failing) which
// the orchestrator retries with backoff before giving up.
//
// RetryAfterSeconds is set only on PAYMENT_PROVIDER_UNAVAILABLE: the
// whole seconds until the circuit breaker admits calls again, so a
// caller can schedule its retry instead of parsing a timestamp out of
// Message.
type BusinessError struct {
	Code              string
	Message           string
	RetryAfterSeconds int64
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func businessError(code, msg string) error {
	return &BusinessError{Code: code, Message: msg}
}

// retryAfterSeconds converts the breaker's absolute reopen time into
// the duration callers are told to wait, floored at zero for a
// resets_at that has already passed.
func retryAfterSeconds(resetsAt time.Time) int64 {
	s := int64(time.Until(resetsAt).Seconds())
	if s < 0 {
		return 0
	}
	return s
}

// Error codes carried in BusinessError.Code.
const (
	CodeInsufficientStock          = "INSUFFICIENT_STOCK"
	CodePaymentDeclined            = "PAYMENT_DECLINED"
	CodePaymentProviderUnavailable = "PAYMENT_PROVIDER_UNAVAILABLE"
)

// PaymentProvider is the abstract external payment dependency. This
// system does not implement a real payment gateway, only the resilience
// machinery around calling one.
type PaymentProvider interface {
	Charge(ctx context.Context, customerID string, amountCents int64, idempotencyKey string) (providerChargeID string, err error)
	Refund(ctx context.Context, providerChargeID string, idempotencyKey string) error
}

// NotificationEnvelope is the wire shape handed to the outbox/message
// bus. Consumers dedupe on order_id + notification_type.
type NotificationEnvelope struct {
	OrderID          string `json:"order_id"`
	CustomerID       string `json:"customer_id"`
	NotificationType string `json:"notification_type"`
	CorrelationID    string `json:"correlation_id"`
	Reason           string `json:"reason,omitempty"`
}

// Notifier hands a notification envelope to the transactional outbox as
// its own write, separate from the order's status transition.
// Implemented by infrastructure/outbox.
type Notifier interface {
	Enqueue(envelope NotificationEnvelope) error
}
