package steps

import (
	"fmt"

	"ordersaga/infrastructure/idempotency"
	"ordersaga/internal/telemetry"
)

// NotifyResult is Notify's success payload.
type NotifyResult struct {
	Sent bool `json:"sent"`
}

// Notify hands the order's outcome to the transactional outbox. It is
// fire-and-forget from the saga's perspective: a slow or failing
// notification never rolls the order back.
type Notify struct {
	notifier    Notifier
	idempotency *idempotency.Registry
	log         *telemetry.Logger
}

func NewNotify(n Notifier, idem *idempotency.Registry, log *telemetry.Logger) *Notify {
	return &Notify{notifier: n, idempotency: idem, log: log}
}

func (n *Notify) Run(orderID string, envelope NotificationEnvelope) (NotifyResult, error) {
	key := fmt.Sprintf("notify-%s-%s", orderID, envelope.NotificationType)

	var result NotifyResult
	err := n.idempotency.Execute(key, &result, func() (any, error) {
		if err := n.notifier.Enqueue(envelope); err != nil {
			return nil, fmt.Errorf("steps: enqueue notification for %s: %w", orderID, err)
		}
		n.log.Info("notification enqueued", telemetry.Fields{
			"order_id": orderID, "notification_type": envelope.NotificationType,
		})
		return NotifyResult{Sent: true}, nil
	})

	return result, err
}
