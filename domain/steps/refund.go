package steps

import (
	"context"
	"errors"
	"fmt"

	"ordersaga/domain/payment"
	"ordersaga/infrastructure/breaker"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/internal/telemetry"
)

// RefundResult is Refund's success payload — empty, same as Release.
type RefundResult struct{}

// Refund is the compensating transaction for Charge, routed through the
// same circuit breaker as Charge: a provider outage affects both
// directions of the same dependency.
type Refund struct {
	provider    PaymentProvider
	payments    *payment.Repository
	breaker     *breaker.Breaker
	idempotency *idempotency.Registry
	log         *telemetry.Logger
}

func NewRefund(provider PaymentProvider, payments *payment.Repository, b *breaker.Breaker, idem *idempotency.Registry, log *telemetry.Logger) *Refund {
	return &Refund{provider: provider, payments: payments, breaker: b, idempotency: idem, log: log}
}

func (r *Refund) Run(ctx context.Context, orderID, paymentID string) (RefundResult, error) {
	if paymentID == "" {
		return RefundResult{}, nil
	}
	key := fmt.Sprintf("refund-%s", paymentID)

	var result RefundResult
	err := r.idempotency.Execute(key, &result, func() (any, error) {
		p, found, err := r.payments.Get(paymentID)
		if err != nil {
			return nil, fmt.Errorf("steps: refund %s: %w", paymentID, err)
		}
		if !found || p.Status == payment.StatusRefunded {
			r.log.Info("nothing to refund", telemetry.Fields{"order_id": orderID, "payment_id": paymentID})
			return RefundResult{}, nil
		}

		callErr := r.breaker.Call(func() error {
			return r.provider.Refund(ctx, p.ProviderChargeID, key)
		})
		if callErr != nil {
			var openErr *breaker.OpenError
			if errors.As(callErr, &openErr) {
				return nil, &BusinessError{
					Code:              CodePaymentProviderUnavailable,
					Message:           callErr.Error(),
					RetryAfterSeconds: retryAfterSeconds(openErr.ResetsAt),
				}
			}
			return nil, fmt.Errorf("steps: refund %s: %w", paymentID, callErr)
		}

		if err := r.payments.MarkRefunded(paymentID); err != nil {
			return nil, fmt.Errorf("steps: mark refunded %s: %w", paymentID, err)
		}

		r.log.Compensating("payment refunded", telemetry.Fields{"order_id": orderID, "payment_id": paymentID})
		return RefundResult{}, nil
	})

	return result, err
}
