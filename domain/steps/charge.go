package steps

import (
	"context"
	"errors"
	"fmt"

	"ordersaga/domain/payment"
	"ordersaga/infrastructure/breaker"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/internal/telemetry"
	"ordersaga/pkg/uuid"
)

// ChargeResult is Charge's success payload.
type ChargeResult struct {
	PaymentID string `json:"payment_id"`
}

// Charge wraps the external payment provider with idempotency and the
// circuit breaker, so a run of consecutive provider timeouts stops
// further orders from each paying a full timeout of their own.
type Charge struct {
	provider    PaymentProvider
	payments    *payment.Repository
	breaker     *breaker.Breaker
	idempotency *idempotency.Registry
	log         *telemetry.Logger
}

func NewCharge(provider PaymentProvider, payments *payment.Repository, b *breaker.Breaker, idem *idempotency.Registry, log *telemetry.Logger) *Charge {
	return &Charge{provider: provider, payments: payments, breaker: b, idempotency: idem, log: log}
}

func (c *Charge) Run(ctx context.Context, orderID, customerID string, amountCents int64) (ChargeResult, error) {
	key := fmt.Sprintf("charge-%s", orderID)

	var result ChargeResult
	err := c.idempotency.Execute(key, &result, func() (any, error) {
		paymentID := uuid.New()
		var providerChargeID string

		callErr := c.breaker.Call(func() error {
			chargeID, err := c.provider.Charge(ctx, customerID, amountCents, key)
			if err != nil {
				return err
			}
			providerChargeID = chargeID
			return nil
		})

		if callErr != nil {
			var openErr *breaker.OpenError
			if errors.As(callErr, &openErr) {
				retryAfter := retryAfterSeconds(openErr.ResetsAt)
				c.log.Warn("payment circuit open", telemetry.Fields{"order_id": orderID, "retry_after_seconds": retryAfter})
				return nil, &BusinessError{
					Code:              CodePaymentProviderUnavailable,
					Message:           callErr.Error(),
					RetryAfterSeconds: retryAfter,
				}
			}
			var declined *BusinessError
			if errors.As(callErr, &declined) {
				return nil, callErr
			}
			return nil, fmt.Errorf("steps: charge %s: %w", orderID, callErr)
		}

		if err := c.payments.Create(payment.Payment{
			ID:               paymentID,
			OrderID:          orderID,
			CustomerID:       customerID,
			AmountCents:      amountCents,
			ProviderChargeID: providerChargeID,
		}); err != nil {
			return nil, fmt.Errorf("steps: record payment for %s: %w", orderID, err)
		}

		c.log.Success("payment charged", telemetry.Fields{"order_id": orderID, "payment_id": paymentID})
		return ChargeResult{PaymentID: paymentID}, nil
	})

	return result, err
}
