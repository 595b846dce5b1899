// Package provider provides a simulated external payment gateway. The
// service's concern is the resilience machinery around calling a
// payment provider, not a real Stripe/Braintree integration, so
// cmd/main.go wires this in place of one.
package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"math/big"
	"time"

	"ordersaga/domain/steps"
)

// SimulatedProvider reproduces the mock's latency and transient-failure
// behavior so the circuit breaker and saga retry logic have something
// real to react to in development and in tests run against the wider
// stack.
type SimulatedProvider struct {
	// FailureRate is the fraction of calls (0..1) that fail with a
	// simulated connection error, tripping the breaker's failure count.
	FailureRate float64
	// DeclineRate is the fraction of calls (0..1) that come back as a
	// business-level decline rather than a connection failure: a
	// *steps.BusinessError the breaker's classifier must not count
	// against the failure threshold.
	DeclineRate float64
	// MinLatency/MaxLatency bound the simulated provider round-trip.
	MinLatency, MaxLatency time.Duration
}

func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{
		FailureRate: 0.03,
		DeclineRate: 0.02,
		MinLatency:  50 * time.Millisecond,
		MaxLatency:  150 * time.Millisecond,
	}
}

func (p *SimulatedProvider) Charge(ctx context.Context, customerID string, amountCents int64, idempotencyKey string) (string, error) {
	if err := p.simulateCall(ctx); err != nil {
		return "", err
	}
	if randomFloat() < p.DeclineRate {
		return "", &steps.BusinessError{Code: steps.CodePaymentDeclined, Message: "card declined by issuer"}
	}
	return "ch_" + randomHex(16), nil
}

func (p *SimulatedProvider) Refund(ctx context.Context, providerChargeID string, idempotencyKey string) error {
	return p.simulateCall(ctx)
}

func (p *SimulatedProvider) simulateCall(ctx context.Context) error {
	delay := p.MinLatency
	if p.MaxLatency > p.MinLatency {
		delay += randomDuration(p.MaxLatency - p.MinLatency)
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if randomFloat() < p.FailureRate {
		return errors.New("payment provider timed out")
	}
	return nil
}

func randomFloat() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0
	}
	return float64(n.Int64()) / (1 << 53)
}

func randomDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

func randomHex(n int) string {
	b := make([]byte, n/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
