// Package saga implements the order-placement saga orchestrator: one
// synchronous handler chaining Reserve, Charge and Confirm, with
// Release/Refund compensation on the way back out. Business failures
// trigger compensation immediately; infrastructure errors retry with
// backoff first.
package saga

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"ordersaga/domain/order"
	"ordersaga/domain/reservation"
	"ordersaga/domain/steps"
	"ordersaga/infrastructure/repository"
	"ordersaga/infrastructure/store"
	"ordersaga/internal/telemetry"
)

// Config bounds the orchestrator's retry and deadline behavior: one
// explicit record instead of constants scattered through the handler.
type Config struct {
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	Deadline         time.Duration

	// StepTimeout bounds a single attempt at a downstream-dependency
	// call (Charge/Refund), separately from the saga-wide Deadline. A
	// timed-out attempt returns context.DeadlineExceeded, which
	// withRetry treats as an infrastructure error like any other.
	StepTimeout time.Duration
}

// Request describes a single order-placement attempt. The charge amount
// is not part of it: it is always the order's derived total
// (quantity*unit_price_cents summed across Items), never a
// caller-supplied figure.
type Request struct {
	OrderID       string
	CustomerID    string
	CorrelationID string
	Items         []order.OrderItem
}

// Orchestrator wires the step executors into the forward/compensation
// DAG and persists the order's event log at every transition.
type Orchestrator struct {
	cfg     Config
	orders  *repository.OrderRepository
	reserve *steps.Reserve
	release *steps.Release
	charge  *steps.Charge
	refund  *steps.Refund
	notify  *steps.Notify
	log     *telemetry.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(
	cfg Config,
	orders *repository.OrderRepository,
	reserve *steps.Reserve,
	release *steps.Release,
	charge *steps.Charge,
	refund *steps.Refund,
	notify *steps.Notify,
	log *telemetry.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		orders:   orders,
		reserve:  reserve,
		release:  release,
		charge:   charge,
		refund:   refund,
		notify:   notify,
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

// ErrAlreadyRunning is returned when a saga execution for the same
// order is already in flight in this process: one order maps to one
// execution named order-saga-<order_id>, and duplicate starts for the
// same name are rejected.
var ErrAlreadyRunning = errors.New("saga: execution already running for this order")

// ErrAlreadyExecuted is returned when the order's creation event is
// already persisted — a duplicate submission whose first saga ran (or
// is running) on another instance. The caller already holds the
// original order_id; there is nothing further to do.
var ErrAlreadyExecuted = errors.New("saga: order already exists")

// Run executes the full saga synchronously. It is safe to call
// concurrently for different orders; a second concurrent call for the
// same order_id returns ErrAlreadyRunning immediately.
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	executionName := fmt.Sprintf("order-saga-%s", req.OrderID)
	if !o.claim(executionName) {
		return ErrAlreadyRunning
	}
	defer o.unclaim(executionName)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	ord := order.New()
	if err := ord.Create(req.OrderID, req.CustomerID, req.CorrelationID, req.Items); err != nil {
		return fmt.Errorf("saga: create order %s: %w", req.OrderID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return ErrAlreadyExecuted
		}
		return fmt.Errorf("saga: persist order creation %s: %w", req.OrderID, err)
	}

	o.log.Info("saga started", telemetry.Fields{"order_id": req.OrderID, "execution": executionName})

	totalCents := ord.TotalCents()

	reservationItems := make([]reservation.Item, len(req.Items))
	for i, it := range req.Items {
		reservationItems[i] = reservation.Item{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	reserveResult, err := withRetry(o, func() (steps.ReserveResult, error) {
		return o.reserve.Run(req.OrderID, reservationItems)
	})
	if err != nil {
		return o.failWithoutCompensation(ord, err)
	}

	if err := ord.ReserveInventory(reserveResult.ReservationID); err != nil {
		return fmt.Errorf("saga: apply reservation for %s: %w", req.OrderID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist reservation for %s: %w", req.OrderID, err)
	}

	chargeResult, err := withRetry(o, func() (steps.ChargeResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
		return o.charge.Run(attemptCtx, req.OrderID, req.CustomerID, totalCents)
	})
	if err != nil {
		return o.compensateFromInventoryReserved(ctx, ord, reserveResult.ReservationID, err)
	}

	if err := ord.ChargePayment(chargeResult.PaymentID, totalCents); err != nil {
		return fmt.Errorf("saga: apply charge for %s: %w", req.OrderID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist charge for %s: %w", req.OrderID, err)
	}

	// Confirm is attempted on a copy so that ord itself still reflects
	// PAYMENT_CHARGED if the confirmation write never lands — that
	// status is what compensateFromPaymentCharged needs to unwind the
	// charge correctly.
	confirmed := *ord
	if err := confirmed.Confirm(); err != nil {
		return fmt.Errorf("saga: confirm %s: %w", req.OrderID, err)
	}
	if _, err := withRetry(o, func() (struct{}, error) {
		return struct{}{}, o.orders.Save(&confirmed)
	}); err != nil {
		// The confirmation write never landed after retries: the payment
		// was charged but the order's durable state never reached
		// CONFIRMED. Unwind both the charge and the reservation rather
		// than leave a charged order the store thinks is still mid-flight.
		return o.compensateFromPaymentCharged(ctx, ord, reserveResult.ReservationID, chargeResult.PaymentID,
			fmt.Errorf("saga: persist confirmation for %s: %w", req.OrderID, err))
	}
	ord = &confirmed

	o.notifyAndRecord(ord, "ORDER_CONFIRMED", "")

	o.log.Success("saga completed", telemetry.Fields{"order_id": req.OrderID})
	return nil
}

// failWithoutCompensation handles a Reserve failure: nothing was
// reserved or charged yet, so the saga goes straight to FAILED with no
// compensation chain.
func (o *Orchestrator) failWithoutCompensation(ord *order.Order, cause error) error {
	var bizErr *steps.BusinessError
	reason := cause.Error()
	if errors.As(cause, &bizErr) {
		reason = bizErr.Message
	}

	if err := ord.FailReservation(reason); err != nil {
		return fmt.Errorf("saga: apply reservation failure for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist reservation failure for %s: %w", ord.ID, err)
	}

	o.notifyAndRecord(ord, "ORDER_FAILED", reason)
	o.log.Failure("saga failed (reservation)", telemetry.Fields{"order_id": ord.ID, "reason": reason})
	return cause
}

// compensateFromInventoryReserved handles a Charge failure: inventory
// was already reserved, so the saga must release it before reaching
// FAILED — the Release compensation step.
func (o *Orchestrator) compensateFromInventoryReserved(ctx context.Context, ord *order.Order, reservationID string, cause error) error {
	var bizErr *steps.BusinessError
	reason := cause.Error()
	var retryAfter int64
	if errors.As(cause, &bizErr) {
		reason = bizErr.Message
		retryAfter = bizErr.RetryAfterSeconds
	}

	if err := ord.FailPayment(reason, retryAfter); err != nil {
		return fmt.Errorf("saga: apply payment failure for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist payment failure for %s: %w", ord.ID, err)
	}

	o.log.Compensating("starting compensation", telemetry.Fields{"order_id": ord.ID, "reason": reason})

	if _, err := o.release.Run(ord.ID, reservationID); err != nil {
		// Release itself failing is an infrastructure problem with no
		// further fallback; the order stays COMPENSATING for an
		// operator or a later retry of this saga to pick up.
		o.log.Error("release step failed", telemetry.Fields{"order_id": ord.ID, "error": err})
		return fmt.Errorf("saga: release inventory for %s: %w", ord.ID, err)
	}
	if err := ord.ReleaseInventory(); err != nil {
		return fmt.Errorf("saga: apply release for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist release for %s: %w", ord.ID, err)
	}

	if err := ord.Fail(reason); err != nil {
		return fmt.Errorf("saga: apply failure for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist failure for %s: %w", ord.ID, err)
	}

	o.notifyAndRecord(ord, "ORDER_FAILED", reason)
	o.log.Failure("saga failed (payment)", telemetry.Fields{"order_id": ord.ID, "reason": reason})
	return cause
}

// compensateFromPaymentCharged handles a failure discovered after the
// payment was already charged (the confirmation write itself never
// landed): both Refund and Release must run, in reverse of the
// successful Reserve-then-Charge prefix, so an order that reached
// PAYMENT_CHARGED and then FAILED always ends with its Payment
// REFUNDED and its Reservation RELEASED.
func (o *Orchestrator) compensateFromPaymentCharged(ctx context.Context, ord *order.Order, reservationID, paymentID string, cause error) error {
	reason := cause.Error()

	if err := ord.FailAfterCharge(reason); err != nil {
		return fmt.Errorf("saga: apply post-charge failure for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist post-charge failure for %s: %w", ord.ID, err)
	}

	o.log.Compensating("starting compensation", telemetry.Fields{"order_id": ord.ID, "reason": reason})

	if _, err := withRetry(o, func() (steps.RefundResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
		return o.refund.Run(attemptCtx, ord.ID, paymentID)
	}); err != nil {
		// Refund has no further compensation of its own: a compensation
		// that cannot complete surfaces as a stuck saga rather than
		// silently failing, so the order stays COMPENSATING for an
		// operator or a later retry to pick up.
		o.log.Error("refund step failed", telemetry.Fields{"order_id": ord.ID, "error": err})
		return fmt.Errorf("saga: refund payment for %s: %w", ord.ID, err)
	}
	if err := ord.RefundPayment(); err != nil {
		return fmt.Errorf("saga: apply refund for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist refund for %s: %w", ord.ID, err)
	}

	if _, err := o.release.Run(ord.ID, reservationID); err != nil {
		o.log.Error("release step failed", telemetry.Fields{"order_id": ord.ID, "error": err})
		return fmt.Errorf("saga: release inventory for %s: %w", ord.ID, err)
	}
	if err := ord.ReleaseInventory(); err != nil {
		return fmt.Errorf("saga: apply release for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist release for %s: %w", ord.ID, err)
	}

	if err := ord.Fail(reason); err != nil {
		return fmt.Errorf("saga: apply failure for %s: %w", ord.ID, err)
	}
	if err := o.orders.Save(ord); err != nil {
		return fmt.Errorf("saga: persist failure for %s: %w", ord.ID, err)
	}

	o.notifyAndRecord(ord, "ORDER_FAILED", reason)
	o.log.Failure("saga failed (post-charge)", telemetry.Fields{"order_id": ord.ID, "reason": reason})
	return cause
}

func (o *Orchestrator) notifyAndRecord(ord *order.Order, notificationType, reason string) {
	_, err := o.notify.Run(ord.ID, steps.NotificationEnvelope{
		OrderID:          ord.ID,
		CustomerID:       ord.CustomerID,
		NotificationType: notificationType,
		CorrelationID:    ord.CorrelationID,
		Reason:           reason,
	})
	if err != nil {
		o.log.Error("notify step failed", telemetry.Fields{"order_id": ord.ID, "error": err})
		return
	}
	if err := ord.RecordNotification(notificationType); err != nil {
		o.log.Error("record notification failed", telemetry.Fields{"order_id": ord.ID, "error": err})
		return
	}
	if err := o.orders.Save(ord); err != nil {
		o.log.Error("persist notification record failed", telemetry.Fields{"order_id": ord.ID, "error": err})
	}
}

// withRetry runs fn, retrying with exponential backoff only when the
// failure is an infrastructure error. A *steps.BusinessError is a final
// answer and returns immediately.
func withRetry[T any](o *Orchestrator, fn func() (T, error)) (T, error) {
	var zero T
	delay := o.cfg.RetryBaseDelay

	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		var bizErr *steps.BusinessError
		if errors.As(err, &bizErr) {
			return zero, err
		}

		if attempt >= o.cfg.RetryMaxAttempts {
			return zero, err
		}

		o.log.Warn("retrying step after infrastructure error", telemetry.Fields{"attempt": attempt, "error": err})
		time.Sleep(jitter(delay))
		delay *= 2
		if delay > o.cfg.RetryMaxDelay {
			delay = o.cfg.RetryMaxDelay
		}
	}
}

// jitter spreads a backoff delay by ±20% so concurrently retrying sagas
// don't all wake up in lockstep.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(offset)
}

func (o *Orchestrator) claim(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.inFlight[name]; exists {
		return false
	}
	o.inFlight[name] = struct{}{}
	return true
}

func (o *Orchestrator) unclaim(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, name)
}
