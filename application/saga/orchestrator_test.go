package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/application/saga"
	"ordersaga/domain/inventory"
	"ordersaga/domain/order"
	"ordersaga/domain/payment"
	"ordersaga/domain/reservation"
	"ordersaga/domain/steps"
	"ordersaga/infrastructure/breaker"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/infrastructure/repository"
	"ordersaga/infrastructure/store"
	"ordersaga/internal/telemetry"
)

type testProvider struct {
	mu       sync.Mutex
	decline  bool
	failOnce bool
	calls    int
}

func (p *testProvider) Charge(_ context.Context, _ string, _ int64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failOnce && p.calls == 1 {
		return "", errors.New("transient provider timeout")
	}
	if p.decline {
		return "", &steps.BusinessError{Code: steps.CodePaymentDeclined, Message: "card declined"}
	}
	return "ch_" + key, nil
}

func (p *testProvider) Refund(_ context.Context, _ string, _ string) error { return nil }

// confirmFailingStore wraps a Store and forces the orders-table write at
// a given expected version to fail the first N times, simulating the
// confirmation write never landing even after the orchestrator's retry
// budget is exhausted — without also blocking the compensation writes
// that reuse the same expected version afterward.
type confirmFailingStore struct {
	store.Store
	failAtVersion int64
	failBudget    int
}

func (s *confirmFailingStore) PutIfVersion(table string, key store.Key, attrs map[string]any, expectedVersion int64) (store.Item, error) {
	if table == "orders" && expectedVersion == s.failAtVersion && s.failBudget > 0 {
		s.failBudget--
		return store.Item{}, store.ErrPreconditionFailed
	}
	return s.Store.PutIfVersion(table, key, attrs, expectedVersion)
}

type testNotifier struct {
	mu   sync.Mutex
	sent []steps.NotificationEnvelope
}

func (n *testNotifier) Enqueue(e steps.NotificationEnvelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, e)
	return nil
}

type harness struct {
	orchestrator *saga.Orchestrator
	orders       *repository.OrderRepository
	inventory    *inventory.Repository
	notifier     *testNotifier
	provider     *testProvider
}

func newHarness(t *testing.T, provider *testProvider) harness {
	t.Helper()
	s := store.NewMemory()
	idem := idempotency.New(s, time.Hour)
	log := telemetry.New("test")

	invRepo := inventory.NewRepository(s)
	resRepo := reservation.NewRepository(s)
	payRepo := payment.NewRepository(s)
	orders := repository.NewOrderRepository(s)
	notifier := &testNotifier{}

	b := breaker.New(store.NewMemory(), "payment-provider", 100, 2, time.Minute, nil)

	orch := saga.New(
		saga.Config{RetryMaxAttempts: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, Deadline: 5 * time.Second, StepTimeout: time.Second},
		orders,
		steps.NewReserve(invRepo, resRepo, idem, log),
		steps.NewRelease(invRepo, resRepo, idem, log),
		steps.NewCharge(provider, payRepo, b, idem, log),
		steps.NewRefund(provider, payRepo, b, idem, log),
		steps.NewNotify(notifier, idem, log),
		log,
	)

	return harness{orchestrator: orch, orders: orders, inventory: invRepo, notifier: notifier, provider: provider}
}

func TestRun_HappyPathConfirmsOrder(t *testing.T) {
	h := newHarness(t, &testProvider{})
	require.NoError(t, h.inventory.Seed("widget", 10))

	err := h.orchestrator.Run(context.Background(), saga.Request{
		OrderID: "order-1", CustomerID: "cust-1", CorrelationID: "corr-1",
		Items: []order.OrderItem{{ProductID: "widget", Quantity: 3, UnitPriceCents: 1999}},
	})
	require.NoError(t, err)

	ord, err := h.orders.Get("order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, ord.Status)

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "ORDER_CONFIRMED", h.notifier.sent[0].NotificationType)
}

func TestRun_InsufficientStockFailsWithoutCharging(t *testing.T) {
	h := newHarness(t, &testProvider{})
	require.NoError(t, h.inventory.Seed("widget", 1))

	err := h.orchestrator.Run(context.Background(), saga.Request{
		OrderID: "order-1", CustomerID: "cust-1", CorrelationID: "corr-1",
		Items: []order.OrderItem{{ProductID: "widget", Quantity: 5, UnitPriceCents: 1999}},
	})
	require.Error(t, err)

	ord, err := h.orders.Get("order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, ord.Status)
	assert.Equal(t, 0, h.provider.calls, "payment must never be attempted when reservation fails")

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "ORDER_FAILED", h.notifier.sent[0].NotificationType)
}

func TestRun_PaymentDeclineCompensatesReservation(t *testing.T) {
	h := newHarness(t, &testProvider{decline: true})
	require.NoError(t, h.inventory.Seed("widget", 10))

	err := h.orchestrator.Run(context.Background(), saga.Request{
		OrderID: "order-1", CustomerID: "cust-1", CorrelationID: "corr-1",
		Items: []order.OrderItem{{ProductID: "widget", Quantity: 3, UnitPriceCents: 1999}},
	})
	require.Error(t, err)

	ord, err := h.orders.Get("order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, ord.Status)

	q, err := h.inventory.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 10, q, "the reservation must be released on payment decline")

	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "ORDER_FAILED", h.notifier.sent[0].NotificationType)
}

func TestRun_TransientPaymentErrorRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, &testProvider{failOnce: true})
	require.NoError(t, h.inventory.Seed("widget", 10))

	err := h.orchestrator.Run(context.Background(), saga.Request{
		OrderID: "order-1", CustomerID: "cust-1", CorrelationID: "corr-1",
		Items: []order.OrderItem{{ProductID: "widget", Quantity: 3, UnitPriceCents: 1999}},
	})
	require.NoError(t, err)

	ord, err := h.orders.Get("order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, ord.Status)
	assert.GreaterOrEqual(t, h.provider.calls, 2)
}

func TestRun_ConfirmWriteFailureRefundsAndReleases(t *testing.T) {
	baseStore := store.NewMemory()
	failing := &confirmFailingStore{Store: baseStore, failAtVersion: 3, failBudget: 3}

	idem := idempotency.New(failing, time.Hour)
	log := telemetry.New("test")
	invRepo := inventory.NewRepository(failing)
	resRepo := reservation.NewRepository(failing)
	payRepo := payment.NewRepository(failing)
	orders := repository.NewOrderRepository(failing)
	notifier := &testNotifier{}
	provider := &testProvider{}
	b := breaker.New(store.NewMemory(), "payment-provider", 100, 2, time.Minute, nil)

	orch := saga.New(
		saga.Config{RetryMaxAttempts: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, Deadline: 5 * time.Second, StepTimeout: time.Second},
		orders,
		steps.NewReserve(invRepo, resRepo, idem, log),
		steps.NewRelease(invRepo, resRepo, idem, log),
		steps.NewCharge(provider, payRepo, b, idem, log),
		steps.NewRefund(provider, payRepo, b, idem, log),
		steps.NewNotify(notifier, idem, log),
		log,
	)

	require.NoError(t, invRepo.Seed("widget", 10))

	err := orch.Run(context.Background(), saga.Request{
		OrderID: "order-1", CustomerID: "cust-1", CorrelationID: "corr-1",
		Items: []order.OrderItem{{ProductID: "widget", Quantity: 3, UnitPriceCents: 1999}},
	})
	require.Error(t, err)

	ord, err := orders.Get("order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, ord.Status)

	q, err := invRepo.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 10, q, "the reservation must be released after a failed confirmation write")

	p, found, err := payRepo.Get(ord.PaymentID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, payment.StatusRefunded, p.Status, "the charge must be refunded after a failed confirmation write")
}

func TestRun_BreakerOpenFailsFastAndReportsRetryAfter(t *testing.T) {
	s := store.NewMemory()
	idem := idempotency.New(s, time.Hour)
	log := telemetry.New("test")
	invRepo := inventory.NewRepository(s)
	resRepo := reservation.NewRepository(s)
	payRepo := payment.NewRepository(s)
	orders := repository.NewOrderRepository(s)
	notifier := &testNotifier{}
	provider := &testProvider{}

	b := breaker.New(store.NewMemory(), "payment-provider", 5, 2, time.Minute, nil)
	require.NoError(t, b.ForceOpen(time.Minute))

	orch := saga.New(
		saga.Config{RetryMaxAttempts: 3, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, Deadline: 5 * time.Second, StepTimeout: time.Second},
		orders,
		steps.NewReserve(invRepo, resRepo, idem, log),
		steps.NewRelease(invRepo, resRepo, idem, log),
		steps.NewCharge(provider, payRepo, b, idem, log),
		steps.NewRefund(provider, payRepo, b, idem, log),
		steps.NewNotify(notifier, idem, log),
		log,
	)

	require.NoError(t, invRepo.Seed("widget", 10))

	err := orch.Run(context.Background(), saga.Request{
		OrderID: "order-1", CustomerID: "cust-1", CorrelationID: "corr-1",
		Items: []order.OrderItem{{ProductID: "widget", Quantity: 3, UnitPriceCents: 1999}},
	})
	require.Error(t, err)
	assert.Equal(t, 0, provider.calls, "an open breaker must not invoke the provider")

	ord, err := orders.Get("order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, ord.Status)
	assert.Greater(t, ord.RetryAfterSeconds, int64(0), "the retry hint must survive into the persisted order")

	q, err := invRepo.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 10, q, "the reservation must be released when the breaker rejects the charge")
}

func TestRun_DuplicateStartRejected(t *testing.T) {
	h := newHarness(t, &testProvider{})
	require.NoError(t, h.inventory.Seed("widget", 10))

	req := saga.Request{
		OrderID: "order-1", CustomerID: "cust-1", CorrelationID: "corr-1",
		Items: []order.OrderItem{{ProductID: "widget", Quantity: 3, UnitPriceCents: 1999}},
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = h.orchestrator.Run(context.Background(), req) }()
	go func() { defer wg.Done(); errs[1] = h.orchestrator.Run(context.Background(), req) }()
	wg.Wait()

	// Whichever goroutine loses is rejected: in-process dedup if the
	// runs overlapped, the persisted creation event if they did not.
	rejected := 0
	for _, err := range errs {
		if errors.Is(err, saga.ErrAlreadyRunning) || errors.Is(err, saga.ErrAlreadyExecuted) {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)

	q, err := h.inventory.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 7, q, "stock must be decremented exactly once")
}
