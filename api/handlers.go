// Package api exposes the HTTP ingress surface: CreateOrder (submits an
// order for saga processing, 202 Accepted) and GetOrder (current status
// plus the replayed event timeline). Validation and the mandatory
// Idempotency-Key header are enforced here, at the boundary — nothing
// past this package rejects a command.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ordersaga/application/saga"
	"ordersaga/domain/order"
	"ordersaga/domain/steps"
	"ordersaga/infrastructure/repository"
	"ordersaga/internal/telemetry"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	orchestrator *saga.Orchestrator
	orders       *repository.OrderRepository
	log          *telemetry.Logger
}

func NewOrderHandler(orchestrator *saga.Orchestrator, orders *repository.OrderRepository, log *telemetry.Logger) *OrderHandler {
	return &OrderHandler{orchestrator: orchestrator, orders: orders, log: log}
}

// CreateOrderRequest is the HTTP request body for placing an order.
// total_cents is never accepted from the caller; it is always derived
// from items.
type CreateOrderRequest struct {
	CustomerID string            `json:"customer_id"`
	Items      []order.OrderItem `json:"items"`
}

// CreateOrderResponse is the HTTP response for a newly accepted order.
type CreateOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CreateOrder handles POST /orders. The Idempotency-Key header is
// mandatory: a retried HTTP request, not just a retried saga step, must
// not be able to double-place an order.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		http.Error(w, "Idempotency-Key header is required", http.StatusBadRequest)
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.CustomerID == "" {
		http.Error(w, "customer_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items must not be empty", http.StatusBadRequest)
		return
	}
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			http.Error(w, fmt.Sprintf("item %q: quantity must be positive", it.ProductID), http.StatusBadRequest)
			return
		}
		if it.UnitPriceCents < 0 {
			http.Error(w, fmt.Sprintf("item %q: unit_price_cents must not be negative", it.ProductID), http.StatusBadRequest)
			return
		}
	}

	// order_id is derived deterministically from the caller-supplied
	// idempotency key, never randomly generated, so a duplicate
	// submission with the same key always names the same order. Once
	// the first saga has finished, the in-process execution-name dedup
	// has nothing left to reject; a stable order_id is what keeps the
	// second submission from starting a second saga.
	orderID := idempotencyKey
	if !strings.HasPrefix(orderID, "order-") {
		orderID = "order-" + idempotencyKey
	}

	// CreateOrder returns 202 with status PENDING the instant the saga
	// is accepted; the saga itself, including its retry/compensation
	// chain, executes in the background and the caller polls GetOrder
	// for the outcome. context.Background() (not r.Context()) so the
	// saga outlives this request.
	go func() {
		err := h.orchestrator.Run(context.Background(), saga.Request{
			OrderID:       orderID,
			CustomerID:    req.CustomerID,
			CorrelationID: idempotencyKey,
			Items:         req.Items,
		})
		// A business failure (insufficient stock, declined card) still
		// means the saga ran to completion and drove the order to
		// FAILED — that outcome is visible through GetOrder, not an
		// error worth logging here. A duplicate start for the same
		// idempotency key is expected too; only an infrastructure error
		// is logged.
		var bizErr *steps.BusinessError
		if err != nil && !errors.Is(err, saga.ErrAlreadyRunning) && !errors.Is(err, saga.ErrAlreadyExecuted) && !errors.As(err, &bizErr) {
			h.log.Error("saga run failed", telemetry.Fields{"order_id": orderID, "error": err})
		}
	}()

	resp := CreateOrderResponse{
		OrderID: orderID,
		Status:  string(order.StatusPending),
		Message: "Order accepted and is being processed",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// HealthCheck handles GET /health.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// OrderResponse is the response for GetOrder. RetryAfterSeconds is set
// when the order failed because the payment provider was unavailable:
// how long the provider was expected to stay gated at failure time.
type OrderResponse struct {
	OrderID           string            `json:"order_id"`
	CustomerID        string            `json:"customer_id"`
	Items             []order.OrderItem `json:"items"`
	Status            string            `json:"status"`
	ReservationID     string            `json:"reservation_id,omitempty"`
	PaymentID         string            `json:"payment_id,omitempty"`
	TotalCents        int64             `json:"total_cents,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	RetryAfterSeconds int64             `json:"retry_after_seconds,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Timeline          []TimelineEvent   `json:"timeline"`
}

// TimelineEvent represents a single event in the order's history.
type TimelineEvent struct {
	EventType string         `json:"event_type"`
	Version   int            `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// GetOrder handles GET /orders/{orderID}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orderID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/orders/"))
	if orderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}

	ord, err := h.orders.Get(orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Order not found", http.StatusNotFound)
			return
		}
		h.log.Error("failed to load order", telemetry.Fields{"order_id": orderID, "error": err})
		http.Error(w, "Failed to load order", http.StatusInternalServerError)
		return
	}

	events, err := h.orders.Events(orderID)
	if err != nil {
		h.log.Error("failed to load order events", telemetry.Fields{"order_id": orderID, "error": err})
		http.Error(w, "Failed to load order history", http.StatusInternalServerError)
		return
	}

	timeline := make([]TimelineEvent, 0, len(events))
	for _, item := range events {
		eventType, _ := item.Attrs["event_type"].(string)
		version := 0
		if v, ok := item.Attrs["version"].(int64); ok {
			version = int(v)
		} else if v, ok := item.Attrs["version"].(float64); ok {
			version = int(v)
		}

		var timestamp time.Time
		if raw, ok := item.Attrs["timestamp"].(string); ok {
			timestamp, _ = time.Parse(time.RFC3339Nano, raw)
		}

		timeline = append(timeline, TimelineEvent{
			EventType: eventType,
			Version:   version,
			Timestamp: timestamp,
			Details:   item.Attrs,
		})
	}

	resp := OrderResponse{
		OrderID:           ord.ID,
		CustomerID:        ord.CustomerID,
		Items:             ord.Items,
		Status:            string(ord.Status),
		ReservationID:     ord.ReservationID,
		PaymentID:         ord.PaymentID,
		TotalCents:        ord.TotalCents(),
		FailureReason:     ord.FailureReason,
		RetryAfterSeconds: ord.RetryAfterSeconds,
		CreatedAt:         ord.CreatedAt,
		UpdatedAt:         ord.UpdatedAt,
		Timeline:          timeline,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// BreakerAdmin is the minimal surface api needs from
// application/admin.BreakerAdmin, kept as an interface so the handler
// can be tested without a real breaker.
type BreakerAdmin interface {
	Open(name string, d time.Duration) error
	Close(name string) error
}

// AdminHandler exposes the administrative breaker controls over HTTP —
// POST /admin/breakers/{name}/open and /close.
type AdminHandler struct {
	breakers BreakerAdmin
	log      *telemetry.Logger
}

func NewAdminHandler(breakers BreakerAdmin, log *telemetry.Logger) *AdminHandler {
	return &AdminHandler{breakers: breakers, log: log}
}

func (h *AdminHandler) OpenBreaker(w http.ResponseWriter, r *http.Request) {
	h.forceBreaker(w, r, "/admin/breakers/", "/open", func(name string) error {
		return h.breakers.Open(name, time.Minute)
	})
}

func (h *AdminHandler) CloseBreaker(w http.ResponseWriter, r *http.Request) {
	h.forceBreaker(w, r, "/admin/breakers/", "/close", func(name string) error {
		return h.breakers.Close(name)
	})
}

func (h *AdminHandler) forceBreaker(w http.ResponseWriter, r *http.Request, prefix, suffix string, apply func(name string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, prefix), suffix)
	if name == "" {
		http.Error(w, "breaker name is required", http.StatusBadRequest)
		return
	}

	if err := apply(name); err != nil {
		h.log.Error("breaker admin action failed", telemetry.Fields{"breaker": name, "error": err})
		http.Error(w, fmt.Sprintf("failed to update breaker %q: %v", name, err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"breaker": name, "status": "updated"})
}
