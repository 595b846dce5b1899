// Package payment records charges and refunds. A payment is CHARGED
// when the provider call succeeds and REFUNDED once compensation has
// unwound it; there are no other states.
package payment

import (
	"errors"
	"fmt"
	"time"

	"ordersaga/infrastructure/store"
)

const tableName = "payments"

type Status string

const (
	StatusCharged  Status = "CHARGED"
	StatusRefunded Status = "REFUNDED"
)

type Payment struct {
	ID               string
	OrderID          string
	CustomerID       string
	AmountCents      int64
	ProviderChargeID string
	Status           Status
}

type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) Create(p Payment) error {
	err := r.store.PutIfAbsent(tableName, store.SimpleKey(p.ID), map[string]any{
		"order_id":           p.OrderID,
		"customer_id":        p.CustomerID,
		"amount_cents":       p.AmountCents,
		"provider_charge_id": p.ProviderChargeID,
		"status":             string(StatusCharged),
		"created_at":         time.Now().UTC().Format(time.RFC3339Nano),
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		return nil
	}
	return err
}

func (r *Repository) Get(id string) (Payment, bool, error) {
	item, err := r.store.Get(tableName, store.SimpleKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, fmt.Errorf("payment: read %q: %w", id, err)
	}

	p := Payment{
		ID:               id,
		OrderID:          fmt.Sprint(item.Attrs["order_id"]),
		CustomerID:       fmt.Sprint(item.Attrs["customer_id"]),
		AmountCents:      toInt64(item.Attrs["amount_cents"]),
		ProviderChargeID: fmt.Sprint(item.Attrs["provider_charge_id"]),
		Status:           Status(fmt.Sprint(item.Attrs["status"])),
	}
	return p, true, nil
}

// MarkRefunded flips a charge to REFUNDED. Refunding an already-refunded
// (or never-charged) payment is not an error — Refund must be safe to
// retry.
func (r *Repository) MarkRefunded(id string) error {
	item, err := r.store.Get(tableName, store.SimpleKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("payment: read %q: %w", id, err)
	}

	attrs := item.Attrs
	attrs["status"] = string(StatusRefunded)
	if _, err := r.store.PutIfVersion(tableName, store.SimpleKey(id), attrs, item.Version); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil
		}
		return fmt.Errorf("payment: mark refunded %q: %w", id, err)
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
