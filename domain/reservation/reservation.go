// Package reservation records what Reserve decremented, so Release
// knows what to give back without re-deriving it from the order.
package reservation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersaga/infrastructure/store"
)

const tableName = "reservations"

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusReleased Status = "RELEASED"
)

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type Reservation struct {
	ID        string
	OrderID   string
	Items     []Item
	Status    Status
	CreatedAt time.Time
}

type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

func (r *Repository) Create(id, orderID string, items []Item) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("reservation: encode items: %w", err)
	}
	err = r.store.PutIfAbsent(tableName, store.SimpleKey(id), map[string]any{
		"order_id":   orderID,
		"items":      string(raw),
		"status":     string(StatusActive),
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		return nil // same reservation_id retried: already recorded
	}
	return err
}

func (r *Repository) Get(id string) (Reservation, bool, error) {
	item, err := r.store.Get(tableName, store.SimpleKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, fmt.Errorf("reservation: read %q: %w", id, err)
	}

	var items []Item
	if raw, ok := item.Attrs["items"].(string); ok {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return Reservation{}, false, fmt.Errorf("reservation: decode items: %w", err)
		}
	}

	res := Reservation{
		ID:      id,
		OrderID: fmt.Sprint(item.Attrs["order_id"]),
		Items:   items,
		Status:  Status(fmt.Sprint(item.Attrs["status"])),
	}
	return res, true, nil
}

// MarkReleased flips the reservation's status to RELEASED. Releasing an
// already-released (or never-created) reservation is not an error — the
// Release step must be safe to retry.
func (r *Repository) MarkReleased(id string) error {
	item, err := r.store.Get(tableName, store.SimpleKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reservation: read %q: %w", id, err)
	}

	attrs := item.Attrs
	attrs["status"] = string(StatusReleased)
	if _, err := r.store.PutIfVersion(tableName, store.SimpleKey(id), attrs, item.Version); err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil // concurrent release already flipped it
		}
		return fmt.Errorf("reservation: mark released %q: %w", id, err)
	}
	return nil
}
