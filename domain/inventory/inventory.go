// Package inventory owns the Product/quantity record. It exposes no
// mutation path other than the keyed store's atomic check-and-decrement:
// two concurrent readers both observing "available" is the oversell bug,
// so there is deliberately no Get-then-decide API here for callers to
// misuse.
package inventory

import (
	"errors"
	"fmt"

	"ordersaga/infrastructure/store"
)

const tableName = "inventory"

// ErrInsufficientStock is returned when a product does not have enough
// quantity to satisfy a decrement.
var ErrInsufficientStock = errors.New("inventory: insufficient stock")

// Repository is the only way the rest of the codebase touches stock
// levels.
type Repository struct {
	store store.Store
}

func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// Quantity returns a product's current quantity, 0 if the product does
// not exist.
func (r *Repository) Quantity(productID string) (int64, error) {
	item, err := r.store.Get(tableName, store.SimpleKey(productID))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inventory: read %q: %w", productID, err)
	}
	return toInt64(item.Attrs["quantity"]), nil
}

// jsonb round trips hand back numbers as float64; the in-memory store
// keeps them int64.
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

// Seed creates a product row with an initial quantity — used by test
// fixtures, never by the saga itself.
func (r *Repository) Seed(productID string, quantity int64) error {
	err := r.store.PutIfAbsent(tableName, store.SimpleKey(productID), map[string]any{
		"quantity": quantity,
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		return fmt.Errorf("inventory: product %q already seeded", productID)
	}
	return err
}

// Decrement atomically subtracts quantity from productID's stock,
// failing with ErrInsufficientStock if the current quantity is lower —
// the check and the write are one statement, so no interleaving of two
// concurrent Decrement calls can drive the quantity negative.
func (r *Repository) Decrement(productID string, quantity int64) error {
	_, err := r.store.UpdateUnderPredicate(
		tableName,
		store.SimpleKey(productID),
		map[string]int64{"quantity": -quantity},
		store.Predicate{Attr: "quantity", MinValue: quantity},
	)
	if errors.Is(err, store.ErrPreconditionFailed) {
		return ErrInsufficientStock
	}
	if err != nil {
		return fmt.Errorf("inventory: decrement %q by %d: %w", productID, quantity, err)
	}
	return nil
}

// Increment atomically adds quantity back to productID's stock. This
// never fails on the predicate: adding stock back is always safe.
func (r *Repository) Increment(productID string, quantity int64) error {
	_, err := r.store.UpdateUnderPredicate(
		tableName,
		store.SimpleKey(productID),
		map[string]int64{"quantity": quantity},
		store.AlwaysTrue,
	)
	if err != nil {
		return fmt.Errorf("inventory: increment %q by %d: %w", productID, quantity, err)
	}
	return nil
}
