package steps

import (
	"fmt"

	"ordersaga/domain/inventory"
	"ordersaga/domain/reservation"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/internal/telemetry"
	"ordersaga/pkg/uuid"
)

// ReserveResult is Reserve's success payload.
type ReserveResult struct {
	ReservationID string `json:"reservation_id"`
}

// Reserve decrements stock for every line item and records a
// reservation so Release can undo it later. Partial failure (item 2 of
// 3 is out of stock after item 1 already decremented) is rolled back
// in-call before returning INSUFFICIENT_STOCK, rather than leaving a
// half-reserved order for the saga to compensate.
type Reserve struct {
	inventory   *inventory.Repository
	reservation *reservation.Repository
	idempotency *idempotency.Registry
	log         *telemetry.Logger
}

func NewReserve(inv *inventory.Repository, res *reservation.Repository, idem *idempotency.Registry, log *telemetry.Logger) *Reserve {
	return &Reserve{inventory: inv, reservation: res, idempotency: idem, log: log}
}

// Run reserves items for orderID, idempotent on "reserve-<orderID>" so a
// retried saga step never double-decrements stock.
func (r *Reserve) Run(orderID string, items []reservation.Item) (ReserveResult, error) {
	key := fmt.Sprintf("reserve-%s", orderID)

	var result ReserveResult
	err := r.idempotency.Execute(key, &result, func() (any, error) {
		reservationID := uuid.New()

		decremented := make([]reservation.Item, 0, len(items))
		for _, item := range items {
			if err := r.inventory.Decrement(item.ProductID, item.Quantity); err != nil {
				if err == inventory.ErrInsufficientStock {
					r.rollback(decremented)
					r.log.Warn("insufficient stock", telemetry.Fields{"order_id": orderID, "product_id": item.ProductID})
					return nil, businessError(CodeInsufficientStock, fmt.Sprintf("product %s: insufficient stock", item.ProductID))
				}
				r.rollback(decremented)
				return nil, fmt.Errorf("steps: reserve %s: %w", orderID, err)
			}
			decremented = append(decremented, item)
		}

		if err := r.reservation.Create(reservationID, orderID, items); err != nil {
			r.rollback(decremented)
			return nil, fmt.Errorf("steps: record reservation for %s: %w", orderID, err)
		}

		r.log.Success("inventory reserved", telemetry.Fields{"order_id": orderID, "reservation_id": reservationID})
		return ReserveResult{ReservationID: reservationID}, nil
	})

	return result, err
}

func (r *Reserve) rollback(decremented []reservation.Item) {
	for _, item := range decremented {
		if err := r.inventory.Increment(item.ProductID, item.Quantity); err != nil {
			r.log.Error("rollback increment failed", telemetry.Fields{"product_id": item.ProductID, "error": err})
		}
	}
}
