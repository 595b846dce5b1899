package steps

import (
	"fmt"

	"ordersaga/domain/inventory"
	"ordersaga/domain/reservation"
	"ordersaga/infrastructure/idempotency"
	"ordersaga/internal/telemetry"
)

// ReleaseResult is Release's success payload — empty, the operation is
// a pure compensation with no caller-visible output.
type ReleaseResult struct{}

// Release is the compensating transaction for Reserve: it increments
// stock back for every item the reservation recorded. Releasing a
// reservation that was already released, or that never existed, is a
// no-op success — compensation must be safe to retry without limit.
type Release struct {
	inventory   *inventory.Repository
	reservation *reservation.Repository
	idempotency *idempotency.Registry
	log         *telemetry.Logger
}

func NewRelease(inv *inventory.Repository, res *reservation.Repository, idem *idempotency.Registry, log *telemetry.Logger) *Release {
	return &Release{inventory: inv, reservation: res, idempotency: idem, log: log}
}

func (r *Release) Run(orderID, reservationID string) (ReleaseResult, error) {
	key := fmt.Sprintf("release-%s", reservationID)

	var result ReleaseResult
	err := r.idempotency.Execute(key, &result, func() (any, error) {
		res, found, err := r.reservation.Get(reservationID)
		if err != nil {
			return nil, fmt.Errorf("steps: release %s: %w", reservationID, err)
		}
		if !found || res.Status == reservation.StatusReleased {
			r.log.Info("nothing to release", telemetry.Fields{"order_id": orderID, "reservation_id": reservationID})
			return ReleaseResult{}, nil
		}

		for _, item := range res.Items {
			if err := r.inventory.Increment(item.ProductID, item.Quantity); err != nil {
				return nil, fmt.Errorf("steps: release %s: %w", reservationID, err)
			}
		}

		if err := r.reservation.MarkReleased(reservationID); err != nil {
			return nil, fmt.Errorf("steps: mark released %s: %w", reservationID, err)
		}

		r.log.Compensating("inventory released", telemetry.Fields{"order_id": orderID, "reservation_id": reservationID})
		return ReleaseResult{}, nil
	})

	return result, err
}
