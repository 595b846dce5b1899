package order_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/domain/order"
)

func newOrder(t *testing.T) *order.Order {
	t.Helper()
	o := order.New()
	require.NoError(t, o.Create("order-1", "cust-1", "corr-1", []order.OrderItem{{ProductID: "p1", Quantity: 2, UnitPriceCents: 1999}}))
	return o
}

func TestTotalCents_SumsQuantityTimesUnitPrice(t *testing.T) {
	items := []order.OrderItem{
		{ProductID: "p1", Quantity: 2, UnitPriceCents: 1999},
		{ProductID: "p2", Quantity: 1, UnitPriceCents: 500},
	}
	assert.EqualValues(t, 4498, order.TotalCents(items))

	o := newOrder(t)
	assert.EqualValues(t, 3998, o.TotalCents())
}

func TestCreate_RejectsNegativeUnitPrice(t *testing.T) {
	o := order.New()
	err := o.Create("order-1", "cust-1", "corr-1", []order.OrderItem{{ProductID: "p1", Quantity: 1, UnitPriceCents: -1}})
	assert.Error(t, err)
}

func TestHappyPath_ReachesConfirmed(t *testing.T) {
	o := newOrder(t)

	require.NoError(t, o.ReserveInventory("res-1"))
	require.NoError(t, o.ChargePayment("pay-1", 1999))
	require.NoError(t, o.Confirm())

	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.True(t, o.IsTerminal())
	assert.Len(t, o.Changes, 4)
}

func TestReservationFailure_GoesStraightToFailed(t *testing.T) {
	o := newOrder(t)

	require.NoError(t, o.FailReservation("INSUFFICIENT_STOCK"))
	assert.Equal(t, order.StatusFailed, o.Status)
	assert.True(t, o.IsTerminal())
}

func TestPaymentFailure_RequiresCompensationBeforeFailed(t *testing.T) {
	o := newOrder(t)
	require.NoError(t, o.ReserveInventory("res-1"))
	require.NoError(t, o.FailPayment("PAYMENT_DECLINED", 0))

	assert.Equal(t, order.StatusCompensating, o.Status)

	require.NoError(t, o.ReleaseInventory())
	require.NoError(t, o.Fail("PAYMENT_DECLINED"))
	assert.Equal(t, order.StatusFailed, o.Status)
}

func TestCommands_RejectWrongState(t *testing.T) {
	o := newOrder(t)
	assert.Error(t, o.ChargePayment("pay-1", 1999))
	assert.Error(t, o.Confirm())
}

func TestCreate_RejectsEmptyItems(t *testing.T) {
	o := order.New()
	err := o.Create("order-1", "cust-1", "corr-1", nil)
	assert.Error(t, err)
}
