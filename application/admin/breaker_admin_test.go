package admin_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/application/admin"
	"ordersaga/infrastructure/breaker"
	"ordersaga/infrastructure/store"
)

func TestOpen_TripsNamedBreaker(t *testing.T) {
	b := breaker.New(store.NewMemory(), "payment-provider", 1, 1, time.Minute, nil)
	a := admin.NewBreakerAdmin(b)

	require.NoError(t, a.Open("payment-provider", time.Minute))

	err := b.Call(func() error { return nil })
	var openErr *breaker.OpenError
	assert.ErrorAs(t, err, &openErr)
}

func TestClose_ResetsNamedBreaker(t *testing.T) {
	b := breaker.New(store.NewMemory(), "payment-provider", 1, 1, time.Minute, nil)
	require.NoError(t, b.ForceOpen(time.Minute))

	a := admin.NewBreakerAdmin(b)
	require.NoError(t, a.Close("payment-provider"))

	assert.NoError(t, b.Call(func() error { return nil }))
}

func TestUnknownBreaker_ReturnsError(t *testing.T) {
	a := admin.NewBreakerAdmin()
	err := a.Open("does-not-exist", time.Minute)
	var unknown *admin.ErrUnknownBreaker
	assert.True(t, errors.As(err, &unknown))
}
