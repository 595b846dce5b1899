package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/infrastructure/breaker"
	"ordersaga/infrastructure/store"
)

func TestCall_OpensAfterThreshold(t *testing.T) {
	b := breaker.New(store.NewMemory(), "payment-provider", 3, 2, time.Minute, nil)
	failing := errors.New("provider down")

	for i := 0; i < 3; i++ {
		err := b.Call(func() error { return failing })
		assert.ErrorIs(t, err, failing)
	}

	err := b.Call(func() error { return nil })
	var openErr *breaker.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "payment-provider", openErr.Name)
}

func TestCall_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := breaker.New(store.NewMemory(), "payment-provider", 1, 2, 10*time.Millisecond, nil)

	err := b.Call(func() error { return errors.New("boom") })
	require.Error(t, err)

	time.Sleep(15 * time.Millisecond)

	require.NoError(t, b.Call(func() error { return nil }))
	require.NoError(t, b.Call(func() error { return nil }))

	// Breaker is CLOSED again: the failing call is admitted and returns
	// its own error rather than an OpenError.
	err = b.Call(func() error { return errors.New("boom again") })
	assert.Error(t, err)
	var openErr *breaker.OpenError
	assert.False(t, errors.As(err, &openErr))
}

func TestCall_HalfOpenFailureReopens(t *testing.T) {
	b := breaker.New(store.NewMemory(), "payment-provider", 1, 2, 10*time.Millisecond, nil)

	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	time.Sleep(15 * time.Millisecond)

	err := b.Call(func() error { return errors.New("boom in probe") })
	require.Error(t, err)

	err = b.Call(func() error { return nil })
	var openErr *breaker.OpenError
	require.ErrorAs(t, err, &openErr)
}

func TestReset_ForcesClosed(t *testing.T) {
	b := breaker.New(store.NewMemory(), "payment-provider", 1, 2, time.Hour, nil)
	require.Error(t, b.Call(func() error { return errors.New("boom") }))

	require.NoError(t, b.Reset())
	require.NoError(t, b.Call(func() error { return nil }))
}

func TestFailureClassifier_CanExcludeErrors(t *testing.T) {
	ignoreCanceled := func(err error) bool { return err != nil && err.Error() != "canceled" }
	b := breaker.New(store.NewMemory(), "payment-provider", 1, 2, time.Hour, ignoreCanceled)

	err := b.Call(func() error { return errors.New("canceled") })
	assert.Error(t, err)

	// The canceled error did not count as a failure, so the breaker is
	// still closed and a real failure is needed to open it.
	err = b.Call(func() error { return errors.New("real failure") })
	assert.Error(t, err)

	// The real failure reached the threshold of 1: the next call is
	// rejected without running fn.
	err = b.Call(func() error { return nil })
	var openErr *breaker.OpenError
	assert.True(t, errors.As(err, &openErr))
}
