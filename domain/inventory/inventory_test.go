package inventory_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersaga/domain/inventory"
	"ordersaga/infrastructure/store"
)

func TestDecrementThenIncrement_RestoresQuantity(t *testing.T) {
	repo := inventory.NewRepository(store.NewMemory())
	require.NoError(t, repo.Seed("widget", 10))

	require.NoError(t, repo.Decrement("widget", 4))
	q, err := repo.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 6, q)

	require.NoError(t, repo.Increment("widget", 4))
	q, err = repo.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 10, q)
}

func TestDecrement_RejectsWhenInsufficient(t *testing.T) {
	repo := inventory.NewRepository(store.NewMemory())
	require.NoError(t, repo.Seed("widget", 1))

	err := repo.Decrement("widget", 2)
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	q, err := repo.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 1, q, "a rejected decrement must not move the quantity")
}

func TestDecrement_ConcurrentCallsNeverOversell(t *testing.T) {
	repo := inventory.NewRepository(store.NewMemory())
	require.NoError(t, repo.Seed("widget", 5))

	const attempts = 20
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			successes[idx] = repo.Decrement("widget", 1) == nil
		}(i)
	}
	wg.Wait()

	var ok int
	for _, s := range successes {
		if s {
			ok++
		}
	}
	assert.Equal(t, 5, ok)

	q, err := repo.Quantity("widget")
	require.NoError(t, err)
	assert.EqualValues(t, 0, q)
}
