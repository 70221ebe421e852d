package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/skadi/internal/domain"
)

func Test_Memory_GetSnapshot(t *testing.T) {
	ctx := context.Background()
	productID := uuid.New()
	cat := NewMemory(Snapshot{
		ProductID:  productID,
		Name:       "Single Origin Ethiopia",
		SKU:        "SOE-12OZ",
		PriceCents: 1800,
		Stock:      5,
		Active:     true,
	})

	snap, err := cat.GetSnapshot(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), snap.PriceCents)

	_, err = cat.GetSnapshot(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func Test_Memory_DecrementStock(t *testing.T) {
	ctx := context.Background()
	productID := uuid.New()
	cat := NewMemory(Snapshot{ProductID: productID, Stock: 3, Active: true})

	require.NoError(t, cat.DecrementStock(ctx, productID, 2))

	snap, err := cat.GetSnapshot(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), snap.Stock)

	err = cat.DecrementStock(ctx, productID, 2)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	// Failed decrement leaves stock untouched.
	snap, err = cat.GetSnapshot(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), snap.Stock)
}

func Test_Memory_ReleaseStock(t *testing.T) {
	ctx := context.Background()
	productID := uuid.New()
	cat := NewMemory(Snapshot{ProductID: productID, Stock: 0, Active: true})

	require.NoError(t, cat.ReleaseStock(ctx, productID, 2))

	snap, err := cat.GetSnapshot(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), snap.Stock)
}

func Test_Memory_ConcurrentDecrement_LastUnit(t *testing.T) {
	ctx := context.Background()
	productID := uuid.New()
	cat := NewMemory(Snapshot{ProductID: productID, Stock: 1, Active: true})

	const buyers = 20
	var wg sync.WaitGroup
	results := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- cat.DecrementStock(ctx, productID, 1)
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, wins)

	snap, err := cat.GetSnapshot(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), snap.Stock)
}
