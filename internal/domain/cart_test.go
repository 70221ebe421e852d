package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Cart_AddItem(t *testing.T) {
	cart := NewCart("session-1")
	productID := uuid.New()

	require.NoError(t, cart.AddItem(productID, 2, 1500))
	require.Len(t, cart.Items, 1)
	assert.Equal(t, int32(2), cart.Items[0].Quantity)

	t.Run("same product merges quantities", func(t *testing.T) {
		require.NoError(t, cart.AddItem(productID, 1, 1500))
		require.Len(t, cart.Items, 1)
		assert.Equal(t, int32(3), cart.Items[0].Quantity)
	})

	t.Run("zero quantity rejected", func(t *testing.T) {
		err := cart.AddItem(uuid.New(), 0, 1000)
		require.Error(t, err)
		assert.Equal(t, EINVALID, ErrorCode(err))
		assert.Len(t, cart.Items, 1)
	})
}

func Test_Cart_UpdateQuantity(t *testing.T) {
	cart := NewCart("session-1")
	productID := uuid.New()
	require.NoError(t, cart.AddItem(productID, 2, 1500))

	require.NoError(t, cart.UpdateQuantity(productID, 5))
	assert.Equal(t, int32(5), cart.Items[0].Quantity)

	t.Run("zero quantity removes the line", func(t *testing.T) {
		require.NoError(t, cart.UpdateQuantity(productID, 0))
		assert.True(t, cart.Empty())
	})

	t.Run("unknown product", func(t *testing.T) {
		err := cart.UpdateQuantity(uuid.New(), 3)
		require.Error(t, err)
		assert.Equal(t, ENOTFOUND, ErrorCode(err))
	})
}

func Test_Cart_RemoveItem(t *testing.T) {
	cart := NewCart("session-1")
	keep := uuid.New()
	drop := uuid.New()
	require.NoError(t, cart.AddItem(keep, 1, 1000))
	require.NoError(t, cart.AddItem(drop, 1, 2000))

	require.NoError(t, cart.RemoveItem(drop))
	require.Len(t, cart.Items, 1)
	assert.Equal(t, keep, cart.Items[0].ProductID)

	// Removing an absent product is a no-op.
	require.NoError(t, cart.RemoveItem(drop))
	assert.Len(t, cart.Items, 1)
}

func Test_Cart_Snapshot_IsCopy(t *testing.T) {
	cart := NewCart("session-1")
	require.NoError(t, cart.AddItem(uuid.New(), 2, 1500))

	snap := cart.Snapshot()
	snap[0].Quantity = 99

	assert.Equal(t, int32(2), cart.Items[0].Quantity)
}
