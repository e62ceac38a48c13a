package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorePutThenGetAccount(t *testing.T) {
	store := NewMemStore()
	store.Put(Account{ID: "u1", Permissions: []string{"research:read"}})

	a, found, err := store.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"research:read"}, a.Permissions)
}

func TestMemStoreGetAccountMissing(t *testing.T) {
	store := NewMemStore()
	_, found, err := store.GetAccount(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}
