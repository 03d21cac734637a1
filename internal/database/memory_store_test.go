package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	record := testSession("a")
	require.NoError(t, store.Put(ctx, record))
	record.Subscriptions[0].Filter = "changed"

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "sensors/+/temp", got.Subscriptions[0].Filter)

	got.PendingPubrel = append(got.PendingPubrel, 9)
	again, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []uint16{3}, again.PendingPubrel)
}
