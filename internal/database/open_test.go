package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "github.com/life-stream-dev/mqtt-session-core/internal/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		config := c.Default()
		store, err := Open(ctx, config)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, store)
		require.NoError(t, store.Close(ctx))
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		config := c.Default()
		config.Store.Backend = c.BackendRedis
		config.Redis.Addr = mr.Addr()

		store, err := Open(ctx, config)
		require.NoError(t, err)
		require.IsType(t, &RedisStore{}, store)
		require.NoError(t, store.Put(ctx, testSession("a")))
		assert.True(t, mr.Exists("mqtt:session:a"))
		require.NoError(t, store.Close(ctx))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		config := c.Default()
		config.Store.Backend = c.BackendRedis
		config.Redis.Addr = addr
		_, err := Open(ctx, config)
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		config := c.Default()
		config.Store.Backend = "etcd"
		_, err := Open(ctx, config)
		assert.ErrorContains(t, err, "unknown store backend")
	})
}
