package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCleaner(t *testing.T) {
	t.Run("runs callbacks newest first then logger", func(t *testing.T) {
		var order []string
		record := func(name string, err error) Callable {
			return CallableFunc(func(context.Context) error {
				order = append(order, name)
				return err
			})
		}

		c := NewCleaner(record("logger", nil))
		c.Add(record("store", nil))
		c.Add(record("registry", errors.New("boom")))

		c.Clean()
		c.Clean()

		assert.Equal(t, []string{"registry", "store", "logger"}, order)
		assert.Len(t, c.Errors(), 1)
	})

	t.Run("add after clean is ignored", func(t *testing.T) {
		c := NewCleaner(nil)
		c.Clean()
		called := false
		c.Add(CallableFunc(func(context.Context) error { called = true; return nil }))
		assert.False(t, called)
		assert.Empty(t, c.Errors())
	})

	t.Run("context cancellation triggers cleanup", func(t *testing.T) {
		c := NewCleaner(nil)
		ctx, cancel := context.WithCancel(context.Background())
		c.Init(ctx)
		cancel()

		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("cleanup did not run")
		}
	})
}
