package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/session"
)

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := database.NewMemoryStore()

	require.NoError(t, store.Put(ctx, &database.SessionRecord{
		ClientID:       "alpha",
		ExpiryInterval: time.Hour,
		DisconnectedAt: now.Add(-90 * time.Second),
		Subscriptions:  []database.SubscriptionRecord{{Filter: "a/#", QoS: 1}},
	}))
	require.NoError(t, store.PutWillTask(ctx, "alpha", &database.WillTaskRecord{
		ClientID: "alpha",
		Token:    "t",
		FireAt:   now.Add(30 * time.Second),
	}))
	require.NoError(t, store.Put(ctx, &database.SessionRecord{
		ClientID:       "beta",
		ExpiryInterval: session.ExpiryNever,
	}))

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, listSessions(ctx, cmd, store, now))

	text := out.String()
	assert.Contains(t, text, "CLIENT ID")
	assert.Contains(t, text, "alpha")
	assert.Contains(t, text, "1h0m0s")
	assert.Contains(t, text, "1m30s ago")
	assert.Contains(t, text, "fires in 30s")
	assert.Contains(t, text, "never")
	assert.Contains(t, text, "connected")
}

func TestFlagOrEnv(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")

	assert.Equal(t, "config.json", flagOrEnv(cmd, "config", "MQTT_TEST_CONFIG", "config.json"))

	t.Setenv("MQTT_TEST_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", flagOrEnv(cmd, "config", "MQTT_TEST_CONFIG", "config.json"))

	require.NoError(t, cmd.Flags().Set("config", "flag.yaml"))
	assert.Equal(t, "flag.yaml", flagOrEnv(cmd, "config", "MQTT_TEST_CONFIG", "config.json"))
}
