package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testSession(clientID string) *SessionRecord {
	return &SessionRecord{
		ClientID:       clientID,
		ExpiryInterval: 30 * time.Second,
		CreatedAt:      testTime,
		DisconnectedAt: testTime.Add(time.Minute),
		Subscriptions:  []SubscriptionRecord{{Filter: "sensors/+/temp", QoS: 1}},
		NextPacketID:   7,
		PendingPubrel:  []uint16{3},
	}
}

func testInflight() []InflightRecord {
	return []InflightRecord{
		{PacketID: 5, QoS: 1, State: 1, SentAt: testTime, SendCount: 1, Message: MessageRecord{Topic: "a", Payload: []byte("one"), QoS: 1}},
		{PacketID: 6, QoS: 2, State: 0, Message: MessageRecord{Topic: "b", Payload: []byte("two"), QoS: 2}},
	}
}

func testWillTask(clientID string, fireAt time.Time) *WillTaskRecord {
	return &WillTaskRecord{
		ClientID: clientID,
		Token:    "token-" + clientID,
		FireAt:   fireAt,
		Will: WillRecord{
			Message: MessageRecord{
				Topic:          "/w",
				Payload:        []byte("Goodbye"),
				QoS:            1,
				ContentType:    "text/plain",
				UserProperties: []UserPropertyRecord{{Key: "reason", Value: "lost"}},
			},
			Delay: time.Second,
		},
	}
}

// exerciseStore runs the contract every backend has to satisfy.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("get missing returns nil", func(t *testing.T) {
		record, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, record)

		entries, err := store.GetInflight(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("empty client id is rejected", func(t *testing.T) {
		assert.ErrorIs(t, store.Put(ctx, &SessionRecord{}), ErrClientIDEmpty)
		_, err := store.Get(ctx, "")
		assert.ErrorIs(t, err, ErrClientIDEmpty)
	})

	t.Run("put get list delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, testSession("b")))
		require.NoError(t, store.Put(ctx, testSession("a")))
		require.NoError(t, store.PutInflight(ctx, "a", testInflight()))
		require.NoError(t, store.PutWillTask(ctx, "a", testWillTask("a", testTime)))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "a", got.ClientID)
		assert.Equal(t, 30*time.Second, got.ExpiryInterval)
		assert.Equal(t, uint16(7), got.NextPacketID)
		assert.Equal(t, []SubscriptionRecord{{Filter: "sensors/+/temp", QoS: 1}}, got.Subscriptions)
		assert.Equal(t, []uint16{3}, got.PendingPubrel)
		assert.True(t, got.DisconnectedAt.Equal(testTime.Add(time.Minute)))

		entries, err := store.GetInflight(ctx, "a")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, uint16(5), entries[0].PacketID)
		assert.Equal(t, []byte("two"), entries[1].Message.Payload)

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ClientID)
		assert.Equal(t, "b", list[1].ClientID)

		require.NoError(t, store.Delete(ctx, "a"))
		got, err = store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, got)
		entries, err = store.GetInflight(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, entries)
		tasks, err := store.ListWillTasks(ctx)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		require.NoError(t, store.Delete(ctx, "b"))
	})

	t.Run("empty inflight clears the queue", func(t *testing.T) {
		require.NoError(t, store.PutInflight(ctx, "c", testInflight()))
		require.NoError(t, store.PutInflight(ctx, "c", nil))
		entries, err := store.GetInflight(ctx, "c")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("will tasks are ordered by fire time", func(t *testing.T) {
		require.NoError(t, store.PutWillTask(ctx, "late", testWillTask("late", testTime.Add(time.Hour))))
		require.NoError(t, store.PutWillTask(ctx, "early", testWillTask("early", testTime)))

		tasks, err := store.ListWillTasks(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "early", tasks[0].ClientID)
		assert.Equal(t, "late", tasks[1].ClientID)
		assert.Equal(t, "Goodbye", string(tasks[0].Will.Message.Payload))
		assert.Equal(t, "text/plain", tasks[0].Will.Message.ContentType)
		assert.Equal(t, time.Second, tasks[0].Will.Delay)

		require.NoError(t, store.DeleteWillTask(ctx, "early"))
		require.NoError(t, store.DeleteWillTask(ctx, "late"))
		tasks, err = store.ListWillTasks(ctx)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("retained messages by topic", func(t *testing.T) {
		assert.ErrorIs(t, store.PutRetained(ctx, MessageRecord{}), ErrTopicEmpty)

		require.NoError(t, store.PutRetained(ctx, MessageRecord{Topic: "b/1", Payload: []byte("one"), QoS: 1, Retain: true}))
		require.NoError(t, store.PutRetained(ctx, MessageRecord{Topic: "a/1", Payload: []byte("old"), Retain: true}))
		require.NoError(t, store.PutRetained(ctx, MessageRecord{Topic: "a/1", Payload: []byte("new"), Retain: true}))

		messages, err := store.ListRetained(ctx)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, "a/1", messages[0].Topic)
		assert.Equal(t, "new", string(messages[0].Payload))
		assert.Equal(t, byte(1), messages[1].QoS)

		require.NoError(t, store.DeleteRetained(ctx, "a/1"))
		require.NoError(t, store.DeleteRetained(ctx, "b/1"))
		messages, err = store.ListRetained(ctx)
		require.NoError(t, err)
		assert.Empty(t, messages)
	})
}
