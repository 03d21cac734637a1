package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func toDocument(t *testing.T, v interface{}) bson.D {
	t.Helper()
	data, err := bson.Marshal(v)
	require.NoError(t, err)
	var doc bson.D
	require.NoError(t, bson.Unmarshal(data, &doc))
	return doc
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("put upserts the session", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		assert.NoError(mt, store.Put(ctx, testSession("a")))
	})

	mt.Run("get decodes the session", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		ns := mt.DB.Name() + "." + SessionCollectionName
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, toDocument(mt.T, testSession("a"))))

		got, err := store.Get(ctx, "a")
		require.NoError(mt, err)
		require.NotNil(mt, got)
		assert.Equal(mt, "a", got.ClientID)
		assert.Equal(mt, uint16(7), got.NextPacketID)
		assert.Equal(mt, 30*time.Second, got.ExpiryInterval)
	})

	mt.Run("get missing returns nil", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		ns := mt.DB.Name() + "." + SessionCollectionName
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		got, err := store.Get(ctx, "a")
		require.NoError(mt, err)
		assert.Nil(mt, got)
	})

	mt.Run("delete clears every collection", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)
		assert.NoError(mt, store.Delete(ctx, "a"))
	})

	mt.Run("inflight round trip", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		ns := mt.DB.Name() + "." + InflightCollectionName
		doc := toDocument(mt.T, inflightDocument{ClientID: "a", Entries: testInflight()})
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, doc),
		)

		require.NoError(mt, store.PutInflight(ctx, "a", testInflight()))
		entries, err := store.GetInflight(ctx, "a")
		require.NoError(mt, err)
		require.Len(mt, entries, 2)
		assert.Equal(mt, []byte("one"), entries[0].Message.Payload)
	})

	mt.Run("list will tasks", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		ns := mt.DB.Name() + "." + WillTaskCollectionName
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			toDocument(mt.T, testWillTask("a", testTime)),
			toDocument(mt.T, testWillTask("b", testTime.Add(time.Hour))),
		))

		tasks, err := store.ListWillTasks(ctx)
		require.NoError(mt, err)
		require.Len(mt, tasks, 2)
		assert.Equal(mt, "a", tasks[0].ClientID)
		assert.Equal(mt, "Goodbye", string(tasks[1].Will.Message.Payload))
	})

	mt.Run("retained round trip", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		ns := mt.DB.Name() + "." + RetainedCollectionName
		message := MessageRecord{Topic: "a/1", Payload: []byte("one"), QoS: 1, Retain: true}
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, toDocument(mt.T, message)),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		require.NoError(mt, store.PutRetained(ctx, message))
		messages, err := store.ListRetained(ctx)
		require.NoError(mt, err)
		require.Len(mt, messages, 1)
		assert.Equal(mt, "a/1", messages[0].Topic)
		assert.Equal(mt, []byte("one"), messages[0].Payload)
		require.NoError(mt, store.DeleteRetained(ctx, "a/1"))
	})

	mt.Run("command error is wrapped", func(mt *mtest.T) {
		store := NewMongoStore(nil, mt.DB, time.Second)
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 0}, {Key: "errmsg", Value: "boom"}})
		assert.ErrorContains(mt, store.Put(ctx, testSession("a")), "database operation failed")
	})
}
