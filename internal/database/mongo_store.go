package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
)

type inflightDocument struct {
	ClientID string           `bson:"client_id"`
	Entries  []InflightRecord `bson:"entries"`
}

// MongoStore keeps sessions, inflight queues and will tasks in three
// collections keyed by client_id, and retained messages keyed by topic.
type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore wraps db. client may be nil when the caller owns it; Close then
// leaves the connection alone.
func NewMongoStore(client *mongo.Client, db *mongo.Database, operationTimeout time.Duration) *MongoStore {
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	return &MongoStore{client: client, db: db, operationTimeout: operationTimeout}
}

func (ds *MongoStore) opCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ds.operationTimeout)
}

func wrapMongoErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func byClientID(clientID string) bson.D {
	return bson.D{{Key: "client_id", Value: clientID}}
}

func (ds *MongoStore) replace(ctx context.Context, collection, clientID string, document interface{}) error {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	result, err := ds.db.Collection(collection).ReplaceOne(ctx, byClientID(clientID), document, opts)
	if err != nil {
		return wrapMongoErr(err)
	}
	logger.DebugF("%s saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		collection,
		clientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

// findOne decodes into out and reports false when no document matched.
func (ds *MongoStore) findOne(ctx context.Context, collection, clientID string, out interface{}) (bool, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	startTime := time.Now()
	err := ds.db.Collection(collection).FindOne(ctx, byClientID(clientID)).Decode(out)
	logger.DebugF("%s query cost: %v", collection, time.Since(startTime))

	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, wrapMongoErr(err)
	}
	return true, nil
}

func (ds *MongoStore) Put(ctx context.Context, record *SessionRecord) error {
	if record == nil || record.ClientID == "" {
		return ErrClientIDEmpty
	}
	return ds.replace(ctx, SessionCollectionName, record.ClientID, record)
}

func (ds *MongoStore) Get(ctx context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	var session SessionRecord
	found, err := ds.findOne(ctx, SessionCollectionName, clientID, &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

func (ds *MongoStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	var deleted int64
	for _, name := range []string{SessionCollectionName, InflightCollectionName, WillTaskCollectionName} {
		result, err := ds.db.Collection(name).DeleteOne(ctx, byClientID(clientID))
		if err != nil {
			return wrapMongoErr(err)
		}
		deleted += result.DeletedCount
	}
	logger.DebugF("Session deleted: client_id=%s, documents=%d", clientID, deleted)
	return nil
}

func (ds *MongoStore) List(ctx context.Context) ([]*SessionRecord, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	cursor, err := ds.db.Collection(SessionCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	var sessions []*SessionRecord
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, wrapMongoErr(err)
	}
	return sessions, nil
}

func (ds *MongoStore) PutInflight(ctx context.Context, clientID string, entries []InflightRecord) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	if len(entries) == 0 {
		ctx, cancel := ds.opCtx(ctx)
		defer cancel()
		if _, err := ds.db.Collection(InflightCollectionName).DeleteOne(ctx, byClientID(clientID)); err != nil {
			return wrapMongoErr(err)
		}
		return nil
	}
	return ds.replace(ctx, InflightCollectionName, clientID, inflightDocument{ClientID: clientID, Entries: entries})
}

func (ds *MongoStore) GetInflight(ctx context.Context, clientID string) ([]InflightRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	var document inflightDocument
	found, err := ds.findOne(ctx, InflightCollectionName, clientID, &document)
	if err != nil || !found {
		return nil, err
	}
	return document.Entries, nil
}

func (ds *MongoStore) PutWillTask(ctx context.Context, clientID string, task *WillTaskRecord) error {
	if clientID == "" || task == nil {
		return ErrClientIDEmpty
	}
	document := *task
	document.ClientID = clientID
	return ds.replace(ctx, WillTaskCollectionName, clientID, &document)
}

func (ds *MongoStore) DeleteWillTask(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()
	if _, err := ds.db.Collection(WillTaskCollectionName).DeleteOne(ctx, byClientID(clientID)); err != nil {
		return wrapMongoErr(err)
	}
	return nil
}

func (ds *MongoStore) ListWillTasks(ctx context.Context) ([]*WillTaskRecord, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}})
	cursor, err := ds.db.Collection(WillTaskCollectionName).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	var tasks []*WillTaskRecord
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, wrapMongoErr(err)
	}
	return tasks, nil
}

func byTopic(topic string) bson.D {
	return bson.D{{Key: "topic", Value: topic}}
}

func (ds *MongoStore) PutRetained(ctx context.Context, message MessageRecord) error {
	if message.Topic == "" {
		return ErrTopicEmpty
	}
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	if _, err := ds.db.Collection(RetainedCollectionName).ReplaceOne(ctx, byTopic(message.Topic), &message, opts); err != nil {
		return wrapMongoErr(err)
	}
	logger.DebugF("%s saved: topic=%s", RetainedCollectionName, message.Topic)
	return nil
}

func (ds *MongoStore) DeleteRetained(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()
	if _, err := ds.db.Collection(RetainedCollectionName).DeleteOne(ctx, byTopic(topic)); err != nil {
		return wrapMongoErr(err)
	}
	return nil
}

func (ds *MongoStore) ListRetained(ctx context.Context) ([]MessageRecord, error) {
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "topic", Value: 1}})
	cursor, err := ds.db.Collection(RetainedCollectionName).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, wrapMongoErr(err)
	}
	var messages []MessageRecord
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, wrapMongoErr(err)
	}
	return messages, nil
}

func (ds *MongoStore) Close(ctx context.Context) error {
	if ds.client == nil {
		return nil
	}
	logger.InfoF("Closing database connection")
	ctx, cancel := ds.opCtx(ctx)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
