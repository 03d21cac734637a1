package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisStore keeps msgpack encoded records under prefixed keys. The set
// <prefix>:sessions indexes stored sessions and the sorted set <prefix>:wills
// indexes armed will tasks by fire time; <prefix>:retained indexes the topics
// of retained messages.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
	ownsClient   bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps client. When ownsClient is false Close leaves the client
// open for the caller.
func NewRedisStore(client *redis.Client, prefix string, queryTimeout time.Duration, ownsClient bool) *RedisStore {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &RedisStore{client: client, prefix: prefix, queryTimeout: queryTimeout, ownsClient: ownsClient}
}

func (s *RedisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *RedisStore) prefixKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *RedisStore) sessionKey(clientID string) string  { return s.prefixKey("session:" + clientID) }
func (s *RedisStore) inflightKey(clientID string) string { return s.prefixKey("inflight:" + clientID) }
func (s *RedisStore) willKey(clientID string) string     { return s.prefixKey("will:" + clientID) }
func (s *RedisStore) sessionIndex() string               { return s.prefixKey("sessions") }
func (s *RedisStore) willIndex() string                  { return s.prefixKey("wills") }
func (s *RedisStore) retainedKey(topic string) string    { return s.prefixKey("retained:" + topic) }
func (s *RedisStore) retainedIndex() string              { return s.prefixKey("retained") }

func (s *RedisStore) get(ctx context.Context, key string, out interface{}) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Put(ctx context.Context, record *SessionRecord) error {
	if record == nil || record.ClientID == "" {
		return ErrClientIDEmpty
	}
	data, err := msgpack.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", record.ClientID, err)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Set(qctx, s.sessionKey(record.ClientID), data, 0)
		pipe.SAdd(qctx, s.sessionIndex(), record.ClientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put session %s: %w", record.ClientID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	var record SessionRecord
	found, err := s.get(ctx, s.sessionKey(clientID), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (s *RedisStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Del(qctx, s.sessionKey(clientID), s.inflightKey(clientID), s.willKey(clientID))
		pipe.SRem(qctx, s.sessionIndex(), clientID)
		pipe.ZRem(qctx, s.willIndex(), clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*SessionRecord, error) {
	qctx, cancel := s.queryCtx(ctx)
	ids, err := s.client.SMembers(qctx, s.sessionIndex()).Result()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}
	sort.Strings(ids)

	sessions := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// index entries can outlive a concurrently deleted record
		if record != nil {
			sessions = append(sessions, record)
		}
	}
	return sessions, nil
}

func (s *RedisStore) PutInflight(ctx context.Context, clientID string, entries []InflightRecord) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if len(entries) == 0 {
		if err := s.client.Del(qctx, s.inflightKey(clientID)).Err(); err != nil {
			return fmt.Errorf("redis delete inflight %s: %w", clientID, err)
		}
		return nil
	}
	data, err := msgpack.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode inflight %s: %w", clientID, err)
	}
	if err := s.client.Set(qctx, s.inflightKey(clientID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis put inflight %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) GetInflight(ctx context.Context, clientID string) ([]InflightRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	var entries []InflightRecord
	if _, err := s.get(ctx, s.inflightKey(clientID), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *RedisStore) PutWillTask(ctx context.Context, clientID string, task *WillTaskRecord) error {
	if clientID == "" || task == nil {
		return ErrClientIDEmpty
	}
	record := *task
	record.ClientID = clientID
	data, err := msgpack.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encode will task %s: %w", clientID, err)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Set(qctx, s.willKey(clientID), data, 0)
		pipe.ZAdd(qctx, s.willIndex(), redis.Z{Score: float64(record.FireAt.UnixMilli()), Member: clientID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put will task %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) DeleteWillTask(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Del(qctx, s.willKey(clientID))
		pipe.ZRem(qctx, s.willIndex(), clientID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete will task %s: %w", clientID, err)
	}
	return nil
}

func (s *RedisStore) ListWillTasks(ctx context.Context) ([]*WillTaskRecord, error) {
	qctx, cancel := s.queryCtx(ctx)
	ids, err := s.client.ZRange(qctx, s.willIndex(), 0, -1).Result()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("redis list will tasks: %w", err)
	}

	tasks := make([]*WillTaskRecord, 0, len(ids))
	for _, id := range ids {
		var task WillTaskRecord
		found, err := s.get(ctx, s.willKey(id), &task)
		if err != nil {
			return nil, err
		}
		if found {
			tasks = append(tasks, &task)
		}
	}
	return tasks, nil
}

func (s *RedisStore) PutRetained(ctx context.Context, message MessageRecord) error {
	if message.Topic == "" {
		return ErrTopicEmpty
	}
	data, err := msgpack.Marshal(&message)
	if err != nil {
		return fmt.Errorf("encode retained %s: %w", message.Topic, err)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Set(qctx, s.retainedKey(message.Topic), data, 0)
		pipe.SAdd(qctx, s.retainedIndex(), message.Topic)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put retained %s: %w", message.Topic, err)
	}
	return nil
}

func (s *RedisStore) DeleteRetained(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Del(qctx, s.retainedKey(topic))
		pipe.SRem(qctx, s.retainedIndex(), topic)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete retained %s: %w", topic, err)
	}
	return nil
}

func (s *RedisStore) ListRetained(ctx context.Context) ([]MessageRecord, error) {
	qctx, cancel := s.queryCtx(ctx)
	topics, err := s.client.SMembers(qctx, s.retainedIndex()).Result()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("redis list retained: %w", err)
	}
	sort.Strings(topics)

	messages := make([]MessageRecord, 0, len(topics))
	for _, topic := range topics {
		var message MessageRecord
		found, err := s.get(ctx, s.retainedKey(topic), &message)
		if err != nil {
			return nil, err
		}
		if found {
			messages = append(messages, message)
		}
	}
	return messages, nil
}

func (s *RedisStore) Close(_ context.Context) error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
