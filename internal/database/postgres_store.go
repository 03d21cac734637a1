package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

const (
	sessionTable  = "mqtt_sessions"
	inflightTable = "mqtt_inflight"
	willTaskTable = "mqtt_will_tasks"
	retainedTable = "mqtt_retained"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sessionColumns = []string{
	"client_id", "clean_session", "expiry_interval", "created_at",
	"disconnected_at", "next_packet_id", "subscriptions", "pending_pubrel",
}

// PostgresStore keeps records in the tables created by the migrate package.
// Subscriptions, inflight entries and wills are JSONB columns.
type PostgresStore struct {
	db           *sql.DB
	queryTimeout time.Duration
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens a lib/pq pool and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB, queryTimeout time.Duration) *PostgresStore {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &PostgresStore{db: db, queryTimeout: queryTimeout}
}

func (s *PostgresStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.queryTimeout)
}

func (s *PostgresStore) exec(ctx context.Context, qb sq.Sqlizer, what string) error {
	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building %s query: %w", what, err)
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(qctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *PostgresStore) Put(ctx context.Context, record *SessionRecord) error {
	if record == nil || record.ClientID == "" {
		return ErrClientIDEmpty
	}
	subscriptions, err := json.Marshal(nonNilSubscriptions(record.Subscriptions))
	if err != nil {
		return fmt.Errorf("encoding subscriptions: %w", err)
	}
	pending, err := json.Marshal(nonNilPacketIDs(record.PendingPubrel))
	if err != nil {
		return fmt.Errorf("encoding pending pubrel: %w", err)
	}

	qb := psq.Insert(sessionTable).
		Columns(sessionColumns...).
		Values(
			record.ClientID,
			record.CleanSession,
			int64(record.ExpiryInterval),
			record.CreatedAt,
			nullTime(record.DisconnectedAt),
			int(record.NextPacketID),
			subscriptions,
			pending,
		).
		Suffix(`ON CONFLICT (client_id) DO UPDATE SET
			clean_session = EXCLUDED.clean_session,
			expiry_interval = EXCLUDED.expiry_interval,
			created_at = EXCLUDED.created_at,
			disconnected_at = EXCLUDED.disconnected_at,
			next_packet_id = EXCLUDED.next_packet_id,
			subscriptions = EXCLUDED.subscriptions,
			pending_pubrel = EXCLUDED.pending_pubrel`)
	return s.exec(ctx, qb, "upserting session")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		record         SessionRecord
		expiry         int64
		nextPacketID   int
		disconnectedAt sql.NullTime
		subscriptions  []byte
		pending        []byte
	)
	if err := row.Scan(
		&record.ClientID,
		&record.CleanSession,
		&expiry,
		&record.CreatedAt,
		&disconnectedAt,
		&nextPacketID,
		&subscriptions,
		&pending,
	); err != nil {
		return nil, err
	}
	record.ExpiryInterval = time.Duration(expiry)
	record.NextPacketID = uint16(nextPacketID)
	if disconnectedAt.Valid {
		record.DisconnectedAt = disconnectedAt.Time
	}
	if err := json.Unmarshal(subscriptions, &record.Subscriptions); err != nil {
		return nil, fmt.Errorf("decoding subscriptions: %w", err)
	}
	if err := json.Unmarshal(pending, &record.PendingPubrel); err != nil {
		return nil, fmt.Errorf("decoding pending pubrel: %w", err)
	}
	return &record, nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	query, args, err := psq.Select(sessionColumns...).
		From(sessionTable).
		Where(sq.Eq{"client_id": clientID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	record, err := scanSession(s.db.QueryRowContext(qctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{inflightTable, willTaskTable, sessionTable} {
		query, args, err := psq.Delete(table).Where(sq.Eq{"client_id": clientID}).ToSql()
		if err != nil {
			return fmt.Errorf("building delete query: %w", err)
		}
		if _, err := tx.ExecContext(qctx, query, args...); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*SessionRecord, error) {
	query, args, err := psq.Select(sessionColumns...).
		From(sessionTable).
		OrderBy("client_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session list query: %w", err)
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) PutInflight(ctx context.Context, clientID string, entries []InflightRecord) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	if len(entries) == 0 {
		return s.exec(ctx, psq.Delete(inflightTable).Where(sq.Eq{"client_id": clientID}), "deleting inflight")
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding inflight: %w", err)
	}
	qb := psq.Insert(inflightTable).
		Columns("client_id", "entries", "updated_at").
		Values(clientID, data, time.Now()).
		Suffix("ON CONFLICT (client_id) DO UPDATE SET entries = EXCLUDED.entries, updated_at = EXCLUDED.updated_at")
	return s.exec(ctx, qb, "upserting inflight")
}

func (s *PostgresStore) GetInflight(ctx context.Context, clientID string) ([]InflightRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	query, args, err := psq.Select("entries").
		From(inflightTable).
		Where(sq.Eq{"client_id": clientID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building inflight query: %w", err)
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var data []byte
	err = s.db.QueryRowContext(qctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying inflight: %w", err)
	}
	var entries []InflightRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding inflight: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) PutWillTask(ctx context.Context, clientID string, task *WillTaskRecord) error {
	if clientID == "" || task == nil {
		return ErrClientIDEmpty
	}
	will, err := json.Marshal(task.Will)
	if err != nil {
		return fmt.Errorf("encoding will: %w", err)
	}
	qb := psq.Insert(willTaskTable).
		Columns("client_id", "token", "fire_at", "will").
		Values(clientID, task.Token, task.FireAt, will).
		Suffix("ON CONFLICT (client_id) DO UPDATE SET token = EXCLUDED.token, fire_at = EXCLUDED.fire_at, will = EXCLUDED.will")
	return s.exec(ctx, qb, "upserting will task")
}

func (s *PostgresStore) DeleteWillTask(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	return s.exec(ctx, psq.Delete(willTaskTable).Where(sq.Eq{"client_id": clientID}), "deleting will task")
}

func (s *PostgresStore) ListWillTasks(ctx context.Context) ([]*WillTaskRecord, error) {
	query, args, err := psq.Select("client_id", "token", "fire_at", "will").
		From(willTaskTable).
		OrderBy("fire_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building will task query: %w", err)
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing will tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*WillTaskRecord
	for rows.Next() {
		var (
			task WillTaskRecord
			will []byte
		)
		if err := rows.Scan(&task.ClientID, &task.Token, &task.FireAt, &will); err != nil {
			return nil, fmt.Errorf("scanning will task: %w", err)
		}
		if err := json.Unmarshal(will, &task.Will); err != nil {
			return nil, fmt.Errorf("decoding will: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating will tasks: %w", err)
	}
	return tasks, nil
}

func (s *PostgresStore) PutRetained(ctx context.Context, message MessageRecord) error {
	if message.Topic == "" {
		return ErrTopicEmpty
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding retained message: %w", err)
	}
	qb := psq.Insert(retainedTable).
		Columns("topic", "message").
		Values(message.Topic, data).
		Suffix("ON CONFLICT (topic) DO UPDATE SET message = EXCLUDED.message, updated_at = NOW()")
	return s.exec(ctx, qb, "upserting retained message")
}

func (s *PostgresStore) DeleteRetained(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	return s.exec(ctx, psq.Delete(retainedTable).Where(sq.Eq{"topic": topic}), "deleting retained message")
}

func (s *PostgresStore) ListRetained(ctx context.Context) ([]MessageRecord, error) {
	query, args, err := psq.Select("message").
		From(retainedTable).
		OrderBy("topic").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building retained query: %w", err)
	}

	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing retained messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []MessageRecord
	for rows.Next() {
		var (
			message MessageRecord
			data    []byte
		)
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning retained message: %w", err)
		}
		if err := json.Unmarshal(data, &message); err != nil {
			return nil, fmt.Errorf("decoding retained message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retained messages: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) Close(_ context.Context) error {
	return s.db.Close()
}

func nonNilSubscriptions(subs []SubscriptionRecord) []SubscriptionRecord {
	if subs == nil {
		return []SubscriptionRecord{}
	}
	return subs
}

func nonNilPacketIDs(ids []uint16) []uint16 {
	if ids == nil {
		return []uint16{}
	}
	return ids
}
