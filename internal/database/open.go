package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	c "github.com/life-stream-dev/mqtt-session-core/internal/config"
	"github.com/life-stream-dev/mqtt-session-core/internal/database/migrate"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
)

// Open builds the Store selected by store.backend. The returned store owns its
// connections and releases them on Close.
func Open(ctx context.Context, config c.Config) (Store, error) {
	timeout := c.Duration(config.Store.OperationTimeout, 5*time.Second)

	switch config.Store.Backend {
	case c.BackendMemory:
		logger.WarnF("Using the in-memory session store, sessions do not survive a restart")
		return NewMemoryStore(), nil

	case c.BackendMongo:
		client, err := ConnectMongo(ctx, config.Database, config.AppName)
		if err != nil {
			return nil, err
		}
		db := client.Database(config.Database.Database)
		if err := EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		logger.InfoF("Session store: mongo %s:%d/%s", config.Database.Host, config.Database.Port, config.Database.Database)
		return NewMongoStore(client, db, timeout), nil

	case c.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("pinging redis %s: %w", config.Redis.Addr, err)
		}
		logger.InfoF("Session store: redis %s db=%d", config.Redis.Addr, config.Redis.DB)
		return NewRedisStore(client, config.Redis.Prefix, timeout, true), nil

	case c.BackendPostgres:
		db, err := OpenPostgres(ctx, config.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if config.Postgres.Migrate {
			if err := migrate.Run(db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		logger.InfoF("Session store: postgres")
		return NewPostgresStore(db, timeout), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", config.Store.Backend)
}
