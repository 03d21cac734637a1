package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/mqtt-session-core/internal/config"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/utils"
)

// ConnectMongo opens and pings a client configured from the database section.
func ConnectMongo(ctx context.Context, config c.DatabaseConfig, appName string) (*mongo.Client, error) {
	logger.DebugF("Connecting to database...")

	encodedUser := url.QueryEscape(config.Username)
	encodedPass := url.QueryEscape(config.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	if config.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			encodedUser, encodedPass,
			config.Host,
			config.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	clientOptions.SetMinPoolSize(config.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(config.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.SocketTimeout))
	if heartbeat := utils.ParseStringTime(config.Heartbeat); heartbeat > 0 {
		clientOptions.SetHeartbeatInterval(heartbeat)
	}
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d reason=%s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique client_id index on every session collection
// and the unique topic index of retained messages.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	for _, name := range []string{SessionCollectionName, InflightCollectionName, WillTaskCollectionName} {
		_, err := db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(name + "_client_id_unique"),
		})
		if err != nil {
			return fmt.Errorf("error occured while creating indexes of %s: %w", name, err)
		}
	}
	_, err := db.Collection(RetainedCollectionName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(RetainedCollectionName + "_topic_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating indexes of %s: %w", RetainedCollectionName, err)
	}
	return nil
}
