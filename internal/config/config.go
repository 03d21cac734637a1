package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/life-stream-dev/mqtt-session-core/internal/utils"
)

const DefaultPath = "config.json"

type DatabaseConfig struct {
	Host               string `json:"host" yaml:"host"`
	Port               uint64 `json:"port" yaml:"port"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	Database           string `json:"database" yaml:"database"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

type PostgresConfig struct {
	DSN     string `json:"dsn" yaml:"dsn"`
	Migrate bool   `json:"migrate" yaml:"migrate"`
}

type StoreConfig struct {
	Backend          string `json:"backend" yaml:"backend"`
	OperationTimeout string `json:"operation_timeout" yaml:"operation_timeout"`
}

type ServerConfig struct {
	Listen         string `json:"listen" yaml:"listen"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	ConnectRate    int    `json:"connect_rate" yaml:"connect_rate"`
	ConnectTimeout string `json:"connect_timeout" yaml:"connect_timeout"`
	WriteTimeout   string `json:"write_timeout" yaml:"write_timeout"`
}

type SessionConfig struct {
	ReapInterval     string `json:"reap_interval" yaml:"reap_interval"`
	RetryInterval    string `json:"retry_interval" yaml:"retry_interval"`
	MaxInflight      int    `json:"max_inflight" yaml:"max_inflight"`
	WillOnExpiry     string `json:"will_on_expiry" yaml:"will_on_expiry"`
	MaxSessionExpiry string `json:"max_session_expiry" yaml:"max_session_expiry"`
}

type Config struct {
	AppName   string         `json:"app_name" yaml:"app_name"`
	DebugMode bool           `json:"debug_mode" yaml:"debug_mode"`
	LogDir    string         `json:"log_dir" yaml:"log_dir"`
	Server    ServerConfig   `json:"server" yaml:"server"`
	Session   SessionConfig  `json:"session" yaml:"session"`
	Store     StoreConfig    `json:"store" yaml:"store"`
	Database  DatabaseConfig `json:"database" yaml:"database"`
	Redis     RedisConfig    `json:"redis" yaml:"redis"`
	Postgres  PostgresConfig `json:"postgres" yaml:"postgres"`
}

const (
	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	WillOnExpiryCancel = "cancel"
	WillOnExpiryFire   = "fire"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

func Default() Config {
	return Config{
		AppName: "mqtt-session-core",
		LogDir:  "logs",
		Server: ServerConfig{
			Listen:         ":1883",
			MaxConnections: 10000,
			ConnectRate:    500,
			ConnectTimeout: "1m",
			WriteTimeout:   "10s",
		},
		Session: SessionConfig{
			ReapInterval:     "1s",
			RetryInterval:    "20s",
			MaxInflight:      1000,
			WillOnExpiry:     WillOnExpiryCancel,
			MaxSessionExpiry: "",
		},
		Store: StoreConfig{
			Backend:          BackendMemory,
			OperationTimeout: "5s",
		},
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "mqtt",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        32,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "mqtt",
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ReadConfig loads the file at path over the defaults. When the file is missing
// a default one is written and ErrConfigCreated is returned.
func ReadConfig(path string) (Config, error) {
	config := Default()
	if path == "" {
		path = DefaultPath
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("unable to read configuration file %s: %w", path, err)
		}
		if werr := writeDefault(path, config); werr != nil {
			return config, fmt.Errorf("unable to create configuration file %s: %w", path, werr)
		}
		return config, ErrConfigCreated
	}

	if isYAML(path) {
		err = yaml.Unmarshal(bytes, &config)
	} else {
		err = json.Unmarshal(bytes, &config)
	}
	if err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid content: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func writeDefault(path string, config Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "\t")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks enumerations and duration strings.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendMongo, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Session.WillOnExpiry {
	case WillOnExpiryCancel, WillOnExpiryFire:
	default:
		return fmt.Errorf("unknown will_on_expiry policy %q", c.Session.WillOnExpiry)
	}
	if c.Session.MaxInflight <= 0 {
		return fmt.Errorf("session.max_inflight must be positive, got %d", c.Session.MaxInflight)
	}
	if c.Store.Backend == BackendPostgres && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required for the postgres backend")
	}

	durations := map[string]string{
		"server.connect_timeout":     c.Server.ConnectTimeout,
		"server.write_timeout":       c.Server.WriteTimeout,
		"session.reap_interval":      c.Session.ReapInterval,
		"session.retry_interval":     c.Session.RetryInterval,
		"session.max_session_expiry": c.Session.MaxSessionExpiry,
		"store.operation_timeout":    c.Store.OperationTimeout,
	}
	for name, value := range durations {
		if _, err := utils.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration returns the parsed value, or fallback when it is empty or zero.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := utils.ParseDuration(value)
	if err != nil || d == 0 {
		return fallback
	}
	return d
}
