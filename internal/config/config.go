package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	CacheRedis  = "redis"
	CacheMemory = "memory"
)

type Config struct {
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DBHost      string `env:"DB_HOST"      envDefault:"localhost"`
	DBPort      string `env:"DB_PORT"      envDefault:"5432"`
	DBUser      string `env:"DB_USER"      envDefault:"relay"`
	DBPassword  string `env:"DB_PASSWORD"  envDefault:"relay_dev_password"`
	DBName      string `env:"DB_NAME"      envDefault:"relay"`
	SQLitePath  string `env:"SQLITE_PATH"  envDefault:"data/relay.db"`

	CacheDriver string `env:"CACHE_DRIVER" envDefault:"redis"`
	RedisURL    string `env:"REDIS_URL"    envDefault:"localhost:6379"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	Messaging Messaging

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

type Messaging struct {
	Retention            time.Duration `env:"MESSAGE_RETENTION"      envDefault:"168h"`
	MaxRecipients        int           `env:"MAX_RECIPIENTS"         envDefault:"100"`
	MaxMessageLength     int           `env:"MAX_MESSAGE_LENGTH"     envDefault:"10000"`
	NotificationQueueLen int64         `env:"NOTIFICATION_QUEUE_LEN" envDefault:"1000"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.CacheDriver {
	case CacheRedis, CacheMemory:
	default:
		return fmt.Errorf("unknown CACHE_DRIVER %q", c.CacheDriver)
	}
	if c.Messaging.Retention <= 0 {
		return fmt.Errorf("MESSAGE_RETENTION must be positive, got %s", c.Messaging.Retention)
	}
	if c.Messaging.MaxRecipients <= 0 {
		return fmt.Errorf("MAX_RECIPIENTS must be positive, got %d", c.Messaging.MaxRecipients)
	}
	if c.Messaging.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive, got %d", c.Messaging.MaxMessageLength)
	}
	if c.Messaging.NotificationQueueLen <= 0 {
		return fmt.Errorf("NOTIFICATION_QUEUE_LEN must be positive, got %d", c.Messaging.NotificationQueueLen)
	}
	return nil
}

// PostgresDSN builds the connection string from the DB_* settings.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// SweepInterval is how often expired messages are purged: half the retention.
func (m Messaging) SweepInterval() time.Duration {
	return m.Retention / 2
}
