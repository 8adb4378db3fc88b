package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Session   SessionConfig   `mapstructure:"session"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Lock      LockConfig      `mapstructure:"lock"`
	ETCD      ETCDConfig      `mapstructure:"etcd"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	GraphQL   GraphQLConfig   `mapstructure:"graphql"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// SessionConfig describes the anonymous voter cookie.
type SessionConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	Secret     string        `mapstructure:"secret"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	Secure     bool          `mapstructure:"secure"`
}

type LedgerConfig struct {
	// mysql, postgres or sqlite
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	ReplicaDSN   string `mapstructure:"replica_dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// Ranking and live feed node
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Independent nodes used by Redlock
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type PublisherConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Workers int      `mapstructure:"workers"`
}

type LockConfig struct {
	// etcd or redis
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	RetryCount int           `mapstructure:"retry_count"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type GraphQLConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

const envPrefix = "LIVEVOTE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3333)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("session.cookie_name", "sessionId")
	v.SetDefault("session.secret", "")
	v.SetDefault("session.secure", false)
	v.SetDefault("session.max_age", 30*24*time.Hour)

	v.SetDefault("ledger.driver", "mysql")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.replica_dsn", "")
	v.SetDefault("ledger.auto_migrate", false)
	v.SetDefault("ledger.max_open_conns", 20)
	v.SetDefault("ledger.max_idle_conns", 10)

	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)

	v.SetDefault("publisher.buffer_size", 1024)
	v.SetDefault("publisher.publish_timeout", time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "livevote.vote-events")
	v.SetDefault("kafka.group_id", "livevote-reconciler")
	v.SetDefault("kafka.workers", 4)

	v.SetDefault("lock.backend", "etcd")
	v.SetDefault("lock.ttl", 10*time.Second)
	v.SetDefault("lock.retry_count", 3)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", time.Minute)

	v.SetDefault("graphql.enabled", true)
	v.SetDefault("graphql.path", "/graphql")
}

// LoadConfig reads the YAML file at configPath and overlays LIVEVOTE_* environment
// variables. A .env file in the working directory is loaded first when present.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// placeholderSecret is the secret shipped in config.yaml.
const placeholderSecret = "change-me"

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Session.Secret == "" {
		return errors.New("session.secret is required")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unsupported server.mode %q", c.Server.Mode)
	}
	if c.Server.Mode == "release" && c.Session.Secret == placeholderSecret {
		return errors.New("session.secret must be changed from the shipped placeholder in release mode")
	}
	switch c.Ledger.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported ledger.driver %q", c.Ledger.Driver)
	}
	if c.Ledger.DSN == "" {
		return errors.New("ledger.dsn is required")
	}
	switch c.Lock.Backend {
	case "etcd", "redis":
	default:
		return fmt.Errorf("unsupported lock.backend %q", c.Lock.Backend)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if c.Publisher.BufferSize <= 0 {
		return errors.New("publisher.buffer_size must be positive")
	}
	return nil
}
