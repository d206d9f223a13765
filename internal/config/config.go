package config

import (
	"fmt"
	"strings"

	"rentsync/internal/errs"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	RelayRedis = "redis"
	RelayNATS  = "nats"
	RelayNone  = "none"
)

type Config struct {
	Addr       string `mapstructure:"addr"`
	DSN        string `mapstructure:"db_dsn"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	InstanceID string `mapstructure:"instance_id"`
	LogLevel   string `mapstructure:"log_level"`

	Relay     string `mapstructure:"relay"`
	RedisAddr string `mapstructure:"redis_addr"`
	NATSURL   string `mapstructure:"nats_url"`

	MongoURI             string `mapstructure:"mongo_uri"`
	MongoDatabase        string `mapstructure:"mongo_database"`
	PropertiesTopic      string `mapstructure:"properties_topic"`
	PropertiesCollection string `mapstructure:"properties_collection"`
	BookingsTopic        string `mapstructure:"bookings_topic"`
	BookingsCollection   string `mapstructure:"bookings_collection"`
	EchoSuppressionSize  int    `mapstructure:"echo_suppression_size"`
	// MirrorStores applies other instances' changes to this instance's
	// store. Only for stores no other instance watches.
	MirrorStores         bool   `mapstructure:"mirror_stores"`
}

// Load reads an optional config file, then overlays environment variables.
// Env names are the upper-cased keys (DB_DSN, JWT_SECRET, REDIS_ADDR, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("relay", RelayRedis)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("mongo_database", "rental")
	v.SetDefault("properties_topic", "properties")
	v.SetDefault("properties_collection", "properties")
	v.SetDefault("bookings_topic", "bookings")
	v.SetDefault("bookings_collection", "bookings")
	v.SetDefault("echo_suppression_size", 4096)
	v.SetDefault("mirror_stores", false)

	for _, key := range []string{"db_dsn", "jwt_secret", "instance_id", "mongo_uri"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: db_dsn (DB_DSN)", errs.ErrMissingConfig)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: jwt_secret (JWT_SECRET)", errs.ErrMissingConfig)
	}
	switch c.Relay {
	case RelayRedis, RelayNATS, RelayNone:
	default:
		return fmt.Errorf("unknown relay %q (use %s, %s or %s)", c.Relay, RelayRedis, RelayNATS, RelayNone)
	}
	return nil
}
