// Package config loads and validates engine configuration from YAML files
// and FIXCORE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/quantfabric/fixcore/internal/fix"
)

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Venues     []VenueConfig    `mapstructure:"venues" yaml:"venues" validate:"required,min=1,dive"`
	Routing    RoutingConfig    `mapstructure:"routing" yaml:"routing"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Badger     BadgerConfig     `mapstructure:"badger" yaml:"badger"`
	Etcd       EtcdConfig       `mapstructure:"etcd" yaml:"etcd"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	Journal    JournalConfig    `mapstructure:"journal" yaml:"journal"`
	MarketData MarketDataConfig `mapstructure:"marketdata" yaml:"marketdata"`
	Orders     OrdersConfig     `mapstructure:"orders" yaml:"orders"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Mode            string        `mapstructure:"mode" yaml:"mode" validate:"omitempty,oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// EngineConfig holds engine-wide settings shared by every venue.
type EngineConfig struct {
	// SenderCompID is the default FIX sender identity; venues may override.
	SenderCompID string        `mapstructure:"sender_comp_id" yaml:"sender_comp_id"`
	SeqStore     string        `mapstructure:"seq_store" yaml:"seq_store" validate:"omitempty,oneof=memory redis badger"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// VenueConfig describes one FIX counterparty.
type VenueConfig struct {
	Name              string        `mapstructure:"name" yaml:"name" validate:"required"`
	Address           string        `mapstructure:"address" yaml:"address" validate:"required"`
	BeginString       string        `mapstructure:"begin_string" yaml:"begin_string"`
	SenderCompID      string        `mapstructure:"sender_comp_id" yaml:"sender_comp_id" validate:"required"`
	TargetCompID      string        `mapstructure:"target_comp_id" yaml:"target_comp_id" validate:"required"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ResetOnLogon      bool          `mapstructure:"reset_on_logon" yaml:"reset_on_logon"`
}

// VenueRankConfig is one entry in a class rank table. Lower rank routes first.
type VenueRankConfig struct {
	Venue string `mapstructure:"venue" yaml:"venue" validate:"required"`
	Rank  int    `mapstructure:"rank" yaml:"rank"`
}

// RoutingConfig is the static routing table: symbol classes mapped to ranked
// venue lists.
type RoutingConfig struct {
	Ranks        map[string][]VenueRankConfig `mapstructure:"ranks" yaml:"ranks"`
	Classes      map[string]string            `mapstructure:"classes" yaml:"classes"`
	DefaultClass string                       `mapstructure:"default_class" yaml:"default_class"`
	WindowSize   int                          `mapstructure:"window_size" yaml:"window_size"`
}

// RedisConfig configures the Redis sequence store backend.
type RedisConfig struct {
	Address  string `mapstructure:"address" yaml:"address"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// BadgerConfig configures the Badger sequence store backend.
type BadgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// EtcdConfig configures the venue lease lock. Empty endpoints disable it.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints" yaml:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	SessionTTL  time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	KeyPrefix   string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// KafkaConfig configures the event publisher. Empty brokers disable it.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks" yaml:"required_acks"`
	Compression  string        `mapstructure:"compression" yaml:"compression" validate:"omitempty,oneof=snappy gzip lz4 zstd"`
}

// JournalConfig configures the order/execution journal. Driver "none"
// disables it.
type JournalConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres none"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// MarketDataConfig tunes book freshness and gap handling.
type MarketDataConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold" yaml:"stale_threshold"`
	ReorderWindow  time.Duration `mapstructure:"reorder_window" yaml:"reorder_window"`
	MaxPending     int           `mapstructure:"max_pending" yaml:"max_pending"`
}

// OrdersConfig tunes order management.
type OrdersConfig struct {
	AckTimeout time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
}

// LoggingConfig selects log level and encoder.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=json console"`
}

// envOverrides maps environment variables onto config keys. AutomaticEnv
// alone does not surface unset keys through Unmarshal, so the common
// overrides are bound explicitly.
var envOverrides = map[string]string{
	"FIXCORE_SERVER_ADDR":           "server.addr",
	"FIXCORE_SERVER_MODE":           "server.mode",
	"FIXCORE_ENGINE_SENDER_COMP_ID": "engine.sender_comp_id",
	"FIXCORE_ENGINE_SEQ_STORE":      "engine.seq_store",
	"FIXCORE_REDIS_ADDRESS":         "redis.address",
	"FIXCORE_REDIS_PASSWORD":        "redis.password",
	"FIXCORE_BADGER_PATH":           "badger.path",
	"FIXCORE_JOURNAL_DRIVER":        "journal.driver",
	"FIXCORE_JOURNAL_DSN":           "journal.dsn",
	"FIXCORE_LOGGING_LEVEL":         "logging.level",
	"FIXCORE_LOGGING_FORMAT":        "logging.format",
}

// envListOverrides are comma-separated list overrides.
var envListOverrides = map[string]string{
	"FIXCORE_KAFKA_BROKERS":  "kafka.brokers",
	"FIXCORE_ETCD_ENDPOINTS": "etcd.endpoints",
}

// Load reads configuration from path, merges environment overrides, applies
// defaults and validates. An empty path searches ., ./configs and
// /etc/fixcore for config.yaml; a missing file there is not an error, the
// defaults and environment carry.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FIXCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fixcore")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	for env, key := range envOverrides {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
	for env, key := range envListOverrides {
		if val := os.Getenv(env); val != "" {
			v.Set(key, strings.Split(val, ","))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if file := v.ConfigFileUsed(); file != "" {
		if err := cfg.Routing.reloadTables(file); err != nil {
			return nil, err
		}
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// reloadTables re-reads the rank and class maps straight from the YAML
// file. Viper folds every map key to lower case while loading, which
// mangles symbols and class names; the routing tables are the only
// key-cased data in the config.
func (r *RoutingConfig) reloadTables(file string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("config: reread routing tables: %w", err)
	}
	var doc struct {
		Routing struct {
			Ranks   map[string][]VenueRankConfig `yaml:"ranks"`
			Classes map[string]string            `yaml:"classes"`
		} `yaml:"routing"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: reread routing tables: %w", err)
	}
	if doc.Routing.Ranks != nil {
		r.Ranks = doc.Routing.Ranks
	}
	if doc.Routing.Classes != nil {
		r.Classes = doc.Routing.Classes
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Engine.SeqStore == "" {
		c.Engine.SeqStore = "memory"
	}
	if c.Engine.DrainTimeout <= 0 {
		c.Engine.DrainTimeout = 5 * time.Second
	}

	for i := range c.Venues {
		ven := &c.Venues[i]
		if ven.BeginString == "" {
			ven.BeginString = fix.BeginStringFIX42
		}
		if ven.SenderCompID == "" {
			ven.SenderCompID = c.Engine.SenderCompID
		}
		if ven.HeartbeatInterval <= 0 {
			ven.HeartbeatInterval = 30 * time.Second
		}
	}

	if c.Routing.DefaultClass == "" {
		c.Routing.DefaultClass = "default"
	}
	if c.Routing.WindowSize <= 0 {
		c.Routing.WindowSize = 128
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Badger.Path == "" {
		c.Badger.Path = "./data/seqstore"
	}

	if c.Etcd.DialTimeout <= 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Etcd.SessionTTL <= 0 {
		c.Etcd.SessionTTL = 15 * time.Second
	}
	if c.Etcd.KeyPrefix == "" {
		c.Etcd.KeyPrefix = "/fixcore/venues"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite"
	}
	if c.Journal.DSN == "" && c.Journal.Driver == "sqlite" {
		c.Journal.DSN = "fixcore.db"
	}
	if c.Journal.QueueSize <= 0 {
		c.Journal.QueueSize = 4096
	}

	if c.MarketData.StaleThreshold <= 0 {
		c.MarketData.StaleThreshold = 3 * time.Second
	}
	if c.MarketData.ReorderWindow <= 0 {
		c.MarketData.ReorderWindow = 500 * time.Millisecond
	}
	if c.MarketData.MaxPending <= 0 {
		c.MarketData.MaxPending = 64
	}

	if c.Orders.AckTimeout <= 0 {
		c.Orders.AckTimeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks field constraints plus the cross-field rules: venue names
// unique, heartbeat intervals within bounds, rank tables referencing
// configured venues and classes referencing existing rank tables.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	names := make(map[string]struct{}, len(c.Venues))
	for _, ven := range c.Venues {
		if _, dup := names[ven.Name]; dup {
			return fmt.Errorf("config: duplicate venue %q", ven.Name)
		}
		names[ven.Name] = struct{}{}

		if ven.HeartbeatInterval < time.Second || ven.HeartbeatInterval > 5*time.Minute {
			return fmt.Errorf("config: venue %q heartbeat_interval %s out of bounds [1s, 5m]",
				ven.Name, ven.HeartbeatInterval)
		}
	}

	for class, ranks := range c.Routing.Ranks {
		if len(ranks) == 0 {
			return fmt.Errorf("config: rank table %q is empty", class)
		}
		seen := make(map[string]struct{}, len(ranks))
		for _, vr := range ranks {
			if _, ok := names[vr.Venue]; !ok {
				return fmt.Errorf("config: rank table %q references unknown venue %q", class, vr.Venue)
			}
			if _, dup := seen[vr.Venue]; dup {
				return fmt.Errorf("config: rank table %q lists venue %q twice", class, vr.Venue)
			}
			seen[vr.Venue] = struct{}{}
			if vr.Rank < 1 {
				return fmt.Errorf("config: rank table %q venue %q has rank %d, want >= 1",
					class, vr.Venue, vr.Rank)
			}
		}
	}

	for symbol, class := range c.Routing.Classes {
		if _, ok := c.Routing.Ranks[class]; !ok {
			return fmt.Errorf("config: symbol %q maps to unknown class %q", symbol, class)
		}
	}

	if c.Engine.SeqStore == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("config: seq_store redis requires redis.address")
	}
	if c.Engine.SeqStore == "badger" && c.Badger.Path == "" {
		return fmt.Errorf("config: seq_store badger requires badger.path")
	}
	if c.Journal.Driver == "postgres" && c.Journal.DSN == "" {
		return fmt.Errorf("config: journal driver postgres requires journal.dsn")
	}
	return nil
}

// KafkaEnabled reports whether the Kafka publisher should run.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// EtcdEnabled reports whether the venue lease lock should run.
func (c *Config) EtcdEnabled() bool { return len(c.Etcd.Endpoints) > 0 }

// JournalEnabled reports whether the order journal should run.
func (c *Config) JournalEnabled() bool { return c.Journal.Driver != "none" }
