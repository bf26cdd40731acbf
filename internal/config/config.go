package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the process-wide configuration tree. Non-secret tuning lives in
// an optional YAML file; the environment overlay wins for anything a
// deployment needs to override, and the handful of keys named directly in
// the external contract (PORT, MONGO_URI, REDIS_URL, KAFKA_BROKERS,
// JWT_SECRET, CLIENT_URL, NODE_ENV) are read both from their literal names
// and from the namespaced TELEMETRY_HUB__ form so either convention works.
type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	EventBus  EventBusConfig  `koanf:"eventbus"`
	Store     StoreConfig     `koanf:"store"`
	Cache     CacheConfig     `koanf:"cache"`
	Gate      GateConfig      `koanf:"gate"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Broker    BrokerConfig    `koanf:"broker"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	Env                    string `koanf:"env"`
	ClientOrigin           string `koanf:"client_origin"`
	JWTSecret              string `koanf:"jwt_secret"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type EventBusConfig struct {
	Brokers       []string         `koanf:"brokers"`
	ClientID      string           `koanf:"client_id"`
	FetchMaxBytes int32            `koanf:"fetch_max_bytes"`
	Locations     TopicConfig      `koanf:"locations"`
	Events        TopicConfig      `koanf:"events"`
	Alerts        TopicConfig      `koanf:"alerts"`
	Persistence   ConsumerConfig   `koanf:"persistence"`
	Fanout        ConsumerConfig   `koanf:"fanout"`
	AlertFanout   ConsumerConfig   `koanf:"alert_fanout"`
}

// TopicConfig names a topic and its partition count.
type TopicConfig struct {
	Name       string `koanf:"name"`
	Partitions int32  `koanf:"partitions"`
}

type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
}

type StoreConfig struct {
	// DSN is read from MONGO_URI per the external deployment contract (see
	// the internal/config entry in DESIGN.md) but holds a Postgres connection string: this
	// stack's driver is relational, and the persisted layout is itself a
	// fixed five-table relational shape.
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type CacheConfig struct {
	// RedisURL selects the backend: empty means the in-process fallback.
	RedisURL  string `koanf:"redis_url"`
	LocTTLSec int    `koanf:"loc_ttl_seconds"`
}

type GateConfig struct {
	RMaxPerSecond   float64 `koanf:"r_max_per_second"`
	DMinMeters      float64 `koanf:"d_min_meters"`
	ThrottleWindowMs int    `koanf:"throttle_window_ms"`
}

type IngestConfig struct {
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	MaxPayloadBytes       int  `koanf:"max_payload_bytes"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
	MaxTimestampSkewSec   int  `koanf:"max_timestamp_skew_seconds"`
}

type BrokerConfig struct {
	PingIntervalMs   int `koanf:"ping_interval_ms"`
	PongTimeoutMs    int `koanf:"pong_timeout_ms"`
	SendBufferSize   int `koanf:"send_buffer_size"`
	EmptyRoomSweepMs int `koanf:"empty_room_sweep_ms"`
	SOSDailyCredits  int `koanf:"sos_daily_credits"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Load layers an optional YAML file under an environment overlay. Two env
// namespaces are honored: the literal external-contract names (PORT,
// MONGO_URI, REDIS_URL, KAFKA_BROKERS, JWT_SECRET, CLIENT_URL, NODE_ENV) and
// TELEMETRY_HUB__ prefixed dotted-path overrides for everything else.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("TELEMETRY_HUB__", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TELEMETRY_HUB__")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "telemetry-hub-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			Env:                    "development",
			ShutdownTimeoutSeconds: 30,
		},
		EventBus: EventBusConfig{
			ClientID:      "telemetry-hub",
			FetchMaxBytes: 52428800,
			Locations:     TopicConfig{Name: "vehicle-locations", Partitions: 32},
			Events:        TopicConfig{Name: "vehicle-events", Partitions: 8},
			Alerts:        TopicConfig{Name: "route-alerts", Partitions: 4},
			Persistence:   ConsumerConfig{GroupID: "telemetry-hub-persistence"},
			Fanout:        ConsumerConfig{GroupID: "telemetry-hub-fanout"},
			AlertFanout:   ConsumerConfig{GroupID: "telemetry-hub-alert-fanout"},
		},
		Store: StoreConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Cache: CacheConfig{
			LocTTLSec: 120,
		},
		Gate: GateConfig{
			RMaxPerSecond:    5,
			DMinMeters:       10,
			ThrottleWindowMs: 1000,
		},
		Ingest: IngestConfig{
			BatchSize:             1000,
			FlushIntervalMs:       200,
			ChannelBufferSize:     16,
			MaxPayloadBytes:       1048576,
			StoreRawBytesCompress: true,
			MaxTimestampSkewSec:   300,
		},
		Broker: BrokerConfig{
			PingIntervalMs:   10000,
			PongTimeoutMs:    20000,
			SendBufferSize:   256,
			EmptyRoomSweepMs: 300000,
			SOSDailyCredits:  3,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyLiteralEnv(cfg)

	if len(cfg.EventBus.Brokers) == 1 && strings.Contains(cfg.EventBus.Brokers[0], ",") {
		cfg.EventBus.Brokers = strings.Split(cfg.EventBus.Brokers[0], ",")
	}
	if cfg.EventBus.Persistence.Topics == nil {
		cfg.EventBus.Persistence.Topics = []string{cfg.EventBus.Locations.Name, cfg.EventBus.Events.Name}
	}
	if cfg.EventBus.Fanout.Topics == nil {
		cfg.EventBus.Fanout.Topics = []string{cfg.EventBus.Locations.Name}
	}
	if cfg.EventBus.AlertFanout.Topics == nil {
		cfg.EventBus.AlertFanout.Topics = []string{cfg.EventBus.Alerts.Name}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLiteralEnv overlays the literal environment-variable names expected
// by the external deployment contract (PORT, MONGO_URI, ...) on top of
// whatever the file/TELEMETRY_HUB__ layers produced, since those names must
// not require the namespaced form.
func applyLiteralEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Service.HTTPListen = ":" + v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.EventBus.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Service.JWTSecret = v
	}
	if v := os.Getenv("CLIENT_URL"); v != "" {
		cfg.Service.ClientOrigin = v
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Service.Env = v
	}
}

func (c *Config) Validate() error {
	if len(c.EventBus.Brokers) == 0 {
		return fmt.Errorf("config: eventbus.brokers (KAFKA_BROKERS) is required")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn (MONGO_URI) is required")
	}
	if c.EventBus.Persistence.GroupID == "" {
		return fmt.Errorf("config: eventbus.persistence.group_id is required")
	}
	if len(c.EventBus.Persistence.Topics) == 0 {
		return fmt.Errorf("config: eventbus.persistence.topics is required")
	}
	if c.EventBus.Fanout.GroupID == "" {
		return fmt.Errorf("config: eventbus.fanout.group_id is required")
	}
	if len(c.EventBus.Fanout.Topics) == 0 {
		return fmt.Errorf("config: eventbus.fanout.topics is required")
	}
	if c.Ingest.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: ingest.flush_interval_ms must be > 0 (got %d)", c.Ingest.FlushIntervalMs)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be > 0 (got %d)", c.Ingest.BatchSize)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}
	if c.EventBus.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: eventbus.fetch_max_bytes must be > 0 (got %d)", c.EventBus.FetchMaxBytes)
	}
	if c.Store.MaxConns <= 0 {
		return fmt.Errorf("config: store.max_conns must be > 0 (got %d)", c.Store.MaxConns)
	}
	if c.Store.MinConns < 0 {
		return fmt.Errorf("config: store.min_conns must be >= 0 (got %d)", c.Store.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Gate.RMaxPerSecond <= 0 {
		return fmt.Errorf("config: gate.r_max_per_second must be > 0 (got %v)", c.Gate.RMaxPerSecond)
	}
	if c.Gate.DMinMeters <= 0 {
		return fmt.Errorf("config: gate.d_min_meters must be > 0 (got %v)", c.Gate.DMinMeters)
	}
	if c.Broker.SOSDailyCredits <= 0 {
		return fmt.Errorf("config: broker.sos_daily_credits must be > 0 (got %d)", c.Broker.SOSDailyCredits)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if int32(c.Ingest.MaxPayloadBytes) > c.EventBus.FetchMaxBytes {
		return fmt.Errorf("config: ingest.max_payload_bytes (%d) exceeds eventbus.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
			c.Ingest.MaxPayloadBytes, c.EventBus.FetchMaxBytes)
	}
	return nil
}
