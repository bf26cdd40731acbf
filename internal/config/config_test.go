package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		EventBus: EventBusConfig{
			Brokers:       []string{"localhost:9092"},
			FetchMaxBytes: 52428800,
			Persistence:   ConsumerConfig{GroupID: "g1", Topics: []string{"vehicle-locations"}},
			Fanout:        ConsumerConfig{GroupID: "g2", Topics: []string{"vehicle-locations"}},
		},
		Store: StoreConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
		Gate: GateConfig{
			RMaxPerSecond: 5,
			DMinMeters:    10,
		},
		Ingest: IngestConfig{
			BatchSize:         1000,
			FlushIntervalMs:   200,
			ChannelBufferSize: 16,
			MaxPayloadBytes:   1024,
		},
		Broker: BrokerConfig{
			SOSDailyCredits: 3,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.EventBus.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty brokers")
	}
}

func TestValidate_NoDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestValidate_NoPersistenceGroupID(t *testing.T) {
	cfg := validConfig()
	cfg.EventBus.Persistence.GroupID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty persistence group_id")
	}
}

func TestValidate_NoFanoutGroupID(t *testing.T) {
	cfg := validConfig()
	cfg.EventBus.Fanout.GroupID = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty fanout group_id")
	}
}

func TestValidate_NoPersistenceTopics(t *testing.T) {
	cfg := validConfig()
	cfg.EventBus.Persistence.Topics = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty persistence topics")
	}
}

func TestValidate_NoFanoutTopics(t *testing.T) {
	cfg := validConfig()
	cfg.EventBus.Fanout.Topics = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty fanout topics")
	}
}

func TestValidate_FlushIntervalZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.FlushIntervalMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for flush_interval_ms = 0")
	}
}

func TestValidate_FlushIntervalNegative(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.FlushIntervalMs = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative flush_interval_ms")
	}
}

func TestValidate_BatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for batch_size = 0")
	}
}

func TestValidate_ChannelBufferSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.ChannelBufferSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for channel_buffer_size = 0")
	}
}

func TestValidate_RetentionDaysZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Days = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.days = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_GateRMaxZero(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.RMaxPerSecond = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for r_max_per_second = 0")
	}
}

func TestValidate_GateDMinZero(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.DMinMeters = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for d_min_meters = 0")
	}
}

func TestValidate_SOSCreditsZero(t *testing.T) {
	cfg := validConfig()
	cfg.Broker.SOSDailyCredits = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for sos_daily_credits = 0")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "Not/A/Real/Zone"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestValidate_ValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.Timezone = "America/New_York"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
eventbus:
  brokers:
    - "localhost:9092"
  persistence:
    topics:
      - "vehicle-locations"
  fanout:
    topics:
      - "vehicle-locations"
store:
  dsn: "postgres://localhost/test"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideDSN(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TELEMETRY_HUB__STORE__DSN", "postgres://envhost/envdb")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.DSN != "postgres://envhost/envdb" {
		t.Errorf("expected DSN from env, got %q", cfg.Store.DSN)
	}
}

func TestLoad_LiteralMongoURIWins(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("MONGO_URI", "postgres://literalhost/db")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.DSN != "postgres://literalhost/db" {
		t.Errorf("expected DSN from MONGO_URI, got %q", cfg.Store.DSN)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TELEMETRY_HUB__SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvEmptyGroupIDFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("TELEMETRY_HUB__EVENTBUS__PERSISTENCE__GROUP_ID", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty persistence group_id via env")
	}
}

func TestLoad_PortMapsToHTTPListen(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("PORT", "9090")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.HTTPListen != ":9090" {
		t.Errorf("expected http_listen ':9090', got %q", cfg.Service.HTTPListen)
	}
}
