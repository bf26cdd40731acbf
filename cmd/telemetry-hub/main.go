package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/telemetry-hub/fleet-ingester/internal/auth"
	"github.com/telemetry-hub/fleet-ingester/internal/broker"
	"github.com/telemetry-hub/fleet-ingester/internal/cache"
	"github.com/telemetry-hub/fleet-ingester/internal/config"
	"github.com/telemetry-hub/fleet-ingester/internal/db"
	"github.com/telemetry-hub/fleet-ingester/internal/eventbus"
	"github.com/telemetry-hub/fleet-ingester/internal/fanout"
	"github.com/telemetry-hub/fleet-ingester/internal/gate"
	"github.com/telemetry-hub/fleet-ingester/internal/httpapi"
	"github.com/telemetry-hub/fleet-ingester/internal/maintenance"
	"github.com/telemetry-hub/fleet-ingester/internal/metrics"
	"github.com/telemetry-hub/fleet-ingester/internal/persistence"
	"github.com/telemetry-hub/fleet-ingester/internal/ratelimit"
	"github.com/telemetry-hub/fleet-ingester/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: telemetry-hub <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the ingestion and subscription service")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition and retention maintenance")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting telemetry-hub",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Store.DSN, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.CreatePartitions(ctx); err != nil {
		logger.Fatal("failed to create partitions on startup", zap.Error(err))
	}

	st := store.New(pool, cfg.Ingest.StoreRawBytes, cfg.Ingest.StoreRawBytesCompress, logger.Named("store"))

	hotCache, err := cache.New(cache.Options{
		RedisURL: cfg.Cache.RedisURL,
		LocTTL:   time.Duration(cfg.Cache.LocTTLSec) * time.Second,
	})
	if err != nil {
		logger.Fatal("failed to initialize cache", zap.Error(err))
	}
	defer hotCache.Close()

	g := gate.New(hotCache, cfg.Gate.RMaxPerSecond, cfg.Gate.DMinMeters, time.Duration(cfg.Gate.ThrottleWindowMs)*time.Millisecond)

	sosLimiter, err := ratelimit.New(ratelimit.Options{RedisURL: cfg.Cache.RedisURL})
	if err != nil {
		logger.Fatal("failed to initialize rate limiter", zap.Error(err))
	}
	defer sosLimiter.Close()

	producer, err := eventbus.NewProducer(cfg.EventBus.Brokers, cfg.EventBus.ClientID, logger.Named("eventbus.producer"))
	if err != nil {
		logger.Fatal("failed to create event bus producer", zap.Error(err))
	}
	defer producer.Close()

	var wg sync.WaitGroup
	var commitWg sync.WaitGroup

	// --- Persistence pipeline: durable batched writes off vehicle-locations/vehicle-events ---
	persistConsumer, err := eventbus.NewConsumer(
		cfg.EventBus.Brokers, cfg.EventBus.Persistence.GroupID, cfg.EventBus.Persistence.Topics,
		cfg.EventBus.ClientID+"-persistence", cfg.EventBus.FetchMaxBytes, logger.Named("eventbus.persistence"),
	)
	if err != nil {
		logger.Fatal("failed to create persistence consumer", zap.Error(err))
	}
	defer persistConsumer.Close()

	persistRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	persistFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	persistPipeline := persistence.NewPipeline(st, cfg.Ingest.BatchSize, time.Duration(cfg.Ingest.FlushIntervalMs)*time.Millisecond, logger.Named("persistence"))

	wg.Add(2)
	go func() { defer wg.Done(); persistConsumer.Run(ctx, persistRecords, persistFlushed, &commitWg) }()
	go persistPipeline.Run(ctx, persistRecords, persistFlushed, &wg)

	logger.Info("persistence pipeline started",
		zap.Strings("topics", cfg.EventBus.Persistence.Topics),
		zap.String("group_id", cfg.EventBus.Persistence.GroupID),
	)

	// --- Subscription broker and fan-out workers ---
	hub := broker.NewHub(logger.Named("broker"))
	go hub.Run(ctx)

	fanoutConsumer, err := eventbus.NewConsumer(
		cfg.EventBus.Brokers, cfg.EventBus.Fanout.GroupID, cfg.EventBus.Fanout.Topics,
		cfg.EventBus.ClientID+"-fanout", cfg.EventBus.FetchMaxBytes, logger.Named("eventbus.fanout"),
	)
	if err != nil {
		logger.Fatal("failed to create fanout consumer", zap.Error(err))
	}
	defer fanoutConsumer.Close()

	fanoutRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	fanoutFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	fanoutWorker := fanout.NewWorker(hub, time.Duration(cfg.Ingest.FlushIntervalMs)*time.Millisecond, logger.Named("fanout"))

	wg.Add(2)
	go func() { defer wg.Done(); fanoutConsumer.Run(ctx, fanoutRecords, fanoutFlushed, &commitWg) }()
	go fanoutWorker.Run(ctx, fanoutRecords, fanoutFlushed, &wg)

	alertConsumer, err := eventbus.NewConsumer(
		cfg.EventBus.Brokers, cfg.EventBus.AlertFanout.GroupID, cfg.EventBus.AlertFanout.Topics,
		cfg.EventBus.ClientID+"-alert-fanout", cfg.EventBus.FetchMaxBytes, logger.Named("eventbus.alert_fanout"),
	)
	if err != nil {
		logger.Fatal("failed to create alert fanout consumer", zap.Error(err))
	}
	defer alertConsumer.Close()

	alertRecords := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	alertFlushed := make(chan []*kgo.Record, cfg.Ingest.ChannelBufferSize)
	alertWorker := fanout.NewAlertWorker(hub, logger.Named("alert_fanout"))

	wg.Add(2)
	go func() { defer wg.Done(); alertConsumer.Run(ctx, alertRecords, alertFlushed, &commitWg) }()
	go alertWorker.Run(ctx, alertRecords, alertFlushed, &wg)

	logger.Info("fanout workers started",
		zap.Strings("position_topics", cfg.EventBus.Fanout.Topics),
		zap.Strings("alert_topics", cfg.EventBus.AlertFanout.Topics),
	)

	var verifier *auth.Verifier
	if cfg.Service.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.Service.JWTSecret)
	}

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, httpapi.Deps{
		Store:    st,
		Cache:    hotCache,
		Gate:     g,
		Producer: producer,
		SOSLimiter: sosLimiter,
		Verifier: verifier,
		Hub:      hub,
		Topics: httpapi.Topics{
			Locations: cfg.EventBus.Locations.Name,
			Events:    cfg.EventBus.Events.Name,
			Alerts:    cfg.EventBus.Alerts.Name,
		},
		Logger:           logger.Named("httpapi"),
		PositionConsumer: persistConsumer,
		AlertConsumer:    alertConsumer,
		MaxTimestampSkew: time.Duration(cfg.Ingest.MaxTimestampSkewSec) * time.Second,
		SOSDailyCredits:  int64(cfg.Broker.SOSDailyCredits),
		ClientOrigin:     cfg.Service.ClientOrigin,
	})
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all pipelines and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		commitWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("telemetry-hub stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Store.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Store.DSN, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Store.DSN, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
