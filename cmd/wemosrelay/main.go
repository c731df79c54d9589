// wemos-relay is a WebSocket gateway between relay devices, browser
// observers and controllers.
//
// Devices connect on /ws/device and authenticate against the identity
// backend; observers connect on /ws/browser and watch lifecycle and status
// events; controllers push commands with POST /command. Lifecycle events are
// audited to SQLite and optionally forwarded to an upstream controller,
// mirrored to MQTT and written to InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/wemos-relay/internal/api"
	"github.com/nerrad567/wemos-relay/internal/audit"
	"github.com/nerrad567/wemos-relay/internal/bus"
	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/identity"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/config"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/database"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/logging"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/wemos-relay/internal/metrics"
	"github.com/nerrad567/wemos-relay/internal/telemetry"
	"github.com/nerrad567/wemos-relay/internal/upstream"
	"github.com/nerrad567/wemos-relay/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

const auditQueueSize = 1024

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// registryCounts defers to the gateway registry, which only exists once
// the gateway has been built with its notifiers.
type registryCounts struct {
	reg *gateway.Registry
}

func (c *registryCounts) Counts() gateway.Counts {
	if c.reg == nil {
		return gateway.Counts{}
	}
	return c.reg.Counts()
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting wemos-relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database and audit trail
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.Source()); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Background workers share workCtx. Stopping them flushes queued audit
	// rows, callbacks and MQTT publishes, so it happens before the MQTT
	// client and the database close.
	workers := newWorkerGroup()
	defer workers.stop()

	auditRepo := audit.NewSQLiteRepository(db.DB)
	auditRecorder := audit.NewRecorder(auditRepo, auditQueueSize, log)
	workers.start(auditRecorder.Run)

	counts := &registryCounts{}
	promMetrics := metrics.New(counts)

	notifiers := gateway.Fanout{auditRecorder, promMetrics}
	recorders := api.CommandRecorders{auditRecorder, promMetrics}

	// Upstream controller callbacks (optional)
	upstreamNotifier, err := upstream.New(cfg.Upstream, log)
	switch {
	case errors.Is(err, upstream.ErrDisabled):
		log.Info("upstream callbacks disabled")
	case err != nil:
		return fmt.Errorf("configuring upstream callbacks: %w", err)
	default:
		workers.start(upstreamNotifier.Run)
		notifiers = append(notifiers, upstreamNotifier)
		log.Info("upstream callbacks enabled", "url", cfg.Upstream.URL)
	}

	// MQTT mirror (optional)
	var mqttClient *mqtt.Client
	mqttClient, err = mqtt.Connect(cfg.MQTT)
	switch {
	case errors.Is(err, mqtt.ErrDisabled):
		log.Info("MQTT disabled")
		mqttClient = nil
	case err != nil:
		return fmt.Errorf("connecting to MQTT: %w", err)
	default:
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
			"prefix", mqttClient.Topics().Prefix(),
		)

		publisher := bus.NewPublisher(mqttClient, mqttClient.Topics(), mqttClient.QoS(), 0, log)
		workers.start(publisher.Run)
		notifiers = append(notifiers, publisher)
	}

	// InfluxDB telemetry (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		recorder := telemetry.NewRecorder(influxClient, counts, instanceName(cfg), 0)
		workers.start(recorder.Run)
		notifiers = append(notifiers, recorder)
		recorders = append(recorders, recorder)
	}

	// Identity backend
	var verifier gateway.Verifier
	if cfg.Gateway.RequireAuth {
		idClient, idErr := identity.New(cfg.Identity, log)
		if idErr != nil {
			return fmt.Errorf("configuring identity backend: %w", idErr)
		}
		verifier = idClient
		log.Info("device authentication enabled", "identity_url", cfg.Identity.URL)
	} else {
		log.Warn("device authentication disabled, claimed deviceId is trusted")
	}

	gw, err := gateway.New(verifier, notifiers, gateway.Options{
		RequireAuth:      cfg.Gateway.RequireAuth,
		AuthGraceWindow:  cfg.Gateway.AuthGraceWindowDuration(),
		HeartbeatTimeout: cfg.Gateway.HeartbeatTimeoutDuration(),
		SweepInterval:    cfg.Gateway.SweepIntervalDuration(),
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	counts.reg = gw.Registry()
	workers.start(gw.Run)

	// MQTT command ingress needs the gateway to submit into.
	if mqttClient != nil {
		listener := bus.NewCommandListener(mqttClient, mqttClient.Topics(), mqttClient.QoS(), gw, log)
		listener.OnResult(recorders.RecordCommand)
		if startErr := listener.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT command listener: %w", startErr)
		}
		defer func() {
			if stopErr := listener.Stop(); stopErr != nil {
				log.Warn("error stopping MQTT command listener", "error", stopErr)
			}
		}()
	}

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Gateway:  gw,
		Audit:    auditRepo,
		Commands: recorders,
		Metrics:  promMetrics,
		DB:       db,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	if influxClient != nil {
		deps.Influx = influxClient
	}
	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
		gw.Shutdown()
		workers.stop()
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"require_auth", cfg.Gateway.RequireAuth,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server, open sessions, background workers
	// 2. MQTT command listener
	// 3. InfluxDB, MQTT (if enabled)
	// 4. Database

	log.Info("wemos-relay stopped")
	return nil
}

// workerGroup runs background loops under one cancellable context.
type workerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newWorkerGroup() *workerGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerGroup{ctx: ctx, cancel: cancel}
}

func (w *workerGroup) start(fn func(context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
}

// stop cancels every worker and waits for them to drain. Safe to call twice.
func (w *workerGroup) stop() {
	w.once.Do(func() {
		w.cancel()
		w.wg.Wait()
	})
}

// getConfigPath returns the configuration file path.
// Uses WEMOSRELAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WEMOSRELAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// instanceName tags telemetry points so several relays can share a bucket.
func instanceName(cfg *config.Config) string {
	if cfg.MQTT.Broker.ClientID != "" {
		return cfg.MQTT.Broker.ClientID
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "wemos-relay"
}

// healthCheck verifies the infrastructure connections that are enabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
