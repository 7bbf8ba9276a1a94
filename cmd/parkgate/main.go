// Parkgate Core - parking hardware control plane.
//
// This is the main entry point. It loads configuration, seeds and opens
// the device store, starts the control plane (device links, redundancy
// orchestrator and state monitor) and forwards its notifications to MQTT,
// InfluxDB and Prometheus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/parkgate-core/migrations"

	"github.com/nerrad567/parkgate-core/internal/audit"
	"github.com/nerrad567/parkgate-core/internal/controlplane"
	"github.com/nerrad567/parkgate-core/internal/device"
	"github.com/nerrad567/parkgate-core/internal/hardware/correlator"
	"github.com/nerrad567/parkgate-core/internal/hardware/driver"
	"github.com/nerrad567/parkgate-core/internal/hardware/events"
	"github.com/nerrad567/parkgate-core/internal/hardware/monitor"
	"github.com/nerrad567/parkgate-core/internal/hardware/redundancy"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/config"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/database"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/logging"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/metrics"
	"github.com/nerrad567/parkgate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/parkgate-core/internal/notify"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	shutdownTimeout = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit // linear startup sequence
	log := logging.Default()
	log.Info("starting Parkgate Core",
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

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("device"))
	if seedErr := registry.Seed(ctx, seedDevices(cfg.Hardware.Devices)); seedErr != nil {
		return fmt.Errorf("seeding devices: %w", seedErr)
	}
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", len(registry.List()))

	promMetrics := metrics.New()
	var influxClient *influxdb.Client
	var telemetry *notify.TelemetrySink
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = notify.NewTelemetrySink(influxClient)
		telemetry.SetLogger(log.Component("telemetry"))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	cp, err := controlplane.New(controlPlaneOptions(cfg, promMetrics, telemetry, log), registry)
	if err != nil {
		return fmt.Errorf("creating control plane: %w", err)
	}
	bus := subscriberAdapter{cp}

	promMetrics.WatchBus(func() events.Stats { return cp.Stats().Bus })
	promMetrics.WatchMonitor(func() monitor.Stats { return cp.Stats().Monitor })

	auditSink := notify.NewAuditSink(audit.NewSQLiteRepository(db.DB))
	auditSink.SetLogger(log.Component("audit"))
	auditSink.Attach(bus)
	defer auditSink.Detach()

	if telemetry != nil {
		telemetry.Attach(bus)
		defer telemetry.Detach()
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		sink := notify.NewMQTTSink(mqttClient, mqttClient.QoS())
		sink.SetLogger(log.Component("mqtt-sink"))
		sink.Attach(bus)
		defer sink.Detach()
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics, promMetrics)
		if startErr := srv.Start(); startErr != nil {
			return fmt.Errorf("starting metrics server: %w", startErr)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := srv.Shutdown(shutdownCtx); stopErr != nil {
				log.Error("error stopping metrics server", "error", stopErr)
			}
		}()
		log.Info("metrics server listening", "addr", srv.Addr(), "path", cfg.Metrics.Path)
	}

	if startErr := cp.Start(ctx); startErr != nil {
		return fmt.Errorf("starting control plane: %w", startErr)
	}
	defer func() {
		log.Info("stopping control plane")
		cp.Stop()
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: control plane, metrics, sinks,
	// MQTT, InfluxDB, database.
	log.Info("Parkgate Core stopped")
	return nil
}

// getConfigPath returns PARKGATE_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("PARKGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// seedDevices converts the configured seed list into store rows.
func seedDevices(entries []config.DeviceConfig) []device.Device {
	devices := make([]device.Device, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, device.Device{
			ID:       e.ID,
			Name:     e.Name,
			Class:    device.Class(e.Class),
			Endpoint: e.Endpoint,
			Baud:     e.Baud,
			IsBackup: e.Backup,
			IsActive: e.Active,
			Status:   device.StatusUnknown,
		})
	}
	return devices
}

// controlPlaneOptions maps the hardware config section onto control plane
// options. telemetry may be nil.
func controlPlaneOptions(cfg *config.Config, m *metrics.Metrics, telemetry *notify.TelemetrySink, log *logging.Logger) controlplane.Options {
	hw := cfg.Hardware

	var commandObserver correlator.Observer = m
	if telemetry != nil {
		commandObserver = correlator.Observers{m, telemetry}
	}

	return controlplane.Options{
		Driver: driver.Options{
			CommandTimeout: hw.CommandTimeout,
			ReadyTimeout:   hw.ReadyTimeout,
			SettleWindow:   hw.SettleWindow,
			CameraTimeout:  hw.Monitor.CameraTimeout,
		},
		Redundancy: redundancy.Config{
			MaxRetries:             hw.Redundancy.MaxRetries,
			BaseDelay:              hw.Redundancy.BaseDelay,
			FailureThresholdCount:  hw.Redundancy.FailureThresholdCount,
			FailureThresholdWindow: hw.Redundancy.FailureThresholdWindow,
			AutoRestoreInterval:    hw.Redundancy.AutoRestoreInterval,
		},
		Monitor: monitor.Config{
			DetectorInterval: hw.Monitor.DetectorInterval,
			CameraInterval:   hw.Monitor.CameraInterval(),
			MaxRetries:       hw.Monitor.MaxRetries,
			BaseDelay:        hw.Monitor.BaseDelay,
		},
		QueueSize:          hw.Events.QueueSize,
		CommandObserver:    commandObserver,
		RedundancyObserver: m,
		Logger:             log.Component("hardware"),
	}
}

// subscriberAdapter exposes the control plane's event subscription under
// the interface the notification sinks expect.
type subscriberAdapter struct {
	cp *controlplane.ControlPlane
}

func (a subscriberAdapter) Subscribe(pattern string, h events.Handler) func() {
	return a.cp.SubscribeToEvents(pattern, h)
}

// healthCheck verifies the infrastructure connections. mqttClient and
// influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
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
