// PrintMesh Core - Fleet Control for 3D Printer Edge Devices
//
// This is the main entry point for the PrintMesh Core daemon. It maintains
// the broker connection, the request correlator and the upload coordinator
// for a fleet of MQTT-attached printers, records transfer history in
// SQLite, and exports latency telemetry to InfluxDB.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/printmesh/printmesh-core/migrations"

	"github.com/printmesh/printmesh-core/internal/infrastructure/config"
	"github.com/printmesh/printmesh-core/internal/infrastructure/database"
	"github.com/printmesh/printmesh-core/internal/infrastructure/influxdb"
	"github.com/printmesh/printmesh-core/internal/infrastructure/logging"
	"github.com/printmesh/printmesh-core/internal/infrastructure/mqtt"
	"github.com/printmesh/printmesh-core/internal/printer"
	"github.com/printmesh/printmesh-core/internal/protocol"
	"github.com/printmesh/printmesh-core/internal/transfer"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting PrintMesh Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Create the MQTT client. The initial connect happens here so startup
	// fails loudly on a bad broker config; afterwards the paho layer
	// reconnects on its own and the registry replays subscriptions.
	mqttClient := mqtt.New(cfg.MQTT)
	mqttClient.SetLogger(log)
	if err := mqttClient.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Wire the protocol stack: correlator over the transport, upload
	// coordinator over both, typed controller on top.
	qos := byte(cfg.MQTT.QoS) // #nosec G115 -- validated to 0..2 by config
	correlator := protocol.NewCorrelator(mqttClient, qos, cfg.Protocol.GetRequestTimeout())
	correlator.SetLogger(log)
	defer func() {
		if closeErr := correlator.Close(); closeErr != nil {
			log.Error("error closing correlator", "error", closeErr)
		}
	}()

	if influxClient != nil {
		correlator.SetLatencyObserver(func(deviceID string, rtt time.Duration) {
			influxClient.WriteLatencySample(deviceID, rtt)
		})
	}

	coordinator := transfer.NewCoordinator(mqttClient, correlator, qos, cfg.Transfer.ChunkSize)
	coordinator.SetLogger(log)
	coordinator.SetCommitTimeout(cfg.Transfer.GetCommitTimeout())
	coordinator.SetHistory(transfer.NewSQLiteRepository(db.DB))

	if influxClient != nil {
		coordinator.SetTransferObserver(func(deviceID string, bytes int64, duration time.Duration, succeeded bool) {
			influxClient.WriteTransferMetric(deviceID, bytes, duration, succeeded)
		})
	}

	controller := printer.NewController(correlator, coordinator, mqttClient, qos)

	_ = controller // Command surface; exercised by the fleet API layer.

	// Feed unsolicited device status reports into telemetry.
	if influxClient != nil {
		if err := watchFleetStatus(mqttClient, qos, influxClient, log); err != nil {
			return fmt.Errorf("subscribing to status reports: %w", err)
		}
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"fleet", cfg.Fleet.ID,
	)

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Correlator
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("PrintMesh Core stopped")
	return nil
}

// watchFleetStatus subscribes to every device's status topic and exports
// the readings to InfluxDB. Malformed reports are dropped by the handler.
func watchFleetStatus(mqttClient *mqtt.Client, qos byte, influxClient *influxdb.Client, log *logging.Logger) error {
	topics := mqtt.Topics{}
	_, err := mqttClient.Subscribe(topics.AllStatus(), qos, func(topic string, payload []byte) error {
		deviceID := topic[strings.LastIndexByte(topic, '/')+1:]
		if deviceID == "" {
			return fmt.Errorf("status topic %q carries no device id", topic)
		}

		var report printer.StatusReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return fmt.Errorf("decoding status report from %s: %w", deviceID, err)
		}

		influxClient.WriteDeviceStatus(deviceID, report.State, map[string]interface{}{
			"tool_temp":        report.ToolTemp,
			"target_tool_temp": report.TargetToolTemp,
			"bed_temp":         report.BedTemp,
			"target_bed_temp":  report.TargetBedTemp,
			"job_progress":     report.JobProgress,
		})
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("fleet status telemetry enabled", "topic", topics.AllStatus())
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PRINTMESH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PRINTMESH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
