// Package main is the entry point for Twinline Core.
//
// Twinline Core keeps a fleet of production lines in step with their digital
// twins. It runs one reconciler per device, serves device methods over MQTT,
// processes emergency alerts from a JetStream work queue and exposes an admin
// HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/twinline-core/internal/alerts"
	"github.com/nerrad567/twinline-core/internal/api"
	"github.com/nerrad567/twinline-core/internal/audit"
	"github.com/nerrad567/twinline-core/internal/auth"
	"github.com/nerrad567/twinline-core/internal/command"
	"github.com/nerrad567/twinline-core/internal/device"
	"github.com/nerrad567/twinline-core/internal/equipment"
	"github.com/nerrad567/twinline-core/internal/equipment/opcua"
	"github.com/nerrad567/twinline-core/internal/fleet"
	"github.com/nerrad567/twinline-core/internal/infrastructure/config"
	"github.com/nerrad567/twinline-core/internal/infrastructure/database"
	"github.com/nerrad567/twinline-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/twinline-core/internal/infrastructure/logging"
	"github.com/nerrad567/twinline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/twinline-core/internal/infrastructure/natsjs"
	"github.com/nerrad567/twinline-core/internal/metrics"
	"github.com/nerrad567/twinline-core/internal/reconciler"
	"github.com/nerrad567/twinline-core/internal/telemetry"
	"github.com/nerrad567/twinline-core/internal/twin"

	_ "github.com/nerrad567/twinline-core/migrations"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// Exit codes.
const (
	exitRuntime = 1
	exitConfig  = 2
)

// shutdownTimeout bounds the final drain of running reconcilers.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "twinline: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	if errors.Is(err, config.ErrInvalid) {
		return exitConfig
	}
	return exitRuntime
}

// run wires every component and blocks until ctx is cancelled or a
// background component fails.
//
// Parameters:
//   - ctx: Cancelled on SIGINT/SIGTERM
//
// Returns:
//   - error: Startup failure (wrapping config.ErrInvalid for bad
//     configuration) or the first background failure; nil on clean shutdown
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Twinline Core", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"service_id", cfg.Service.ID,
		"devices", len(cfg.Devices),
		"twin_backend", cfg.Twin.Backend,
		"alerts_backend", cfg.Alerts.Backend,
		"command_transport", cfg.Commands.Transport,
	)

	devices, err := device.NewRegistry(cfg.Devices, cfg.DefaultDevice)
	if err != nil {
		return fmt.Errorf("%w: building device registry: %w", config.ErrInvalid, err)
	}

	operators, err := auth.NewDirectory(cfg.Security.Operators)
	if err != nil {
		return fmt.Errorf("%w: loading operators: %w", config.ErrInvalid, err)
	}
	if operators.Len() == 0 && cfg.API.Enabled {
		log.Warn("no operators configured, the admin API will reject every login")
	}

	m := metrics.New()
	health := make(map[string]api.HealthChecker)

	// SQLite holds twins (sqlite backend), dead-lettered alerts and the
	// operator audit trail.
	var db *database.DB
	if cfg.Database.Path != "" {
		db, err = database.Open(database.Config{
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
		log.Info("database opened", "path", db.Path())

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		applied, _, err := db.MigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		log.Info("database migrations complete", "schema_version", applied[len(applied)-1].Version)
		health["database"] = db
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("closing MQTT connection")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.ForComponent("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))
		health["mqtt"] = mqttClient
	}

	var natsClient *natsjs.Client
	if cfg.NATS.Enabled {
		natsClient, err = natsjs.Connect(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			log.Info("closing NATS connection")
			if closeErr := natsClient.Close(); closeErr != nil {
				log.Error("error closing NATS", "error", closeErr)
			}
		}()
		natsClient.SetLogger(log.ForComponent("nats"))
		log.Info("NATS connected", "url", cfg.NATS.URL)
		health["nats"] = natsClient
	}

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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		health["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	twins, err := openTwinStore(ctx, cfg, db, natsClient)
	if err != nil {
		return err
	}
	log.Info("twin store ready", "backend", cfg.Twin.Backend)

	var sinks telemetry.Fanout
	if mqttClient != nil {
		sinks = append(sinks, telemetry.NewMQTTSink(mqttClient))
	}
	if influxClient != nil {
		sinks = append(sinks, telemetry.NewInfluxSink(influxClient))
	}

	router := command.NewRouter()
	var invoker command.Invoker = router
	if cfg.Commands.Transport == config.CommandTransportMQTT {
		server := command.NewServer(mqttClient, router, log.ForComponent("commands"), m)
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting command server: %w", err)
		}
		defer func() {
			log.Info("stopping command server")
			server.Stop()
		}()

		mqttInvoker := command.NewMQTTInvoker(mqttClient, cfg.Commands.ResponseTimeout, log.ForComponent("commands"))
		if err := mqttInvoker.Start(); err != nil {
			return fmt.Errorf("starting command invoker: %w", err)
		}
		defer mqttInvoker.Stop()
		invoker = mqttInvoker
	}
	log.Info("command transport ready", "transport", cfg.Commands.Transport)

	dialer := equipment.NewMux()
	dialer.Handle("sim", equipment.NewSimulator())
	dialer.Handle("opc.tcp", opcua.Dialer{RequestTimeout: cfg.Reconciler.OperationTimeout})

	factory := func(id device.Identity) fleet.Runner {
		deps := reconciler.Deps{
			Dialer:   dialer,
			Twins:    twins,
			Sink:     sinks,
			Commands: router,
			Metrics:  m,
			Logger:   log.ForDevice(id.Name, id.RemoteID),
		}
		if mqttClient != nil {
			deps.Messages = mqttClient
		}
		return reconciler.New(id, cfg.Reconciler, deps)
	}

	manager := fleet.NewManager(devices, factory, cfg.Reconciler.DrainTimeout)
	manager.SetLogger(log.ForComponent("fleet"))
	manager.SetGauge(m)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("stopping reconcilers")
		if stopErr := manager.StopAll(drainCtx); stopErr != nil {
			log.Error("error stopping reconcilers", "error", stopErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	var deadLetters api.DeadLetters
	if cfg.Alerts.Enabled {
		processor, dead, err := newAlertProcessor(ctx, cfg, db, natsClient, twins, invoker, manager)
		if err != nil {
			return err
		}
		processor.SetLogger(log.ForComponent("alerts"))
		processor.SetRecorder(m)
		if dead != nil {
			deadLetters = dead
		}
		g.Go(func() error {
			return processor.Run(gctx)
		})
		log.Info("alert processor started", "backend", cfg.Alerts.Backend, "subject", cfg.Alerts.Subject)
	} else {
		log.Info("alert processing disabled")
	}

	if cfg.API.Enabled {
		var auditStore audit.Store
		if db != nil {
			auditStore = audit.NewSQLiteStore(db)
		}
		srv, err := api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.ForComponent("api"),
			Fleet:       manager,
			Twins:       twins,
			Operators:   operators,
			Invoker:     invoker,
			DeadLetters: deadLetters,
			Audit:       auditStore,
			Gatherer:    m.Registry(),
			Health:      health,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "addr", srv.Addr())
	} else {
		log.Info("API server disabled")
	}

	if err := manager.Autostart(cfg.Reconciler.Autostart); err != nil {
		return fmt.Errorf("starting reconcilers: %w", err)
	}
	log.Info("reconcilers started", "mode", cfg.Reconciler.Autostart, "running", len(manager.Running()))

	log.Info("initialisation complete, waiting for shutdown signal")

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("background component failed: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, reconcilers, command
	// transport, InfluxDB, NATS, MQTT, database.

	log.Info("Twinline Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TWINLINE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TWINLINE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openTwinStore builds the configured twin backend.
func openTwinStore(ctx context.Context, cfg *config.Config, db *database.DB, nc *natsjs.Client) (twin.Store, error) {
	switch cfg.Twin.Backend {
	case config.TwinBackendSQLite:
		if db == nil {
			return nil, fmt.Errorf("%w: the sqlite twin backend needs database.path", config.ErrInvalid)
		}
		return twin.NewSQLiteStore(db), nil
	case config.TwinBackendNATS:
		if nc == nil {
			return nil, fmt.Errorf("%w: the nats twin backend needs nats.enabled", config.ErrInvalid)
		}
		kv, err := nc.KeyValue(ctx, cfg.Twin.Bucket)
		if err != nil {
			return nil, fmt.Errorf("opening twin bucket: %w", err)
		}
		return twin.NewKVStore(kv), nil
	default:
		return twin.NewMemoryStore(), nil
	}
}

// newAlertProcessor builds the alert queue and its processor. The returned
// dead-letter store is nil when no database is configured.
func newAlertProcessor(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	nc *natsjs.Client,
	twins twin.Store,
	invoker command.Invoker,
	dir alerts.Directory,
) (*alerts.Processor, *alerts.SQLiteDeadLetters, error) {
	var dead *alerts.SQLiteDeadLetters
	var store alerts.DeadLetterStore
	if db != nil {
		dead = alerts.NewSQLiteDeadLetters(db)
		store = dead
	}

	var queue alerts.Queue
	switch cfg.Alerts.Backend {
	case config.QueueBackendNATS:
		if nc == nil {
			return nil, nil, fmt.Errorf("%w: the nats alert queue needs nats.enabled", config.ErrInvalid)
		}
		q, err := alerts.NewJetStreamQueue(ctx, nc, cfg.Alerts, store)
		if err != nil {
			return nil, nil, fmt.Errorf("opening alert queue: %w", err)
		}
		queue = q
	default:
		queue = alerts.NewMemoryQueue(cfg.Alerts.AckWait, store)
	}

	return alerts.NewProcessor(queue, twins, invoker, dir, cfg.Alerts), dead, nil
}
