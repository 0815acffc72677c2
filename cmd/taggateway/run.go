package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	_ "github.com/nerrad567/tag-gateway/migrations"

	"github.com/nerrad567/tag-gateway/internal/api"
	"github.com/nerrad567/tag-gateway/internal/audit"
	"github.com/nerrad567/tag-gateway/internal/credential"
	"github.com/nerrad567/tag-gateway/internal/device"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/config"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/database"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/tag-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/tag-gateway/internal/live"
	"github.com/nerrad567/tag-gateway/internal/metrics"
	"github.com/nerrad567/tag-gateway/internal/notify"
	"github.com/nerrad567/tag-gateway/internal/provisioning"
	"github.com/nerrad567/tag-gateway/internal/registration"
	"github.com/nerrad567/tag-gateway/internal/telemetry"
)

// drainTimeout bounds how long shutdown waits for in-flight registrations
// and their notifications.
const drainTimeout = 30 * time.Second

// mockMasterKey stands in for the group key when the mock authority is used
// without one. Credentials derived from it are never sent anywhere real.
var mockMasterKey = base64.StdEncoding.EncodeToString([]byte("taggateway-mock-authority"))

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting tag gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

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
	db, err := database.Open(database.FromConfig(cfg.Database))
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

	m := metrics.New()

	router := live.NewRouter(nil)
	router.SetLogger(log)
	router.SetMetrics(m)
	router.SetMaxLatest(cfg.WebSocket.LatestCache)

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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	store, readings := buildTelemetryStore(cfg, db, influxClient)
	ingest := telemetry.NewPath(router, store, config.Seconds(cfg.Telemetry.StoreTimeout))
	ingest.SetLogger(log)
	ingest.SetMetrics(m)
	log.Info("telemetry ingest ready", "sink", cfg.Telemetry.Sink)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
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
	)

	// #nosec G115 -- QoS validated to 0..2 by config.Validate
	qos := byte(cfg.MQTT.QoS)
	invoker := mqtt.NewMethodInvoker(mqttClient, mqttClient.Topics(), qos)
	if startErr := invoker.Start(); startErr != nil {
		return fmt.Errorf("starting method invoker: %w", startErr)
	}
	defer func() {
		if stopErr := invoker.Stop(); stopErr != nil {
			log.Warn("error stopping method invoker", "error", stopErr)
		}
	}()

	sender := notify.NewSender(
		notify.NewMethodTransport(invoker, cfg.Notification.Module, cfg.Notification.Method),
		notify.Policy{
			ResponseTimeout: config.Seconds(cfg.Notification.ResponseTimeout),
			MaxAttempts:     cfg.Notification.MaxAttempts,
			InitialBackoff:  config.Millis(cfg.Notification.InitialBackoff),
			MaxBackoff:      config.Millis(cfg.Notification.MaxBackoff),
		},
	)
	sender.SetLogger(log)
	sender.SetMetrics(m)

	provisioner, deriver, err := buildProvisioner(cfg, log)
	if err != nil {
		return err
	}

	repo := device.NewSQLiteRepository(db.DB)
	attempts := audit.NewSQLiteRepository(db.DB)
	storeTimeout := config.Seconds(cfg.Registration.StoreTimeout)
	orchestrator, err := registration.New(registration.Deps{
		Checker:      device.NewAvailabilityChecker(repo, storeTimeout),
		Provisioner:  provisioner,
		Binder:       repo,
		Deriver:      deriver,
		Notifier:     sender,
		Recorder:     attempts,
		StoreTimeout: storeTimeout,
		Retry: registration.RetryPolicy{
			MaxAttempts:    cfg.Registration.ProvisionAttempts,
			InitialBackoff: config.Millis(cfg.Registration.ProvisionBackoff),
			MaxBackoff:     config.Millis(cfg.Registration.ProvisionMaxBackoff),
		},
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("creating registration orchestrator: %w", err)
	}
	// Runs before the MQTT and database closes deferred above.
	defer drain(log, orchestrator, sender)

	uplinks := &uplinkHandler{
		ctx:           ctx,
		telemetry:     ingest,
		registrations: orchestrator,
		logger:        log,
	}
	if subErr := mqttClient.Subscribe(mqttClient.Topics().UplinkTelemetry(), qos, uplinks.handleTelemetry); subErr != nil {
		return fmt.Errorf("subscribing to telemetry uplink: %w", subErr)
	}
	if subErr := mqttClient.Subscribe(mqttClient.Topics().UplinkRegistration(), qos, uplinks.handleRegistration); subErr != nil {
		return fmt.Errorf("subscribing to registration uplink: %w", subErr)
	}
	log.Info("MQTT uplinks subscribed",
		"telemetry", mqttClient.Topics().UplinkTelemetry(),
		"registration", mqttClient.Topics().UplinkRegistration(),
	)

	apiServer, err := api.New(api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log,
		Telemetry:     ingest,
		Registrations: orchestrator,
		Router:        router,
		Devices:       repo,
		Readings:      readings,
		Attempts:      attempts,
		DB:            db,
		MQTT:          mqttClient,
		Metrics:       m,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (stops new webhook work)
	// 2. Registration orchestrator and notification sender drain
	// 3. Method invoker, then MQTT
	// 4. InfluxDB (if enabled)
	// 5. Database

	return nil
}

// buildTelemetryStore picks the append target for readings. Only the SQLite
// store can also serve recent readings back; readings is nil otherwise.
func buildTelemetryStore(cfg *config.Config, db *database.DB, influxClient *influxdb.Client) (telemetry.Store, api.ReadingLister) {
	if cfg.Telemetry.Sink == config.SinkInfluxDB && influxClient != nil {
		return telemetry.NewInfluxStore(influxClient), nil
	}
	s := telemetry.NewSQLiteStore(db.DB)
	return s, s
}

// buildProvisioner returns the authority client and credential deriver
// selected by configuration.
func buildProvisioner(cfg *config.Config, log *logging.Logger) (*provisioning.Client, *credential.Deriver, error) {
	key := cfg.Provisioning.PrimaryKey
	if cfg.Provisioning.Mock && key == "" {
		key = mockMasterKey
	}
	deriver, err := credential.NewDeriver(key)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing provisioning primary key: %w", err)
	}

	var authority provisioning.Authority
	if cfg.Provisioning.Mock {
		log.Warn("provisioning authority is mocked; devices are not really provisioned")
		authority = provisioning.NewMockAuthority("")
	} else {
		authority = provisioning.NewHTTPAuthority(provisioning.HTTPConfig{
			Host:         cfg.Provisioning.Host,
			IDScope:      cfg.Provisioning.IDScope,
			HubScheme:    cfg.Provisioning.HubScheme,
			APIVersion:   cfg.Provisioning.APIVersion,
			PollInterval: config.Millis(cfg.Provisioning.PollInterval),
			MaxPolls:     cfg.Provisioning.MaxPolls,
		})
		log.Info("provisioning authority configured",
			"host", cfg.Provisioning.Host,
			"id_scope", cfg.Provisioning.IDScope,
		)
	}

	client := provisioning.NewClient(authority, provisioning.Timeouts{
		Request: config.Seconds(cfg.Provisioning.RequestTimeout),
		Connect: config.Seconds(cfg.Provisioning.ConnectTimeout),
		State:   config.Seconds(cfg.Provisioning.StateTimeout),
	})
	client.SetLogger(log)
	return client, deriver, nil
}

// drain waits for in-flight registrations to finish and for their
// notifications to be delivered, bounded by drainTimeout overall.
func drain(log *logging.Logger, orchestrator *registration.Orchestrator, sender *notify.Sender) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	log.Info("draining registrations")
	if err := orchestrator.Shutdown(ctx); err != nil {
		log.Warn("registrations still running at shutdown", "error", err)
	}
	if err := sender.Close(ctx); err != nil {
		log.Warn("notifications abandoned at shutdown", "error", err)
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
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
