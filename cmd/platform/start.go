// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/DataDog/iot-platform/pkg/alerting"
	"github.com/DataDog/iot-platform/pkg/api"
	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/controlplane"
	"github.com/DataDog/iot-platform/pkg/delivery"
	"github.com/DataDog/iot-platform/pkg/devicestate"
	"github.com/DataDog/iot-platform/pkg/ingest"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/mqttclient"
	"github.com/DataDog/iot-platform/pkg/registry"
	"github.com/DataDog/iot-platform/pkg/routing"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/streaming"
	"github.com/DataDog/iot-platform/pkg/timeseries"
	"github.com/DataDog/iot-platform/pkg/util/log"
	"github.com/DataDog/iot-platform/pkg/version"
)

// submitTimeout bounds how long a broker message waits for a pipeline lane
// before it is dropped. The broker redelivers QoS 1 messages we never ack.
const submitTimeout = 5 * time.Second

func start(cmd *cobra.Command, args []string) error {
	// Main context passed to components
	mainCtx, mainCtxCancel := context.WithCancel(context.Background())
	defer mainCtxCancel() // Calling cancel twice is safe

	cfg := config.Platform
	if confPath != "" {
		cfg.SetConfigFile(confPath)
		if err := cfg.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading config file %s", confPath)
		}
	} else {
		log.Infof("no config file given, configuration comes from the environment")
	}

	if err := log.SetupLogger(cfg.GetString("log_level"), cfg.GetString("log_file")); err != nil {
		return errors.Wrap(err, "logger setup")
	}
	defer log.Flush()

	clk := clock.New()

	db, err := storage.Connect(mainCtx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	store := storage.NewPostgres(db)
	tsStore := timeseries.NewPostgresStore(db.Pool())

	verifier, err := controlplane.NewOIDCVerifier(mainCtx, cfg)
	if err != nil {
		return errors.Wrap(err, "identity provider")
	}

	broker := mqttclient.NewConn(cfg)
	if err := broker.Start(mainCtx); err != nil {
		return err
	}

	// Ingest path: auth cache in front of the registry, validation in the
	// pipeline lanes, batched point writes, rejects into quarantine. The
	// streaming bus and the route engine tap accepted envelopes.
	guard := delivery.NewGuard()
	authCache := registry.NewAuthCache(cfg, &storage.RegistryLookup{DB: db, Store: store}, clk)
	quarantine := ingest.NewQuarantine(store, clk)
	writer := ingest.NewBatchWriter(cfg, tsStore, quarantine, clk)
	tracker := devicestate.NewTracker(cfg, db, store, clk)
	bus := streaming.NewBus(cfg)
	dispatcher := delivery.NewDispatcher(db, store, store, store, store, clk)
	router := routing.NewEngine(cfg, db, store, dispatcher, broker)
	pipeline := ingest.NewPipeline(cfg, authCache, writer, quarantine, tracker, clk, bus, router)

	ruleEngine := alerting.NewEngine(cfg, db, store, store, tsStore, dispatcher, clk)

	httpSender := delivery.NewHTTPSender(cfg, guard)
	senders := map[storage.IntegrationKind]delivery.Sender{
		storage.IntegrationWebhook: httpSender,
		storage.IntegrationEmail:   delivery.NewSMTPSender(guard, clk),
		storage.IntegrationSNMP:    delivery.NewSNMPSender(guard),
		storage.IntegrationMQTT:    delivery.NewMQTTSender(broker),
	}
	pool := delivery.NewPool(cfg, db, store, store, senders, clk)
	janitor := delivery.NewJanitor(cfg, db, store, store, clk)

	control := controlplane.NewService(controlplane.Deps{
		Scopes:       db,
		Alerts:       store,
		Rules:        store,
		Routes:       store,
		Integrations: store,
		Devices:      store,
		Jobs:         store,
		DeadLetters:  store,
		Quarantine:   store,
		Audit:        store,
		Guard:        guard,
		Replayer:     dispatcher,
		RouteCache:   router,
		AuthCache:    authCache,
		Liveness:     tracker,
		Probe:        httpSender,
	}, clk)

	server := api.NewServer(cfg, api.Deps{
		Ingest:   pipeline,
		Bus:      bus,
		Control:  control,
		Verifier: verifier,
	}, clk)

	pipeline.Start()
	tracker.Start()
	ruleEngine.Start()
	pool.Start()
	if err := janitor.Start(); err != nil {
		return errors.Wrap(err, "retention janitor")
	}

	qos := byte(cfg.GetInt("mqtt.qos"))
	handler := ingestHandler(pipeline, clk)
	for _, kind := range []message.Kind{message.KindTelemetry, message.KindHeartbeat, message.KindShadow} {
		filter := "tenant/+/device/+/" + string(kind)
		if err := broker.Subscribe(mainCtx, filter, qos, handler); err != nil {
			// The filter is registered; the next reconnect replays it.
			log.Warnf("subscribe to %s not confirmed yet: %v", filter, err)
		}
	}

	if err := server.Start(); err != nil {
		return err
	}

	log.Infof("platform %s up", version.PlatformVersion)

	// Setup a channel to catch OS signals
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	// Block here until we receive the interrupt signal
	<-signalCh

	status := health.GetStatus()
	if len(status.Unhealthy) > 0 {
		log.Warnf("some components were unhealthy at shutdown: %v", status.Unhealthy)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(),
		cfg.GetDuration("shutdown_drain_secs")*time.Second)
	defer drainCancel()

	// Stop intake first, then drain the stages in flow order.
	mainCtxCancel()
	if err := server.Stop(drainCtx); err != nil {
		log.Warnf("API shutdown: %v", err)
	}
	if err := broker.Disconnect(drainCtx); err != nil {
		log.Warnf("broker disconnect: %v", err)
	}
	if err := pipeline.Stop(drainCtx); err != nil {
		log.Warnf("ingest drain: %v", err)
	}
	if err := ruleEngine.Stop(drainCtx); err != nil {
		log.Warnf("rule engine stop: %v", err)
	}
	if err := tracker.Stop(drainCtx); err != nil {
		log.Warnf("device state stop: %v", err)
	}
	if err := janitor.Stop(drainCtx); err != nil {
		log.Warnf("janitor stop: %v", err)
	}
	if err := pool.Stop(drainCtx); err != nil {
		log.Warnf("delivery drain: %v", err)
	}

	log.Info("See ya!")
	return nil
}

// ingestHandler adapts broker messages to pipeline submissions. Malformed
// topics are dropped here; everything else is judged inside the pipeline so
// rejects land in quarantine with a reason code.
func ingestHandler(pipeline *ingest.Pipeline, clk clock.Clock) mqttclient.Handler {
	return func(topic string, payload []byte) {
		tenantID, deviceID, ok := deviceTopic(topic)
		if !ok {
			log.Debugf("ignoring message on unrecognized topic %q", topic)
			return
		}
		in := &ingest.Inbound{
			TenantID:   tenantID,
			DeviceID:   deviceID,
			Kind:       message.KindFromTopic(topic),
			Topic:      topic,
			Raw:        payload,
			ReceivedAt: clk.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		if err := pipeline.Submit(ctx, in); err != nil {
			log.Warnf("dropping message from %s/%s: %v", tenantID, deviceID, err)
		}
	}
}

// deviceTopic splits "tenant/{tenantId}/device/{deviceId}/{kind}" into its
// identifying parts.
func deviceTopic(topic string) (tenantID, deviceID string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "tenant" || parts[2] != "device" {
		return "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
