// Copyright 2025 The kegwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/kegwatch/aggregator"
	"github.com/alwitt/kegwatch/apis"
	"github.com/alwitt/kegwatch/common"
	"github.com/alwitt/kegwatch/core"
	"github.com/alwitt/kegwatch/hub"
	"github.com/alwitt/kegwatch/ingest"
	"github.com/alwitt/kegwatch/metrics"
	"github.com/alwitt/kegwatch/presentation"
	"github.com/alwitt/kegwatch/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServerCLIArgs arguments
type ServerCLIArgs struct {
	// ServerPort overrides the configured listen port when set
	ServerPort int `validate:"omitempty,gt=0,lt=65536"`
	// InventoryFile overrides the configured inventory file when set
	InventoryFile string `validate:"omitempty,file"`
}

// GetServerCLIFlags retrieve the set of CMD flags for the telemetry server
func GetServerCLIFlags(args *ServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "server-port",
			Usage:       "Telemetry server port. Overrides the config file.",
			Aliases:     []string{"sp"},
			EnvVars:     []string{"KEGWATCH_SERVER_PORT"},
			Value:       0,
			DefaultText: "from config",
			Destination: &args.ServerPort,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "inventory-file",
			Usage:       "Tap inventory YAML file. Overrides the config file.",
			Aliases:     []string{"inv"},
			EnvVars:     []string{"KEGWATCH_INVENTORY_FILE"},
			Value:       "",
			DefaultText: "from config",
			Destination: &args.InventoryFile,
			Required:    false,
		},
	}
}

// defineTapStore build the configured tap store
func defineTapStore(config common.StorageConfig) (storage.TapStore, error) {
	switch config.Type {
	case "memory":
		return storage.GetInMemoryTapStore()
	case "bolt":
		return storage.GetBoltTapStore(config.BoltPath, time.Second*time.Duration(config.OpenTimeout))
	default:
		return nil, fmt.Errorf("unsupported tap store type '%s'", config.Type)
	}
}

// seedInventory load the inventory file into the store, returning the device bindings
func seedInventory(
	ctxt context.Context, store storage.TapStore, inventoryFile string, logTags log.Fields,
) (map[string]int64, error) {
	if inventoryFile == "" {
		log.WithFields(logTags).Warn("No tap inventory given, only previously stored taps are known")
		return map[string]int64{}, nil
	}
	inv, err := storage.LoadInventory(inventoryFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to load inventory %s", inventoryFile)
		return nil, err
	}
	if _, err := storage.SeedTapStore(ctxt, store, inv); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to seed tap store")
		return nil, err
	}
	return inv.DeviceBindings(), nil
}

// RunTelemetryServer run the telemetry server
func RunTelemetryServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	params ServerCLIArgs,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "telemetry-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}
	if params.ServerPort > 0 {
		config.HTTP.Server.Port = uint16(params.ServerPort)
	}
	if params.InventoryFile != "" {
		config.Ingest.InventoryFile = params.InventoryFile
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Tap state

	store, err := defineTapStore(config.Storage)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tap store")
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Tap store close failed")
		}
	}()

	bindings, err := seedInventory(localCtxt, store, config.Ingest.InventoryFile, logTags)
	if err != nil {
		return err
	}

	broadcast, err := hub.GetBroadcastHub(localCtxt, hub.Params{
		SessionBuffer: config.Hub.SessionBuffer,
		IdleTimeout:   time.Second * time.Duration(config.Hub.IdleTimeout),
		PruneInterval: time.Second * time.Duration(config.Hub.PruneInterval),
		StatsInterval: time.Second * time.Duration(config.Hub.StatsInterval),
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast hub")
		return err
	}

	taps, err := aggregator.GetTapStateAggregator(
		localCtxt,
		aggregator.Params{
			LowKegThreshold: config.Telemetry.LowKegThreshold,
			Workers:         config.Telemetry.Workers,
			TaskBuffer:      config.Telemetry.TaskBuffer,
		},
		store,
		func(delta common.TapStateDelta) {
			broadcast.Publish(delta)
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tap state aggregator")
		return err
	}
	if err := taps.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start tap state aggregator")
		return err
	}
	defer func() {
		_ = taps.Stop()
	}()

	if err := broadcast.Start(func() common.PipelineStats {
		stats := taps.Stats()
		return common.PipelineStats{TapCount: stats.TapCount, LowKegCount: stats.LowKegCount}
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcast hub")
		return err
	}
	defer func() {
		_ = broadcast.Stop()
	}()

	// -------------------------------------------------------------------
	// Ingest

	deviceTZ, err := common.LoadLocation(config.Ingest.DeviceTimezone)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unknown device timezone %s", config.Ingest.DeviceTimezone)
		return err
	}
	displayTZ, err := common.LoadLocation(config.Dashboard.DisplayTimezone)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unknown display timezone %s", config.Dashboard.DisplayTimezone)
		return err
	}

	ingestor, err := ingest.GetEventIngestor(
		taps, bindings, deviceTZ, time.Millisecond*time.Duration(config.Telemetry.ApplyTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event ingestor")
		return err
	}

	var natsClient *core.NatsClient
	if config.NATS.Enabled {
		client, err := core.GetNATSClientFromConfig(config.NATS)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to connect to NATS at %s", config.NATS.ServerURI)
			return err
		}
		natsClient = &client
		defer func() {
			flushCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(flushCtxt)
		}()
		subscriber, err := ingest.GetNATSSubscriber(
			localCtxt, natsClient, ingestor, config.NATS.PourSubject, config.NATS.KegChangeSubject,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS subscriber")
			return err
		}
		if err := subscriber.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS subscriber")
			return err
		}
		defer func() {
			_ = subscriber.Stop()
		}()
	}

	if config.MQTT.Enabled {
		subscriber, err := ingest.GetMQTTSubscriber(localCtxt, ingest.MQTTParams{
			BrokerURI:      config.MQTT.BrokerURI,
			ClientID:       config.MQTT.ClientID,
			ConnectTimeout: time.Second * time.Duration(config.MQTT.ConnectTimeout),
			QoS:            byte(config.MQTT.QoS),
			PourTopic:      config.MQTT.PourTopic,
			KegChangeTopic: config.MQTT.KegChangeTopic,
		}, ingestor)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define MQTT subscriber")
			return err
		}
		if err := subscriber.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start MQTT subscriber")
			return err
		}
		defer func() {
			_ = subscriber.Stop()
		}()
	}

	readiness := func() error {
		if natsClient != nil && natsClient.Conn().Status() != nats.CONNECTED {
			return fmt.Errorf("NATS connection is %s", natsClient.Conn().Status())
		}
		return nil
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	telemetryHandler, err := apis.GetAPIRestTelemetryHandler(
		ingestor,
		taps,
		&config.HTTP,
		config.Ingest.WebhookToken,
		presentation.OptionsFromThreshold(displayTZ, config.Telemetry.LowKegThreshold),
		readiness,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define telemetry HTTP handler")
		return err
	}
	liveHandler, err := apis.GetAPIRestLiveHandler(localCtxt, broadcast, taps, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.HTTP.Endpoints.PathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1", nil)

	// Device telemetry
	_ = apis.RegisterPathPrefix(v1Router, "/telemetry/pour", apis.MethodHandlers{
		"post": telemetryHandler.ReceivePourHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/telemetry/keg-change", apis.MethodHandlers{
		"post": telemetryHandler.ReceiveKegChangeHandler(),
	})

	// Tap snapshots
	_ = apis.RegisterPathPrefix(v1Router, "/taps", apis.MethodHandlers{
		"get": telemetryHandler.GetAllTapsHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/taps/{tapID}", apis.MethodHandlers{
		"get": telemetryHandler.GetTapHandler(),
	})

	// Live channel
	_ = apis.RegisterPathPrefix(v1Router, "/live", apis.MethodHandlers{
		"get": liveHandler.LiveHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", apis.MethodHandlers{
		"get": telemetryHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", apis.MethodHandlers{
		"get": telemetryHandler.ReadyHandler(),
	})

	// Metrics
	mainRouter.Path("/metrics").Methods("GET").Handler(metrics.Handler())

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(telemetryHandler, next)
	})

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverListen := fmt.Sprintf("%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
