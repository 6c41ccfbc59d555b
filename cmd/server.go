// Copyright 2024 The eventhub Authors
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

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/liveprompt/eventhub/apis"
	"github.com/liveprompt/eventhub/auth"
	"github.com/liveprompt/eventhub/common"
	"github.com/liveprompt/eventhub/core"
	"github.com/liveprompt/eventhub/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// metricsNamespace is the namespace of the exported metrics
const metricsNamespace = "eventhub"

// defineHubs define and start the event hubs
func defineHubs(
	runTimeContext context.Context,
	config *common.SystemConfig,
	metrics *events.Metrics,
	wg *sync.WaitGroup,
) (map[string]*events.Hub, error) {
	webhook, err := events.NewHub(
		runTimeContext,
		events.HubWebhook,
		events.NewRegistry(events.HubWebhook, metrics),
		nil,
		config.Stream.SubmitBuffer,
	)
	if err != nil {
		return nil, err
	}

	buffer, err := events.NewSessionBuffer(
		events.HubTranscript,
		config.TranscriptBuffer.Capacity,
		config.TranscriptBuffer.MaxSessions,
		metrics,
	)
	if err != nil {
		return nil, err
	}
	transcript, err := events.NewHub(
		runTimeContext,
		events.HubTranscript,
		events.NewRegistry(events.HubTranscript, metrics),
		buffer,
		config.Stream.SubmitBuffer,
	)
	if err != nil {
		return nil, err
	}

	hubs := map[string]*events.Hub{
		events.HubWebhook:    webhook,
		events.HubTranscript: transcript,
	}
	for _, hub := range hubs {
		if err := hub.Start(wg); err != nil {
			return nil, err
		}
	}
	return hubs, nil
}

// RunEventServer run the event server
//
// natsClient is nil when events are not relayed between instances.
func RunEventServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "event-server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := events.NewMetrics(metricsNamespace, registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define metrics")
		return err
	}

	hubs, err := defineHubs(localCtxt, config, metrics, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define event hubs")
		return err
	}

	authenticator, err := auth.GetJWTAuthenticator(config.Auth.JWTSecret, config.Auth.Audience)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define authenticator")
		return err
	}

	// Relay between instances
	var relay events.RelayPublisher
	if natsClient != nil {
		if config.NATS == nil {
			return fmt.Errorf("event relay requires NATS configurations")
		}
		relay, err = events.GetNATSRelayPublisher(natsClient, config.NATS.SubjectPrefix, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define relay publisher")
			return err
		}
		receiver, err := events.GetNATSRelayReceiver(
			localCtxt, natsClient, config.NATS.SubjectPrefix, instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define relay receiver")
			return err
		}
		if err := receiver.Subscribe(wg, func(ctxt context.Context, hubName string, event events.Event) {
			hub, ok := hubs[hubName]
			if !ok {
				log.WithFields(logTags).Errorf("Relayed event %s for unknown hub %s", event, hubName)
				return
			}
			if err := hub.Submit(ctxt, event); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to submit relayed event %s", event)
			}
		}); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start relay receiver")
			return err
		}
	}

	httpHandler, err := apis.GetAPIRestEventHandler(localCtxt, apis.EventHandlerParams{
		HTTPConfig:    &config.HTTPSetting,
		StreamConfig:  config.Stream,
		Hubs:          hubs,
		Authenticator: authenticator,
		Relay:         relay,
		NATSClient:    natsClient,
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)
	httpHandler.DefineRoutes(mainRouter)
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", apis.MethodHandlers{
		"get": promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP,
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown, which also ends the open streams
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

	for _, hub := range hubs {
		_ = hub.Stop()
	}

	return nil
}
