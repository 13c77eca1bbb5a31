// Copyright 2024 The wsfanout Authors
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

	"github.com/alwitt/wsfanout/apis"
	"github.com/alwitt/wsfanout/common"
	"github.com/alwitt/wsfanout/core"
	"github.com/alwitt/wsfanout/dataplane"
	"github.com/alwitt/wsfanout/dispatch"
	"github.com/alwitt/wsfanout/storage"
	"github.com/alwitt/wsfanout/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// lateBoundTransport breaks the construction cycle between the websocket hub and
// the dispatcher. The hub needs the dispatcher for inbound frames, the dispatcher
// needs the hub for pushes; the transport is bound once the hub exists, before any
// connection attaches.
type lateBoundTransport struct {
	hub dataplane.WebsocketHub
}

func (t *lateBoundTransport) Push(
	ctxt context.Context, connectionID string, payload []byte,
) error {
	return t.hub.Push(ctxt, connectionID, payload)
}

// RunFanoutServer run the fan-out server
func RunFanoutServer(
	runTimeContext context.Context,
	instance string,
	configs common.SystemConfig,
	natsClient core.NatsClient,
	store storage.KeyValueStore,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "fanout-server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Subscription registry components

	filterConfig := subscription.ConfigFromTopicDeclarations(configs.Topics)
	recordTTL := time.Duration(configs.Registry.RecordTTL) * time.Second

	connections, err := subscription.DefineConnectionStore(store, recordTTL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection store")
		return err
	}
	registry, err := subscription.DefineSubscriptionRegistry(store, filterConfig, recordTTL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}
	reaper, err := subscription.DefineConnectionReaper(store, filterConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection reaper")
		return err
	}

	// Every declared topic resolves to the passthrough stream
	resolver := core.GetTopicRunnerMap()
	for _, topic := range configs.Topics {
		if err := resolver.RegisterRunner(topic.Path, core.PassthroughRunner); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to register runner for topic %s", topic.Path,
			)
			return err
		}
	}

	// -------------------------------------------------------------------
	// Dataplane components

	transport := &lateBoundTransport{}
	dispatcher, err := dispatch.DefineSubscriptionDispatcher(
		connections, registry, reaper, resolver, transport, nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}
	hub, err := dataplane.GetWebsocketHub(localCtxt, dispatcher)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket hub")
		return err
	}
	transport.hub = hub

	metrics, err := dataplane.NewFanoutMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out metrics")
		return err
	}
	publisher, err := dataplane.DefineFanoutPublisher(
		localCtxt, wg, registry, resolver, reaper, hub, metrics, configs.Fanout,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out publisher")
		return err
	}
	ingress, err := dataplane.GetNatsPublishIngress(
		localCtxt, natsClient, configs.Fanout.IngressSubject, publisher,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach publish ingress")
		return err
	}

	httpHandler, err := apis.GetAPIRestFanoutHandler(
		configs.API.HTTPSetting, hub, publisher, store,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, configs.API.Endpoints.PathPrefix, nil)

	// Client websocket attach
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connect", map[string]http.HandlerFunc{
		"get": httpHandler.ClientConnectHandler(),
	})

	// Message publish
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/topic/{topicName}/publish", map[string]http.HandlerFunc{
			"post": httpHandler.PublishMessageHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": promhttp.Handler().ServeHTTP,
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := configs.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
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

	// Stop the publish ingress
	if err := ingress.Stop(); err != nil {
		log.WithError(err).Error("Failure during publish ingress detach")
	}

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
