// Copyright 2021-2022 The httppush Authors
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

	"github.com/alwitt/httppush/apis"
	"github.com/alwitt/httppush/common"
	"github.com/alwitt/httppush/core"
	"github.com/alwitt/httppush/dataplane"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineHTTPServer helper function to define a h2c capable HTTP server
func defineHTTPServer(config common.HTTPServerConfig, router *mux.Router) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
}

// startHTTPServer helper function to run a HTTP server in the background
func startHTTPServer(httpSrv *http.Server, logTags log.Fields, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()
	log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)
}

// stopHTTPServer helper function to stop a HTTP server
func stopHTTPServer(httpSrv *http.Server, logTags log.Fields) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
	}
}

// RunPushServer run the live connection push server
//
// The NATS client is only needed when the event intake is enabled.
func RunPushServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "push-server",
		"instance":  instance,
	}

	if config.Dataplane == nil {
		return fmt.Errorf("push server can't start without its dataplane configurations")
	}
	if config.Push.Intake.Enabled && natsClient == nil {
		return fmt.Errorf("push event intake requires a NATS client")
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Core push components

	registry, err := dataplane.GetConnectionRegistry[string](instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	dispatcher, err := dataplane.GetEventDispatcher(registry, dataplane.EventDispatcherParams{
		ConnectAckEvent:      config.Push.Stream.ConnectAckEvent,
		SendTimeout:          config.Push.SendTimeout(),
		BroadcastParallelism: config.Push.Stream.BroadcastParallelism,
	}, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event dispatcher")
		return err
	}

	heartbeat, err := dataplane.GetHeartbeatScheduler(localCtxt, dispatcher, dataplane.HeartbeatParams{
		EventName:         config.Push.Heartbeat.EventName,
		Marker:            config.Push.Heartbeat.Marker,
		HeartbeatInterval: config.Push.HeartbeatInterval(),
		StatsInterval:     config.Push.StatsInterval(),
	}, instance, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat scheduler")
		return err
	}
	if err := heartbeat.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat scheduler")
		return err
	}
	defer func() {
		if err := heartbeat.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop heartbeat scheduler")
		}
	}()

	// -------------------------------------------------------------------
	// Event intake

	if config.Push.Intake.Enabled {
		processor, err := common.GetNewTaskProcessorInstance(
			localCtxt,
			fmt.Sprintf("%s.intake", instance),
			config.Push.Intake.TaskBuffer,
			config.Push.Intake.Workers,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define intake task processor")
			return err
		}
		intake, err := dataplane.GetEventIntake(
			localCtxt,
			natsClient,
			dataplane.EventIntakeParams{
				Subject:    config.Push.Intake.Subject,
				QueueGroup: config.Push.Intake.QueueGroup,
			},
			processor,
			dispatcher,
			instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event intake")
			return err
		}
		if err := processor.StartEventLoop(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start intake task processor")
			return err
		}
		defer func() {
			_ = processor.StopEventLoop()
		}()
		if err := intake.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event intake")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Dataplane HTTP server

	dataplaneHandler, err := apis.GetAPIRestPushDataplaneHandler(
		localCtxt,
		dispatcher,
		natsClient,
		apis.PushStreamParams{
			StreamTimeout: config.Push.StreamTimeout(),
			SendTimeout:   config.Push.SendTimeout(),
		},
		&config.Dataplane.HTTPSetting,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dataplane HTTP handler")
		return err
	}
	dataplaneRouter := mux.NewRouter()
	_ = apis.DefineDataplaneRoutes(
		dataplaneRouter, config.Dataplane.Endpoints.PathPrefix, dataplaneHandler,
	)
	dataplaneSrv := defineHTTPServer(config.Dataplane.HTTPSetting.Server, dataplaneRouter)
	// Cancel runtime context on shutdown, to end the live streams
	dataplaneSrv.RegisterOnShutdown(lclCancel)
	dataplaneLogTags := common.Component{LogTags: logTags}.CopyLogTags(
		log.Fields{"server": "dataplane"},
	)
	startHTTPServer(dataplaneSrv, dataplaneLogTags, wg)

	// -------------------------------------------------------------------
	// Management HTTP server

	var managementSrv *http.Server
	if config.Management != nil {
		managementHandler, err := apis.GetAPIRestPushManagementHandler(
			localCtxt, registry, &config.Management.HTTPSetting,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define management HTTP handler")
			stopHTTPServer(dataplaneSrv, dataplaneLogTags)
			return err
		}
		managementRouter := mux.NewRouter()
		_ = apis.DefineManagementRoutes(
			managementRouter, config.Management.Endpoints.PathPrefix, managementHandler,
		)
		managementSrv = defineHTTPServer(config.Management.HTTPSetting.Server, managementRouter)
		startHTTPServer(
			managementSrv,
			common.Component{LogTags: logTags}.CopyLogTags(log.Fields{"server": "management"}),
			wg,
		)
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Live streams end with the local context; they must end before the dataplane
	// server shutdown can complete.
	lclCancel()
	stopHTTPServer(dataplaneSrv, dataplaneLogTags)
	if managementSrv != nil {
		stopHTTPServer(
			managementSrv,
			common.Component{LogTags: logTags}.CopyLogTags(log.Fields{"server": "management"}),
		)
	}

	stats := dispatcher.Stats()
	log.WithFields(logTags).Infof(
		"Push server stopped. %d connections opened since start", stats.TotalOpened,
	)
	return nil
}
