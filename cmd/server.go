// Copyright 2022 The rostercast Authors
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

// Package cmd implements the rostercast server runners
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/rostercast/apis"
	"github.com/alwitt/rostercast/common"
	"github.com/alwitt/rostercast/datasource"
	"github.com/alwitt/rostercast/membership"
	"github.com/alwitt/rostercast/metrics"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// streamBufferDepth number of snapshots a streaming client may fall behind by
const streamBufferDepth = 32

// defineMetricsRegistry define the registry holding the server metrics
func defineMetricsRegistry() (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	); err != nil {
		return nil, err
	}
	return registry, nil
}

// RunRosterServer run the rostercast server
//
// The datasource must already be connected. The server stops when runTimeContext is
// cancelled.
func RunRosterServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	source datasource.Datasource,
	ready apis.ReadinessCheck,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	registry, err := defineMetricsRegistry()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics registry")
		return err
	}
	cacheMetrics, err := metrics.GetCacheMetrics(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define cache metrics")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	cache, err := membership.GetDestinationMembershipCache(
		localCtxt, wg, source, membership.CacheParams{
			EventBuffer:   config.Cache.EventBuffer,
			AutoRelease:   config.Cache.AutoRelease,
			ReleaseLinger: time.Second * time.Duration(config.Cache.ReleaseLinger),
		}, cacheMetrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define membership cache")
		return err
	}

	membershipHandler, err := apis.GetAPIRestMembershipHandler(
		localCtxt, cache, &config.HTTPSetting, ready, streamBufferDepth,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define membership HTTP handler")
		return err
	}
	adminHandler, err := apis.GetAPIRestDestinationAdminHandler(source, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define admin HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	if config.Metrics.Enabled {
		_ = apis.RegisterPathPrefix(router, config.Metrics.Path, map[string]http.HandlerFunc{
			"get": promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP,
		})
	}
	_ = apis.RegisterRoutes(router, config.Endpoints.PathPrefix, membershipHandler, &adminHandler)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
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
