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

// Package metrics holds the Prometheus instrumentation of the membership cache.
package metrics

import (
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rostercast"
	subsystem = "membership"
)

// RemovalReason why a destination left the membership cache
type RemovalReason string

const (
	// RemovalExplicit released by an explicit request
	RemovalExplicit RemovalReason = "explicit"
	// RemovalIdle released after the last subscriber left
	RemovalIdle RemovalReason = "idle"
	// RemovalEnded the datasource reported the destination ended
	RemovalEnded RemovalReason = "ended"
	// RemovalFailed the destination could not be resolved
	RemovalFailed RemovalReason = "failed"
)

// CacheMetrics records membership cache activity
type CacheMetrics interface {
	// DestinationCached a new destination entered the cache
	DestinationCached()
	// DestinationRemoved a destination left the cache
	DestinationRemoved(reason RemovalReason)
	// SubscribersChanged the number of active subscribers changed by delta
	SubscribersChanged(delta int)
	// RosterUpdated a roster update was processed
	RosterUpdated()
	// ResolutionFailed a destination could not be resolved
	ResolutionFailed()
}

// cacheMetricsImpl implements CacheMetrics
type cacheMetricsImpl struct {
	cachedDestinations prometheus.Gauge
	subscribers        prometheus.Gauge
	rosterUpdates      prometheus.Counter
	resolutionFailures prometheus.Counter
	released           *prometheus.CounterVec
}

// GetCacheMetrics define the membership cache metrics, and register them with registerer
func GetCacheMetrics(registerer prometheus.Registerer) (CacheMetrics, error) {
	logTags := log.Fields{"module": "metrics", "component": "membership-cache"}
	instance := &cacheMetricsImpl{
		cachedDestinations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cached_destinations",
			Help:      "Number of destinations currently held by the membership cache",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers",
			Help:      "Number of active membership stream subscribers",
		}),
		rosterUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "roster_updates_total",
			Help:      "Number of roster updates processed",
		}),
		resolutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resolution_failures_total",
			Help:      "Number of destinations which failed to resolve",
		}),
		released: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "released_total",
				Help:      "Number of destinations removed from the membership cache",
			},
			[]string{"reason"},
		),
	}
	for _, collector := range []prometheus.Collector{
		instance.cachedDestinations,
		instance.subscribers,
		instance.rosterUpdates,
		instance.resolutionFailures,
		instance.released,
	} {
		if err := registerer.Register(collector); err != nil {
			log.WithError(err).WithFields(logTags).Error("Metric registration failed")
			return nil, err
		}
	}
	return instance, nil
}

func (m *cacheMetricsImpl) DestinationCached() {
	m.cachedDestinations.Inc()
}

func (m *cacheMetricsImpl) DestinationRemoved(reason RemovalReason) {
	m.cachedDestinations.Dec()
	m.released.WithLabelValues(string(reason)).Inc()
}

func (m *cacheMetricsImpl) SubscribersChanged(delta int) {
	m.subscribers.Add(float64(delta))
}

func (m *cacheMetricsImpl) RosterUpdated() {
	m.rosterUpdates.Inc()
}

func (m *cacheMetricsImpl) ResolutionFailed() {
	m.resolutionFailures.Inc()
}
