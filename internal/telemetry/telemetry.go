// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry is the Prometheus metrics registry for the core. It is
// adapted from internal/ratelimiter/telemetry/churn: the same "global-only,
// no unbounded label cardinality" discipline, the same MustRegister-in-init
// eagerness, and the same opt-in standalone /metrics server, but the gauges
// and counters now describe the request-execution pipeline (workers,
// connections, backend pools, the fetch and stat caches, throttling) instead
// of rate-limiter write-reduction.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vhttpd_connections_open",
		Help: "Open client connections per worker.",
	}, []string{"worker"})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_requests_total",
		Help: "Completed requests by status class.",
	}, []string{"status_class"})

	JobQueueGenerations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_jobqueue_generations_total",
		Help: "JobQueue generations run per worker.",
	}, []string{"worker"})

	JobQueueDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_jobqueue_deferred_total",
		Help: "Jobs deferred to the next generation because they re-enqueued themselves mid-generation.",
	}, []string{"worker"})

	BackendPoolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vhttpd_backend_pool_idle",
		Help: "Idle backend connections per pool per worker.",
	}, []string{"pool", "worker"})

	BackendPoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vhttpd_backend_pool_in_use",
		Help: "In-use backend connections per pool per worker.",
	}, []string{"pool", "worker"})

	BackendPoolPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vhttpd_backend_pool_pending",
		Help: "Pending (connecting) backend connections per pool per worker.",
	}, []string{"pool", "worker"})

	BackendPoolWaiters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vhttpd_backend_pool_waiters",
		Help: "VRequests queued waiting for a backend connection.",
	}, []string{"pool"})

	BackendPoolDisabled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vhttpd_backend_pool_disabled",
		Help: "1 if the pool is in its fail-fast disabled window, else 0.",
	}, []string{"pool"})

	FetchCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_fetch_cache_hits_total",
		Help: "Fetch cache lookups served without a backend call.",
	}, []string{"cache"})

	FetchCacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_fetch_cache_misses_total",
		Help: "Fetch cache lookups that triggered a backend lookup.",
	}, []string{"cache"})

	FetchCacheSingleFlight = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_fetch_cache_joined_total",
		Help: "Fetch cache lookups that joined an in-flight lookup instead of starting a new one.",
	}, []string{"cache"})

	StatCacheAge = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vhttpd_stat_cache_entry_age_seconds",
		Help:    "Age of stat cache entries when the refresh loop re-stats them.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	ThrottleWaitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_throttle_waits_total",
		Help: "Times a stream was paused waiting for the token bucket to refill.",
	}, []string{"state"})

	ResourceGuardTripped = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vhttpd_resource_guard_tripped",
		Help: "1 while a worker's resource guard is refusing new accepts, else 0.",
	}, []string{"worker"})

	ResourceGuardRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vhttpd_resource_guard_rejections_total",
		Help: "Accepted connections closed because the resource guard was tripped.",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpen, RequestsTotal, JobQueueGenerations, JobQueueDeferred,
		BackendPoolIdle, BackendPoolInUse, BackendPoolPending, BackendPoolWaiters, BackendPoolDisabled,
		FetchCacheHits, FetchCacheMisses, FetchCacheSingleFlight,
		StatCacheAge, ThrottleWaitsTotal,
		ResourceGuardTripped, ResourceGuardRejections,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns the promhttp handler to mount on an admin/debug mux.
func Handler() http.Handler { return promhttp.Handler() }
