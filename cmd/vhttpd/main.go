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

// Package main wires a fleet of internal/worker.Worker event loops into a
// running origin/reverse-proxy server: N cooperative single-threaded
// workers sharing one SO_REUSEPORT listen address (spec §5), a static
// document root, one internal/backend.Pool per configured backend target,
// and the admin/metrics HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"vhttpd/internal/action"
	"vhttpd/internal/admin"
	"vhttpd/internal/backend"
	"vhttpd/internal/collect"
	"vhttpd/internal/config"
	"vhttpd/internal/errs"
	"vhttpd/internal/fetchcache"
	"vhttpd/internal/statcache"
	"vhttpd/internal/telemetry"
	"vhttpd/internal/throttle"
	"vhttpd/internal/worker"
	"vhttpd/internal/xlog"
)

func main() {
	fs := flag.NewFlagSet("vhttpd", flag.ExitOnError)
	cfg, err := config.FromFlags(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("vhttpd: %v", err)
	}
	fmt.Println("vhttpd starting:", cfg.String())

	collector := collect.New()

	logger := xlog.New("vhttpd")
	accessLog, err := xlog.NewFileSink(os.DevNull, time.Second)
	if err != nil {
		log.Fatalf("vhttpd: access log: %v", err)
	}
	defer accessLog.Close()

	prog := buildActions(cfg)

	var ratePool *throttle.Pool
	if cfg.RateBytesPerSec > 0 {
		ratePool = throttle.NewPool(cfg.RateBytesPerSec, cfg.RateBurstBytes, cfg.WorkerCount)
	}

	workers := make([]*worker.Worker, 0, cfg.WorkerCount)
	var wg sync.WaitGroup

	for i := 0; i < cfg.WorkerCount; i++ {
		name := fmt.Sprintf("w%d", i)

		ln, err := worker.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			log.Fatalf("vhttpd: listen %s: %v", cfg.ListenAddr, err)
		}

		sc := statcache.New(time.Second, time.Minute)
		sc.Start(time.Second, 10*time.Second)
		defer sc.Stop()

		pools := buildBackends(cfg)
		caches := buildFetchCaches(cfg, pools)

		var guard *worker.ResourceGuard
		if cfg.MemFloorBytes > 0 {
			guard = worker.NewResourceGuard(name, cfg.MemFloorBytes, cfg.GuardInterval)
			guard.Start()
			defer guard.Stop()
		}

		var th *throttle.State
		if cfg.RateBytesPerSec > 0 {
			th = throttle.NewState(cfg.RateBytesPerSec, cfg.RateBytesPerSec, cfg.RateBurstBytes, ratePool, ratePool, i)
		}

		w := worker.New(worker.Config{
			Name:             name,
			DocRoot:          cfg.DocRoot,
			Actions:          prog,
			StatCache:        sc,
			Backends:         pools,
			FetchCaches:      caches,
			AccessLog:        accessLog,
			Throttle:         th,
			Guard:            guard,
			IOTimeout:        cfg.IOTimeout,
			KeepAliveTimeout: cfg.KeepAliveTimeout,
			Collector:        collector,
		}, ln)
		workers = append(workers, w)

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run()
		}()
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Printf("metrics listening on %s", cfg.MetricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			metricsServer := &http.Server{
				Addr:         cfg.MetricsAddr,
				Handler:      mux,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  120 * time.Second,
			}
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server stopped: %v", err)
			}
		}()
	}
	if cfg.AdminAddr != "" {
		go func() {
			logger.Printf("admin server listening on %s", cfg.AdminAddr)
			srv := admin.NewServer(collector)
			if err := srv.ListenAndServe(cfg.AdminAddr); err != nil {
				logger.Printf("admin server stopped: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("shutting down")
	for _, w := range workers {
		w.Stop()
	}
	wg.Wait()
	logger.Println("stopped")
}

// buildActions constructs the Action program routing any path under
// /api/ to the first configured backend, leaving everything else to fall
// through to static file serving (internal/connection.Connection's default
// when no action sets backend.selected).
func buildActions(cfg *config.Config) []action.Node {
	if len(cfg.Backends) == 0 {
		return nil
	}
	return []action.Node{
		&action.Condition{
			Lvalue: "req.path",
			Op:     action.OpPrefix,
			Rvalue: "/api/",
			Children: []action.Node{
				&action.Setting{Key: "backend.selected", Value: cfg.Backends[0].Name},
			},
		},
	}
}

// buildFetchCaches wires one fetchcache.Database per backend pool, its
// Fetcher closure reconstructing the request from the opaque key via
// fetchcache.ParseFetchKey and issuing it through the same Pool.RoundTrip the
// direct proxy path in internal/connection uses — a cache miss looks exactly
// like an uncached backend request. A zero FetchCacheTTL disables the cache
// entirely (the worker treats a nil map entry as "no cache for this pool").
func buildFetchCaches(cfg *config.Config, pools map[string]*backend.Pool) map[string]*fetchcache.Database {
	if cfg.FetchCacheTTL <= 0 || len(pools) == 0 {
		return nil
	}
	caches := make(map[string]*fetchcache.Database, len(pools))
	for name, pool := range pools {
		pool := pool
		fetch := func(ctx context.Context, key string) (*fetchcache.Entry, error) {
			method, host, uri, ok := fetchcache.ParseFetchKey(key)
			if !ok {
				return nil, errs.New(errs.KindParse, 500, "malformed fetch cache key")
			}
			res, err := pool.RoundTrip(ctx, method, uri, host, nil, nil)
			if err != nil {
				return nil, err
			}
			return &fetchcache.Entry{
				Key:      key,
				Status:   res.Status,
				Header:   res.Header,
				Body:     res.Body,
				StoredAt: time.Now(),
				TTL:      cfg.FetchCacheTTL,
			}, nil
		}
		caches[name] = fetchcache.New(name, fetch, nil, cfg.FetchCacheTTL)
	}
	return caches
}

func buildBackends(cfg *config.Config) map[string]*backend.Pool {
	if len(cfg.Backends) == 0 {
		return nil
	}
	pools := make(map[string]*backend.Pool, len(cfg.Backends))
	for _, bt := range cfg.Backends {
		pool := backend.NewPool(backend.Config{
			Name:           bt.Name,
			Network:        bt.Network,
			Address:        bt.Address,
			Capacity:       bt.Capacity,
			MaxIdleTime:    bt.MaxIdleTime,
			ConnectTimeout: bt.ConnectTimeout,
		}, &net.Dialer{Timeout: bt.ConnectTimeout})
		pools[bt.Name] = pool
	}
	return pools
}
