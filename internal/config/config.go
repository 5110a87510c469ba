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

// Package config builds the Config handle spec.md's core accepts from its
// environment-agnostic caller (spec §6: "CLI and environment are out of
// scope for this specification; the core accepts a configuration handle
// from its environment-agnostic caller"). cmd/vhttpd is that caller, and —
// matching the teacher's own cmd front ends, which use stdlib flag
// exclusively rather than viper/cobra — FromFlags is the only place the
// server's flags are defined; cmd/vhttpd only creates the FlagSet.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// BackendTarget names one origin/upstream a request can be routed to
// (spec §4.7's BackendPool, one per worker per target).
type BackendTarget struct {
	Name           string
	Network        string
	Address        string
	Capacity       int64
	MaxIdleTime    time.Duration
	ConnectTimeout time.Duration
}

// Config is everything cmd/vhttpd needs to build the worker fleet.
type Config struct {
	ListenAddr       string
	WorkerCount      int
	DocRoot          string
	Backends         []BackendTarget
	MetricsAddr      string
	AdminAddr        string
	IOTimeout        time.Duration
	KeepAliveTimeout time.Duration
	MemFloorBytes    uint64
	GuardInterval    time.Duration
	RateBytesPerSec  float64
	RateBurstBytes   int
	FetchCacheTTL    time.Duration
}

// FromFlags parses args (normally os.Args[1:]) into a Config. fs is
// exposed so a caller can register additional flags before FromFlags
// parses them (cmd/vhttpd-bench shares no flags with this, but tests do).
func FromFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	listenAddr := fs.String("listen", ":8080", "address the origin server listens on")
	workerCount := fs.Int("workers", 4, "number of single-threaded cooperative workers")
	docRoot := fs.String("docroot", ".", "document root for static file serving")
	backends := fs.String("backend", "", "comma-separated name=network:address backend pool targets, e.g. api=tcp:127.0.0.1:9000")
	backendCapacity := fs.Int64("backend_capacity", 32, "max connections per backend pool per worker")
	backendMaxIdle := fs.Duration("backend_max_idle", 60*time.Second, "how long an idle backend connection is kept before closing")
	backendConnectTimeout := fs.Duration("backend_connect_timeout", 2*time.Second, "backend dial timeout")
	metricsAddr := fs.String("metrics_addr", ":9090", "address to expose Prometheus /metrics on; empty disables it")
	adminAddr := fs.String("admin_addr", "", "address to expose the /debug aggregate endpoints on; empty disables it")
	ioTimeout := fs.Duration("io_timeout", 30*time.Second, "how long a connection may sit with no read/write progress before it is closed")
	keepAliveTimeout := fs.Duration("keepalive_timeout", 75*time.Second, "how long an idle between-requests connection may stay open")
	memFloorMB := fs.Int64("mem_floor_mb", 0, "refuse new accepts when available memory drops under this many MB; 0 disables the resource guard")
	guardInterval := fs.Duration("guard_interval", 2*time.Second, "how often the resource guard resamples available memory")
	rateBytesPerSec := fs.Float64("rate", 0, "per-connection read/write throttle in bytes/sec; 0 disables throttling")
	rateBurst := fs.Int("burst", 1<<20, "token bucket burst size in bytes for -rate")
	fetchCacheTTL := fs.Duration("fetch_cache_ttl", 0, "how long a cached backend response stays fresh; 0 disables the fetch cache")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	targets, err := parseBackends(*backends, *backendCapacity, *backendMaxIdle, *backendConnectTimeout)
	if err != nil {
		return nil, err
	}

	return &Config{
		ListenAddr:       *listenAddr,
		WorkerCount:      *workerCount,
		DocRoot:          *docRoot,
		Backends:         targets,
		MetricsAddr:      *metricsAddr,
		AdminAddr:        *adminAddr,
		IOTimeout:        *ioTimeout,
		KeepAliveTimeout: *keepAliveTimeout,
		MemFloorBytes:    uint64(*memFloorMB) * 1024 * 1024,
		GuardInterval:    *guardInterval,
		RateBytesPerSec:  *rateBytesPerSec,
		RateBurstBytes:   *rateBurst,
		FetchCacheTTL:    *fetchCacheTTL,
	}, nil
}

func parseBackends(spec string, capacity int64, maxIdle, connectTimeout time.Duration) ([]BackendTarget, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var targets []BackendTarget
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		nameAddr := strings.SplitN(part, "=", 2)
		if len(nameAddr) != 2 {
			return nil, fmt.Errorf("config: invalid -backend entry %q, want name=network:address", part)
		}
		netAddr := strings.SplitN(nameAddr[1], ":", 2)
		if len(netAddr) != 2 {
			return nil, fmt.Errorf("config: invalid -backend address %q, want network:address", nameAddr[1])
		}
		targets = append(targets, BackendTarget{
			Name:           nameAddr[0],
			Network:        netAddr[0],
			Address:        netAddr[1],
			Capacity:       capacity,
			MaxIdleTime:    maxIdle,
			ConnectTimeout: connectTimeout,
		})
	}
	return targets, nil
}

// String renders a compact one-line summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("listen=%s workers=%d docroot=%s backends=%d metrics=%s admin=%s",
		c.ListenAddr, c.WorkerCount, c.DocRoot, len(c.Backends), c.MetricsAddr, c.AdminAddr)
}
