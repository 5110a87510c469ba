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

// Package admin exposes the cross-worker debug/metrics surface spec §6
// names as the server's external HTTP interface: Prometheus /metrics, plus
// JSON aggregate endpoints built on internal/collect so a caller never has
// to know which worker a given connection or backend pool happens to live
// on.
//
// Shape grounded on internal/ratelimiter/api/server.go: a Server struct,
// RegisterRoutes(mux), and a ListenAndServe with the same read/write/idle
// timeouts.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"vhttpd/internal/collect"
	"vhttpd/internal/telemetry"
)

// Server is the admin/debug HTTP front end. It holds no mutable state of
// its own — every endpoint reads through collector, which is safe for
// concurrent use.
type Server struct {
	collector *collect.Registry
}

// NewServer builds a Server reporting on collector's registered series.
func NewServer(collector *collect.Registry) *Server {
	return &Server{collector: collector}
}

// RegisterRoutes mounts every admin endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/debug/connections", s.handleConnections)
	mux.HandleFunc("/debug/backend/", s.handleBackend)
}

// handleConnections reports each worker's live connection count plus the
// fleet-wide total.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	perWorker := s.collector.PerWorker("worker.connections")
	writeJSON(w, map[string]interface{}{
		"total":      s.collector.Sum("worker.connections"),
		"per_worker": perWorker,
	})
}

// handleBackend reports a single backend pool's in-use count across every
// worker, e.g. GET /debug/backend/api.
func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path[len("/debug/backend/"):]
	if name == "" {
		http.Error(w, "backend name is required", http.StatusBadRequest)
		return
	}
	series := "backend." + name + ".in_use"
	perWorker := s.collector.PerWorker(series)
	writeJSON(w, map[string]interface{}{
		"backend":    name,
		"total":      s.collector.Sum(series),
		"per_worker": perWorker,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ListenAndServe starts the admin server on addr. Blocks until the server
// stops or fails.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
