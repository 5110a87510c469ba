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

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vhttpd/internal/collect"
)

func TestHandleConnectionsReportsTotalsAndPerWorker(t *testing.T) {
	reg := collect.New()
	reg.Register("worker.connections", "w0", func() int64 { return 3 })
	reg.Register("worker.connections", "w1", func() int64 { return 5 })

	s := NewServer(reg)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/connections", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Total     int64            `json:"total"`
		PerWorker map[string]int64 `json:"per_worker"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Total != 8 {
		t.Errorf("total = %d, want 8", body.Total)
	}
	if body.PerWorker["w0"] != 3 || body.PerWorker["w1"] != 5 {
		t.Errorf("per_worker = %v, want {w0:3 w1:5}", body.PerWorker)
	}
}

func TestHandleBackendReportsNamedSeries(t *testing.T) {
	reg := collect.New()
	reg.Register("backend.api.in_use", "w0", func() int64 { return 2 })

	s := NewServer(reg)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backend/api", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Backend string `json:"backend"`
		Total   int64  `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Backend != "api" || body.Total != 2 {
		t.Errorf("body = %+v, want {api 2}", body)
	}
}

func TestHandleBackendRejectsEmptyName(t *testing.T) {
	s := NewServer(collect.New())
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/backend/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointIsRegistered(t *testing.T) {
	s := NewServer(collect.New())
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
