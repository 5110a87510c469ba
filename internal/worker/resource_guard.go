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

package worker

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"vhttpd/internal/telemetry"
)

// ResourceGuard samples host memory on a ticker and trips when available
// memory drops under FloorBytes, so a Worker can refuse new accepts rather
// than admit a connection it cannot afford to serve (spec §7:
// ResourceExhausted). Grounded on nishisan-dev-n-backup's SystemMonitor:
// ticker-driven sampling into a mutex-guarded snapshot, read by Tripped
// from whatever goroutine wants it.
type ResourceGuard struct {
	name       string
	floorBytes uint64
	interval   time.Duration
	sampleFn   func() (availableBytes uint64, err error)

	mu      sync.RWMutex
	tripped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewResourceGuard builds a guard that trips once available memory is below
// floorBytes, resampling every interval.
func NewResourceGuard(name string, floorBytes uint64, interval time.Duration) *ResourceGuard {
	return &ResourceGuard{
		name:       name,
		floorBytes: floorBytes,
		interval:   interval,
		sampleFn:   availableMemory,
		stopCh:     make(chan struct{}),
	}
}

func availableMemory() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return v.Available, nil
}

// Start launches the sampling loop. Safe to call once per guard.
func (g *ResourceGuard) Start() {
	g.sample()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run()
	}()
}

func (g *ResourceGuard) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *ResourceGuard) run() {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *ResourceGuard) sample() {
	avail, err := g.sampleFn()
	tripped := err == nil && avail < g.floorBytes

	g.mu.Lock()
	g.tripped = tripped
	g.mu.Unlock()

	gaugeVal := 0.0
	if tripped {
		gaugeVal = 1.0
	}
	telemetry.ResourceGuardTripped.WithLabelValues(g.name).Set(gaugeVal)
}

// Tripped reports the last sampled state. Safe to call from any goroutine —
// this is the only ResourceGuard method a Worker's own accept path calls
// concurrently with the sampling goroutine.
func (g *ResourceGuard) Tripped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tripped
}
