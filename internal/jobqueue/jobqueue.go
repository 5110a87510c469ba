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

// Package jobqueue implements the per-worker cooperative job scheduler
// (spec §4.2): each Stream/VRequest that wants to run again calls Push,
// which enqueues a Job for the current worker's event loop to run at most
// once per RunGeneration call, with generation fencing so a Job that
// re-enqueues itself while it runs doesn't starve the rest of the loop.
//
// The atomic run/deferred counters below are grounded on
// internal/ratelimiter/core/metrics.go's lightweight process-level counters
// (no locks, no allocation on the hot path, snapshot via a Stats call).
package jobqueue

import (
	"sync"
	"sync/atomic"
)

// Job is anything that can be re-run by the event loop. RunJob is called
// from the owning worker's goroutine only.
type Job interface {
	// RunJob executes one step. A Job that needs to run again pushes itself
	// back onto the queue (whether that happens this generation or the next
	// is decided by the fencing rule below).
	RunJob()
}

// entry pairs a Job with the generation it was most recently (re-)enqueued
// in, so Drain can tell "enqueued during this generation's processing" (defer
// to next generation) apart from "enqueued before this generation started"
// (run now).
type entry struct {
	job Job
	gen uint64
}

// Queue is one worker's cooperative scheduler. Not safe for concurrent Push
// from multiple goroutines — use AsyncPush for that (spec §4.2: "Concurrent
// producers on other threads call async_push which wakes the worker via an
// async event").
type Queue struct {
	mu      sync.Mutex // guards pending + queued, for AsyncPush only
	pending []entry
	queued  map[Job]bool // de-dup: a Job already pending is not re-added

	gen uint64

	runTotal      atomic.Int64
	deferredTotal atomic.Int64

	// asyncCh is signaled by AsyncPush; the worker's event loop selects on
	// it alongside socket readiness to know there is cross-thread work.
	asyncCh chan struct{}
}

func New() *Queue {
	return &Queue{
		queued:  make(map[Job]bool),
		asyncCh: make(chan struct{}, 1),
	}
}

// AsyncSignal returns the channel the owning worker should select on to
// learn "new async work is pending"; it never blocks on send (buffered 1).
func (q *Queue) AsyncSignal() <-chan struct{} { return q.asyncCh }

// Push enqueues job for the current generation. Called only from the
// owning worker's own goroutine (Streams/VRequests calling again()).
func (q *Queue) Push(j Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushLocked(j)
}

func (q *Queue) pushLocked(j Job) {
	if q.queued[j] {
		return
	}
	q.queued[j] = true
	q.pending = append(q.pending, entry{job: j, gen: q.gen})
}

// AsyncPush is the cross-thread-safe entry point: a background thread (the
// stat worker, a fetch backend callback, a cross-worker backend move) calls
// this to hand a Job back to its owning worker.
func (q *Queue) AsyncPush(j Job) {
	q.mu.Lock()
	q.pushLocked(j)
	q.mu.Unlock()
	select {
	case q.asyncCh <- struct{}{}:
	default:
	}
}

// RunGeneration drains everything pending, running each Job once. Jobs that
// re-Push themselves (directly, or indirectly through a callback) while
// this generation is running are deferred to the next generation instead of
// running again immediately — this is what keeps a fast, always-ready Stream
// from starving socket I/O in the rest of the loop (spec §4.2).
func (q *Queue) RunGeneration() (ran int) {
	q.mu.Lock()
	q.gen++
	thisGen := q.pending
	q.pending = nil
	for _, e := range thisGen {
		delete(q.queued, e.job)
	}
	q.mu.Unlock()

	for _, e := range thisGen {
		e.job.RunJob()
		ran++
	}
	q.runTotal.Add(int64(ran))

	q.mu.Lock()
	deferred := 0
	for _, e := range q.pending {
		if e.gen == q.gen {
			deferred++
		}
	}
	q.mu.Unlock()
	if deferred > 0 {
		q.deferredTotal.Add(int64(deferred))
	}
	return ran
}

// Pending reports how many distinct Jobs are queued for the next generation.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats is a point-in-time snapshot for the telemetry layer.
type Stats struct {
	Generation    uint64
	RunTotal      int64
	DeferredTotal int64
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	gen := q.gen
	q.mu.Unlock()
	return Stats{Generation: gen, RunTotal: q.runTotal.Load(), DeferredTotal: q.deferredTotal.Load()}
}
