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

// Package worker implements spec §5's scheduling model: a single-threaded
// cooperative event loop owning a thread-local set of Connections, the
// JobQueue that drives them, two WaitQueues (stalled I/O, idle keepalive),
// and the StatCache. No two workers touch each other's Connections
// directly — everything cross-worker (the backend pools, the fetch cache,
// the action tree) is already safe for concurrent use by the packages that
// own it.
//
// The loop shape is the teacher's own background Worker
// (internal/ratelimiter/core/worker.go): a ticker plus a stop channel, never
// a busy spin.
package worker

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"vhttpd/internal/action"
	"vhttpd/internal/backend"
	"vhttpd/internal/collect"
	"vhttpd/internal/connection"
	"vhttpd/internal/fetchcache"
	"vhttpd/internal/jobqueue"
	"vhttpd/internal/statcache"
	"vhttpd/internal/telemetry"
	"vhttpd/internal/throttle"
	"vhttpd/internal/waitqueue"
	"vhttpd/internal/xlog"
	"vhttpd/pkg/stream"
)

// Config is everything a Worker needs that does not change once the server
// has started — the Action program is the activated configuration tree
// (spec §5: "immutable after activation").
type Config struct {
	Name             string
	DocRoot          string
	Actions          []action.Node
	StatCache        *statcache.Cache
	Backends         map[string]*backend.Pool
	FetchCaches      map[string]*fetchcache.Database // nil entries disable the read-through cache per-pool
	AccessLog        xlog.Sink
	Throttle         *throttle.State
	Guard            *ResourceGuard // nil disables the resource-exhaustion admission check
	IOTimeout        time.Duration
	KeepAliveTimeout time.Duration
	PollInterval     time.Duration // how often the loop sweeps the WaitQueues absent other wakeups
	Collector        *collect.Registry // nil disables cross-worker aggregation registration
}

const defaultPollInterval = 10 * time.Millisecond

// Worker is one single-threaded event loop. Its exported methods other than
// Run/Stop/Schedule exist to satisfy internal/connection.Owner.
type Worker struct {
	cfg Config

	jobq     *jobqueue.Queue
	ioWait   *waitqueue.Queue
	keepWait *waitqueue.Queue

	listener net.Listener
	acceptCh chan net.Conn

	conns     map[uint64]*connection.Connection
	nextID    uint64
	connCount atomic.Int64 // mirrors len(conns); safe to read from another goroutine (admin /debug)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped uint32
}

// New builds a Worker bound to ln. ln is normally obtained from Listen
// (SO_REUSEPORT on unix) so several Workers can share one address.
func New(cfg Config, ln net.Listener) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Worker{
		cfg:      cfg,
		jobq:     jobqueue.New(),
		ioWait:   waitqueue.New(cfg.IOTimeout),
		keepWait: waitqueue.New(cfg.KeepAliveTimeout),
		listener: ln,
		acceptCh: make(chan net.Conn),
		conns:    make(map[uint64]*connection.Connection),
		stopCh:   make(chan struct{}),
	}
}

// Schedule implements stream.Rescheduler: a Stream only knows its own
// Private payload, which internal/connection stashes the owning Connection
// into, so this just forwards to the JobQueue.
func (w *Worker) Schedule(s *stream.Stream) {
	if j, ok := s.Private.(jobqueue.Job); ok {
		w.jobq.Push(j)
	}
}

// ScheduleAsync implements stream.AsyncRescheduler: a backend round trip's
// own goroutine (never the worker's) uses this to hand its Connection's Job
// back safely, via the JobQueue's lock-guarded AsyncPush rather than Push.
func (w *Worker) ScheduleAsync(s *stream.Stream) {
	if j, ok := s.Private.(jobqueue.Job); ok {
		w.jobq.AsyncPush(j)
	}
}

func (w *Worker) Actions() []action.Node                      { return w.cfg.Actions }
func (w *Worker) DocRoot() string                              { return w.cfg.DocRoot }
func (w *Worker) StatCache() *statcache.Cache                  { return w.cfg.StatCache }
func (w *Worker) Backend(name string) *backend.Pool            { return w.cfg.Backends[name] }
func (w *Worker) FetchCache(name string) *fetchcache.Database  { return w.cfg.FetchCaches[name] }
func (w *Worker) AccessLog() xlog.Sink                          { return w.cfg.AccessLog }
func (w *Worker) WorkerName() string                            { return w.cfg.Name }

// Run drives the accept loop and the event loop. It blocks until Stop is
// called (or the listener dies), so callers normally invoke it in its own
// goroutine per worker.
func (w *Worker) Run() {
	if w.cfg.Collector != nil {
		w.cfg.Collector.Register("worker.connections", w.cfg.Name, w.connCount.Load)
		defer w.cfg.Collector.Unregister("worker.connections", w.cfg.Name)
		for name, pool := range w.cfg.Backends {
			series := "backend." + name + ".in_use"
			w.cfg.Collector.Register(series, w.cfg.Name, pool.InUse)
			defer w.cfg.Collector.Unregister(series, w.cfg.Name)
		}
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.acceptLoop()
	}()
	w.loop()
	w.wg.Wait()
}

// acceptLoop only ever hands connections to the event loop goroutine over
// acceptCh — it never touches w.conns itself, keeping that map
// single-goroutine-owned the way spec §5 requires of everything thread-local
// to a worker.
func (w *Worker) acceptLoop() {
	for {
		nc, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
				continue
			}
		}
		select {
		case w.acceptCh <- nc:
		case <-w.stopCh:
			_ = nc.Close()
			return
		}
	}
}

func (w *Worker) loop() {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.closeAll()
			return
		case nc := <-w.acceptCh:
			w.accept(nc)
		case <-w.jobq.AsyncSignal():
		case <-ticker.C:
		}

		w.jobq.RunGeneration()
		telemetry.JobQueueGenerations.WithLabelValues(w.cfg.Name).Inc()

		now := time.Now()
		w.ioWait.Expired(now)
		w.keepWait.Expired(now)
		w.reapClosed()
	}
}

// accept admits nc as a new Connection, unless the resource guard is
// tripped (spec §7: ResourceExhausted) — in which case the socket is closed
// immediately rather than accepted only to be failed mid-request.
func (w *Worker) accept(nc net.Conn) {
	if w.cfg.Guard != nil && w.cfg.Guard.Tripped() {
		telemetry.ResourceGuardRejections.WithLabelValues(w.cfg.Name).Inc()
		_ = nc.Close()
		return
	}
	w.nextID++
	c, err := connection.New(w.nextID, w, nc, w.cfg.Throttle, w.ioWait, w.keepWait)
	if err != nil {
		_ = nc.Close()
		return
	}
	w.conns[c.ID()] = c
	w.connCount.Add(1)
	w.jobq.Push(c)
}

// reapClosed drops Connections that reached StateDead since the last sweep.
// Connections never remove themselves from this map directly — only the
// owning worker goroutine may mutate it.
func (w *Worker) reapClosed() {
	for id, c := range w.conns {
		if c.Closed() {
			delete(w.conns, id)
			w.connCount.Add(-1)
		}
	}
}

func (w *Worker) closeAll() {
	for id, c := range w.conns {
		c.Close()
		delete(w.conns, id)
		w.connCount.Add(-1)
	}
}

// Stop unblocks Run and waits for both the accept goroutine and Run itself
// to return. Safe to call more than once.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	close(w.stopCh)
	_ = w.listener.Close()
}

// ConnCount reports the live Connection count, for the admin /debug
// endpoint's per-worker breakdown. Backed by an atomic counter rather than
// len(w.conns) since w.conns itself is only ever touched by the loop
// goroutine.
func (w *Worker) ConnCount() int { return int(w.connCount.Load()) }
