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

// Package backend implements spec §3's Backend pool: a per-worker set of
// connections to one origin/upstream target, with idle reuse, a bounded
// pending-connect count, a FIFO of VRequests waiting for a slot, and a
// fail-fast disabled window after repeated connect failures.
//
// The idle/in-use accounting is grounded on pkg/vsa/vsa.go's plain
// mutex-guarded VSA: that file's "scalar = stable capacity, vector =
// volatile in-flight count, TryConsume/Commit move between them" shape
// maps directly onto "capacity = max connections, in-use = checked-out
// connections" here, kept at this package's simpler mutex style rather
// than the root vsa.go's striped-atomic one because a BackendPool is
// already scoped to a single worker (spec.md: "a Backend pool has one
// instance per worker; cross-worker placement goes through Collect"), so
// there is no multi-core contention to stripe away.
package backend

import (
	"bufio"
	"bytes"
	"container/list"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"vhttpd/internal/errs"
	"vhttpd/internal/telemetry"
)

// Dialer creates a new connection to the backend target. Implementations
// wrap net.Dialer for TCP/unix-socket backends; tests supply a fake.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Conn is one pooled backend connection.
type Conn struct {
	net.Conn
	pool      *Pool
	createdAt time.Time
	idleSince time.Time
}

// Release returns the connection to its pool's idle list (spec.md: "a
// VRequest that finishes with a backend connection releases it back to the
// pool rather than closing it, so the next request on the same backend can
// reuse it").
func (c *Conn) Release() { c.pool.release(c) }

// Discard permanently removes the connection instead of returning it to the
// idle list — used when the backend signalled it doesn't want keep-alive,
// or the connection errored mid-use.
func (c *Conn) Discard() {
	c.pool.discard(c)
	_ = c.Conn.Close()
}

// waiter is a VRequest-shaped caller blocked on Acquire until a slot frees
// up or the disabled window lifts.
type waiter struct {
	ctx    context.Context
	result chan acquireResult
}

type acquireResult struct {
	conn *Conn
	err  error
}

// Pool is one worker's connections to one backend target.
type Pool struct {
	Name    string
	Address string
	Network string

	dialer Dialer

	mu       sync.Mutex
	capacity int64
	inUse    int64
	pending  int64

	idle    *list.List // *Conn, most-recently-released at front
	waiters *list.List // *waiter, FIFO

	disabledUntil time.Time
	failStreak    int

	maxIdleTime  time.Duration
	connectTimeout time.Duration
}

// Config bundles Pool construction knobs (spec.md's per-backend settings:
// max connections, idle timeout, connect timeout). The failure threshold
// that opens the disabled window is fixed at three; see maybeDisable.
type Config struct {
	Name           string
	Network        string
	Address        string
	Capacity       int64
	MaxIdleTime    time.Duration
	ConnectTimeout time.Duration
}

func NewPool(cfg Config, dialer Dialer) *Pool {
	return &Pool{
		Name:           cfg.Name,
		Address:        cfg.Address,
		Network:        cfg.Network,
		dialer:         dialer,
		capacity:       cfg.Capacity,
		idle:           list.New(),
		waiters:        list.New(),
		maxIdleTime:    cfg.MaxIdleTime,
		connectTimeout: cfg.ConnectTimeout,
	}
}

// Acquire returns an idle connection, dials a new one if under capacity, or
// queues the caller until one becomes available — unless the pool is
// currently in its fail-fast disabled window, in which case it returns a
// BackendError{Dead} immediately (spec.md: "a disabled backend fails new
// requests immediately rather than letting them pile up behind a dead
// upstream").
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if now := time.Now(); now.Before(p.disabledUntil) {
		p.mu.Unlock()
		return nil, errs.NewBackendError(errs.BackendDead, p.Name, nil)
	}

	if e := p.idle.Front(); e != nil {
		p.idle.Remove(e)
		c := e.Value.(*Conn)
		p.inUse++
		p.reportGauges()
		p.mu.Unlock()
		return c, nil
	}

	if p.inUse+p.pending < p.capacity {
		p.pending++
		p.reportGauges()
		p.mu.Unlock()
		return p.dial(ctx)
	}

	w := &waiter{ctx: ctx, result: make(chan acquireResult, 1)}
	p.waiters.PushBack(w)
	telemetry.BackendPoolWaiters.WithLabelValues(p.Name).Set(float64(p.waiters.Len()))
	p.mu.Unlock()

	select {
	case res := <-w.result:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindIO, 0, "backend acquire: context done", ctx.Err())
	}
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	dialCtx := ctx
	if p.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.connectTimeout)
		defer cancel()
	}
	nc, err := p.dialer.DialContext(dialCtx, p.Network, p.Address)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.failStreak++
		p.maybeDisable()
		p.reportGauges()
		p.mu.Unlock()
		return nil, errs.NewBackendError(errs.BackendDead, p.Name, err)
	}
	p.failStreak = 0
	p.inUse++
	p.reportGauges()
	p.mu.Unlock()

	return &Conn{Conn: nc, pool: p, createdAt: time.Now()}, nil
}

// maybeDisable opens the fail-fast window after three consecutive dial
// failures (spec.md's Backend pool "Dead" transition), for 5s, doubling on
// each further failure up to 80s — a bounded backoff, not indefinite.
func (p *Pool) maybeDisable() {
	if p.failStreak < 3 {
		return
	}
	backoff := 5 * time.Second * time.Duration(1<<min(p.failStreak-3, 4))
	p.disabledUntil = time.Now().Add(backoff)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// release returns c to the idle list and wakes the oldest waiter, if any.
func (p *Pool) release(c *Conn) {
	p.mu.Lock()
	p.inUse--
	if w := p.nextWaiter(); w != nil {
		w.result <- acquireResult{conn: c}
		p.inUse++
		p.reportGauges()
		p.mu.Unlock()
		return
	}
	c.idleSince = time.Now()
	p.idle.PushFront(c)
	p.reportGauges()
	p.mu.Unlock()
}

func (p *Pool) discard(c *Conn) {
	p.mu.Lock()
	p.inUse--
	if w := p.nextWaiter(); w != nil {
		p.pending++
		p.reportGauges()
		p.mu.Unlock()
		conn, err := p.dial(w.ctx)
		w.result <- acquireResult{conn: conn, err: err}
		return
	}
	p.reportGauges()
	p.mu.Unlock()
}

// nextWaiter pops the oldest waiter whose context is still live, discarding
// any that already gave up (their Acquire call returned via ctx.Done()).
func (p *Pool) nextWaiter() *waiter {
	for {
		e := p.waiters.Front()
		if e == nil {
			return nil
		}
		p.waiters.Remove(e)
		w := e.Value.(*waiter)
		telemetry.BackendPoolWaiters.WithLabelValues(p.Name).Set(float64(p.waiters.Len()))
		select {
		case <-w.ctx.Done():
			continue
		default:
			return w
		}
	}
}

// InUse reports the pool's current checked-out connection count, for
// registration as an internal/collect.Source so the admin /debug endpoint
// can report a backend's fleet-wide in-use total without reaching into
// each worker's Pool directly.
func (p *Pool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// reportGauges publishes the pool's current state to Prometheus. Called
// with p.mu held.
func (p *Pool) reportGauges() {
	telemetry.BackendPoolIdle.WithLabelValues(p.Name, "").Set(float64(p.idle.Len()))
	telemetry.BackendPoolInUse.WithLabelValues(p.Name, "").Set(float64(p.inUse))
	telemetry.BackendPoolPending.WithLabelValues(p.Name, "").Set(float64(p.pending))
	disabled := 0.0
	if time.Now().Before(p.disabledUntil) {
		disabled = 1.0
	}
	telemetry.BackendPoolDisabled.WithLabelValues(p.Name).Set(disabled)
}

// RoundTripResult is one backend exchange's outcome (status, headers, fully
// buffered body) — shared by the direct proxy path in internal/connection
// and any fetchcache Fetcher built on top of this Pool.
type RoundTripResult struct {
	Status int
	Header http.Header
	Body   []byte
}

// RoundTrip acquires a connection, writes one HTTP/1.x request, and reads
// back the full response. Factored out of internal/connection's backend
// dispatch so a fetchcache Fetcher closure — which only ever sees an opaque
// cache key, never the live VRequest — can issue the same kind of request
// (spec.md's backend protocol is HTTP/1.x only, so there is no long-lived
// streaming upstream state to interleave with the event loop here).
func (p *Pool) RoundTrip(ctx context.Context, method, uri, host string, header http.Header, body []byte) (*RoundTripResult, error) {
	bc, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, bodyReader)
	if err != nil {
		bc.Discard()
		return nil, errs.Wrap(errs.KindProtocol, 502, "build backend request", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Host = host
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
	}

	if err := req.Write(bc); err != nil {
		bc.Discard()
		return nil, errs.Wrap(errs.KindBackend, 502, "write backend request", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bc), req)
	if err != nil {
		bc.Discard()
		return nil, errs.Wrap(errs.KindBackend, 502, "read backend response", err)
	}
	defer resp.Body.Close()

	// Fully buffered, same as the old inline handleBackend logic: the
	// Content-Length this pool's caller reports is always exact, never
	// passing through an upstream Transfer-Encoding: chunked framing of our
	// own.
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		bc.Discard()
		return nil, errs.Wrap(errs.KindBackend, 502, "read backend body", err)
	}
	bc.Release()

	return &RoundTripResult{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// ReapIdle closes idle connections older than maxIdleTime. Called
// periodically by the owning worker's event loop, the same
// ticker-from-the-caller shape internal/statcache uses for its own
// loops — here driven externally instead of an owned goroutine because a
// Pool's lifetime is tied to its Worker's single event loop, not its own.
func (p *Pool) ReapIdle(now time.Time) {
	if p.maxIdleTime <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.idle.Back(); e != nil; {
		c := e.Value.(*Conn)
		if now.Sub(c.idleSince) < p.maxIdleTime {
			break
		}
		prev := e.Prev()
		p.idle.Remove(e)
		_ = c.Conn.Close()
		e = prev
	}
	p.reportGauges()
}
