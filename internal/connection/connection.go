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

// Package connection implements spec §3/§6's Connection state machine: one
// accepted socket, wrapped in an IOStream, driven through
// Dead -> KeepAlive -> RequestStart -> ReadRequestHeader -> ReadRequestBody ->
// HandleMainVR -> Write -> (KeepAlive | Dead) by repeated RunJob calls from
// its worker's JobQueue, with idle/keepalive timeouts enforced by two
// WaitQueues.
package connection

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"vhttpd/internal/action"
	"vhttpd/internal/backend"
	"vhttpd/internal/errs"
	"vhttpd/internal/fetchcache"
	"vhttpd/internal/filter"
	"vhttpd/internal/httpwire"
	"vhttpd/internal/iostream"
	"vhttpd/internal/statcache"
	"vhttpd/internal/telemetry"
	"vhttpd/internal/throttle"
	"vhttpd/internal/vrequest"
	"vhttpd/internal/waitqueue"
	"vhttpd/internal/xlog"
	"vhttpd/pkg/chunk"
	"vhttpd/pkg/stream"
)

// State is the connection-level state machine (spec §6).
type State int

const (
	StateDead State = iota
	StateKeepAlive
	StateRequestStart
	StateReadRequestHeader
	StateReadRequestBody
	StateHandleMainVR
	StateWrite
)

func (s State) String() string {
	switch s {
	case StateDead:
		return "Dead"
	case StateKeepAlive:
		return "KeepAlive"
	case StateRequestStart:
		return "RequestStart"
	case StateReadRequestHeader:
		return "ReadRequestHeader"
	case StateReadRequestBody:
		return "ReadRequestBody"
	case StateHandleMainVR:
		return "HandleMainVR"
	case StateWrite:
		return "Write"
	default:
		return "Unknown"
	}
}

// Owner is the subset of a worker a Connection needs: where to reschedule
// Streams, what Action program to run, where static files live, the stat
// cache, named backend pools, the per-pool fetch cache (nil disables it),
// and the access log sink. internal/worker.Worker implements this.
type Owner interface {
	stream.Rescheduler
	Actions() []action.Node
	DocRoot() string
	StatCache() *statcache.Cache
	Backend(name string) *backend.Pool
	FetchCache(name string) *fetchcache.Database
	AccessLog() xlog.Sink
	WorkerName() string
}

const (
	maxHeaderBytes    = 64 * 1024
	defaultMaxKeep    = 1000
	backendReqTimeout = 10 * time.Second
	backendFrameKey   = "backend.frame"
)

// Connection is one accepted socket plus everything needed to drive one
// request at a time across it (spec.md allows only one in-flight VRequest
// per Connection — HTTP/1.x pipelining is read-ahead only, never concurrent
// handling).
type Connection struct {
	id    uint64
	owner Owner
	ios   *iostream.IOStream
	conn  net.Conn

	ioWait   *waitqueue.Queue
	keepWait *waitqueue.Queue

	state State

	vreq *vrequest.VRequest

	keepAlive    bool
	requestCount int
	maxRequests  int

	// Request-body tracking (spec §6: the body must be fully consumed
	// before the connection's read queue can be reused for the next
	// pipelined/keep-alive request, regardless of whether the current
	// handler actually wants the bytes).
	bodyBuf       []byte
	bodyRemaining int64
	bodyConsumed  bool
	bodyDecoder   filter.Filter

	comebackUsed bool

	startedAt time.Time

	closed      bool
	headWritten bool
}

// New wraps conn as a fresh Connection. th may be nil (unthrottled). ioWait
// bounds how long a read/write may stall with no progress; keepWait bounds
// how long an idle, between-requests connection may sit open (spec §4.4:
// two distinct timeout classes, since a stalled write and a bored client are
// different failure modes deserving different budgets).
func New(id uint64, owner Owner, conn net.Conn, th *throttle.State, ioWait, keepWait *waitqueue.Queue) (*Connection, error) {
	c := &Connection{
		id:          id,
		owner:       owner,
		conn:        conn,
		ioWait:      ioWait,
		keepWait:    keepWait,
		state:       StateKeepAlive,
		keepAlive:   true,
		maxRequests: defaultMaxKeep,
		startedAt:   time.Now(),
	}
	ios, err := iostream.New(conn, stream.HandlerFunc(c.onInEvent), stream.HandlerFunc(c.onOutEvent), owner, th)
	if err != nil {
		return nil, err
	}
	c.ios = ios
	// Private carries the owning Connection so a Rescheduler can map a bare
	// *stream.Stream back to the Job it should re-enqueue (spec §4.2: the
	// Stream itself never knows about JobQueue, only its sched).
	ios.In.Private = c
	ios.Out.Private = c
	now := time.Now()
	if c.keepWait != nil {
		c.keepWait.Add(c, now)
	}
	telemetry.ConnectionsOpen.WithLabelValues(owner.WorkerName()).Inc()
	return c, nil
}

func (c *Connection) ID() uint64    { return c.id }
func (c *Connection) State() State  { return c.state }
func (c *Connection) Closed() bool  { return c.closed }

// onInEvent reacts to bytes landing in the read Stream by asking the worker
// to run us again (spec §4.2: Streams never drive state transitions
// directly, they call Again()/Schedule()), and — when a chunked-body decoder
// is spliced in as this Stream's dest — forwards the notification downstream
// so the decoder drains the newly arrived bytes on the same tick.
func (c *Connection) onInEvent(s *stream.Stream, ev stream.Event) {
	if ev == stream.EventNewData {
		if d := s.Dest(); d != nil {
			d.NotifyNewData()
		}
		s.Again()
	}
}

func (c *Connection) onOutEvent(s *stream.Stream, ev stream.Event) {
	if ev == stream.EventNewData {
		s.Again()
	}
}

// RunJob implements internal/jobqueue.Job: advance the state machine as far
// as it can go without blocking, then return.
func (c *Connection) RunJob() {
	if c.closed {
		return
	}
	for {
		switch c.state {
		case StateKeepAlive, StateRequestStart:
			if !c.pumpRead() {
				return
			}
			c.state = StateReadRequestHeader
		case StateReadRequestHeader:
			ok, progressed := c.tryParseRequest()
			if !ok {
				if !progressed {
					return
				}
				continue
			}
			c.state = StateReadRequestBody
		case StateReadRequestBody:
			if c.headWritten {
				// tryParseRequest already wrote an error response (e.g. a
				// malformed request line); there is no well-framed body
				// left to consume, so skip straight to writing the error
				// out rather than attempt to parse one.
				c.state = StateWrite
				continue
			}
			if !c.tryReadBody() {
				if !c.pumpRead() {
					return
				}
				continue
			}
			c.state = StateHandleMainVR
		case StateHandleMainVR:
			if !c.handleMainVR() {
				return
			}
			c.state = StateWrite
		case StateWrite:
			if !c.pumpWrite() {
				return
			}
			c.finishRequest()
		case StateDead:
			return
		default:
			return
		}
	}
}

// pumpRead performs one non-blocking read; returns true if the caller should
// keep advancing the state machine (data arrived, or EOF with nothing
// pending to report yet).
func (c *Connection) pumpRead() bool {
	n, err := c.ios.ReadAvailable()
	if err != nil && err != io.EOF {
		c.Close()
		return false
	}
	if err == io.EOF && n == 0 {
		c.Close()
		return false
	}
	if n > 0 {
		now := time.Now()
		if c.ioWait != nil {
			c.ioWait.Touch(c, now)
		}
		if c.keepWait != nil {
			c.keepWait.Remove(c)
		}
	}
	return n > 0
}

// tryParseRequest attempts to parse a full request head out of whatever has
// accumulated in the read Stream. The second return reports whether more
// bytes arrived since the last attempt (so RunJob knows whether to keep
// looping or give up and wait for the next wakeup).
func (c *Connection) tryParseRequest() (ok bool, progressed bool) {
	q := c.ios.In.Out
	buf, err := q.Extract(q.Length())
	if err != nil {
		c.writeError(errs.Wrap(errs.KindIO, 500, "read request", err))
		return true, true
	}
	if len(buf) == 0 {
		return false, false
	}
	req, n, perr := httpwire.ParseRequestHead(buf)
	if perr != nil {
		c.writeError(perr)
		return true, true
	}
	if req == nil {
		if len(buf) > maxHeaderBytes {
			c.writeError(errs.New(errs.KindParse, 413, "request header too large"))
			return true, true
		}
		return false, false
	}
	q.Skip(int64(n))
	c.vreq = vrequest.New(req, c.conn.RemoteAddr())
	c.requestCount++
	c.setupBodyReader(req)
	return true, true
}

// setupBodyReader arms whatever body-framing this request declared (spec
// §6): a chunked-decoder Filter spliced in front of the read Stream, or a
// plain running count of Content-Length bytes still owed. ParseRequestHead
// has already rejected any request with ambiguous or missing framing, so
// exactly one of the two applies here.
func (c *Connection) setupBodyReader(req *httpwire.Request) {
	c.bodyBuf = nil
	c.bodyRemaining = 0
	c.bodyConsumed = false
	c.bodyDecoder = nil

	if req.Chunked {
		dec := filter.NewChunkedDecoder(c.owner)
		dec.Stream().ConnectSource(c.ios.In)
		c.bodyDecoder = dec
		return
	}
	if req.ContentLength > 0 {
		c.bodyRemaining = req.ContentLength
		return
	}
	c.bodyConsumed = true
}

// tryReadBody drains whatever of the declared body is currently available,
// returning true once the whole body has been consumed (so the connection's
// read queue is safe to reuse for the next pipelined/keep-alive request) and
// false if it needs another pumpRead before it can finish.
func (c *Connection) tryReadBody() bool {
	if c.bodyConsumed {
		return true
	}
	if c.bodyDecoder != nil {
		return c.drainChunkedBody()
	}
	return c.drainFixedBody()
}

func (c *Connection) drainFixedBody() bool {
	q := c.ios.In.Out
	avail := q.Length()
	if avail == 0 {
		return false
	}
	take := c.bodyRemaining
	if avail < take {
		take = avail
	}
	buf, err := q.Extract(take)
	if err != nil {
		c.writeError(errs.Wrap(errs.KindIO, 500, "read request body", err))
		c.bodyConsumed = true
		return true
	}
	q.Skip(take)
	c.bodyBuf = append(c.bodyBuf, buf...)
	c.bodyRemaining -= take
	if c.bodyRemaining == 0 {
		c.bodyConsumed = true
		return true
	}
	return false
}

func (c *Connection) drainChunkedBody() bool {
	out := c.bodyDecoder.Stream().Out
	if n := out.Length(); n > 0 {
		buf, err := out.Extract(n)
		if err == nil {
			out.Skip(n)
			c.bodyBuf = append(c.bodyBuf, buf...)
		}
	}
	if !c.bodyDecoder.Stream().Closed() {
		return false
	}
	c.bodyDecoder.Stream().DisconnectSource()
	c.bodyConsumed = true
	return true
}

// handleMainVR drives the Action program (plus a trailing dispatch Function
// that routes to the static-file or backend handler) one Step at a time.
// It returns false when the Runner suspended on WAIT_FOR_EVENT — a backend
// round trip still in flight on another goroutine — in which case RunJob
// must stop advancing and wait for that goroutine's AgainAsync wakeup to
// re-enter here and resume the same Runner.
func (c *Connection) handleMainVR() bool {
	v := c.vreq
	prog := append(append([]action.Node(nil), c.owner.Actions()...), &action.Function{Name: "dispatch", Call: c.dispatchFn})
	r := v.StartActions(prog)

	if !r.Step(context.Background(), v) {
		return false
	}
	if r.Comeback() && !c.comebackUsed {
		// spec §6: COMEBACK re-enters the action stack once; a handler
		// that keeps returning Comeback would otherwise spin the Runner
		// forever, so only the first one gets a re-entry.
		c.comebackUsed = true
		r.Restart()
		if !r.Step(context.Background(), v) {
			return false
		}
	}
	if err := r.Err(); err != nil {
		c.writeError(err)
	}
	return true
}

// dispatchFn is the program's trailing Function: it reads the routing
// decision any preceding Condition/Setting nodes left in backend.selected
// and hands off to the matching handler, both of which are themselves plain
// Functions so a backend round trip can suspend the Runner mid-dispatch.
func (c *Connection) dispatchFn(ctx context.Context, rc action.Context) (action.Result, error) {
	if pool := c.vreq.Setting("backend.selected"); pool != "" {
		return c.handleBackendFn(ctx, pool)
	}
	return c.handleStaticFn(ctx)
}

func (c *Connection) handleStaticFn(ctx context.Context) (action.Result, error) {
	v := c.vreq
	rel, ok := cleanRequestPath(v.Lvalue("req.path"))
	if !ok {
		return action.ActionError, errs.New(errs.KindValidation, 400, "invalid path")
	}
	filePath := c.owner.DocRoot() + rel
	entry := c.owner.StatCache().Lookup(filePath)

	if entry.Err != nil || !entry.Exists || entry.IsDir {
		return action.ActionError, errs.New(errs.KindValidation, 404, "not found")
	}

	etag := httpwire.ETag(entry.Size, entry.ModTime)
	cond := httpwire.EvaluateConditional(
		v.Request.Header.Get("If-None-Match"), etag,
		v.Request.Header.Get("If-Modified-Since"), entry.ModTime)

	v.Response.Header.Add("ETag", etag)
	v.Response.Header.Add("Last-Modified", httpwire.DateHeader(entry.ModTime))
	applyExpireSetting(v)

	if cond == httpwire.ConditionNotModified {
		v.Response.Status = 304
		v.Response.BodyLen = 0
		c.writeHead()
		return action.GoOn, nil
	}

	v.Response.Status = 200
	if v.Request.Line.Method == httpwire.MethodHead {
		// spec §6: HEAD computes headers exactly as GET would, but the
		// body itself is always zero bytes.
		v.Response.BodyLen = entry.Size
		c.writeHead()
		return action.GoOn, nil
	}

	cf := chunk.NewChunkFile(filePath)
	v.Response.BodyLen = entry.Size
	c.writeHead()
	_ = c.ios.Out.Out.AppendFileRange(cf, 0, entry.Size)
	return action.GoOn, nil
}

// backendFrame is the scratch state a suspended handleBackendFn keeps across
// its own re-invocation (spec §6: a Function that returns WAIT_FOR_EVENT is
// called again from scratch, so anything it needs to remember about an
// already-started round trip has to live in the VRequest's frame values
// rather than a Go local that would simply be lost).
type backendFrame struct {
	done   chan struct{}
	result *backend.RoundTripResult
	err    error
}

// handleBackendFn proxies the request to the named pool. The actual round
// trip runs on its own goroutine (runBackendRoundTrip) since a pooled
// backend connection's blocking Write/Read would otherwise stall every other
// connection on this worker; the Function itself only starts that goroutine
// and then suspends, resuming once the goroutine signals completion via
// AgainAsync.
func (c *Connection) handleBackendFn(ctx context.Context, poolName string) (action.Result, error) {
	v := c.vreq

	if fr, ok := v.FrameValue(backendFrameKey).(*backendFrame); ok {
		select {
		case <-fr.done:
			if fr.err != nil {
				return action.ActionError, fr.err
			}
			c.writeBackendResponse(fr.result)
			return action.GoOn, nil
		default:
			return action.WaitForEvent, nil
		}
	}

	pool := c.owner.Backend(poolName)
	if pool == nil {
		return action.ActionError, errs.NewBackendError(errs.BackendDead, poolName, nil)
	}

	fr := &backendFrame{done: make(chan struct{})}
	v.SetFrameValue(backendFrameKey, fr)

	reqCtx, cancel := context.WithTimeout(context.Background(), backendReqTimeout)
	v.OnCleanup(cancel)

	method := v.Request.Line.MethodName
	uri := v.RawURI
	host := v.Request.Header.Get("Host")
	header := cloneHeader(v.Request.Header)
	body := append([]byte(nil), c.bodyBuf...)
	cache := c.owner.FetchCache(poolName)
	wake := c.ios.In

	go runBackendRoundTrip(reqCtx, pool, cache, method, uri, host, header, body, fr, wake)

	return action.WaitForEvent, nil
}

// runBackendRoundTrip is a standalone function, not a method, to make
// explicit that it runs on a goroutine that is never the owning worker's
// own — it must touch nothing but fr (owned by this round trip alone until
// fr.done closes) and wake (safe for cross-goroutine use via AgainAsync).
func runBackendRoundTrip(ctx context.Context, pool *backend.Pool, cache *fetchcache.Database, method, uri, host string, header http.Header, body []byte, fr *backendFrame, wake *stream.Stream) {
	defer close(fr.done)
	defer wake.AgainAsync()

	if cache != nil && method == "GET" {
		key := fetchcache.FetchKey(method, host, uri)
		entry, err := cache.Lookup(ctx, key)
		if err != nil {
			fr.err = err
			return
		}
		fr.result = &backend.RoundTripResult{Status: entry.Status, Header: http.Header(entry.Header), Body: entry.Body}
		return
	}

	res, err := pool.RoundTrip(ctx, method, uri, host, header, body)
	fr.result, fr.err = res, err
}

func cloneHeader(h *httpwire.Header) http.Header {
	out := make(http.Header)
	h.Each(func(k, v string) { out.Add(k, v) })
	return out
}

func (c *Connection) writeBackendResponse(res *backend.RoundTripResult) {
	v := c.vreq
	v.Response.Status = res.Status
	for k, vs := range res.Header {
		if k == "Content-Length" || k == "Transfer-Encoding" {
			continue
		}
		for _, val := range vs {
			v.Response.Header.Add(k, val)
		}
	}
	if v.Request.Line.Method == httpwire.MethodHead {
		v.Response.BodyLen = int64(len(res.Body))
		c.writeHead()
		return
	}
	v.Response.BodyLen = int64(len(res.Body))
	c.writeHead()
	_ = c.ios.Out.Out.AppendOwned(res.Body)
}

// applyExpireSetting adds Cache-Control/Expires headers when an action set
// expire_seconds, mirroring mod_expire's Cache-Control rewriting
// (spec.md's Setting mechanism applied to static responses). A
// non-positive or unparseable value is treated as "no expiry set."
func applyExpireSetting(v *vrequest.VRequest) {
	raw := v.Setting("expire_seconds")
	if raw == "" {
		return
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return
	}
	v.Response.Header.Add("Cache-Control", "max-age="+raw)
	v.Response.Header.Add("Expires", httpwire.DateHeader(time.Now().Add(time.Duration(secs)*time.Second)))
}

// cleanRequestPath maps a request path onto a DocRoot-relative path. Cleaning
// against "/" clamps any ".." at the root, so the result never resolves
// outside DocRoot; only a path that fails to unescape is rejected.
func cleanRequestPath(p string) (string, bool) {
	if p == "" {
		p = "/"
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", false
	}
	clean := path.Clean("/" + decoded)
	if clean == "/" {
		clean = "/index.html"
	}
	return clean, true
}

func (c *Connection) writeError(err error) {
	status := 500
	switch e := err.(type) {
	case *errs.Error:
		if e.Status != 0 {
			status = e.Status
		}
	case *errs.BackendError:
		status = 502
		if e.Cause == errs.BackendOverload {
			status = 503
		}
	}
	if !c.bodyConsumed {
		// The body's framing may not have been fully read off the wire
		// (or may not even be parseable, e.g. the error came from the
		// request line itself) — the read queue can't be trusted to
		// start cleanly at the next request, so this connection doesn't
		// get to keep-alive.
		c.keepAlive = false
	}
	v := c.vreq
	if v == nil {
		v = vrequest.New(&httpwire.Request{Line: httpwire.RequestLine{Version: "HTTP/1.1"}, Header: httpwire.NewHeader()}, c.conn.RemoteAddr())
		c.vreq = v
	}
	v.Response.Status = status
	v.Response.BodyLen = 0
	c.writeHead()
}

// writeHead serializes the status line + headers into the write Stream.
// Every caller resolves BodyLen before reaching here (static files are
// stat'd first, backend responses are fully buffered), so the response
// always carries an exact Content-Length rather than chunked framing.
func (c *Connection) writeHead() {
	c.headWritten = true
	v := c.vreq
	version := "HTTP/1.1"
	if v.Request != nil {
		version = v.Request.Line.Version
	}
	_ = c.ios.Out.Out.AppendString(httpwire.WriteStatusLine(version, v.Response.Status))
	if v.Response.Header.Get("Server") == "" {
		v.Response.Header.Add("Server", httpwire.ServerHeaderValue)
	}
	if v.Response.Header.Get("Date") == "" {
		v.Response.Header.Add("Date", httpwire.DateHeader(time.Now()))
	}
	v.Response.Header.Add("Content-Length", itoa(v.Response.BodyLen))
	if c.keepAlive && c.requestCount < c.maxRequests {
		v.Response.Header.Add("Connection", "keep-alive")
	} else {
		v.Response.Header.Add("Connection", "close")
		c.keepAlive = false
	}
	v.Response.Header.Each(func(k, val string) {
		_ = c.ios.Out.Out.AppendString(k + ": " + val + "\r\n")
	})
	_ = c.ios.Out.Out.AppendString("\r\n")
	c.logAccess()
}

func (c *Connection) logAccess() {
	sink := c.owner.AccessLog()
	if sink == nil {
		return
	}
	v := c.vreq
	sink.Write(xlog.AccessRecord{
		TimeUnixNano: time.Now().UnixNano(),
		RemoteAddr:   remoteAddrString(c.conn.RemoteAddr()),
		Method:       v.Request.Line.MethodName,
		URI:          v.RawURI,
		Status:       v.Response.Status,
		BytesOut:     v.Response.BodyLen,
		DurationUs:   time.Since(c.startedAt).Microseconds(),
	})
	telemetry.RequestsTotal.WithLabelValues(statusClass(v.Response.Status)).Inc()
}

func (c *Connection) pumpWrite() bool {
	n, err := c.ios.WritePending()
	if err != nil && err != io.EOF {
		c.Close()
		return false
	}
	if n > 0 && c.ioWait != nil {
		c.ioWait.Touch(c, time.Now())
	}
	if !c.ios.Out.Out.IsEmpty() {
		return n > 0
	}
	return true
}

func (c *Connection) finishRequest() {
	if c.vreq != nil {
		c.vreq.RunCleanups()
	}
	if !c.keepAlive {
		c.Close()
		return
	}
	c.vreq = nil
	c.headWritten = false
	c.bodyBuf = nil
	c.bodyRemaining = 0
	c.bodyConsumed = false
	c.bodyDecoder = nil
	c.comebackUsed = false
	c.startedAt = time.Now()
	c.state = StateKeepAlive
	if c.ioWait != nil {
		c.ioWait.Remove(c)
	}
	if c.keepWait != nil {
		c.keepWait.Add(c, time.Now())
	}
}

// OnTimeout implements internal/waitqueue.Waiter: an idle keepalive or
// stalled-I/O deadline closes the connection outright (spec.md has no
// graceful-drain state — a timed-out Connection is simply dead).
func (c *Connection) OnTimeout() { c.Close() }

func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateDead
	if c.vreq != nil {
		c.vreq.RunCleanups()
	}
	if c.bodyDecoder != nil {
		c.bodyDecoder.Stream().DisconnectSource()
	}
	c.ios.Close()
	if c.ioWait != nil {
		c.ioWait.Remove(c)
	}
	if c.keepWait != nil {
		c.keepWait.Remove(c)
	}
	telemetry.ConnectionsOpen.WithLabelValues(c.owner.WorkerName()).Dec()
}

func statusClass(status int) string {
	switch status / 100 {
	case 2:
		return "2xx"
	case 3:
		return "3xx"
	case 4:
		return "4xx"
	case 5:
		return "5xx"
	default:
		return "other"
	}
}

func remoteAddrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
