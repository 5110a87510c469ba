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

package connection

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vhttpd/internal/action"
	"vhttpd/internal/backend"
	"vhttpd/internal/errs"
	"vhttpd/internal/fetchcache"
	"vhttpd/internal/httpwire"
	"vhttpd/internal/statcache"
	"vhttpd/internal/xlog"
	"vhttpd/pkg/stream"
)

func etagFor(e *statcache.Entry) string {
	return httpwire.ETag(e.Size, e.ModTime)
}

type fakeOwner struct {
	docRoot string
	cache   *statcache.Cache
	prog    []action.Node
	pools   map[string]*backend.Pool
	caches  map[string]*fetchcache.Database
}

func (o *fakeOwner) Schedule(s *stream.Stream)  {}
func (o *fakeOwner) ScheduleAsync(s *stream.Stream) { o.Schedule(s) }
func (o *fakeOwner) Actions() []action.Node     { return o.prog }
func (o *fakeOwner) DocRoot() string            { return o.docRoot }
func (o *fakeOwner) StatCache() *statcache.Cache { return o.cache }
func (o *fakeOwner) Backend(name string) *backend.Pool { return o.pools[name] }
func (o *fakeOwner) FetchCache(name string) *fetchcache.Database { return o.caches[name] }
func (o *fakeOwner) AccessLog() xlog.Sink       { return nil }
func (o *fakeOwner) WorkerName() string         { return "w0" }

func newTestOwner(t *testing.T) *fakeOwner {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	return &fakeOwner{docRoot: dir, cache: statcache.New(time.Minute, time.Minute)}
}

// drive repeatedly calls conn.RunJob until done fires, standing in for the
// worker ticker that would otherwise be polling it — RunJob's reads/writes
// are deadline-bounded (internal/iostream's pollDeadline) rather than
// blocking, so one call is no longer guaranteed to carry a request all the
// way through. It returns a channel closed once the drive loop has actually
// stopped, so callers can synchronize before touching conn again.
func drive(conn *Connection, done <-chan struct{}) <-chan struct{} {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				return
			default:
				conn.RunJob()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return stopped
}

func TestConnectionServesStaticFile(t *testing.T) {
	owner := newTestOwner(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(1, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status int
	var body []byte
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodGet, "/index.html", nil)
		req.Host = "example.com"
		_ = req.Write(clientConn)
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
		if err != nil {
			t.Error(err)
			return
		}
		status = resp.StatusCode
		body, _ = io.ReadAll(resp.Body)
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q, want %q", body, "hello world")
	}
	if conn.State() != StateDead {
		t.Fatalf("State = %v, want StateDead after client closed", conn.State())
	}
}

func TestConnectionReturns404ForMissingFile(t *testing.T) {
	owner := newTestOwner(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(2, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status int
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodGet, "/missing.html", nil)
		req.Host = "example.com"
		_ = req.Write(clientConn)
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
		if err != nil {
			t.Error(err)
			return
		}
		status = resp.StatusCode
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestConnectionRejectsPathTraversal(t *testing.T) {
	owner := newTestOwner(t)
	// Plant a file just outside DocRoot that a naive path join would expose.
	if err := os.WriteFile(filepath.Join(owner.docRoot, "..", "secret.txt"), []byte("nope"), 0644); err == nil {
		defer os.Remove(filepath.Join(owner.docRoot, "..", "secret.txt"))
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(4, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status int
	go func() {
		defer close(done)
		raw := "GET /../secret.txt HTTP/1.1\r\nHost: example.com\r\n\r\n"
		_, _ = clientConn.Write([]byte(raw))
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
		if err != nil {
			t.Error(err)
			return
		}
		status = resp.StatusCode
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status == 200 {
		t.Fatalf("status = 200, traversal outside DocRoot must not succeed")
	}
}

func TestConnectionHonorsIfNoneMatch(t *testing.T) {
	owner := newTestOwner(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(3, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	entry := owner.cache.Lookup(filepath.Join(owner.docRoot, "index.html"))
	etag := etagFor(entry)

	done := make(chan struct{})
	var status int
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodGet, "/index.html", nil)
		req.Host = "example.com"
		req.Header.Set("If-None-Match", etag)
		_ = req.Write(clientConn)
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
		if err != nil {
			t.Error(err)
			return
		}
		status = resp.StatusCode
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status != 304 {
		t.Fatalf("status = %d, want 304", status)
	}
}

func TestConnectionAppliesExpireSettingToCacheControl(t *testing.T) {
	owner := newTestOwner(t)
	owner.prog = []action.Node{
		&action.Setting{Key: "expire_seconds", Value: "3600"},
	}
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(4, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var cacheControl, expires string
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodGet, "/index.html", nil)
		req.Host = "example.com"
		_ = req.Write(clientConn)
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
		if err != nil {
			t.Error(err)
			return
		}
		cacheControl = resp.Header.Get("Cache-Control")
		expires = resp.Header.Get("Expires")
		io.Copy(io.Discard, resp.Body)
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if cacheControl != "max-age=3600" {
		t.Errorf("Cache-Control = %q, want %q", cacheControl, "max-age=3600")
	}
	if expires == "" {
		t.Error("Expires header not set")
	}
}

// TestConnectionConsumesFixedLengthBodyBeforeNextRequest pipelines a POST
// carrying a Content-Length body directly followed by a GET on the same
// connection: if the body were left in the read queue (the pre-review bug),
// the second request's bytes would be misread as leftover body and the GET
// would never parse cleanly.
func TestConnectionConsumesFixedLengthBodyBeforeNextRequest(t *testing.T) {
	owner := newTestOwner(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(1, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status1, status2 int
	go func() {
		defer close(done)
		br := bufio.NewReader(clientConn)

		postReq, _ := http.NewRequest(http.MethodPost, "/index.html", strings.NewReader("abcdefghij"))
		postReq.Host = "example.com"
		_ = postReq.Write(clientConn)
		resp1, err := http.ReadResponse(br, postReq)
		if err != nil {
			t.Error(err)
			return
		}
		status1 = resp1.StatusCode
		io.Copy(io.Discard, resp1.Body)

		getReq, _ := http.NewRequest(http.MethodGet, "/index.html", nil)
		getReq.Host = "example.com"
		_ = getReq.Write(clientConn)
		resp2, err := http.ReadResponse(br, getReq)
		if err != nil {
			t.Error(err)
			return
		}
		status2 = resp2.StatusCode
		body, _ := io.ReadAll(resp2.Body)
		if string(body) != "hello world" {
			t.Errorf("second request body = %q, want %q", body, "hello world")
		}
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status1 != 200 {
		t.Fatalf("first response status = %d, want 200", status1)
	}
	if status2 != 200 {
		t.Fatalf("second response status = %d, want 200 (body leakage would corrupt this parse)", status2)
	}
}

// TestConnectionConsumesChunkedRequestBody exercises the chunked-decoder
// Filter spliced in front of the read Stream (spec §6's wire-format
// requirement, and the only caller of internal/filter's chunked decoder
// outside its own package tests): a chunked POST followed by a pipelined GET
// must leave the GET parseable.
func TestConnectionConsumesChunkedRequestBody(t *testing.T) {
	owner := newTestOwner(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(1, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status1, status2 int
	go func() {
		defer close(done)
		raw := "POST /index.html HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
		_, _ = clientConn.Write([]byte(raw))
		br := bufio.NewReader(clientConn)
		resp1, err := http.ReadResponse(br, nil)
		if err != nil {
			t.Error(err)
			return
		}
		status1 = resp1.StatusCode
		io.Copy(io.Discard, resp1.Body)

		getReq, _ := http.NewRequest(http.MethodGet, "/index.html", nil)
		getReq.Host = "example.com"
		_ = getReq.Write(clientConn)
		resp2, err := http.ReadResponse(br, getReq)
		if err != nil {
			t.Error(err)
			return
		}
		status2 = resp2.StatusCode
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status1 != 200 {
		t.Fatalf("chunked POST status = %d, want 200", status1)
	}
	if status2 != 200 {
		t.Fatalf("pipelined GET status = %d, want 200 (chunked body leakage would corrupt this parse)", status2)
	}
}

// echoBackendDialer lets a test backend.Pool read one HTTP/1.x request off
// a net.Pipe and hand back a canned response, same shape as
// internal/backend's own test dialers.
type echoBackendDialer struct {
	gotBody   []byte
	gotMethod string
}

func (d *echoBackendDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			return
		}
		d.gotMethod = req.Method
		d.gotBody, _ = io.ReadAll(req.Body)
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	}()
	return client, nil
}

// TestConnectionForwardsBodyToBackend drives a POST routed to a backend pool
// through the dispatch Function: its body must reach the backend (fix for
// the body the pre-review handleBackend silently dropped). HEAD handling is
// covered by TestConnectionHeadRequestToBackendSendsNoBody.
func TestConnectionForwardsBodyToBackend(t *testing.T) {
	owner := newTestOwner(t)
	dialer := &echoBackendDialer{}
	pool := backend.NewPool(backend.Config{Name: "api", Network: "tcp", Address: "x", Capacity: 1}, dialer)
	owner.pools = map[string]*backend.Pool{"api": pool}
	owner.prog = []action.Node{
		&action.Setting{Key: "backend.selected", Value: "api"},
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(1, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status int
	var body []byte
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodPost, "/api/widgets", strings.NewReader("payload"))
		req.Host = "example.com"
		_ = req.Write(clientConn)
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
		if err != nil {
			t.Error(err)
			return
		}
		status = resp.StatusCode
		body, _ = io.ReadAll(resp.Body)
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
	if string(dialer.gotBody) != "payload" {
		t.Fatalf("backend-observed body = %q, want %q", dialer.gotBody, "payload")
	}
}

func TestConnectionHeadRequestToBackendSendsNoBody(t *testing.T) {
	owner := newTestOwner(t)
	dialer := &echoBackendDialer{}
	pool := backend.NewPool(backend.Config{Name: "api", Network: "tcp", Address: "x", Capacity: 1}, dialer)
	owner.pools = map[string]*backend.Pool{"api": pool}
	owner.prog = []action.Node{
		&action.Setting{Key: "backend.selected", Value: "api"},
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(1, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status int
	var contentLength string
	var bodyLen int
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodHead, "/api/widgets", nil)
		req.Host = "example.com"
		_ = req.Write(clientConn)
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
		if err != nil {
			t.Error(err)
			return
		}
		status = resp.StatusCode
		contentLength = resp.Header.Get("Content-Length")
		b, _ := io.ReadAll(resp.Body)
		bodyLen = len(b)
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if contentLength != "5" {
		t.Fatalf("Content-Length = %q, want %q (HEAD still reports the upstream length)", contentLength, "5")
	}
	if bodyLen != 0 {
		t.Fatalf("HEAD body length = %d, want 0", bodyLen)
	}
}

// TestConnectionHeadRequestToStaticSendsNoBody mirrors the backend HEAD
// check for the static-file path.
func TestConnectionHeadRequestToStaticSendsNoBody(t *testing.T) {
	owner := newTestOwner(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn, err := New(1, owner, serverConn, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var status int
	var contentLength string
	var bodyLen int
	go func() {
		defer close(done)
		req, _ := http.NewRequest(http.MethodHead, "/index.html", nil)
		req.Host = "example.com"
		_ = req.Write(clientConn)
		resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
		if err != nil {
			t.Error(err)
			return
		}
		status = resp.StatusCode
		contentLength = resp.Header.Get("Content-Length")
		b, _ := io.ReadAll(resp.Body)
		bodyLen = len(b)
		clientConn.Close()
	}()

	stopped := drive(conn, done)
	<-done
	<-stopped

	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if contentLength != strconv.Itoa(len("hello world")) {
		t.Fatalf("Content-Length = %q, want %q", contentLength, strconv.Itoa(len("hello world")))
	}
	if bodyLen != 0 {
		t.Fatalf("HEAD body length = %d, want 0", bodyLen)
	}
}

// TestConnectionServesFromFetchCacheOnSecondRequest wires a fetchcache.Database
// in front of the backend pool and confirms a second identical GET is served
// from the cache rather than hitting the backend again.
func TestConnectionServesFromFetchCacheOnSecondRequest(t *testing.T) {
	owner := newTestOwner(t)
	dialer := &countingBackendDialer{}
	pool := backend.NewPool(backend.Config{Name: "api", Network: "tcp", Address: "x", Capacity: 1}, dialer)
	owner.pools = map[string]*backend.Pool{"api": pool}

	fetch := func(ctx context.Context, key string) (*fetchcache.Entry, error) {
		method, host, uri, ok := fetchcache.ParseFetchKey(key)
		if !ok {
			return nil, errs.New(errs.KindParse, 500, "bad key")
		}
		res, err := pool.RoundTrip(ctx, method, uri, host, nil, nil)
		if err != nil {
			return nil, err
		}
		return &fetchcache.Entry{Key: key, Status: res.Status, Header: res.Header, Body: res.Body, StoredAt: time.Now(), TTL: time.Minute}, nil
	}
	owner.caches = map[string]*fetchcache.Database{"api": fetchcache.New("api", fetch, nil, time.Minute)}
	owner.prog = []action.Node{
		&action.Setting{Key: "backend.selected", Value: "api"},
	}

	for i := 0; i < 2; i++ {
		serverConn, clientConn := net.Pipe()
		conn, err := New(uint64(i+1), owner, serverConn, nil, nil, nil)
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan struct{})
		var status int
		go func() {
			defer close(done)
			req, _ := http.NewRequest(http.MethodGet, "/api/widgets", nil)
			req.Host = "example.com"
			_ = req.Write(clientConn)
			resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
			if err != nil {
				t.Error(err)
				return
			}
			status = resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			clientConn.Close()
		}()

		stopped := drive(conn, done)
		<-done
		<-stopped
		clientConn.Close()

		if status != 200 {
			t.Fatalf("request %d: status = %d, want 200", i, status)
		}
	}

	if dialer.dials.Load() != 1 {
		t.Fatalf("backend dials = %d, want 1 (second request should have been served from the fetch cache)", dialer.dials.Load())
	}
}

type countingBackendDialer struct {
	dials atomic.Int32
}

func (d *countingBackendDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		req, err := http.ReadRequest(bufio.NewReader(server))
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, req.Body)
		_, _ = server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()
	return client, nil
}
