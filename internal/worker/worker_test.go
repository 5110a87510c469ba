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
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vhttpd/internal/statcache"
	"vhttpd/pkg/stream"
)

type fakeJob struct{ runs int }

func (j *fakeJob) RunJob() { j.runs++ }

func newTestWorker(t *testing.T, docRoot string) (*Worker, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Name:             "w-test",
		DocRoot:          docRoot,
		StatCache:        statcache.New(time.Minute, time.Minute),
		IOTimeout:        time.Second,
		KeepAliveTimeout: time.Second,
		PollInterval:     2 * time.Millisecond,
	}
	return New(cfg, ln), ln
}

func TestScheduleForwardsStreamToItsOwningJob(t *testing.T) {
	w, _ := newTestWorker(t, t.TempDir())
	job := &fakeJob{}
	s := stream.New(stream.HandlerFunc(func(*stream.Stream, stream.Event) {}), w)
	s.Private = job

	w.Schedule(s)
	if w.jobq.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", w.jobq.Pending())
	}
	w.jobq.RunGeneration()
	if job.runs != 1 {
		t.Fatalf("job.runs = %d, want 1", job.runs)
	}
}

func TestScheduleAsyncForwardsStreamToItsOwningJob(t *testing.T) {
	w, _ := newTestWorker(t, t.TempDir())
	job := &fakeJob{}
	s := stream.New(stream.HandlerFunc(func(*stream.Stream, stream.Event) {}), w)
	s.Private = job

	w.ScheduleAsync(s)
	if w.jobq.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", w.jobq.Pending())
	}
	w.jobq.RunGeneration()
	if job.runs != 1 {
		t.Fatalf("job.runs = %d, want 1", job.runs)
	}
}

func TestStreamAgainAsyncRoutesThroughScheduleAsync(t *testing.T) {
	w, _ := newTestWorker(t, t.TempDir())
	job := &fakeJob{}
	s := stream.New(stream.HandlerFunc(func(*stream.Stream, stream.Event) {}), w)
	s.Private = job

	s.AgainAsync()
	if w.jobq.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", w.jobq.Pending())
	}
}

func TestScheduleIgnoresStreamWithoutAJobPrivate(t *testing.T) {
	w, _ := newTestWorker(t, t.TempDir())
	s := stream.New(stream.HandlerFunc(func(*stream.Stream, stream.Event) {}), w)
	// No Private set — Schedule must not panic and must not enqueue anything.
	w.Schedule(s)
	if w.jobq.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", w.jobq.Pending())
	}
}

func TestWorkerServesStaticFileOverRealListener(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello from worker"), 0644); err != nil {
		t.Fatal(err)
	}
	w, ln := newTestWorker(t, dir)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run()
	}()
	defer func() {
		w.Stop()
		<-done
	}()

	addr := ln.Addr().String()
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/index.html")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from worker" {
		t.Fatalf("body = %q", body)
	}
	if w.ConnCount() == 0 {
		t.Fatal("expected at least one tracked connection mid-request")
	}
}

func TestResourceGuardTripsBelowFloor(t *testing.T) {
	g := &ResourceGuard{
		name:       "g",
		floorBytes: 1 << 30,
		sampleFn:   func() (uint64, error) { return 1 << 20, nil },
		stopCh:     make(chan struct{}),
	}
	g.sample()
	if !g.Tripped() {
		t.Fatal("expected guard to trip when available memory is below the floor")
	}
}

func TestResourceGuardStaysClearAboveFloor(t *testing.T) {
	g := &ResourceGuard{
		name:       "g",
		floorBytes: 1 << 20,
		sampleFn:   func() (uint64, error) { return 1 << 30, nil },
		stopCh:     make(chan struct{}),
	}
	g.sample()
	if g.Tripped() {
		t.Fatal("expected guard to stay clear when available memory is above the floor")
	}
}

func TestWorkerRejectsAcceptsWhenGuardTripped(t *testing.T) {
	dir := t.TempDir()
	w, ln := newTestWorker(t, dir)
	w.cfg.Guard = &ResourceGuard{
		name:       "g",
		floorBytes: 1 << 30,
		sampleFn:   func() (uint64, error) { return 0, nil },
		stopCh:     make(chan struct{}),
	}
	w.cfg.Guard.sample()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run()
	}()
	defer func() {
		w.Stop()
		<-done
	}()

	addr := ln.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	if n != 0 {
		t.Fatalf("expected the tripped guard to close the socket without a response, got %q", buf[:n])
	}
}
