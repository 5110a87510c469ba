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

package iostream

import (
	"net"
	"testing"
	"time"

	"vhttpd/pkg/stream"
)

func noopHandler(s *stream.Stream, ev stream.Event) {}

// TestReadAvailableTimesOutWithoutError confirms a ReadAvailable call with no
// peer data waiting returns promptly (bounded by pollDeadline) with zero
// bytes and no error, rather than blocking the worker indefinitely or
// surfacing the deadline timeout as a connection-ending failure.
func TestReadAvailableTimesOutWithoutError(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	ios, err := New(server, stream.HandlerFunc(noopHandler), stream.HandlerFunc(noopHandler), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	n, err := ios.ReadAvailable()
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("ReadAvailable err = %v, want nil on an idle pipe", err)
	}
	if n != 0 {
		t.Fatalf("ReadAvailable n = %d, want 0", n)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("ReadAvailable took %v, want roughly pollDeadline (%v)", elapsed, pollDeadline)
	}
}

// TestReadAvailableReturnsDataWrittenBeforeDeadline confirms a peer write
// that lands inside the poll window is still picked up and appended to In.Out
// rather than being dropped by the deadline machinery.
func TestReadAvailableReturnsDataWrittenBeforeDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	ios, err := New(server, stream.HandlerFunc(noopHandler), stream.HandlerFunc(noopHandler), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_, _ = client.Write([]byte("hello"))
	}()

	n, err := ios.ReadAvailable()
	if err != nil {
		t.Fatalf("ReadAvailable err = %v", err)
	}
	if n != 5 {
		t.Fatalf("ReadAvailable n = %d, want 5", n)
	}
	if got := ios.In.Out.Length(); got != 5 {
		t.Fatalf("In.Out.Length() = %d, want 5", got)
	}
}

// TestWritePendingTimesOutWithoutError mirrors the read-side case: when the
// peer never reads, WritePending's deadline-bounded write must report "no
// progress" rather than failing the connection outright.
func TestWritePendingTimesOutWithoutError(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	ios, err := New(server, stream.HandlerFunc(noopHandler), stream.HandlerFunc(noopHandler), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ios.Out.Out.AppendString("queued but nobody is reading"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	n, err := ios.WritePending()
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("WritePending err = %v, want nil on a stalled pipe", err)
	}
	if n != 0 {
		t.Fatalf("WritePending n = %d, want 0", n)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("WritePending took %v, want roughly pollDeadline (%v)", elapsed, pollDeadline)
	}
}

func TestIsTimeoutNilErrorIsFalse(t *testing.T) {
	if isTimeout(nil) {
		t.Fatal("isTimeout(nil) = true, want false")
	}
}
