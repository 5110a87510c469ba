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

package xlog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// AccessRecord is one structured log record the core hands to a Sink. The
// core never interprets what happens to a record after Write returns — log
// file management is an external collaborator (spec §1) — it only guarantees
// ordering per-connection. Every worker writes to the same Sink instance, so
// Write may be called concurrently and Sink implementations must be safe for
// concurrent use.
type AccessRecord struct {
	TimeUnixNano int64  `json:"ts"`
	RemoteAddr   string `json:"remote_addr"`
	Method       string `json:"method"`
	URI          string `json:"uri"`
	Status       int    `json:"status"`
	BytesOut     int64  `json:"bytes_out"`
	DurationUs   int64  `json:"duration_us"`
	BackendPool  string `json:"backend_pool,omitempty"`
}

// Sink is the log-target boundary described in spec §1. The core only needs
// to hand a record off; the rest (rotation, shipping, filtering) is the
// config/log-management front end's job.
type Sink interface {
	Write(rec AccessRecord)
	Close() error
}

// FileSink is a buffered, JSONL, append-only sink — adapted directly from
// internal/sinks/sbatch_file_sink.go's SBatchFileSink (same bufio.Writer +
// periodic-flush shape), generalized from tfd.SBatch to AccessRecord.
type FileSink struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	lastFlush time.Time
	flushEvery time.Duration
}

// NewFileSink opens (or creates) path in append mode with a 1MiB write
// buffer, flushing at least every flushEvery.
func NewFileSink(path string, flushEvery time.Duration) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if flushEvery <= 0 {
		flushEvery = 100 * time.Millisecond
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 1<<20), lastFlush: time.Now(), flushEvery: flushEvery}, nil
}

func (s *FileSink) Write(rec AccessRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(&rec); err != nil {
		_ = s.w.Flush()
		_ = enc.Encode(&rec)
	}
	if time.Since(s.lastFlush) > s.flushEvery {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// ReadAllAccessLog reads an entire JSONL access log back into memory.
// Adapted from sinks.ReadAllSLog; intended for tests and debug tooling, not
// the hot path.
func ReadAllAccessLog(path string) ([]AccessRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []AccessRecord
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var rec AccessRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, scanner.Err()
}
