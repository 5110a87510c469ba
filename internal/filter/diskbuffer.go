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

package filter

import (
	"os"

	"vhttpd/pkg/chunk"
	"vhttpd/pkg/stream"
)

// DiskBuffer spills data past a size threshold into a temp file marked
// unlink-on-close, so a large backend response body never has to sit
// entirely in memory while the client slowly reads it (spec §4.6:
// "buffer-on-disk: when an output queue exceeds its CQLimit, excess data
// is written through to a tempfile fd ... marked for unlink-on-close").
type DiskBuffer struct {
	s *stream.Stream

	threshold int64
	dir       string

	spilling bool
	file     *os.File
	cf       *chunk.ChunkFile
	written  int64
}

func NewDiskBuffer(sched stream.Rescheduler, thresholdBytes int64, tmpDir string) *DiskBuffer {
	db := &DiskBuffer{threshold: thresholdBytes, dir: tmpDir}
	db.s = stream.New(stream.HandlerFunc(db.onEvent), sched)
	return db
}

func (db *DiskBuffer) Stream() *stream.Stream { return db.s }

func (db *DiskBuffer) onEvent(s *stream.Stream, ev stream.Event) {
	src := s.Source()
	if src == nil {
		return
	}
	switch ev {
	case stream.EventNewData:
		db.pump(src)
	case stream.EventDisconnectedSource:
		db.pump(src)
		s.Out.Close()
		s.NotifyNewData()
		if db.file != nil {
			_ = db.file.Close()
		}
	}
}

// pump moves everything currently buffered in src.Out downstream. Once
// db.s.Out's own backlog (what the socket hasn't drained yet) crosses
// threshold, further appends go to a spill file instead of memory.
func (db *DiskBuffer) pump(src *stream.Stream) {
	n := src.Out.Length()
	if n == 0 {
		return
	}
	if !db.spilling && db.s.Out.Length()+n <= db.threshold {
		if _, err := db.s.Out.AppendQueue(src.Out, n); err == nil {
			db.s.NotifyNewData()
			return
		}
	}
	db.startSpillingIfNeeded()
	body, err := src.Out.Extract(n)
	if err != nil {
		return
	}
	src.Out.Skip(n)
	if db.file == nil {
		return
	}
	if _, err := db.file.Write(body); err != nil {
		return
	}
	off := db.written
	db.written += int64(len(body))
	_ = db.s.Out.AppendFileRange(db.cf, off, int64(len(body)))
	db.s.NotifyNewData()
}

func (db *DiskBuffer) startSpillingIfNeeded() {
	if db.spilling {
		return
	}
	f, err := os.CreateTemp(db.dir, "vhttpd-spill-*.bin")
	if err != nil {
		return
	}
	db.spilling = true
	db.file = f
	db.cf = chunk.NewChunkFile(f.Name())
	db.cf.MarkUnlinkOnClose()
}
