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
	"bytes"

	"github.com/klauspost/compress/gzip"

	"vhttpd/pkg/stream"
)

// GzipCompressor is an optional response-body Filter. No Connection path
// installs it and nothing consults Accept-Encoding; filter_test.go exercises
// it on its own (spec.md supplemented feature: the original
// ships a compression module the distilled spec.md never mentions, so this
// is carried over rather than invented — see SPEC_FULL.md's "Supplemented
// features").
type GzipCompressor struct {
	s  *stream.Stream
	gz *gzip.Writer
	buf bytes.Buffer
}

func NewGzipCompressor(sched stream.Rescheduler, level int) *GzipCompressor {
	gc := &GzipCompressor{}
	gc.s = stream.New(stream.HandlerFunc(gc.onEvent), sched)
	w, err := gzip.NewWriterLevel(&gc.buf, level)
	if err != nil {
		w, _ = gzip.NewWriterLevel(&gc.buf, gzip.DefaultCompression)
	}
	gc.gz = w
	return gc
}

func (gc *GzipCompressor) Stream() *stream.Stream { return gc.s }

func (gc *GzipCompressor) onEvent(s *stream.Stream, ev stream.Event) {
	src := s.Source()
	if src == nil {
		return
	}
	switch ev {
	case stream.EventNewData:
		n := src.Out.Length()
		if n == 0 {
			return
		}
		body, err := src.Out.Extract(n)
		if err != nil {
			return
		}
		src.Out.Skip(n)
		if _, err := gc.gz.Write(body); err != nil {
			return
		}
		gc.flushBuf()
	case stream.EventDisconnectedSource:
		_ = gc.gz.Close()
		gc.flushBuf()
		s.Out.Close()
		s.NotifyNewData()
	}
}

func (gc *GzipCompressor) flushBuf() {
	if gc.buf.Len() == 0 {
		return
	}
	_ = gc.s.Out.AppendOwned(append([]byte(nil), gc.buf.Bytes()...))
	gc.buf.Reset()
	gc.s.NotifyNewData()
}
