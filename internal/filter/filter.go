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

// Package filter implements spec §4's Filter chain: Stream-shaped
// transformers spliced into a Connection's Stream chain — chunked
// transfer-encoding and decoding, disk-backed buffering for data too large
// to hold in memory, and gzip compression. The chunked decoder is the one a
// Connection installs, in front of its read Stream.
//
// Each Filter owns exactly one Stream (pkg/stream.Stream) whose handler
// transforms data arriving on its source into data appended to its own Out
// queue; ConnectSource/ConnectDest from pkg/stream does the actual splicing.
package filter

import (
	"fmt"

	"vhttpd/pkg/chunk"
	"vhttpd/pkg/stream"
)

// Filter is anything that can be spliced into the Stream chain.
type Filter interface {
	Stream() *stream.Stream
}

// chunkedEncoder rewrites whatever bytes land on its source into HTTP/1.1
// chunked transfer-coding, appending a zero-size terminator chunk when the
// source closes (spec.md: "a chunked-encode filter is installed whenever
// the response has no Content-Length and the client accepts chunked").
type chunkedEncoder struct {
	s *stream.Stream
}

func NewChunkedEncoder(sched stream.Rescheduler) *chunkedEncoder {
	ce := &chunkedEncoder{}
	ce.s = stream.New(stream.HandlerFunc(ce.onEvent), sched)
	return ce
}

func (ce *chunkedEncoder) Stream() *stream.Stream { return ce.s }

func (ce *chunkedEncoder) onEvent(s *stream.Stream, ev stream.Event) {
	switch ev {
	case stream.EventNewData:
		src := s.Source()
		if src == nil {
			return
		}
		n := src.Out.Length()
		if n == 0 {
			return
		}
		body, err := src.Out.Extract(n)
		if err != nil {
			return
		}
		src.Out.Skip(n)
		_ = s.Out.AppendString(fmt.Sprintf("%x\r\n", len(body)))
		_ = s.Out.AppendOwned(body)
		_ = s.Out.AppendString("\r\n")
		s.NotifyNewData()
	case stream.EventDisconnectedSource:
		_ = s.Out.AppendString("0\r\n\r\n")
		s.Out.Close()
		s.NotifyNewData()
	}
}

// chunkedDecoder is the inverse, used on the request side when a client
// sends a chunked request body (spec.md §5: "request bodies may themselves
// be chunked; the core always presents VRequest.Body as already-decoded
// bytes regardless of the wire encoding").
type chunkedDecoder struct {
	s *stream.Stream

	state   decodeState
	needed  int64 // remaining bytes in the current chunk, once sizeLine is known
}

type decodeState int

const (
	stateSize decodeState = iota
	stateData
	stateTrailerCRLF
	stateDone
)

func NewChunkedDecoder(sched stream.Rescheduler) *chunkedDecoder {
	cd := &chunkedDecoder{}
	cd.s = stream.New(stream.HandlerFunc(cd.onEvent), sched)
	return cd
}

func (cd *chunkedDecoder) Stream() *stream.Stream { return cd.s }

func (cd *chunkedDecoder) onEvent(s *stream.Stream, ev stream.Event) {
	if ev != stream.EventNewData {
		return
	}
	src := s.Source()
	if src == nil {
		return
	}
	cd.drain(src)
}

// drain pulls as many fully-framed chunks as are currently buffered. A
// partial size-line or partial chunk body waits for more EventNewData.
func (cd *chunkedDecoder) drain(src *stream.Stream) {
	for {
		switch cd.state {
		case stateSize:
			line, ok := extractLine(src.Out)
			if !ok {
				return
			}
			size, err := parseChunkSize(line)
			if err != nil {
				cd.s.Out.Close()
				return
			}
			if size == 0 {
				cd.state = stateTrailerCRLF
				continue
			}
			cd.needed = size
			cd.state = stateData
		case stateData:
			avail := src.Out.Length()
			if avail == 0 {
				return
			}
			take := cd.needed
			if avail < take {
				take = avail
			}
			body, err := src.Out.Extract(take)
			if err != nil {
				return
			}
			src.Out.Skip(take)
			_ = cd.s.Out.AppendOwned(body)
			cd.needed -= take
			if cd.needed == 0 {
				if _, ok := extractLine(src.Out); !ok {
					return
				}
				cd.state = stateSize
			} else {
				return
			}
		case stateTrailerCRLF:
			if _, ok := extractLine(src.Out); !ok {
				return
			}
			cd.state = stateDone
			cd.s.Out.Close()
			cd.s.NotifyNewData()
			return
		case stateDone:
			return
		}
	}
}

// extractLine pulls one CRLF-terminated line off q's front without
// requiring the whole queue to already be a contiguous []byte.
func extractLine(q *chunk.ChunkQueue) (string, bool) {
	avail := q.Length()
	if avail == 0 {
		return "", false
	}
	peek, err := q.Extract(avail)
	if err != nil {
		return "", false
	}
	for i := 0; i+1 < len(peek); i++ {
		if peek[i] == '\r' && peek[i+1] == '\n' {
			q.Skip(int64(i + 2))
			return string(peek[:i]), true
		}
	}
	return "", false
}

func parseChunkSize(line string) (int64, error) {
	// Strip chunk extensions (";name=value") per spec.md's wire-format
	// section; only the size before ';' matters.
	for i, c := range line {
		if c == ';' {
			line = line[:i]
			break
		}
	}
	var n int64
	if len(line) == 0 {
		return 0, fmt.Errorf("empty chunk size line")
	}
	for _, c := range line {
		var d int64
		switch {
		case c >= '0' && c <= '9':
			d = int64(c - '0')
		case c >= 'a' && c <= 'f':
			d = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int64(c-'A') + 10
		default:
			return 0, fmt.Errorf("invalid chunk size digit %q", c)
		}
		n = n*16 + d
	}
	return n, nil
}
