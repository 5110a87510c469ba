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

// Package iostream wires a socket to a pair of Streams (spec §4.3): IOStream
// reads into an input Stream's Out queue and writes from an output Stream's
// Out queue, selecting sendfile for file-backed chunks and writev for
// memory-backed runs so a static-file response never round-trips through a
// userspace copy.
package iostream

import (
	"net"
	"syscall"
	"time"

	"vhttpd/internal/throttle"
	"vhttpd/pkg/chunk"
	"vhttpd/pkg/stream"
)

// rawConn is the subset of syscall.RawConn plus fd access IOStream needs;
// satisfied by *net.TCPConn via SyscallConn.
type rawConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// IOStream pairs one socket with an In Stream (bytes read from the wire,
// handed to the Connection's request parser) and an Out Stream (bytes the
// Connection wants written to the wire).
type IOStream struct {
	conn net.Conn
	raw  syscall.RawConn

	In  *stream.Stream
	Out *stream.Stream

	throttle *throttle.State

	readBuf []byte

	closed bool
}

const readChunkSize = 64 * 1024

// New wraps conn, creating the In/Out Streams. handler/sched follow the same
// contract as stream.New — normally the owning Connection and Worker.
func New(conn net.Conn, inHandler, outHandler stream.Handler, sched stream.Rescheduler, th *throttle.State) (*IOStream, error) {
	ios := &IOStream{
		conn:     conn,
		In:       stream.New(inHandler, sched),
		Out:      stream.New(outHandler, sched),
		throttle: th,
		readBuf:  make([]byte, readChunkSize),
	}
	if rc, ok := conn.(rawConn); ok {
		raw, err := rc.SyscallConn()
		if err == nil {
			ios.raw = raw
		}
	}
	return ios, nil
}

// ReadAvailable performs one non-blocking read into In.Out, respecting the
// throttle's current read allowance (spec §4.3: "the throttle interposes on
// both directions, clamping how many bytes one pump call may move"). It
// returns the number of bytes read and io.EOF-shaped errors the Connection's
// state machine interprets as peer-closed.
// pollDeadline is how long a single ReadAvailable/WritePending call may
// block before giving up and reporting "no progress yet" rather than
// stalling the whole event loop. Go's net.Conn has no select/epoll-style
// non-blocking poll, so a short deadline is this core's stand-in for the
// non-blocking socket the original event loop assumes (spec §4.3: "a pump
// call never blocks the worker it runs on").
const pollDeadline = 2 * time.Millisecond

func (s *IOStream) ReadAvailable() (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	allow := len(s.readBuf)
	if s.throttle != nil {
		allow = s.throttle.ClampRead(allow)
		if allow == 0 {
			return 0, nil
		}
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(pollDeadline))
	n, err := s.conn.Read(s.readBuf[:allow])
	if n > 0 {
		_ = s.In.Out.AppendOwned(append([]byte(nil), s.readBuf[:n]...))
		if s.throttle != nil {
			s.throttle.ConsumeRead(n)
		}
		s.In.NotifyNewData()
	}
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// WritePending drains as much of Out.Out as the connection and the throttle
// will currently take, preferring sendfile for file-backed chunks and a
// single writev for any contiguous run of memory-backed chunks ahead of
// them (spec §4.3's zero-copy write path).
func (s *IOStream) WritePending() (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	q := s.Out.Out
	if q.IsEmpty() {
		return 0, nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(pollDeadline))

	var written int
	var memRun []*chunk.Chunk
	flushMem := func() error {
		if len(memRun) == 0 {
			return nil
		}
		n, err := s.writevChunks(memRun)
		written += n
		memRun = memRun[:0]
		return err
	}

	var firstErr error
	q.ForEachChunk(func(c *chunk.Chunk) bool {
		allow := 1 << 30
		if s.throttle != nil {
			allow = s.throttle.ClampWrite(allow)
			if allow == 0 {
				return false
			}
		}
		if c.Kind() == chunk.KindFile {
			if err := flushMem(); err != nil {
				firstErr = err
				return false
			}
			n, err := s.sendfileChunk(c)
			written += n
			if s.throttle != nil {
				s.throttle.ConsumeWrite(n)
			}
			if err != nil {
				firstErr = err
				return false
			}
			return true
		}
		memRun = append(memRun, c)
		return true
	})
	if firstErr == nil {
		firstErr = flushMem()
	}

	if written > 0 {
		q.Skip(int64(written))
	}
	if isTimeout(firstErr) {
		firstErr = nil
	}
	return written, firstErr
}

// writevChunks writes a run of memory-backed chunks with as few syscalls as
// the platform allows: writevRaw (unix build) batches them into one
// writev(2); the portable fallback below just loops Write.
func (s *IOStream) writevChunks(chunks []*chunk.Chunk) (int, error) {
	if s.raw != nil {
		bufs := make([][]byte, 0, len(chunks))
		for _, c := range chunks {
			if b, ok := c.Bytes(); ok {
				bufs = append(bufs, b)
			}
		}
		if n, err, ok := writevRaw(s.raw, bufs); ok {
			if s.throttle != nil {
				s.throttle.ConsumeWrite(n)
			}
			return n, err
		}
	}
	var total int
	for _, c := range chunks {
		b, ok := c.Bytes()
		if !ok {
			continue
		}
		n, err := s.conn.Write(b)
		total += n
		if s.throttle != nil {
			s.throttle.ConsumeWrite(n)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sendfileChunk writes one file-backed chunk via sendfile(2) when the
// platform and connection type support it (sendfileRaw, unix build),
// falling back to a read+write copy otherwise.
func (s *IOStream) sendfileChunk(c *chunk.Chunk) (int, error) {
	f := c.File()
	if s.raw != nil {
		if n, err, ok := sendfileRaw(s.raw, f, c.FileOffset(), c.Length()); ok {
			return n, err
		}
	}
	b := make([]byte, c.Length())
	n, err := f.ReadAt(b, c.FileOffset())
	if err != nil {
		return 0, err
	}
	wn, err := s.conn.Write(b[:n])
	return wn, err
}

func (s *IOStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.In.Release()
	s.Out.Release()
	return s.conn.Close()
}
