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

package chunk

import (
	"container/list"
	"errors"

	"vhttpd/internal/errs"
)

// CQLimit is a shared cap on total enqueued bytes across one or more
// ChunkQueues (spec §3: "may reference a shared CQLimit that caps total
// enqueued bytes and fires a backpressure event when crossed").
type CQLimit struct {
	Max      int64
	enqueued int64
	onCross  func(overLimit bool)
}

func NewCQLimit(max int64, onCross func(overLimit bool)) *CQLimit {
	return &CQLimit{Max: max, onCross: onCross}
}

func (l *CQLimit) add(n int64) {
	if l == nil {
		return
	}
	was := l.enqueued > l.Max
	l.enqueued += n
	now := l.enqueued > l.Max
	if was != now && l.onCross != nil {
		l.onCross(now)
	}
}

func (l *CQLimit) Enqueued() int64 {
	if l == nil {
		return 0
	}
	return l.enqueued
}

// ChunkQueue is an ordered list of Chunks with byte counters and a
// monotonic close flag (spec §3/§4.1).
type ChunkQueue struct {
	chunks   *list.List // *Chunk
	bytesIn  int64
	bytesOut int64
	closed   bool
	limit    *CQLimit

	// iterHead caches the front element + in-chunk offset for Skip/iterator
	// fast paths; list.List gives us O(1) PushBack/Remove already.
}

func New() *ChunkQueue {
	return &ChunkQueue{chunks: list.New()}
}

func (q *ChunkQueue) SetLimit(l *CQLimit) { q.limit = l }

func (q *ChunkQueue) Length() int64 { return q.bytesIn - q.bytesOut }
func (q *ChunkQueue) BytesIn() int64  { return q.bytesIn }
func (q *ChunkQueue) BytesOut() int64 { return q.bytesOut }
func (q *ChunkQueue) IsClosed() bool  { return q.closed }
func (q *ChunkQueue) IsEmpty() bool   { return q.chunks.Len() == 0 }

// Close sets is_closed. Monotonic: once closed, always closed.
func (q *ChunkQueue) Close() { q.closed = true }

// appendChunk is the single internal entry point every Append* variant
// funnels through, so bytes_in/limit bookkeeping can never drift.
func (q *ChunkQueue) appendChunk(c *Chunk) error {
	if q.closed {
		return errs.ErrClosed
	}
	if c.Length() == 0 {
		return nil
	}
	q.chunks.PushBack(c)
	q.bytesIn += c.Length()
	q.limit.add(c.Length())
	return nil
}

// Append copies p into the queue. A fresh Buffer is allocated per call;
// callers moving a lot of small writes should batch or reuse AppendBuffer
// with a worker-local scratch Buffer (see internal/iostream) instead.
func (q *ChunkQueue) Append(p []byte) error {
	if len(p) == 0 {
		if q.closed {
			return errs.ErrClosed
		}
		return nil
	}
	buf := NewBuffer(len(p))
	buf.Write(p)
	return q.appendChunk(NewMemChunk(buf, 0, buf.Used()))
}

// AppendString is Append for a string, avoiding the caller needing its own
// []byte conversion.
func (q *ChunkQueue) AppendString(s string) error {
	return q.Append([]byte(s))
}

// AppendBufferRange appends the [off, off+n) range of an existing shared
// Buffer without copying.
func (q *ChunkQueue) AppendBufferRange(buf *Buffer, off, n int) error {
	if n == 0 {
		if q.closed {
			return errs.ErrClosed
		}
		return nil
	}
	return q.appendChunk(NewMemChunk(buf, off, n))
}

// AppendFileRange appends the [off, off+n) range of a shared file handle.
func (q *ChunkQueue) AppendFileRange(f *ChunkFile, off, n int64) error {
	if n == 0 {
		if q.closed {
			return errs.ErrClosed
		}
		return nil
	}
	return q.appendChunk(NewFileChunk(f, off, n))
}

// AppendOwned appends a []byte the queue takes ownership of without
// copying (the caller must not mutate it afterward).
func (q *ChunkQueue) AppendOwned(b []byte) error {
	if len(b) == 0 {
		if q.closed {
			return errs.ErrClosed
		}
		return nil
	}
	return q.appendChunk(NewOwnedChunk(b))
}

// AppendQueue moves up to n bytes from src's prefix into q, releasing
// consumed chunks from src as it goes (spec §4.1: "a memory copy, a string,
// a shared buffer range, a shared file range, or another queue's prefix").
func (q *ChunkQueue) AppendQueue(src *ChunkQueue, n int64) (int64, error) {
	var moved int64
	for moved < n {
		e := src.chunks.Front()
		if e == nil {
			break
		}
		c := e.Value.(*Chunk)
		want := n - moved
		if want >= c.Length() {
			src.chunks.Remove(e)
			src.bytesOut += c.Length()
			src.limit.add(-c.Length())
			moved += c.Length()
			if err := q.appendChunkAliased(c); err != nil {
				return moved, err
			}
		} else {
			// Partial: split off the prefix as its own chunk referencing the
			// same storage, then advance the source chunk in place.
			head := aliasChunk(c, 0, want)
			c.advance(want)
			src.bytesOut += want
			src.limit.add(-want)
			moved += want
			if err := q.appendChunkAliased(head); err != nil {
				return moved, err
			}
		}
	}
	return moved, nil
}

// appendChunkAliased appends a chunk that already holds (or has just taken)
// its own reference on shared storage — used by AppendQueue, which must not
// double up Buffer/ChunkFile refcounts relative to the source queue.
func (q *ChunkQueue) appendChunkAliased(c *Chunk) error {
	if q.closed {
		c.Release()
		return errs.ErrClosed
	}
	q.chunks.PushBack(c)
	q.bytesIn += c.Length()
	q.limit.add(c.Length())
	return nil
}

// aliasChunk builds a new Chunk view over [off, off+n) of c's storage,
// acquiring a fresh reference so the original and the alias can be released
// independently.
func aliasChunk(c *Chunk, off, n int64) *Chunk {
	switch c.kind {
	case KindMem:
		return NewMemChunk(c.buf, c.off+int(off), int(n))
	case KindFile:
		return NewFileChunk(c.file, int64(c.off)+off, n)
	default:
		b, _ := c.Bytes()
		cp := make([]byte, n)
		copy(cp, b[off:off+n])
		return NewOwnedChunk(cp)
	}
}

// Skip releases n bytes from the front of the queue: chunks fully consumed
// are removed and their storage released; a partially consumed chunk has
// its offset advanced in place. Invalidates any iterator positioned at or
// past the skipped chunks (spec §4.1).
func (q *ChunkQueue) Skip(n int64) int64 {
	var skipped int64
	for skipped < n {
		e := q.chunks.Front()
		if e == nil {
			break
		}
		c := e.Value.(*Chunk)
		want := n - skipped
		if want >= c.Length() {
			skipped += c.Length()
			q.chunks.Remove(e)
			c.Release()
		} else {
			c.advance(want)
			skipped += want
		}
	}
	q.bytesOut += skipped
	q.limit.add(-skipped)
	return skipped
}

// Extract reads exactly min(n, Length()) bytes into a contiguous []byte,
// reading through files where necessary. O(N): every byte is copied once.
func (q *ChunkQueue) Extract(n int64) ([]byte, error) {
	avail := q.Length()
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]byte, 0, n)
	var produced int64
	for e := q.chunks.Front(); e != nil && produced < n; e = e.Next() {
		c := e.Value.(*Chunk)
		want := n - produced
		if want > c.Length() {
			want = c.Length()
		}
		buf := make([]byte, want)
		read, err := c.ReadAt(buf, 0)
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, 500, "extract: file read", err)
		}
		out = append(out, buf[:read]...)
		produced += int64(read)
		if int64(read) < want {
			return out, errs.Wrap(errs.KindIO, 500, "extract: short file read", errors.New("truncated"))
		}
	}
	return out, nil
}

// Iterator walks a ChunkQueue's chunks without consuming them.
type Iterator struct {
	q       *ChunkQueue
	elem    *list.Element
	chunkOff int64
	absPos  int64
}

// Begin returns an iterator positioned at the first unconsumed byte.
func (q *ChunkQueue) Begin() *Iterator {
	return &Iterator{q: q, elem: q.chunks.Front()}
}

func (it *Iterator) Done() bool { return it.elem == nil }

// Chunk returns the current chunk and the offset within it.
func (it *Iterator) Chunk() (*Chunk, int64) {
	if it.elem == nil {
		return nil, 0
	}
	return it.elem.Value.(*Chunk), it.chunkOff
}

func (it *Iterator) AbsPos() int64 { return it.absPos }

// Next advances by n bytes within/across chunks.
func (it *Iterator) Next(n int64) {
	for n > 0 && it.elem != nil {
		c := it.elem.Value.(*Chunk)
		remaining := c.Length() - it.chunkOff
		if n < remaining {
			it.chunkOff += n
			it.absPos += n
			return
		}
		it.absPos += remaining
		n -= remaining
		it.elem = it.elem.Next()
		it.chunkOff = 0
	}
}

// ForEachChunk invokes f for every chunk currently in the queue, in order,
// without mutating iteration state — used by the write handler to select
// sendfile vs writev per chunk (spec §4.3).
func (q *ChunkQueue) ForEachChunk(f func(c *Chunk) bool) {
	for e := q.chunks.Front(); e != nil; e = e.Next() {
		if !f(e.Value.(*Chunk)) {
			return
		}
	}
}

// Destroy releases every remaining chunk's storage reference. Called when a
// queue (and the Stream that owns it) is torn down.
func (q *ChunkQueue) Destroy() {
	for e := q.chunks.Front(); e != nil; e = e.Next() {
		e.Value.(*Chunk).Release()
	}
	q.chunks.Init()
}
