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

// Package chunk implements the append-only ordered byte-range sequence
// (spec §3 "ChunkQueue", §4.1) that moves bytes through the request
// pipeline with as few copies as possible: a ChunkQueue holds Chunks that
// either alias a shared Buffer, alias a range of an open file, or own their
// bytes outright.
package chunk

import "sync/atomic"

// Buffer is a fixed-capacity, reference-counted byte arena. It has exactly
// one writer, which grows `used` monotonically as it appends; any number of
// readers may see the prefix up to `used` concurrently without locking,
// since bytes already written are never mutated (spec §4.1: "immutable after
// their used watermark is set by the single writer").
type Buffer struct {
	data []byte
	used int
	refs atomic.Int32
}

// NewBuffer allocates a Buffer with the given capacity. Real deployments
// would source this from a page-aligned slab/mempool; a plain make([]byte)
// is the size-appropriate stand-in here since the core's own job is the
// queueing discipline, not the allocator.
func NewBuffer(capacity int) *Buffer {
	b := &Buffer{data: make([]byte, capacity)}
	b.refs.Store(1)
	return b
}

func (b *Buffer) Cap() int  { return len(b.data) }
func (b *Buffer) Used() int { return b.used }

// Free returns the unwritten tail capacity.
func (b *Buffer) Free() int { return len(b.data) - b.used }

// Write appends p to the tail, advancing the watermark. It never exceeds
// capacity; callers must check Free() first or accept the short write.
func (b *Buffer) Write(p []byte) int {
	n := copy(b.data[b.used:], p)
	b.used += n
	return n
}

// Bytes returns the written prefix. The returned slice aliases the Buffer's
// storage and must not be retained past the Buffer's lifetime without an
// Acquire.
func (b *Buffer) Bytes() []byte { return b.data[:b.used] }

// Slice returns the aliasing sub-range [off, off+n) of the written prefix.
func (b *Buffer) Slice(off, n int) []byte { return b.data[off : off+n] }

// Acquire/Release implement the holder-based refcounting described in
// spec §9: every Chunk that aliases this Buffer acquires on construction and
// releases when the Chunk is dropped from a ChunkQueue.
func (b *Buffer) Acquire() { b.refs.Add(1) }

// Release drops a reference; once it would go to zero the Buffer's storage
// is eligible for reuse/GC. There's no explicit pool here (left to a
// higher-level slab allocator) — this just tracks liveness.
func (b *Buffer) Release() int32 { return b.refs.Add(-1) }

func (b *Buffer) RefCount() int32 { return b.refs.Load() }
