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

// Package stream implements the pipeline node described in spec §3/§4.2: a
// Stream owns an output ChunkQueue and holds weak (non-owning) references to
// at most one source and one dest Stream, forming a linear chain. Streams
// never own their neighbors — that would make the chain a reference cycle —
// so every callback must cope with either side vanishing mid-call.
package stream

import (
	"sync/atomic"

	"vhttpd/pkg/chunk"
)

// Event is the set of notifications a Stream's Handler receives. Exactly one
// Handler call happens at a time for a given Stream (spec §4.2: "invoked
// only from the owning worker's thread, never concurrently with itself").
type Event int

const (
	EventNewData Event = iota
	EventNewCQLimit
	EventConnectedSource
	EventConnectedDest
	EventDisconnectedSource
	EventDisconnectedDest
	EventDestroy
)

func (e Event) String() string {
	switch e {
	case EventNewData:
		return "NewData"
	case EventNewCQLimit:
		return "NewCQLimit"
	case EventConnectedSource:
		return "ConnectedSource"
	case EventConnectedDest:
		return "ConnectedDest"
	case EventDisconnectedSource:
		return "DisconnectedSource"
	case EventDisconnectedDest:
		return "DisconnectedDest"
	case EventDestroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

// Handler receives pipeline events for a Stream. Implementations must not
// block: a Handler that needs to wait for an external event should arrange
// its own wakeup (a Job re-enqueue, a backend/stat/fetch wait) and return.
type Handler interface {
	OnStreamEvent(s *Stream, ev Event)
}

// HandlerFunc adapts a function to Handler for the common case of a stateless
// callback (most filters and the static-file/backend glue use this).
type HandlerFunc func(s *Stream, ev Event)

func (f HandlerFunc) OnStreamEvent(s *Stream, ev Event) { f(s, ev) }

// Rescheduler is implemented by whatever owns the JobQueue a Stream's
// again() should enqueue into. internal/worker.Worker implements this.
type Rescheduler interface {
	// Schedule enqueues exactly one Job for this Stream for the current (or
	// next, if the current generation is full) JobQueue generation. Callable
	// only from the owning worker's own goroutine.
	Schedule(s *Stream)
}

// AsyncRescheduler is a Rescheduler that can also accept a wakeup from a
// goroutine other than the one driving its JobQueue — spec §4.2 names "a
// fetch backend callback" as exactly the kind of caller this exists for.
type AsyncRescheduler interface {
	Rescheduler
	ScheduleAsync(s *Stream)
}

// Stream is one pipeline node (spec §3 "Stream").
type Stream struct {
	Out *chunk.ChunkQueue

	source *Stream
	dest   *Stream

	handler Handler
	sched   Rescheduler

	refs     atomic.Int32
	destroyed bool

	// Private holds handler-owned state (e.g. a filter's decode state
	// machine). The core never inspects it.
	Private interface{}
}

// New creates a Stream with its own output queue and a handler. sched is the
// Rescheduler whose JobQueue again() enqueues into — normally the owning
// worker.
func New(handler Handler, sched Rescheduler) *Stream {
	s := &Stream{Out: chunk.New(), handler: handler, sched: sched}
	s.refs.Store(1)
	return s
}

func (s *Stream) Acquire() { s.refs.Add(1) }

// Release drops a reference; at zero the Destroy event fires and the output
// queue is torn down. Per spec §9, refcounts belong to holders only: the
// constructor holds one, and ConnectSource/ConnectDest acquire on the
// downstream side releasing the upstream side on disconnect.
func (s *Stream) Release() {
	if s.refs.Add(-1) > 0 {
		return
	}
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.emit(EventDestroy)
	s.Out.Destroy()
}

// Source/Dest return the current linked neighbor, or nil.
func (s *Stream) Source() *Stream { return s.source }
func (s *Stream) Dest() *Stream   { return s.dest }

// ConnectSource links src as this Stream's upstream. The downstream (s)
// acquires a reference on src for the duration of the link; src is notified
// with ConnectedDest and s with ConnectedSource.
func (s *Stream) ConnectSource(src *Stream) {
	if s.source != nil {
		s.DisconnectSource()
	}
	s.source = src
	src.Acquire()
	src.dest = s
	src.emit(EventConnectedDest)
	s.emit(EventConnectedSource)
}

// DisconnectSource unlinks and releases the upstream Stream. If s.Out still
// has buffered data the caller is expected to have already flushed it — per
// spec §4.2 DisconnectedSource semantics are the upstream-side handler's
// responsibility, not this helper's.
func (s *Stream) DisconnectSource() {
	if s.source == nil {
		return
	}
	src := s.source
	s.source = nil
	if src.dest == s {
		src.dest = nil
	}
	src.emit(EventDisconnectedDest)
	s.emit(EventDisconnectedSource)
	src.Release()
}

// ConnectDest is the mirror of ConnectSource, used when wiring from the
// upstream side (e.g. a filter attaching itself in front of an existing
// consumer).
func (s *Stream) ConnectDest(dst *Stream) {
	dst.ConnectSource(s)
}

func (s *Stream) DisconnectDest() {
	if s.dest == nil {
		return
	}
	s.dest.DisconnectSource()
}

func (s *Stream) emit(ev Event) {
	if s.handler != nil {
		s.handler.OnStreamEvent(s, ev)
	}
}

// NotifyNewData emits EventNewData to this Stream's own handler. Callers use
// it both after appending to this Stream's own Out and on a downstream
// consumer whose source's Out grew.
func (s *Stream) NotifyNewData() { s.emit(EventNewData) }

func (s *Stream) NotifyNewCQLimit() { s.emit(EventNewCQLimit) }

// Again enqueues a Job for this Stream on its worker's JobQueue (spec §4.2:
// "Streams do not directly schedule work. They call again() which enqueues
// a Job"). It is a no-op if no Rescheduler was configured (tests mostly).
func (s *Stream) Again() {
	if s.sched != nil {
		s.sched.Schedule(s)
	}
}

// AgainAsync is Again's cross-goroutine-safe counterpart: a background
// goroutine that isn't the owning worker's own (a backend round trip, a
// fetch cache refresh) calls this instead of Again to hand the Stream's Job
// back for the next generation. Falls back to Again when sched doesn't
// implement AsyncRescheduler, so same-goroutine callers can keep using
// Again — this only matters for the cross-goroutine case.
func (s *Stream) AgainAsync() {
	if s.sched == nil {
		return
	}
	if ar, ok := s.sched.(AsyncRescheduler); ok {
		ar.ScheduleAsync(s)
		return
	}
	s.Again()
}

// Closed reports whether this Stream's output is closed and drained —
// useful for DisconnectedDest handling ("abort upstream unless
// out.is_closed").
func (s *Stream) Closed() bool {
	return s.Out.IsClosed() && s.Out.Length() == 0
}
