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

// Package waitqueue implements the uniform-deadline timer list described in
// spec §3/§4.4: a Connection registers a single deadline (its io or
// keepalive timeout), and the owning worker polls Expired once per
// loop iteration instead of arming one OS timer per waiter.
//
// Every entry added through the same Queue with the same timeout value
// shares one property that makes this cheap: because entries are always
// appended in the order they are registered, and the timeout duration is
// uniform per Queue, deadlines are monotonically non-decreasing front to
// back. Expired can therefore just pop off the front until it finds one
// that hasn't fired yet, without a heap.
//
// Grounded on internal/ratelimiter/core/worker.go's ticker/stopChan shape
// for the caller-driven poll loop this is meant to back.
package waitqueue

import (
	"container/list"
	"time"
)

// Waiter is anything with a cancellable wait registration.
type Waiter interface {
	// OnTimeout is invoked by the owning worker's loop when this waiter's
	// deadline has passed. Called from the worker's own goroutine only.
	OnTimeout()
}

type entry struct {
	w        Waiter
	deadline time.Time
	elem     *list.Element
}

// Queue holds waiters that all share one timeout duration (a Connection's
// io timeout or its keepalive timeout).
// Use one Queue per distinct timeout value in a worker.
type Queue struct {
	timeout time.Duration
	entries *list.List // *entry, deadline ascending
	index   map[Waiter]*entry
}

func New(timeout time.Duration) *Queue {
	return &Queue{
		timeout: timeout,
		entries: list.New(),
		index:   make(map[Waiter]*entry),
	}
}

// Add registers w with a deadline of now+timeout. If w is already
// registered, Add is a no-op and the existing deadline stands — callers that
// want to reset the clock should call Touch explicitly.
func (q *Queue) Add(w Waiter, now time.Time) {
	if _, ok := q.index[w]; ok {
		return
	}
	e := &entry{w: w, deadline: now.Add(q.timeout)}
	e.elem = q.entries.PushBack(e)
	q.index[w] = e
}

// Touch resets w's deadline to now+timeout, moving it to the back of the
// queue (spec §4.4: "each byte of traffic re-arms the connection's idle
// timeout" — keepalive/read/write progress calls this).
func (q *Queue) Touch(w Waiter, now time.Time) {
	e, ok := q.index[w]
	if !ok {
		q.Add(w, now)
		return
	}
	q.entries.Remove(e.elem)
	e.deadline = now.Add(q.timeout)
	e.elem = q.entries.PushBack(e)
}

// Remove cancels w's registration, if any.
func (q *Queue) Remove(w Waiter) {
	e, ok := q.index[w]
	if !ok {
		return
	}
	q.entries.Remove(e.elem)
	delete(q.index, w)
}

// Expired pops and fires OnTimeout for every waiter whose deadline is at or
// before now, returning how many fired. The worker's event loop calls this
// once per generation (spec §4.4).
func (q *Queue) Expired(now time.Time) int {
	fired := 0
	for {
		front := q.entries.Front()
		if front == nil {
			return fired
		}
		e := front.Value.(*entry)
		if e.deadline.After(now) {
			return fired
		}
		q.entries.Remove(front)
		delete(q.index, e.w)
		e.w.OnTimeout()
		fired++
	}
}

// NextDeadline reports the earliest outstanding deadline, for a worker that
// wants to size its poll/select timeout instead of busy-looping.
func (q *Queue) NextDeadline() (time.Time, bool) {
	front := q.entries.Front()
	if front == nil {
		return time.Time{}, false
	}
	return front.Value.(*entry).deadline, true
}

func (q *Queue) Len() int { return q.entries.Len() }
