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

// Package throttle implements spec §3's Throttle: a per-connection token
// bucket (bytes/sec read and write caps) plus an optional Pool-wide shared
// cap that several connections draw from (spec.md's "throttle applies both
// a per-connection rate and an aggregate rate shared by every connection in
// the same class").
//
// The per-direction bucket is golang.org/x/time/rate underneath — non-
// blocking ClampRead/ClampWrite calls translate directly to rate.Limiter's
// burst accounting instead of the package's usual blocking Wait, since
// IOStream must never block the worker's event loop.
//
// Pool aggregation is grounded on the striped-atomic accumulator in the
// root vsa.go: many connections hammering one shared byte budget is exactly
// the false-sharing problem VSA solves, so Pool keeps a small array of
// padded atomic counters instead of one contended int64.
package throttle

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// padStripe avoids false sharing between concurrent connections' consume
// calls landing on adjacent counters, same rationale as root vsa.go's
// padSize-padded stripe.
type padStripe struct {
	n atomic.Int64
	_ [128 - 8]byte
}

// Pool is a shared aggregate byte budget across every connection in one
// class (e.g. "all connections talking to backend group X").
type Pool struct {
	limiter *rate.Limiter
	stripes []padStripe
	waits   atomic.Int64
}

// NewPool creates a shared budget refilling at bytesPerSec, bursting up to
// burstBytes. stripeCount should track worker count (one stripe per worker
// avoids cross-worker contention on the hot path).
func NewPool(bytesPerSec float64, burstBytes int, stripeCount int) *Pool {
	if stripeCount < 1 {
		stripeCount = 1
	}
	return &Pool{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes),
		stripes: make([]padStripe, stripeCount),
	}
}

// clamp returns how many of the requested bytes the pool currently allows,
// via a non-blocking reservation that's cancelled if it would wait.
func (p *Pool) clamp(requested int, stripe int) int {
	if p == nil || requested <= 0 {
		return requested
	}
	now := time.Now()
	if avail := int(p.limiter.TokensAt(now)); avail < requested {
		requested = avail
	}
	if requested <= 0 {
		p.waits.Add(1)
		return 0
	}
	r := p.limiter.ReserveN(now, requested)
	if !r.OK() {
		return 0
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		p.waits.Add(1)
		return 0
	}
	if stripe >= 0 && stripe < len(p.stripes) {
		p.stripes[stripe].n.Add(int64(requested))
	}
	return requested
}

// Waits returns how many times a caller was denied bytes due to the shared
// budget being exhausted, for the ThrottleWaitsTotal metric.
func (p *Pool) Waits() int64 {
	if p == nil {
		return 0
	}
	return p.waits.Load()
}

// State is the per-connection throttle: a read bucket, a write bucket, and
// an optional reference into the shared Pool for each direction.
type State struct {
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter

	readPool  *Pool
	writePool *Pool
	stripe    int
}

// NewState creates a connection-scoped throttle. Zero rates/pools mean
// "unlimited in that direction" (spec.md: throttle is opt-in per Action).
func NewState(readBytesPerSec, writeBytesPerSec float64, burst int, readPool, writePool *Pool, workerStripe int) *State {
	s := &State{readPool: readPool, writePool: writePool, stripe: workerStripe}
	if readBytesPerSec > 0 {
		s.readLimiter = rate.NewLimiter(rate.Limit(readBytesPerSec), burst)
	}
	if writeBytesPerSec > 0 {
		s.writeLimiter = rate.NewLimiter(rate.Limit(writeBytesPerSec), burst)
	}
	return s
}

// ClampRead returns how many of the requested bytes may be read this pump,
// the minimum of the connection's own bucket and the shared pool's.
func (s *State) ClampRead(requested int) int {
	if s == nil {
		return requested
	}
	n := requested
	if s.readLimiter != nil {
		n = clampLimiter(s.readLimiter, n)
	}
	if s.readPool != nil {
		if pn := s.readPool.clamp(n, s.stripe); pn < n {
			n = pn
		}
	}
	return n
}

func (s *State) ClampWrite(requested int) int {
	if s == nil {
		return requested
	}
	n := requested
	if s.writeLimiter != nil {
		n = clampLimiter(s.writeLimiter, n)
	}
	if s.writePool != nil {
		if pn := s.writePool.clamp(n, s.stripe); pn < n {
			n = pn
		}
	}
	return n
}

// ConsumeRead/ConsumeWrite take the count of bytes actually moved (sendfile
// and short reads can move fewer than were granted) but record nothing:
// ClampRead/ClampWrite have already taken tokens for the whole grant.
func (s *State) ConsumeRead(n int)  {}
func (s *State) ConsumeWrite(n int) {}

// clampLimiter mirrors Pool.clamp for a plain rate.Limiter with no stripe
// bookkeeping (the per-connection bucket doesn't need padding: it's only
// ever touched by its own connection's goroutine).
func clampLimiter(l *rate.Limiter, requested int) int {
	if requested <= 0 {
		return requested
	}
	now := time.Now()
	if avail := int(l.TokensAt(now)); avail < requested {
		requested = avail
	}
	if requested <= 0 {
		return 0
	}
	r := l.ReserveN(now, requested)
	if !r.OK() {
		return 0
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return 0
	}
	return requested
}
