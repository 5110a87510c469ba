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

// Package fetchcache implements spec §3's Fetch cache: an in-process,
// single-flighted cache of backend responses keyed by request identity
// (method + host + URI, see FetchKey), with an optional Redis-backed
// second tier shared across processes so a cold worker doesn't stampede the
// backend pool right after a cache miss elsewhere.
//
// The in-process half is grounded on internal/ratelimiter/core/store.go's
// sync.Map GetOrCreate shape, generalized here to fetch on a miss (Lookup
// blocks for the result rather than returning a miss or pending error), plus
// a real single-flight critical section so concurrent requests for the same
// cold key only trigger one backend fetch (spec.md: "the second and later
// readers of a pending fetch key block on the first, rather than
// duplicating backend work").
//
// The Redis tier is grounded on internal/ratelimiter/persistence/redis.go's
// RedisPersister: the same idempotent-marker Lua pattern (SETNX a marker
// with an expiry) is used here to claim a key's refresh. A process that
// loses the claim still fetches locally, so the marker does not stop two
// processes refreshing the same key at once.
package fetchcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"vhttpd/internal/errs"
	"vhttpd/internal/telemetry"
)

// FetchKey encodes a request's full identity into the opaque string a
// Fetcher receives on a miss — Fetcher is bound once per Database at New,
// long before any particular request exists, so the key is the only way a
// Fetcher closure learns which method/host/URI to actually fetch.
func FetchKey(method, host, uri string) string {
	return method + "\n" + host + "\n" + uri
}

// ParseFetchKey is FetchKey's inverse, for a Fetcher closure reconstructing
// the request it needs to issue.
func ParseFetchKey(key string) (method, host, uri string, ok bool) {
	parts := strings.SplitN(key, "\n", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// Fetcher performs the actual backend round-trip on a cache miss. Supplied
// by the caller (normally internal/backend) so this package has no
// knowledge of the wire protocol.
type Fetcher func(ctx context.Context, key string) (*Entry, error)

// Entry is one cached response (spec.md: body bytes plus the headers a
// conditional re-request needs).
type Entry struct {
	Key          string
	Status       int
	Header       map[string][]string
	Body         []byte
	ETag         string
	LastModified time.Time
	StoredAt     time.Time
	TTL          time.Duration
}

func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) > e.TTL
}

// inflight tracks one in-progress fetch so concurrent callers for the same
// key share its result (spec.md's single-flight requirement).
type inflight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Database is the Fetch cache.
type Database struct {
	name     string // telemetry label — cmd/vhttpd builds one Database per backend pool
	mu       sync.Mutex
	entries  map[string]*Entry
	pending  map[string]*inflight
	fetch    Fetcher
	redis    redis.Cmdable // nil disables the second tier
	redisTTL time.Duration
}

func New(name string, fetch Fetcher, redisClient redis.Cmdable, redisTTL time.Duration) *Database {
	return &Database{
		name:     name,
		entries:  make(map[string]*Entry),
		pending:  make(map[string]*inflight),
		fetch:    fetch,
		redis:    redisClient,
		redisTTL: redisTTL,
	}
}

// Lookup returns a fresh cached Entry, or performs (or joins) a single
// fetch when absent/expired. Blocking: callers on a worker's own goroutine
// should only call this from a Job, never directly from the I/O pump, so a
// slow backend fetch doesn't stall unrelated connections — spec.md models
// this as the caller getting back errs.KindCachePending and re-arming via
// the JobQueue, which Lookup approximates by blocking only this goroutine.
func (d *Database) Lookup(ctx context.Context, key string) (*Entry, error) {
	now := time.Now()

	d.mu.Lock()
	if e, ok := d.entries[key]; ok && !e.Expired(now) {
		d.mu.Unlock()
		telemetry.FetchCacheHits.WithLabelValues(d.name).Inc()
		return e, nil
	}
	if inf, ok := d.pending[key]; ok {
		d.mu.Unlock()
		telemetry.FetchCacheSingleFlight.WithLabelValues(d.name).Inc()
		<-inf.done
		return inf.entry, inf.err
	}

	inf := &inflight{done: make(chan struct{})}
	d.pending[key] = inf
	d.mu.Unlock()
	telemetry.FetchCacheMisses.WithLabelValues(d.name).Inc()

	entry, err := d.resolve(ctx, key)

	d.mu.Lock()
	delete(d.pending, key)
	if err == nil {
		d.entries[key] = entry
	}
	d.mu.Unlock()

	inf.entry, inf.err = entry, err
	close(inf.done)
	return entry, err
}

// resolve tries the Redis tier before falling back to the backend Fetcher.
// It claims the idempotent refresh marker, but calls the Fetcher whether or
// not the claim is won.
func (d *Database) resolve(ctx context.Context, key string) (*Entry, error) {
	if d.redis != nil {
		if e, ok := d.redisGet(ctx, key); ok && !e.Expired(time.Now()) {
			return e, nil
		}
		won, err := d.claimRefreshMarker(ctx, key)
		if err == nil && !won {
			// Another process is already refreshing this key; the caller
			// still needs an answer now, so fall through to a local fetch
			// rather than block indefinitely on a remote worker we can't
			// observe completing.
		}
	}

	entry, err := d.fetch(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.KindBackend, 502, "fetch cache backend fetch", err)
	}
	if d.redis != nil {
		d.redisSet(ctx, entry)
	}
	return entry, nil
}

const refreshMarkerScript = `
local marker = KEYS[1]
local ttl = tonumber(ARGV[1])
local set = redis.call('SETNX', marker, 1)
if set == 1 then
  redis.call('EXPIRE', marker, ttl)
  return 1
else
  return 0
end
`

func (d *Database) claimRefreshMarker(ctx context.Context, key string) (bool, error) {
	res, err := d.redis.Eval(ctx, refreshMarkerScript, []string{"fetchcache:refresh:" + key}, int(5*time.Second/time.Second)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (d *Database) redisGet(ctx context.Context, key string) (*Entry, bool) {
	body, err := d.redis.Get(ctx, "fetchcache:body:"+key).Bytes()
	if err != nil {
		return nil, false
	}
	return &Entry{Key: key, Body: body, StoredAt: time.Now(), TTL: d.redisTTL}, true
}

func (d *Database) redisSet(ctx context.Context, e *Entry) {
	d.redis.Set(ctx, "fetchcache:body:"+e.Key, e.Body, d.redisTTL)
}

// Invalidate drops the local copy (and, if configured, the shared Redis
// copy) of key, e.g. when a Filter or an upstream purge notification says
// the cached response is stale. Nothing in the server calls it yet;
// internal/xlog.BusSink publishes access records only.
func (d *Database) Invalidate(ctx context.Context, key string) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
	if d.redis != nil {
		d.redis.Del(ctx, "fetchcache:body:"+key)
	}
}
