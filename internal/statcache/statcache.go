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

// Package statcache implements spec §3's Stat cache: a sync.Map keyed by
// filesystem path, refreshed by a background worker instead of calling
// stat(2) inline on every request (spec.md: "a Physical lookup consults the
// cache first; the cache's own background thread is the only thing that
// ever calls stat(2)").
//
// Grounded on internal/ratelimiter/core/store.go's Store: GetOrCreate's
// load-then-lazily-allocate-then-LoadOrStore shape avoids allocating on the
// hot path exactly the way that file does, and the eviction concept
// (entries unreferenced longer than a max age are dropped) carries over
// directly, just driven by mtime/staleness instead of request-vector
// thresholds.
package statcache

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"vhttpd/internal/telemetry"
)

// Entry is one path's cached stat result (spec.md: size, mtime, an ETag
// seed, and whether the path exists at all — a negative cache entry for
// ENOENT is valid and avoids repeat syscalls on 404 floods).
type Entry struct {
	Path string

	Exists  bool
	IsDir   bool
	Size    int64
	ModTime time.Time
	Err     error

	lastAccessed int64 // UnixNano, atomic
	refreshedAt  int64 // UnixNano, atomic
}

func (e *Entry) touch(now time.Time) {
	atomic.StoreInt64(&e.lastAccessed, now.UnixNano())
}

func (e *Entry) Age(now time.Time) time.Duration {
	refreshed := atomic.LoadInt64(&e.refreshedAt)
	return now.Sub(time.Unix(0, refreshed))
}

// Cache is the Stat cache. Safe for concurrent use from every worker;
// Lookup stats a path on the caller's goroutine on first use, and after that
// only the refresh worker re-stats it.
type Cache struct {
	entries sync.Map // string -> *Entry

	maxAge    time.Duration
	evictIdle time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Cache. maxAge bounds how stale an Entry may be before the
// refresh loop re-stats it; evictIdle bounds how long an Entry may go
// unaccessed before the eviction loop drops it.
func New(maxAge, evictIdle time.Duration) *Cache {
	return &Cache{
		maxAge:    maxAge,
		evictIdle: evictIdle,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background refresh and eviction loops. Mirrors the
// two-loop-per-Worker shape the teacher's background worker uses.
func (c *Cache) Start(refreshInterval, evictInterval time.Duration) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.refreshLoop(refreshInterval)
	}()
	go func() {
		defer c.wg.Done()
		c.evictLoop(evictInterval)
	}()
}

func (c *Cache) Stop() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Lookup returns the cached Entry for path, populating it synchronously on
// first use (the hot path must never return "no information yet" for a
// path nobody has asked about before) and otherwise touching its access
// time without blocking.
func (c *Cache) Lookup(path string) *Entry {
	now := time.Now()
	if v, ok := c.entries.Load(path); ok {
		e := v.(*Entry)
		e.touch(now)
		return e
	}

	e := statNow(path, now)
	if actual, loaded := c.entries.LoadOrStore(path, e); loaded {
		existing := actual.(*Entry)
		existing.touch(now)
		return existing
	}
	return e
}

// Invalidate forces path to be re-stat'd on its next refresh pass, used
// when a Filter or Action knows a file just changed underfoot.
func (c *Cache) Invalidate(path string) {
	if v, ok := c.entries.Load(path); ok {
		atomic.StoreInt64(&v.(*Entry).refreshedAt, 0)
	}
}

func statNow(path string, now time.Time) *Entry {
	e := &Entry{Path: path}
	e.touch(now)
	fi, err := os.Stat(path)
	if err != nil {
		e.Err = err
		e.Exists = !os.IsNotExist(err)
		atomic.StoreInt64(&e.refreshedAt, now.UnixNano())
		return e
	}
	e.Exists = true
	e.IsDir = fi.IsDir()
	e.Size = fi.Size()
	e.ModTime = fi.ModTime()
	atomic.StoreInt64(&e.refreshedAt, now.UnixNano())
	return e
}

func (c *Cache) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.refreshStale()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) refreshStale() {
	now := time.Now()
	c.entries.Range(func(key, value interface{}) bool {
		e := value.(*Entry)
		if e.Age(now) < c.maxAge {
			return true
		}
		fresh := statNow(e.Path, now)
		c.entries.Store(key, fresh)
		telemetry.StatCacheAge.Observe(e.Age(now).Seconds())
		return true
	})
}

func (c *Cache) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictIdleEntries()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) evictIdleEntries() {
	now := time.Now()
	c.entries.Range(func(key, value interface{}) bool {
		e := value.(*Entry)
		last := atomic.LoadInt64(&e.lastAccessed)
		if now.Sub(time.Unix(0, last)) > c.evictIdle {
			c.entries.Delete(key)
		}
		return true
	})
}
