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

package fetchcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLookupCachesAfterFirstFetch(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (*Entry, error) {
		calls.Add(1)
		return &Entry{Key: key, Body: []byte("x"), StoredAt: time.Now()}, nil
	}
	db := New("test", fetch, nil, 0)

	if _, err := db.Lookup(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Lookup(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("backend calls = %d, want 1 (second lookup should hit the cache)", calls.Load())
	}
}

func TestLookupSingleFlightsConcurrentMisses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, key string) (*Entry, error) {
		calls.Add(1)
		<-release
		return &Entry{Key: key, Body: []byte("x"), StoredAt: time.Now()}, nil
	}
	db := New("test", fetch, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db.Lookup(context.Background(), "shared")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("backend calls = %d, want 1 (concurrent misses should single-flight)", calls.Load())
	}
}

func TestExpiredEntryTriggersRefetch(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (*Entry, error) {
		calls.Add(1)
		return &Entry{Key: key, Body: []byte("x"), StoredAt: time.Now(), TTL: 5 * time.Millisecond}, nil
	}
	db := New("test", fetch, nil, 0)

	db.Lookup(context.Background(), "a")
	time.Sleep(10 * time.Millisecond)
	db.Lookup(context.Background(), "a")

	if calls.Load() != 2 {
		t.Fatalf("backend calls = %d, want 2 (expired entry should be refetched)", calls.Load())
	}
}

func TestInvalidateDropsLocalEntry(t *testing.T) {
	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) (*Entry, error) {
		calls.Add(1)
		return &Entry{Key: key, Body: []byte("x"), StoredAt: time.Now()}, nil
	}
	db := New("test", fetch, nil, 0)

	db.Lookup(context.Background(), "a")
	db.Invalidate(context.Background(), "a")
	db.Lookup(context.Background(), "a")

	if calls.Load() != 2 {
		t.Fatalf("backend calls = %d, want 2 (invalidated entry should be refetched)", calls.Load())
	}
}
