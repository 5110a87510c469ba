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

package statcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLookupPopulatesExistingFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(time.Hour, time.Hour)
	e := c.Lookup(p)
	if !e.Exists || e.IsDir {
		t.Fatalf("Exists=%v IsDir=%v, want true,false", e.Exists, e.IsDir)
	}
	if e.Size != 5 {
		t.Fatalf("Size = %d, want 5", e.Size)
	}
}

func TestLookupCachesMissingFileNegatively(t *testing.T) {
	c := New(time.Hour, time.Hour)
	e := c.Lookup(filepath.Join(t.TempDir(), "nope.txt"))
	if e.Exists {
		t.Fatal("expected Exists=false for a nonexistent path")
	}
	if e.Err == nil {
		t.Fatal("expected a stat error to be recorded")
	}
}

func TestLookupReusesEntryAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	os.WriteFile(p, []byte("x"), 0o644)

	c := New(time.Hour, time.Hour)
	first := c.Lookup(p)
	second := c.Lookup(p)
	if first != second {
		t.Fatal("expected the same *Entry across repeated Lookup calls within maxAge")
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	os.WriteFile(p, []byte("x"), 0o644)

	c := New(time.Hour, time.Hour)
	e := c.Lookup(p)
	c.Invalidate(p)
	if e.Age(time.Now()) < time.Hour {
		t.Fatal("expected Invalidate to reset refreshedAt to force the next refresh pass")
	}
}

func TestEvictIdleEntriesDropsUnaccessedEntries(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	os.WriteFile(p, []byte("x"), 0o644)

	c := New(time.Hour, 1*time.Nanosecond)
	first := c.Lookup(p)
	time.Sleep(2 * time.Millisecond)
	c.evictIdleEntries()

	second := c.Lookup(p)
	if first == second {
		t.Fatal("expected the idle entry to have been evicted and recreated")
	}
}
