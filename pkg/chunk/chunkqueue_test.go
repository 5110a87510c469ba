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
	"errors"
	"os"
	"testing"

	"vhttpd/internal/errs"
)

func TestAppendAndLengthInvariant(t *testing.T) {
	q := New()
	if err := q.AppendString("hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := q.AppendString(" world"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got, want := q.Length(), int64(11); got != want {
		t.Fatalf("Length() = %d, want %d", got, want)
	}
	if got, want := q.BytesIn()-q.BytesOut(), q.Length(); got != want {
		t.Fatalf("bytes_in - bytes_out = %d, want Length() = %d", got, want)
	}
}

func TestAppendToClosedQueueFails(t *testing.T) {
	q := New()
	q.Close()
	if err := q.AppendString("x"); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("Append on closed queue = %v, want errs.ErrClosed", err)
	}
}

func TestSkipPartialAndFull(t *testing.T) {
	q := New()
	_ = q.AppendString("abc")
	_ = q.AppendString("defgh")
	if n := q.Skip(4); n != 4 {
		t.Fatalf("Skip(4) = %d, want 4", n)
	}
	rest, err := q.Extract(q.Length())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(rest) != "efgh" {
		t.Fatalf("remaining = %q, want %q", rest, "efgh")
	}
}

func TestExtractReadsThroughFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "chunk-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("0123456789"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cf := NewChunkFile(f.Name())
	q := New()
	if err := q.AppendFileRange(cf, 2, 5); err != nil {
		t.Fatalf("append file range: %v", err)
	}
	got, err := q.Extract(5)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(got) != "23456" {
		t.Fatalf("extract = %q, want %q", got, "23456")
	}
}

func TestAppendQueueMovesPrefix(t *testing.T) {
	src := New()
	_ = src.AppendString("abcdef")
	dst := New()
	moved, err := dst.AppendQueue(src, 3)
	if err != nil {
		t.Fatalf("AppendQueue: %v", err)
	}
	if moved != 3 {
		t.Fatalf("moved = %d, want 3", moved)
	}
	if got, _ := dst.Extract(3); string(got) != "abc" {
		t.Fatalf("dst = %q, want %q", got, "abc")
	}
	if got, _ := src.Extract(src.Length()); string(got) != "def" {
		t.Fatalf("src remaining = %q, want %q", got, "def")
	}
}

func TestCQLimitFiresOnCross(t *testing.T) {
	var crossedOver, crossedBack bool
	lim := NewCQLimit(5, func(over bool) {
		if over {
			crossedOver = true
		} else {
			crossedBack = true
		}
	})
	q := New()
	q.SetLimit(lim)
	_ = q.AppendString("abcdefgh") // 8 > 5, should cross over
	if !crossedOver {
		t.Fatal("expected CQLimit to report crossing over the limit")
	}
	q.Skip(8)
	_ = q.AppendString("x")
	if !crossedBack {
		t.Fatal("expected CQLimit to report no longer being crossed after skip")
	}
}

func TestIteratorWalksChunks(t *testing.T) {
	q := New()
	_ = q.AppendString("ab")
	_ = q.AppendString("cde")
	it := q.Begin()
	var seen int64
	for !it.Done() {
		c, off := it.Chunk()
		seen += c.Length() - off
		it.Next(c.Length() - off)
	}
	if seen != q.Length() {
		t.Fatalf("iterator visited %d bytes, want %d", seen, q.Length())
	}
}
