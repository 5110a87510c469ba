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

package throttle

import "testing"

func TestUnconfiguredStateIsUnlimited(t *testing.T) {
	s := NewState(0, 0, 0, nil, nil, 0)
	if got := s.ClampRead(4096); got != 4096 {
		t.Fatalf("ClampRead() = %d, want 4096 (no limiter configured)", got)
	}
	if got := s.ClampWrite(4096); got != 4096 {
		t.Fatalf("ClampWrite() = %d, want 4096 (no limiter configured)", got)
	}
}

func TestNilStateIsUnlimited(t *testing.T) {
	var s *State
	if got := s.ClampRead(1024); got != 1024 {
		t.Fatalf("nil State ClampRead() = %d, want 1024", got)
	}
}

func TestReadBucketClampsBurst(t *testing.T) {
	s := NewState(100, 0, 100, nil, nil, 0)
	first := s.ClampRead(100)
	if first != 100 {
		t.Fatalf("first ClampRead() = %d, want 100 (within burst)", first)
	}
	second := s.ClampRead(100)
	if second != 0 {
		t.Fatalf("second ClampRead() = %d, want 0 (burst exhausted)", second)
	}
}

func TestPoolSharesBudgetAcrossStripes(t *testing.T) {
	p := NewPool(1000, 500, 4)
	got := p.clamp(500, 0)
	if got != 500 {
		t.Fatalf("first pool clamp = %d, want 500", got)
	}
	got = p.clamp(500, 1)
	if got != 0 {
		t.Fatalf("second pool clamp = %d, want 0 (shared burst exhausted)", got)
	}
	if p.Waits() != 1 {
		t.Fatalf("Waits() = %d, want 1", p.Waits())
	}
}

func TestStateDrawsFromPoolAsWellAsOwnBucket(t *testing.T) {
	pool := NewPool(1000, 50, 1)
	s := NewState(1000, 0, 1000, pool, nil, 0)
	got := s.ClampRead(200)
	if got != 50 {
		t.Fatalf("ClampRead() = %d, want 50 (bounded by the shared pool's smaller burst)", got)
	}
}
