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

package waitqueue

import (
	"testing"
	"time"
)

type fakeWaiter struct {
	name    string
	timedOut bool
}

func (w *fakeWaiter) OnTimeout() { w.timedOut = true }

func TestExpiredFiresOnlyPastDeadlines(t *testing.T) {
	q := New(10 * time.Second)
	base := time.Unix(1000, 0)
	a := &fakeWaiter{name: "a"}
	b := &fakeWaiter{name: "b"}
	q.Add(a, base)
	q.Add(b, base.Add(1*time.Second))

	if fired := q.Expired(base.Add(9 * time.Second)); fired != 0 {
		t.Fatalf("Expired before any deadline = %d, want 0", fired)
	}
	if fired := q.Expired(base.Add(10 * time.Second)); fired != 1 {
		t.Fatalf("Expired at a's deadline = %d, want 1", fired)
	}
	if !a.timedOut || b.timedOut {
		t.Fatalf("a.timedOut=%v b.timedOut=%v, want true,false", a.timedOut, b.timedOut)
	}
	if fired := q.Expired(base.Add(11 * time.Second)); fired != 1 {
		t.Fatalf("Expired at b's deadline = %d, want 1", fired)
	}
	if !b.timedOut {
		t.Fatal("expected b to have timed out")
	}
}

func TestTouchResetsDeadlineAndOrder(t *testing.T) {
	q := New(5 * time.Second)
	base := time.Unix(2000, 0)
	a := &fakeWaiter{name: "a"}
	b := &fakeWaiter{name: "b"}
	q.Add(a, base)
	q.Add(b, base.Add(1*time.Second))

	// Touching a moves its deadline past b's, so b should now expire first.
	q.Touch(a, base.Add(2*time.Second))

	next, ok := q.NextDeadline()
	if !ok {
		t.Fatal("expected a next deadline")
	}
	if want := base.Add(1 * time.Second).Add(5 * time.Second); !next.Equal(want) {
		t.Fatalf("NextDeadline() = %v, want %v (b's, since a was touched later)", next, want)
	}
}

func TestRemoveCancelsRegistration(t *testing.T) {
	q := New(1 * time.Second)
	base := time.Unix(3000, 0)
	a := &fakeWaiter{name: "a"}
	q.Add(a, base)
	q.Remove(a)
	if fired := q.Expired(base.Add(10 * time.Second)); fired != 0 {
		t.Fatalf("Expired after Remove = %d, want 0", fired)
	}
	if a.timedOut {
		t.Fatal("removed waiter should not time out")
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestAddIsNoOpIfAlreadyRegistered(t *testing.T) {
	q := New(1 * time.Second)
	base := time.Unix(4000, 0)
	a := &fakeWaiter{name: "a"}
	q.Add(a, base)
	q.Add(a, base.Add(100*time.Second)) // should be ignored
	next, _ := q.NextDeadline()
	if want := base.Add(1 * time.Second); !next.Equal(want) {
		t.Fatalf("NextDeadline() = %v, want %v (second Add should be ignored)", next, want)
	}
}
