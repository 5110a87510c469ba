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

package action

import (
	"sync"

	"github.com/dgryski/go-rendezvous"
)

// Balancer picks one backend name out of a set for a given request key,
// using rendezvous (highest random weight) hashing so removing or disabling
// one backend only reshuffles the requests that were mapped to it — every
// other backend's mapping is undisturbed (spec.md: "the Balancer node
// selects a backend pool; which algorithm it uses is implementation-
// defined, so long as failing one backend doesn't redistribute every other
// backend's traffic").
type Balancer struct {
	mu      sync.RWMutex
	names   []string
	rendez  *rendezvous.Rendezvous
	disable map[string]bool
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func NewBalancer(names []string) *Balancer {
	b := &Balancer{
		names:   append([]string(nil), names...),
		disable: make(map[string]bool),
	}
	b.rendez = rendezvous.New(b.names, hashString)
	return b
}

// Pick returns the backend name key should route to, skipping any name
// marked Disable (a BackendError{Dead} pool). Falls through to the next
// candidate by re-hashing key against the remaining set, per rendezvous
// hashing's standard "remove failed node" technique.
func (b *Balancer) Pick(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.names) == 0 {
		return ""
	}
	choice := b.rendez.Lookup(key)
	if !b.disable[choice] {
		return choice
	}
	remaining := make([]string, 0, len(b.names))
	for _, n := range b.names {
		if !b.disable[n] {
			remaining = append(remaining, n)
		}
	}
	if len(remaining) > 0 {
		return rendezvous.New(remaining, hashString).Lookup(key)
	}
	return choice // every backend disabled: return the original pick and let it fail fast
}

// Disable/Enable mark a backend name as temporarily unusable (driven by a
// BackendPool entering/leaving its fail-fast window) without rebuilding the
// rendezvous set — disabling is a point lookup, not a topology change.
func (b *Balancer) Disable(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disable[name] = true
}

func (b *Balancer) Enable(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.disable, name)
}

// BalancerNode adapts Balancer into the Action tree: Eval stores the chosen backend
// name as a Setting-equivalent ("backend.selected") for the Action runner's
// later Function (the actual dial) to read back.
type BalancerNode struct {
	Bal *Balancer
	Key func(ctx Context) string
}

func (n *BalancerNode) Eval(ctx Context) []Node {
	pick := n.Bal.Pick(n.Key(ctx))
	ctx.SetSetting("backend.selected", pick)
	return nil
}
