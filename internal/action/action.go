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

// Package action implements spec §3/§6's Action tree: Setting, Condition,
// Function, List, Balancer and Nothing nodes evaluated against a request in
// order, mutating an ActionStack of pending directives as they match.
//
// Nodes operate against the Context interface rather than a concrete
// VRequest type so this package has no dependency on internal/vrequest —
// internal/vrequest depends on this package instead, wiring itself in as
// the Context implementation (spec §3: "Actions are data; VRequest walks
// the tree").
package action

import (
	"context"
	"net"
	"regexp"

	"github.com/cespare/xxhash/v2"
)

// Context is the subset of a VRequest an Action tree needs to evaluate
// Conditions and apply Settings. Implemented by internal/vrequest.VRequest.
type Context interface {
	Lvalue(name string) string // e.g. "req.path", "req.header.host", "remote.ip"
	SetSetting(key, value string)
	AppendAction(n Node)

	// FrameValue/SetFrameValue give a Function somewhere to keep state
	// across a WAIT_FOR_EVENT suspension — the Runner re-invokes the same
	// Function from scratch on resume, so any in-flight work (a backend
	// round trip already underway) has to live here rather than on the
	// stack (spec §6: "a suspended Function's frame survives the Job that
	// started it").
	FrameValue(name string) interface{}
	SetFrameValue(name string, v interface{})

	// OnCleanup registers f to run once the VRequest is done with — or
	// abandoned before — whatever the current Function suspended on, so a
	// resource acquired before a WAIT_FOR_EVENT (a backend connection, a
	// cancel func) is never leaked by a Connection that closes mid-wait.
	OnCleanup(f func())
}

// Node is one element of the Action tree.
type Node interface {
	// Eval applies this node against ctx, mutating it as needed. It returns
	// the child nodes that matched and should be evaluated next (for
	// List/Condition); leaf nodes return nil.
	Eval(ctx Context) []Node
}

// Setting is a leaf node: "set this key to this value unconditionally"
// (spec.md: mod_expire's Cache-Control rewriting is modeled as a Setting).
type Setting struct {
	Key   string
	Value string
}

func (s *Setting) Eval(ctx Context) []Node {
	ctx.SetSetting(s.Key, s.Value)
	return nil
}

// List is an ordered sequence of nodes evaluated unconditionally in order —
// the Action tree's equivalent of a config block's body.
type List struct {
	Children []Node
}

func (l *List) Eval(ctx Context) []Node { return l.Children }

// Op is a Condition's comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNotEq
	OpMatch    // regex match, xxhash-cached per compiled pattern+input
	OpNotMatch
	OpPrefix // path/CIDR-shaped prefix test (mod_access-style)
)

// Condition gates its Children on comparing Lvalue against Rvalue.
type Condition struct {
	Lvalue   string
	Op       Op
	Rvalue   string
	Children []Node

	compiled *regexp.Regexp // lazily compiled for OpMatch/OpNotMatch
	cache    map[uint64]bool
}

func (c *Condition) Eval(ctx Context) []Node {
	actual := ctx.Lvalue(c.Lvalue)
	if !c.matches(actual) {
		return nil
	}
	return c.Children
}

func (c *Condition) matches(actual string) bool {
	switch c.Op {
	case OpEq:
		return actual == c.Rvalue
	case OpNotEq:
		return actual != c.Rvalue
	case OpPrefix:
		return matchesPrefix(actual, c.Rvalue)
	case OpMatch, OpNotMatch:
		matched := c.regexMatches(actual)
		if c.Op == OpNotMatch {
			return !matched
		}
		return matched
	}
	return false
}

// regexMatches caches the match result of actual against c.Rvalue keyed by
// an xxhash of the input, since the same Condition is evaluated once per
// request and hot paths (a static-file "does this path look like an
// image") repeat the same handful of input strings constantly.
func (c *Condition) regexMatches(actual string) bool {
	if c.compiled == nil {
		re, err := regexp.Compile(c.Rvalue)
		if err != nil {
			return false
		}
		c.compiled = re
		c.cache = make(map[uint64]bool)
	}
	h := xxhash.Sum64String(actual)
	if v, ok := c.cache[h]; ok {
		return v
	}
	v := c.compiled.MatchString(actual)
	if len(c.cache) < 4096 { // bound: a pathological input stream shouldn't leak memory forever
		c.cache[h] = v
	}
	return v
}

// matchesPrefix implements mod_access-style gating: either a plain string
// prefix, or — when Rvalue parses as a CIDR — an IP-in-subnet test against
// actual (expected to be a bare IP string for "remote.ip" lvalues).
func matchesPrefix(actual, rvalue string) bool {
	if _, ipNet, err := net.ParseCIDR(rvalue); err == nil {
		ip := net.ParseIP(actual)
		return ip != nil && ipNet.Contains(ip)
	}
	return len(actual) >= len(rvalue) && actual[:len(rvalue)] == rvalue
}

// Result is a Function's return-code protocol (spec §6): GoOn lets the
// Runner continue walking the program, Comeback unwinds back to the error
// program the way Fail/Comeback already does on VRequest, WaitForEvent
// suspends the Runner until something external wakes the Connection back
// up, and ActionError aborts the program outright.
type Result int

const (
	GoOn Result = iota
	Comeback
	WaitForEvent
	ActionError
)

func (r Result) String() string {
	switch r {
	case GoOn:
		return "GoOn"
	case Comeback:
		return "Comeback"
	case WaitForEvent:
		return "WaitForEvent"
	case ActionError:
		return "ActionError"
	default:
		return "Unknown"
	}
}

// Function is a leaf that invokes a named, pre-registered Go callback
// (spec.md's escape hatch for behavior too dynamic for Setting/Condition
// alone — e.g. the static-file and backend-proxy handlers are both
// installed as Functions). Call may return WaitForEvent to suspend the
// Runner; it will be invoked again, from the same Node, once something
// wakes the owning Connection back up — any state it needs to remember
// across that gap belongs in rc's frame values, not in a Go local.
type Function struct {
	Name string
	Call func(ctx context.Context, rc Context) (Result, error)
}

// Eval never runs a Function directly — Run/Runner.Step special-case
// *Function so they can observe its Result, which a plain []Node return
// from Eval has no room to carry.
func (f *Function) Eval(ctx Context) []Node { return nil }

// Nothing is an explicit no-op leaf — kept distinct from an empty List so
// a config author's "do nothing here on purpose" is visible in the tree
// rather than indistinguishable from an oversight.
type Nothing struct{}

func (Nothing) Eval(Context) []Node { return nil }

// Runner drives a program through the Action tree one Step at a time,
// resumable across Function suspensions (spec §6's WAIT_FOR_EVENT). A
// fresh Runner starts at the roots of prog; Step walks depth-first exactly
// like the old one-shot Run, except that hitting a Function that returns
// WaitForEvent freezes the walk at that Node rather than aborting it.
type Runner struct {
	prog  []Node
	stack []Node

	cur      Node // the Function Step is currently parked on, if any
	err      error
	comeback bool
	done     bool
}

// NewRunner builds a Runner positioned at the start of prog.
func NewRunner(prog []Node) *Runner {
	return &Runner{prog: prog, stack: append([]Node(nil), prog...)}
}

// Step advances the Runner as far as it can without blocking, returning
// true once it has reached a terminal state (normal completion, an
// ActionError, or a Comeback) and false if it suspended on WaitForEvent —
// a false return means the caller should invoke Step again only once it
// has reason to believe the outstanding wait was satisfied.
func (r *Runner) Step(ctx context.Context, rc Context) bool {
	if r.done {
		return true
	}
	if r.cur != nil {
		n := r.cur
		r.cur = nil
		if !r.evalFunction(ctx, rc, n.(*Function)) {
			return false
		}
	}
	for len(r.stack) > 0 {
		n := r.stack[0]
		r.stack = r.stack[1:]
		if fn, ok := n.(*Function); ok {
			if !r.evalFunction(ctx, rc, fn) {
				return false
			}
			continue
		}
		children := n.Eval(rc)
		if len(children) > 0 {
			r.stack = append(append([]Node(nil), children...), r.stack...)
		}
		rc.AppendAction(n)
	}
	r.done = true
	return true
}

// evalFunction calls fn.Call and applies its Result, reporting whether the
// Runner should keep stepping (true) or suspend (false).
func (r *Runner) evalFunction(ctx context.Context, rc Context, fn *Function) bool {
	result, err := fn.Call(ctx, rc)
	switch result {
	case WaitForEvent:
		r.cur = fn
		return false
	case Comeback:
		r.comeback = true
		r.err = err
		r.done = true
		return true
	case ActionError:
		r.err = err
		r.done = true
		return true
	default: // GoOn
		rc.AppendAction(fn)
		return true
	}
}

// Err is the error a terminal ActionError or Comeback carried, or nil.
func (r *Runner) Err() error { return r.err }

// Comeback reports whether Step's terminal return was a Comeback result
// rather than plain completion or an ActionError.
func (r *Runner) Comeback() bool { return r.comeback }

// Restart rewinds the Runner to the top of its original program, for a
// Comeback's re-entry into an error-handling Action program (spec §6's
// COMEBACK transition).
func (r *Runner) Restart() {
	r.stack = append([]Node(nil), r.prog...)
	r.cur = nil
	r.err = nil
	r.comeback = false
	r.done = false
}

// Run drives prog to completion in one call, for callers with no way to
// resume a suspended Runner (tests, or a program that never installs a
// Function). A Function that returns WaitForEvent is simply polled again
// immediately, so only use Run for programs that never genuinely need to
// suspend across an external wakeup.
func Run(ctx Context, prog []Node) {
	r := NewRunner(prog)
	for !r.Step(context.Background(), ctx) {
	}
}
