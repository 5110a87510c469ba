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

// Package vrequest implements spec §3/§6's VRequest: the state machine that
// drives one request from parsed headers through the Action program to a
// response, tracking the Physical filesystem resolution, the Environment
// (CGI-ish key/value view handed to the Action tree and any Function), and
// the ActionStack of nodes that have already matched.
package vrequest

import (
	"context"
	"net"
	"strings"

	"vhttpd/internal/action"
	"vhttpd/internal/errs"
	"vhttpd/internal/httpwire"
)

// State is VRequest's state machine (spec §6: "CLEAN through a sequence of
// named states to either WRITE or ERROR; ERROR may itself transition back
// via COMEBACK if an error-handler Action program is configured").
type State int

const (
	StateClean State = iota
	StateReadHeader
	StateHandleRequest
	StateResponseStart
	StateHandlePhysical
	StateSubRequestStart
	StateSubRequestEnd
	StateWriteResponse
	StateError
	StateComeback
	StateDone
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "Clean"
	case StateReadHeader:
		return "ReadHeader"
	case StateHandleRequest:
		return "HandleRequest"
	case StateResponseStart:
		return "ResponseStart"
	case StateHandlePhysical:
		return "HandlePhysical"
	case StateSubRequestStart:
		return "SubRequestStart"
	case StateSubRequestEnd:
		return "SubRequestEnd"
	case StateWriteResponse:
		return "WriteResponse"
	case StateError:
		return "Error"
	case StateComeback:
		return "Comeback"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Physical is the filesystem resolution of a request's URI (spec.md:
// "Physical separates the URI path from the on-disk path the document
// root + path mapping actually resolves to, since they diverge under
// rewrites/aliases").
type Physical struct {
	Path     string // on-disk path
	DocRoot  string
	RelPath  string // path relative to DocRoot
	PathInfo string // trailing segment past a resolved file (spec.md's PATH_INFO carryover)
}

// Response accumulates what the Action program / backend / static handler
// decided to send back.
type Response struct {
	Status  int
	Header  *httpwire.Header
	BodyLen int64 // -1 if streamed/unknown ahead of time
}

// VRequest is one request's full state.
type VRequest struct {
	Request *httpwire.Request
	RawURI  string

	RemoteAddr net.Addr

	Physical Physical
	Response *Response

	settings map[string]string
	stack    []action.Node

	runner   *action.Runner
	frames   map[string]interface{}
	cleanups []func()

	State State

	err error
}

func New(req *httpwire.Request, remote net.Addr) *VRequest {
	return &VRequest{
		Request:    req,
		RawURI:     req.Line.URI,
		RemoteAddr: remote,
		Response:   &Response{Header: httpwire.NewHeader(), BodyLen: -1},
		settings:   make(map[string]string),
		State:      StateClean,
	}
}

// Lvalue implements action.Context: the small set of request fields the
// Action tree's Conditions can reference (spec.md's lvalue table is larger
// in the original config language; this implements the subset spec.md
// actually names plus the CIDR/remote-ip addition SPEC_FULL.md adds).
func (v *VRequest) Lvalue(name string) string {
	switch name {
	case "req.method":
		return v.Request.Line.MethodName
	case "req.uri":
		return v.RawURI
	case "req.path":
		return requestPath(v.RawURI)
	case "req.host":
		return v.Request.Header.Get("Host")
	case "remote.ip":
		return remoteIP(v.RemoteAddr)
	default:
		if strings.HasPrefix(name, "req.header.") {
			return v.Request.Header.Get(strings.TrimPrefix(name, "req.header."))
		}
		if strings.HasPrefix(name, "env.") {
			return v.settings[name]
		}
		return ""
	}
}

func requestPath(uri string) string {
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (v *VRequest) SetSetting(key, value string) { v.settings[key] = value }
func (v *VRequest) Setting(key string) string     { return v.settings[key] }

// AppendAction implements action.Context's ActionStack bookkeeping
// (spec.md: "VRequest keeps the ordered list of Action nodes that have
// matched so far, for diagnostics and so a Function can see what set its
// own preconditions").
func (v *VRequest) AppendAction(n action.Node) { v.stack = append(v.stack, n) }
func (v *VRequest) ActionStack() []action.Node { return v.stack }

// FrameValue/SetFrameValue implement action.Context: scratch storage a
// suspended Function uses to survive its own re-invocation across a
// WAIT_FOR_EVENT (spec §6) — e.g. the backend dispatch Function stashes its
// in-flight round trip here rather than losing it when the Runner calls it
// again from the top.
func (v *VRequest) FrameValue(name string) interface{} {
	if v.frames == nil {
		return nil
	}
	return v.frames[name]
}

func (v *VRequest) SetFrameValue(name string, val interface{}) {
	if v.frames == nil {
		v.frames = make(map[string]interface{})
	}
	v.frames[name] = val
}

// OnCleanup implements action.Context: register f to run once this
// VRequest's Action program is done with — or abandoned before finishing —
// whatever f was guarding (a backend connection, a cancel func).
func (v *VRequest) OnCleanup(f func()) { v.cleanups = append(v.cleanups, f) }

// RunCleanups runs and discards every registered cleanup, most recently
// registered first. Safe to call more than once; later calls are no-ops.
func (v *VRequest) RunCleanups() {
	for i := len(v.cleanups) - 1; i >= 0; i-- {
		v.cleanups[i]()
	}
	v.cleanups = nil
}

// StartActions begins driving prog through a Runner, or returns the Runner
// already in flight — a Connection re-entering HandleMainVR after a
// WAIT_FOR_EVENT suspension must resume the same Runner rather than restart
// the program from scratch.
func (v *VRequest) StartActions(prog []action.Node) *action.Runner {
	if v.runner == nil {
		v.runner = action.NewRunner(prog)
	}
	return v.runner
}

// Runner returns the in-flight Runner, or nil if StartActions has not been
// called yet for this request.
func (v *VRequest) Runner() *action.Runner { return v.runner }

// RunActions runs prog to completion in one call, for callers (tests, a
// synchronous fixture) with no way to resume a suspended Runner across
// ticks — see action.Run's own caveat about WAIT_FOR_EVENT Functions.
func (v *VRequest) RunActions(prog []action.Node) {
	r := v.StartActions(prog)
	for !r.Step(context.Background(), v) {
	}
}

// Fail transitions to StateError, recording err for the response writer —
// mirrors spec.md's COMEBACK semantics: a second, error-handler Action
// program may still run afterward (see Comeback), so Fail does not by
// itself finalize the response.
func (v *VRequest) Fail(err error) {
	v.err = err
	v.State = StateError
}

func (v *VRequest) Err() error { return v.err }

// Comeback clears the error and resets State to HandleRequest, after an
// error-handler program has had a chance to rewrite the response (spec §6's
// COMEBACK transition). Only valid from StateError. It does not run the
// Action program itself; the caller restarts its Runner from the top.
func (v *VRequest) Comeback() {
	if v.State != StateError {
		return
	}
	v.err = nil
	v.State = StateHandleRequest
}

// ErrorStatus renders v.err into the status code the response should use,
// defaulting to 500 for anything that isn't a structured *errs.Error.
func (v *VRequest) ErrorStatus() int {
	if e, ok := v.err.(*errs.Error); ok && e.Status != 0 {
		return e.Status
	}
	return 500
}
