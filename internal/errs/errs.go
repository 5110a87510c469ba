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

// Package errs defines the error kinds that cross package boundaries in the
// request-execution pipeline. Each kind is a small struct rather than a
// sentinel value so that callers can carry structured context (an errno, an
// HTTP status) while still supporting errors.Is/errors.As against the kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the propagation policy described in spec §7.
type Kind int

const (
	KindParse Kind = iota
	KindValidation
	KindIO
	KindBackend
	KindCacheMiss
	KindCachePending
	KindResourceExhausted
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindValidation:
		return "ValidationError"
	case KindIO:
		return "IoError"
	case KindBackend:
		return "BackendError"
	case KindCacheMiss:
		return "CacheMiss"
	case KindCachePending:
		return "CachePending"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindProtocol:
		return "ProtocolError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type carried across the core. Status is the
// HTTP status a ParseError/ValidationError should be rendered as; it is zero
// for kinds that never reach the response writer directly.
type Error struct {
	Kind   Kind
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(errs.KindIO, 0, "")) style matching
// against any *Error target by comparing the Kind field rather than identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Msg: msg}
}

func Wrap(kind Kind, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Status: status, Msg: msg, Err: err}
}

// Backend error sub-kinds (spec §7: BackendError (Overload, Dead)).
type BackendCause int

const (
	BackendOverload BackendCause = iota
	BackendDead
)

func (c BackendCause) String() string {
	if c == BackendOverload {
		return "Overload"
	}
	return "Dead"
}

// BackendError carries the sub-kind a Balancer's fallback inspects.
type BackendError struct {
	Cause BackendCause
	Pool  string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("BackendError(%s) pool=%s: %v", e.Cause, e.Pool, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func NewBackendError(cause BackendCause, pool string, err error) *BackendError {
	return &BackendError{Cause: cause, Pool: pool, Err: err}
}

// IsResourceExhausted reports whether err (or any error it wraps) is a
// ResourceExhausted condition.
func IsResourceExhausted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindResourceExhausted
	}
	return false
}

// ErrClosed is the append-to-closed-queue failure.
// Queues use this sentinel directly rather than the Error struct since it
// never carries an HTTP status and is checked extremely frequently on the
// chunk append hot path.
var ErrClosed = errors.New("chunkqueue: append to closed queue")

// ErrResourceExhausted is the chunk-append-time sentinel (spec §4.1: "out of
// memory on append fails with ResourceExhausted"); wrapped into *Error by
// higher layers that have enough context to attach an HTTP status.
var ErrResourceExhausted = errors.New("chunkqueue: resource exhausted")
