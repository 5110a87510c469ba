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

package httpwire

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// StatusText mirrors the handful of statuses this core actually emits
// itself (spec.md never asks for the full IANA registry — unknown codes
// from a backend pass through verbatim with a generic reason phrase).
var statusText = map[int]string{
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	417: "Expectation Failed",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

func ReasonPhrase(status int) string {
	if r, ok := statusText[status]; ok {
		return r
	}
	return "Unknown"
}

// WriteStatusLine formats a response status line for version (the request's
// own HTTP version is echoed back, per spec.md).
func WriteStatusLine(version string, status int) string {
	return fmt.Sprintf("%s %d %s\r\n", version, status, ReasonPhrase(status))
}

// ServerHeaderValue and DateHeader supply the Server and Date headers the
// core adds to a response that does not already carry them; a Server or Date
// header set by the Action program or passed through from a backend is kept
// as is.
const ServerHeaderValue = "vhttpd"

func DateHeader(now time.Time) string {
	return now.UTC().Format(http1Date)
}

const http1Date = "Mon, 02 Jan 2006 15:04:05 GMT"

// ETag computes a weak entity tag from size+mtime, the same cheap,
// collision-resistant-enough identity spec.md's Stat cache already
// maintains — xxhash avoids pulling in a cryptographic hash for a value
// that is never a security boundary.
func ETag(size int64, modTime time.Time) string {
	h := xxhash.New()
	_, _ = h.Write([]byte(strconv.FormatInt(size, 36)))
	_, _ = h.Write([]byte(modTime.UTC().Format(time.RFC3339Nano)))
	return fmt.Sprintf(`W/"%x"`, h.Sum64())
}

// ConditionalResult is what a conditional GET evaluation decided.
type ConditionalResult int

const (
	ConditionNotApplicable ConditionalResult = iota
	ConditionPass
	ConditionNotModified
)

// EvaluateConditional implements spec §5's conditional-GET rule: If-None-
// Match takes precedence over If-Modified-Since when both are present, and
// an ETag comparison is always weak (the W/ prefix is stripped before
// comparing, so a strong and a weak tag for the same representation still
// match) — spec.md never asks for strong validators, so this package
// doesn't pretend to support If-Match's stricter semantics.
func EvaluateConditional(ifNoneMatch, currentETag string, ifModifiedSince string, modTime time.Time) ConditionalResult {
	if ifNoneMatch != "" {
		if etagMatches(ifNoneMatch, currentETag) {
			return ConditionNotModified
		}
		return ConditionPass
	}
	if ifModifiedSince != "" {
		t, err := time.Parse(http1Date, ifModifiedSince)
		if err == nil && !modTime.After(t) {
			return ConditionNotModified
		}
		return ConditionPass
	}
	return ConditionNotApplicable
}

func etagMatches(header, current string) bool {
	if header == "*" {
		return current != ""
	}
	// If-None-Match may list several comma-separated tags; a weak match
	// against any one of them is sufficient.
	depth := 0
	start := 0
	for i := 0; i <= len(header); i++ {
		if i == len(header) || header[i] == ',' {
			tag := trimWeak(trimSpaceBytes(header[start:i]))
			if tag == trimWeak(current) {
				return true
			}
			start = i + 1
		}
		_ = depth
	}
	return false
}

func trimWeak(tag string) string {
	if len(tag) >= 2 && tag[0] == 'W' && tag[1] == '/' {
		return tag[2:]
	}
	return tag
}

func trimSpaceBytes(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
