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

// Package httpwire implements the HTTP/1.x wire format spec §5 describes:
// request-line/header parsing tolerant of bare LF and obs-fold continuation
// lines, a fixed method table, Host normalization, the Content-Length vs.
// Transfer-Encoding conflict rule, and conditional-request evaluation.
package httpwire

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"vhttpd/internal/errs"
)

// Method is the fixed table spec §5 names; an unrecognized token is still
// accepted as MethodOther (spec.md: "unknown methods are not themselves a
// parse error — only malformed request lines are").
type Method int

const (
	MethodGet Method = iota
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodOptions
	MethodConnect
	MethodTrace
	MethodPatch
	MethodOther
)

var methodTable = map[string]Method{
	"GET":     MethodGet,
	"HEAD":    MethodHead,
	"POST":    MethodPost,
	"PUT":     MethodPut,
	"DELETE":  MethodDelete,
	"OPTIONS": MethodOptions,
	"CONNECT": MethodConnect,
	"TRACE":   MethodTrace,
	"PATCH":   MethodPatch,
}

func lookupMethod(tok string) Method {
	if m, ok := methodTable[tok]; ok {
		return m
	}
	return MethodOther
}

// RequestLine is the parsed first line of an HTTP/1.x request.
type RequestLine struct {
	Method     Method
	MethodName string
	URI        string
	Version    string // "HTTP/1.0" or "HTTP/1.1"
}

// Header is an ordered multimap (spec.md: header order is preserved for
// passthrough to a backend, but lookups are case-insensitive).
type Header struct {
	keys   []string
	values []string
}

func NewHeader() *Header { return &Header{} }

func (h *Header) Add(key, value string) {
	h.keys = append(h.keys, key)
	h.values = append(h.values, value)
}

// Get returns the first value for key (case-insensitive), or "".
func (h *Header) Get(key string) string {
	for i, k := range h.keys {
		if strings.EqualFold(k, key) {
			return h.values[i]
		}
	}
	return ""
}

// Values returns every value for key in wire order, for headers like
// Cookie/Via that may legally repeat.
func (h *Header) Values(key string) []string {
	var out []string
	for i, k := range h.keys {
		if strings.EqualFold(k, key) {
			out = append(out, h.values[i])
		}
	}
	return out
}

func (h *Header) Len() int { return len(h.keys) }

func (h *Header) Each(f func(key, value string)) {
	for i := range h.keys {
		f(h.keys[i], h.values[i])
	}
}

// Request is a fully-parsed request head (body is handled separately by
// internal/filter's chunked decoder or a fixed Content-Length read).
type Request struct {
	Line          RequestLine
	Header        *Header
	ContentLength int64 // -1 if absent
	Chunked       bool
}

// ParseRequestHead consumes one request's start-line and headers from buf,
// returning the parsed Request and the number of bytes consumed, or
// (nil, 0, nil) if the head isn't fully buffered yet. Tolerates a bare LF
// wherever CRLF is expected (spec.md: "a lone LF terminates a line just as
// CRLF does, for interoperability with old or broken clients") and
// obs-fold continuation lines (a header value line starting with SP/HT
// continues the previous header, per RFC 7230 §3.2.4, carried here as a
// deliberate interop allowance rather than a strict-mode rejection).
func ParseRequestHead(buf []byte) (*Request, int, error) {
	headEnd := findHeadEnd(buf)
	if headEnd < 0 {
		return nil, 0, nil
	}

	lines := splitLines(buf[:headEnd])
	if len(lines) == 0 {
		return nil, 0, errs.New(errs.KindParse, 400, "empty request")
	}

	line, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, 0, err
	}

	header, err := parseHeaderLines(lines[1:])
	if err != nil {
		return nil, 0, err
	}

	req := &Request{Line: line, Header: header, ContentLength: -1}

	hostVals := header.Values("Host")
	if len(hostVals) > 1 {
		// spec §6: a request carrying more than one Host header is
		// rejected outright rather than picking a "winning" value.
		return nil, 0, errs.New(errs.KindParse, 400, "duplicate host header")
	}
	if len(hostVals) == 1 {
		header.replace("Host", stripTrailingDot(hostVals[0]))
	} else if line.Version == "HTTP/1.1" {
		// RFC 7230 §5.4: Host is mandatory on HTTP/1.1, absent on 1.0.
		return nil, 0, errs.New(errs.KindParse, 400, "missing host header")
	}

	if expect := header.Get("Expect"); expect != "" && !strings.EqualFold(strings.TrimSpace(expect), "100-continue") {
		return nil, 0, errs.New(errs.KindProtocol, 417, "unsupported expectation")
	}

	clVal := header.Get("Content-Length")
	teVal := header.Get("Transfer-Encoding")
	if teVal != "" {
		if !strings.EqualFold(strings.TrimSpace(teVal), "chunked") {
			return nil, 0, errs.New(errs.KindProtocol, 501, "unsupported transfer-encoding")
		}
		if clVal != "" {
			// spec.md/RFC 7230 §3.3.3: a message with both is ambiguous
			// between framings and must be rejected outright, never
			// resolved by preferring one over the other.
			return nil, 0, errs.New(errs.KindParse, 400, "content-length and transfer-encoding both present")
		}
		req.Chunked = true
	} else if clVal != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(clVal), 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return nil, 0, errs.New(errs.KindParse, 413, "content-length too large")
			}
			return nil, 0, errs.New(errs.KindParse, 400, "invalid content-length")
		}
		if n < 0 {
			return nil, 0, errs.New(errs.KindParse, 400, "invalid content-length")
		}
		req.ContentLength = n
	}

	switch line.Method {
	case MethodGet, MethodHead:
		if req.ContentLength > 0 {
			// spec §6: GET/HEAD are defined bodyless; a client that
			// frames one with a body is malformed, not merely unusual.
			return nil, 0, errs.New(errs.KindParse, 400, "get/head with body")
		}
	case MethodPost:
		if !req.Chunked && req.ContentLength < 0 {
			// RFC 7230 §3.3.3 case 6: a request needing a body with no
			// framing information at all.
			return nil, 0, errs.New(errs.KindParse, 411, "length required")
		}
	}

	return req, headEnd, nil
}

// stripTrailingDot removes one trailing "." from a Host header's hostname
// part, per spec.md's explicit Host-normalization rule ("example.com." and
// "example.com" name the same virtual host).
func stripTrailingDot(host string) string {
	hostPart, port, hasPort := strings.Cut(host, ":")
	hostPart = strings.TrimSuffix(hostPart, ".")
	if hasPort {
		return hostPart + ":" + port
	}
	return hostPart
}

func (h *Header) replace(key, value string) {
	for i, k := range h.keys {
		if strings.EqualFold(k, key) {
			h.values[i] = value
			return
		}
	}
}

func parseRequestLine(line []byte) (RequestLine, error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return RequestLine{}, errs.New(errs.KindParse, 400, "malformed request line")
	}
	methodName := string(parts[0])
	version := string(parts[2])
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return RequestLine{}, errs.New(errs.KindParse, 505, "unsupported HTTP version")
	}
	return RequestLine{
		Method:     lookupMethod(methodName),
		MethodName: methodName,
		URI:        string(parts[1]),
		Version:    version,
	}, nil
}

func parseHeaderLines(lines [][]byte) (*Header, error) {
	h := NewHeader()
	for _, raw := range lines {
		if len(raw) == 0 {
			continue
		}
		if raw[0] == ' ' || raw[0] == '\t' {
			// obs-fold: append to the previous header's value.
			if h.Len() == 0 {
				return nil, errs.New(errs.KindParse, 400, "obs-fold with no preceding header")
			}
			h.values[len(h.values)-1] += " " + strings.TrimSpace(string(raw))
			continue
		}
		colon := bytes.IndexByte(raw, ':')
		if colon < 0 {
			return nil, errs.New(errs.KindParse, 400, "malformed header line")
		}
		key := string(bytes.TrimSpace(raw[:colon]))
		value := string(bytes.TrimSpace(raw[colon+1:]))
		if key == "" {
			return nil, errs.New(errs.KindParse, 400, "empty header name")
		}
		h.Add(key, value)
	}
	return h, nil
}

// findHeadEnd locates the blank line ending the header block, accepting
// both "\r\n\r\n" and a bare "\n\n".
func findHeadEnd(buf []byte) int {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// splitLines breaks buf into lines on "\r\n" or a bare "\n".
func splitLines(buf []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(buf); i++ {
		if buf[i] == '\n' {
			end := i
			if end > start && buf[end-1] == '\r' {
				end--
			}
			lines = append(lines, buf[start:end])
			start = i + 1
		}
	}
	if start < len(buf) {
		lines = append(lines, buf[start:])
	}
	return lines
}
