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
	"errors"
	"testing"

	"vhttpd/internal/errs"
)

func TestParseRequestHeadReturnsNilOnIncompleteBuffer(t *testing.T) {
	req, n, err := ParseRequestHead([]byte("GET / HTTP/1.1\r\nHost: x"))
	if req != nil || n != 0 || err != nil {
		t.Fatalf("ParseRequestHead(incomplete) = %v,%d,%v, want nil,0,nil", req, n, err)
	}
}

func TestParseRequestHeadBasic(t *testing.T) {
	raw := "GET /a/b?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	req, n, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Fatalf("consumed = %d, want %d", n, len(raw))
	}
	if req.Line.Method != MethodGet || req.Line.URI != "/a/b?x=1" {
		t.Fatalf("parsed line = %+v", req.Line)
	}
	if req.Header.Get("host") != "example.com" {
		t.Fatalf("Host lookup should be case-insensitive, got %q", req.Header.Get("host"))
	}
}

func TestParseRequestHeadToleratesBareLF(t *testing.T) {
	raw := "GET / HTTP/1.1\nHost: example.com\n\n"
	req, n, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Fatalf("consumed = %d, want %d", n, len(raw))
	}
	if req.Header.Get("Host") != "example.com" {
		t.Fatalf("Host = %q", req.Header.Get("Host"))
	}
}

func TestParseRequestHeadHandlesObsFold(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Long: part-one\r\n part-two\r\nHost: h\r\n\r\n"
	req, _, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("X-Long"); got != "part-one part-two" {
		t.Fatalf("X-Long = %q, want %q", got, "part-one part-two")
	}
}

func TestHostTrailingDotStripped(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com.:8080\r\n\r\n"
	req, _, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := req.Header.Get("Host"); got != "example.com:8080" {
		t.Fatalf("Host = %q, want %q", got, "example.com:8080")
	}
}

func TestContentLengthAndChunkedConflictIs400(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	var e *errs.Error
	if !errors.As(err, &e) || e.Status != 400 {
		t.Fatalf("err = %v, want a 400 ParseError", err)
	}
}

func TestUnknownMethodIsNotAParseError(t *testing.T) {
	raw := "PROPFIND / HTTP/1.1\r\nHost: h\r\n\r\n"
	req, _, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.Line.Method != MethodOther || req.Line.MethodName != "PROPFIND" {
		t.Fatalf("parsed line = %+v", req.Line)
	}
}

func TestMalformedRequestLineIsParseError(t *testing.T) {
	raw := "GET /\r\nHost: h\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	if err == nil {
		t.Fatal("expected a parse error for a malformed request line")
	}
}

func wantStatus(t *testing.T, err error, want int) {
	t.Helper()
	var e *errs.Error
	if !errors.As(err, &e) || e.Status != want {
		t.Fatalf("err = %v, want a %d error", err, want)
	}
}

func TestDuplicateHostIs400(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 400)
}

func TestMissingHostOnHTTP11Is400(t *testing.T) {
	raw := "GET / HTTP/1.1\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 400)
}

func TestMissingHostOnHTTP10IsAllowed(t *testing.T) {
	raw := "GET / HTTP/1.0\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
}

func TestUnsupportedExpectIs417(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: h\r\nExpect: frobnicate\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 417)
}

func TestExpect100ContinueIsAllowed(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 1\r\nExpect: 100-continue\r\n\r\nx"
	_, _, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetWithBodyIs400(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 400)
}

func TestHeadWithBodyIs400(t *testing.T) {
	raw := "HEAD / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 400)
}

func TestPostWithoutContentLengthOrChunkedIs411(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: h\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 411)
}

func TestPostWithChunkedEncodingNeedsNoContentLength(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
}

func TestContentLengthOverflowIs413(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 99999999999999999999999999\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 413)
}

func TestContentLengthGarbageIs400(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: notanumber\r\n\r\n"
	_, _, err := ParseRequestHead([]byte(raw))
	wantStatus(t, err, 400)
}
