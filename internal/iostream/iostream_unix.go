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

//go:build unix

package iostream

import (
	"syscall"

	"golang.org/x/sys/unix"

	"vhttpd/pkg/chunk"
)

// sendfileRaw writes [off, off+n) of f to the raw connection's fd via
// sendfile(2), looping until the whole range is sent or an error occurs.
// The bool return is false when the fd couldn't be obtained (caller falls
// back to the portable read+write path).
func sendfileRaw(raw syscall.RawConn, f *chunk.ChunkFile, off, n int64) (int, error, bool) {
	srcFd, err := f.Fd()
	if err != nil {
		return 0, err, true
	}

	var total int
	var sendErr error
	ctrlErr := raw.Control(func(dstFd uintptr) {
		remaining := n
		curOff := off
		for remaining > 0 {
			o := curOff
			sent, err := unix.Sendfile(int(dstFd), int(srcFd), &o, int(remaining))
			if sent > 0 {
				total += sent
				remaining -= int64(sent)
				curOff += int64(sent)
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					if sent == 0 {
						// Would block with nothing sent this round; let the
						// worker's poll loop retry on next readiness.
						return
					}
					continue
				}
				sendErr = err
				return
			}
			if sent == 0 {
				return
			}
		}
	})
	if ctrlErr != nil {
		return total, ctrlErr, false
	}
	return total, sendErr, true
}

// writevRaw batches bufs into one writev(2) call against the raw
// connection's fd.
func writevRaw(raw syscall.RawConn, bufs [][]byte) (int, error, bool) {
	if len(bufs) == 0 {
		return 0, nil, true
	}
	var total int
	var writeErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		iovs := make([][]byte, len(bufs))
		copy(iovs, bufs)
		for len(iovs) > 0 {
			n, err := unix.Writev(int(fd), iovs)
			if n > 0 {
				total += n
				iovs = trimIovs(iovs, n)
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					continue
				}
				writeErr = err
				return
			}
			if n == 0 {
				return
			}
		}
	})
	if ctrlErr != nil {
		return total, ctrlErr, false
	}
	return total, writeErr, true
}

// trimIovs drops the first n bytes' worth of iovecs, splitting a partially
// consumed one in place.
func trimIovs(iovs [][]byte, n int) [][]byte {
	for n > 0 && len(iovs) > 0 {
		if n >= len(iovs[0]) {
			n -= len(iovs[0])
			iovs = iovs[1:]
			continue
		}
		iovs[0] = iovs[0][n:]
		n = 0
	}
	return iovs
}
