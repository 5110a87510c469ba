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

//go:build !unix

package iostream

import (
	"syscall"

	"vhttpd/pkg/chunk"
)

// Non-unix platforms have no sendfile(2)/writev(2); both always report
// "not handled" so IOStream falls back to its portable Write-based path.
func sendfileRaw(raw syscall.RawConn, f *chunk.ChunkFile, off, n int64) (int, error, bool) {
	return 0, nil, false
}

func writevRaw(raw syscall.RawConn, bufs [][]byte) (int, error, bool) {
	return 0, nil, false
}
