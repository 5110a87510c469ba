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

package worker

import "net"

// Listen falls back to a plain listener on platforms without SO_REUSEPORT:
// only the first caller for a given address succeeds, so a non-unix build
// should run a single Worker, or split a single accept loop's connections
// across workers itself rather than calling Listen per worker.
func Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}
