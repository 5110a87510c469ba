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

// Package xlog is the ambient logging layer. It intentionally wraps only the
// standard library's log.Logger, the same choice the teacher repo makes
// throughout (plain fmt/log, no structured-logging dependency) — plus a raw
// ANSI-colored final summary line in the same style as
// internal/ratelimiter/core/persistence.go's PrintFinalMetrics.
package xlog

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is a per-worker prefixed logger. Workers never share a *log.Logger
// so log lines from different event loops never interleave mid-line.
type Logger struct {
	l *log.Logger
}

// New returns a Logger writing to stderr with the given prefix, e.g. "worker[3] ".
func New(prefix string) *Logger {
	return &Logger{l: log.New(os.Stderr, prefix, log.LstdFlags|log.Lmicroseconds)}
}

func (l *Logger) Printf(format string, args ...interface{}) { l.l.Printf(format, args...) }
func (l *Logger) Println(args ...interface{})               { l.l.Println(args...) }

// Summary prints a final, human-readable yellow-on-terminal report, mirroring
// the teacher's PrintFinalMetrics columnar style.
func Summary(title string, rows map[string]string) {
	yellow := "\x1b[33m"
	reset := "\x1b[0m"
	sep := strings.Repeat("-", 60)
	fmt.Printf("%s%s%s\n", yellow, title, reset)
	fmt.Println(sep)
	fmt.Printf("%-28s %30s\n", "Metric", "Value")
	fmt.Println(sep)
	for k, v := range rows {
		fmt.Printf("%-28s %30s\n", k, v)
	}
	fmt.Println(sep)
}
