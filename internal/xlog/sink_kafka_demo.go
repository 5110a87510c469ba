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

package xlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Producer is a minimal abstraction over a message-bus client, kept
// dependency-free the same way internal/ratelimiter/persistence/kafka.go's
// KafkaProducer interface avoids importing a specific Kafka client: the core
// never needs to know the wire protocol of the log target, only that a
// record went somewhere.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte) error
}

// LoggingProducer is a dependency-free demo Producer that prints what it
// would have shipped. Adapted from persistence.LoggingKafkaProducer.
type LoggingProducer struct{}

func (LoggingProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fmt.Printf("[log-sink-demo] TOPIC=%s KEY=%s VALUE=%s\n", topic, string(key), truncate(string(value), 256))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// BusSink publishes AccessRecords to a Producer, keyed by remote address so
// a downstream consumer can preserve per-client ordering.
type BusSink struct {
	p              Producer
	topic          string
	defaultTimeout time.Duration
}

func NewBusSink(p Producer, topic string) *BusSink {
	return &BusSink{p: p, topic: topic, defaultTimeout: 5 * time.Second}
}

func (s *BusSink) Write(rec AccessRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.defaultTimeout)
	defer cancel()
	b, err := json.Marshal(&rec)
	if err != nil {
		return
	}
	_ = s.p.Produce(ctx, s.topic, []byte(rec.RemoteAddr), b)
}

func (s *BusSink) Close() error { return nil }
