/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mutation

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaTransport carries mutation events over a Kafka topic. Events are
// keyed by tenant so per-tenant ordering is preserved within a partition.
type KafkaTransport struct {
	writer *kafka.Writer
	reader *kafka.Reader
	topic  string
	logger *zap.Logger
}

// KafkaTransportConfig configures a KafkaTransport.
type KafkaTransportConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *zap.Logger
}

// NewKafkaTransport constructs a Kafka-backed transport.
func NewKafkaTransport(cfg KafkaTransportConfig) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "kartograf-mutations"
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: groupID,
	})

	return &KafkaTransport{
		writer: writer,
		reader: reader,
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

func (t *KafkaTransport) Publish(ctx context.Context, e Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode mutation event %s: %w", e.EventID, err)
	}
	if err := t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TenantID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("failed to publish mutation event %s to %s: %w", e.EventID, t.topic, err)
	}
	return nil
}

// Subscribe consumes the topic until ctx is cancelled. Malformed messages
// are committed and skipped; handler failures leave the offset uncommitted.
func (t *KafkaTransport) Subscribe(ctx context.Context, handler func(context.Context, Event) error) error {
	for {
		msg, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to fetch from %s: %w", t.topic, err)
		}

		e, err := Unmarshal(msg.Value)
		if err != nil {
			t.logger.Warn("invalid mutation event on kafka topic, skipping",
				zap.String("topic", t.topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			if err := t.reader.CommitMessages(ctx, msg); err != nil {
				t.logger.Warn("failed to commit skipped message", zap.Error(err))
			}
			continue
		}

		if err := handler(ctx, e); err != nil {
			t.logger.Warn("mutation handler failed, offset left uncommitted",
				zap.String("event_id", e.EventID),
				zap.Error(err))
			continue
		}
		if err := t.reader.CommitMessages(ctx, msg); err != nil {
			t.logger.Warn("failed to commit mutation offset",
				zap.String("event_id", e.EventID),
				zap.Error(err))
		}
	}
}

func (t *KafkaTransport) Close() error {
	werr := t.writer.Close()
	rerr := t.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
