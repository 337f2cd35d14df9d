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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPayloadField = "payload"

// RedisTransport carries mutation events over a redis stream with a
// consumer group per subscriber set.
// BR-MUTATION-002: Stream-backed delivery for multi-replica deployments
type RedisTransport struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   *zap.Logger
}

// RedisTransportConfig configures a RedisTransport.
type RedisTransportConfig struct {
	Client   redis.UniversalClient
	Stream   string
	Group    string
	Consumer string
	// Block bounds each XREADGROUP wait; defaults to 2s.
	Block  time.Duration
	Logger *zap.Logger
}

// NewRedisTransport constructs a stream transport and ensures the consumer
// group exists.
func NewRedisTransport(ctx context.Context, cfg RedisTransportConfig) (*RedisTransport, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream name cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	block := cfg.Block
	if block == 0 {
		block = 2 * time.Second
	}
	group := cfg.Group
	if group == "" {
		group = "kartograf-mutations"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "worker-0"
	}

	err := cfg.Client.XGroupCreateMkStream(ctx, cfg.Stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("failed to create consumer group %q: %w", group, err)
	}

	return &RedisTransport{
		client:   cfg.Client,
		stream:   cfg.Stream,
		group:    group,
		consumer: consumer,
		block:    block,
		logger:   logger,
	}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, e Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode mutation event %s: %w", e.EventID, err)
	}
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]interface{}{redisPayloadField: payload},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish mutation event %s: %w", e.EventID, err)
	}
	return nil
}

// Subscribe blocks consuming the stream until ctx is cancelled. Malformed
// entries are acked and skipped; handler errors leave the entry unacked so a
// later claim can retry it.
func (t *RedisTransport) Subscribe(ctx context.Context, handler func(context.Context, Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumer,
			Streams:  []string{t.stream, ">"},
			Count:    64,
			Block:    t.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("mutation stream read failed",
				zap.String("stream", t.stream),
				zap.Error(err))
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				t.dispatch(ctx, msg, handler)
			}
		}
	}
}

func (t *RedisTransport) dispatch(ctx context.Context, msg redis.XMessage, handler func(context.Context, Event) error) {
	raw, ok := msg.Values[redisPayloadField].(string)
	if !ok {
		t.logger.Warn("mutation stream entry missing payload, skipping",
			zap.String("id", msg.ID))
		t.ack(ctx, msg.ID)
		return
	}
	e, err := Unmarshal([]byte(raw))
	if err != nil {
		t.logger.Warn("invalid mutation event, skipping",
			zap.String("id", msg.ID),
			zap.Error(err))
		t.ack(ctx, msg.ID)
		return
	}
	if err := handler(ctx, e); err != nil {
		t.logger.Warn("mutation handler failed, leaving entry pending",
			zap.String("event_id", e.EventID),
			zap.Error(err))
		return
	}
	t.ack(ctx, msg.ID)
}

func (t *RedisTransport) ack(ctx context.Context, id string) {
	if err := t.client.XAck(ctx, t.stream, t.group, id).Err(); err != nil {
		t.logger.Warn("failed to ack mutation stream entry",
			zap.String("id", id),
			zap.Error(err))
	}
}

func (t *RedisTransport) Close() error {
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
