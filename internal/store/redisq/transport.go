package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one queued job payload with its transport delivery id.
type Message struct {
	ID   string
	Body []byte
}

// Transport is an at-least-once job queue. Publish enqueues; Consume blocks,
// invoking handler per message. A handler error leaves the message pending
// for redelivery; nil acknowledges it.
type Transport interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Consume(ctx context.Context, topic, group string, handler func(ctx context.Context, msg Message) error) error
	Depth(ctx context.Context, topic string) (int64, error)
	Close() error
}

const (
	bodyField    = "body"
	readBlock    = 2 * time.Second
	claimMinIdle = 30 * time.Second
	claimEvery   = 10 // claim stale pending entries every N read loops
	readCount    = 16
)

// Stream is a Redis Streams backed Transport. Consumer groups give
// at-least-once delivery; unacknowledged entries are reclaimed after
// claimMinIdle.
type Stream struct {
	client *redis.Client
	logger *slog.Logger
}

func NewStream(url string, logger *slog.Logger) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Stream{client: client, logger: logger.With("component", "redis_queue")}, nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Publish(ctx context.Context, topic string, body []byte) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

func (s *Stream) Depth(ctx context.Context, topic string) (int64, error) {
	n, err := s.client.XLen(ctx, topic).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", topic, err)
	}
	return n, nil
}

func (s *Stream) Consume(ctx context.Context, topic, group string, handler func(ctx context.Context, msg Message) error) error {
	err := s.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s/%s: %w", topic, group, err)
	}

	consumer := fmt.Sprintf("%s-%d", group, time.Now().UnixNano())
	loop := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		loop++
		if loop%claimEvery == 0 {
			s.claimStale(ctx, topic, group, consumer, handler)
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("queue read failed", "topic", topic, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				s.deliver(ctx, topic, group, entry, handler)
			}
		}
	}
}

func (s *Stream) deliver(ctx context.Context, topic, group string, entry redis.XMessage, handler func(ctx context.Context, msg Message) error) {
	body, _ := entry.Values[bodyField].(string)
	msg := Message{ID: entry.ID, Body: []byte(body)}
	if err := handler(ctx, msg); err != nil {
		// Left pending: reclaimed after claimMinIdle for another attempt.
		s.logger.Warn("job handler failed, leaving pending",
			"topic", topic, "id", entry.ID, "error", err)
		return
	}
	if err := s.client.XAck(ctx, topic, group, entry.ID).Err(); err != nil {
		s.logger.Warn("ack failed", "topic", topic, "id", entry.ID, "error", err)
	}
}

// claimStale takes over pending entries whose previous delivery stalled.
func (s *Stream) claimStale(ctx context.Context, topic, group, consumer string, handler func(ctx context.Context, msg Message) error) {
	entries, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  claimMinIdle,
		Start:    "0",
		Count:    readCount,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("autoclaim failed", "topic", topic, "error", err)
		return
	}
	for _, entry := range entries {
		s.deliver(ctx, topic, group, entry, handler)
	}
}
