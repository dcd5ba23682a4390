package redisq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory is an in-process Transport for tests and single-node deployments.
// Delivery order per topic matches publish order; a failed handler requeues
// the message at the back of the topic.
type Memory struct {
	mu     sync.Mutex
	topics map[string]chan Message
	buffer int
	seq    atomic.Int64
	closed bool
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{topics: make(map[string]chan Message), buffer: buffer}
}

func (m *Memory) topic(name string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.topics[name]
	if !ok {
		ch = make(chan Message, m.buffer)
		m.topics[name] = ch
	}
	return ch
}

func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("publish %s: transport closed", topic)
	}
	m.mu.Unlock()

	msg := Message{ID: fmt.Sprintf("mem-%d", m.seq.Add(1)), Body: body}
	select {
	case m.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Depth(_ context.Context, topic string) (int64, error) {
	return int64(len(m.topic(topic))), nil
}

func (m *Memory) Consume(ctx context.Context, topic, _ string, handler func(ctx context.Context, msg Message) error) error {
	ch := m.topic(topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				select {
				case ch <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.topics {
		close(ch)
	}
	return nil
}
