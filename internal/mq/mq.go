// Package mq publishes engine events to an external message queue. The
// abstraction mirrors the store contract: the engine only needs the
// producer side, consumers live in other services.
package mq

import (
	"context"
	"time"
)

// Message is one queue message.
type Message struct {
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Producer publishes messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	Ping(ctx context.Context) error
	Close() error
}
