package event

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"runbox/internal/mq"
	"runbox/internal/store"
	"runbox/pkg/logger"
)

// TerminalPublisher pushes terminal submission records onto a message queue
// topic for cross-process observers. Publish failures are logged, not
// retried: the store remains the source of truth.
type TerminalPublisher struct {
	producer mq.Producer
	topic    string
	timeout  time.Duration
}

// NewTerminalPublisher creates a publisher for the given topic.
func NewTerminalPublisher(producer mq.Producer, topic string, timeout time.Duration) *TerminalPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TerminalPublisher{producer: producer, topic: topic, timeout: timeout}
}

// PublishTerminal emits one terminal record.
func (p *TerminalPublisher) PublishTerminal(sub *store.Submission) {
	if p == nil || p.producer == nil || sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	ctx = logger.WithSubmissionID(ctx, sub.ID)

	body, err := json.Marshal(sub)
	if err != nil {
		logger.Error(ctx, "encode terminal event failed", zap.Error(err))
		return
	}
	err = p.producer.Publish(ctx, p.topic, &mq.Message{
		ID:        sub.ID,
		Body:      body,
		Timestamp: time.Now(),
	})
	if err != nil {
		logger.Warn(ctx, "publish terminal event failed",
			zap.String("topic", p.topic), zap.Error(err))
	}
}
