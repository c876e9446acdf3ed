package mq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerID        = "x-message-id"
	headerTimestamp = "x-message-ts"
)

// KafkaConfig defines configuration for the Kafka producer.
type KafkaConfig struct {
	Brokers      []string      `json:"brokers,optional"`
	ClientID     string        `json:"clientID,optional"`
	BatchSize    int           `json:"batchSize,default=100"`
	BatchTimeout time.Duration `json:"batchTimeout,default=10ms"`
	WriteTimeout time.Duration `json:"writeTimeout,default=10s"`
	RequiredAcks int           `json:"requiredAcks,default=-1"`
	Compression  string        `json:"compression,optional"`
}

// KafkaProducer implements Producer using kafka-go.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a producer for the given brokers.
func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
	}
	return &KafkaProducer{writer: writer}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, message *Message) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}
	ts := message.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	headers := []kafka.Header{
		{Key: headerID, Value: []byte(message.ID)},
		{Key: headerTimestamp, Value: []byte(ts.Format(time.RFC3339Nano))},
	}
	for k, v := range message.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    ts,
	})
}

func (p *KafkaProducer) Ping(ctx context.Context) error {
	// The writer dials lazily; resolving the controller is the cheapest
	// connectivity check kafka-go offers.
	conn, err := kafka.DialContext(ctx, "tcp", p.writer.Addr.String())
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Controller()
	return err
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
