package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProvider hands notifications to a downstream push gateway over a
// Kafka topic. Messages are keyed by recipient so one user's notifications
// stay ordered within a partition.
type KafkaProvider struct {
	writer messageWriter
	topic  string
}

func NewKafkaProvider(cfg config.KafkaConfig) *KafkaProvider {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        false,
	}
	return &KafkaProvider{writer: w, topic: cfg.Topic}
}

func (p *KafkaProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return domain.Permanent(fmt.Errorf("marshal message: %w", err))
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.RecipientID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(msg.Severity)},
			{Key: "message_id", Value: []byte(msg.ID)},
		},
		Time: time.Now(),
	})
	if err != nil {
		return domain.Transient(fmt.Errorf("write kafka message: %w", err))
	}
	return nil
}

func (p *KafkaProvider) Close() error {
	return p.writer.Close()
}

var _ Provider = (*KafkaProvider)(nil)
