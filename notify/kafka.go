package notify

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/warp/care-attendance/attendance"
)

// DefaultTopic receives every attendance notification.
const DefaultTopic = "attendance.events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes one message per notification, keyed by beneficiary
// so a family's notices stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier requires at least one broker")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (k *KafkaNotifier) Notify(ctx context.Context, n attendance.Notification) error {
	payload, err := encode(n)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.BeneficiaryID),
		Value: payload,
		Time:  n.At.UTC(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(Subject(n.Action))},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
