package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
)

// KafkaPublisher produces each event to a Kafka topic. The record key is
// the case name, so one case's events stay ordered within a partition; the
// value is the event's canonical encoding.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher connects to brokers and produces to topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("feed: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("feed: topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID("custodyledger"),
	)
	if err != nil {
		return nil, fmt.Errorf("feed: kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

// Record builds the Kafka record for e.
func Record(caseName string, e ledger.Event) (*kgo.Record, error) {
	value, err := canonical.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("feed: encode event %d: %w", e.ID, err)
	}
	return &kgo.Record{
		Key:   []byte(caseName),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(e.ID, 10))},
			{Key: "current_hash", Value: []byte(e.CurrentHash)},
		},
	}, nil
}

// Publish implements Publisher. Production is asynchronous; delivery
// failures are logged from the produce callback.
func (k *KafkaPublisher) Publish(ctx context.Context, caseName string, e ledger.Event) error {
	rec, err := Record(caseName, e)
	if err != nil {
		return err
	}
	k.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			k.logger.Warn("kafka produce failed",
				zap.String("topic", k.topic),
				zap.Int64("event_id", e.ID),
				zap.Error(err),
			)
		}
	})
	return nil
}

// Close flushes buffered records and closes the client.
func (k *KafkaPublisher) Close() error {
	err := k.client.Flush(context.Background())
	k.client.Close()
	return err
}
