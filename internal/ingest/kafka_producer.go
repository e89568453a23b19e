package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carwash-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer forwards accepted provider location reports to the location
// topic, keyed by provider so one provider's reports stay ordered.
type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.ProviderID), Value: b}); err != nil {
		return fmt.Errorf("kafka publish location %s: %w", loc.ProviderID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a location message and validates it.
func DecodeLocation(b []byte) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return loc, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if loc.ProviderID == "" {
		return loc, fmt.Errorf("%w: provider id is required", models.ErrInvalidInput)
	}
	if err := loc.Loc.Validate(); err != nil {
		return loc, err
	}
	return loc, nil
}
