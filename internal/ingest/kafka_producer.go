package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// CellHeader carries the geohash cell of a location message.
const CellHeader = "cell"

// MessageWriter is the part of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes accepted location reports keyed by agent id, so
// reports of one agent stay ordered within a partition.
type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return NewProducerWithWriter(w)
}

func NewProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, r models.LocationReport) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(r.AgentID),
		Value:   b,
		Headers: []kafka.Header{{Key: CellHeader, Value: []byte(geo.Cell(r.Coord(), geo.CellPrecision))}},
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventPublisher writes dispatch lifecycle events keyed by request id.
type EventPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewEventPublisher(brokers []string, topic string) *EventPublisher {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return NewEventPublisherWithWriter(w)
}

func NewEventPublisherWithWriter(w MessageWriter) *EventPublisher {
	return &EventPublisher{writer: w, timeout: 2 * time.Second}
}

func (p *EventPublisher) Notify(ctx context.Context, ev models.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RequestID), Value: b})
}

func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
