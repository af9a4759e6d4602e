// Package events publishes fulfillment domain events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/tournevent/shipgate/internal/telemetry"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeLabelFulfilled     = "label.fulfilled"
	TypeLabelCancelled     = "label.cancelled"
	TypeShipmentManifested = "shipment.manifested"
)

// Event is the envelope written to the topic. Key partitions events of one
// merchant together.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	MerchantID string          `json:"merchantId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// LabelFulfilled is the payload of a label.fulfilled event.
type LabelFulfilled struct {
	ShipmentID    string          `json:"shipmentId"`
	ClientOrderID string          `json:"clientOrderId"`
	AccountID     string          `json:"accountId"`
	Carrier       string          `json:"carrier"`
	ServiceID     string          `json:"serviceId"`
	TrackingID    string          `json:"trackingId"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	IsTest        bool            `json:"isTest,omitempty"`
	Partial       bool            `json:"partial,omitempty"`
}

// LabelCancelled is the payload of a label.cancelled event.
type LabelCancelled struct {
	ShipmentID string          `json:"shipmentId"`
	TrackingID string          `json:"trackingId"`
	Refunded   decimal.Decimal `json:"refunded"`
}

// ShipmentManifested is the payload of a shipment.manifested event.
type ShipmentManifested struct {
	AccountID   string   `json:"accountId"`
	ManifestID  string   `json:"manifestId"`
	TrackingIDs []string `json:"trackingIds"`
}

// New builds an event envelope around data.
func New(eventType, merchantID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		MerchantID: merchantID,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Writer is the subset of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by merchant id.
type KafkaPublisher struct {
	writer  Writer
	logger  *otelzap.Logger
	metrics *telemetry.Metrics
}

// KafkaConfig configures the Kafka writer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig, logger *otelzap.Logger, metrics *telemetry.Metrics) *KafkaPublisher {
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaPublisherWithWriter(w, logger, metrics)
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer, logger *otelzap.Logger, metrics *telemetry.Metrics) *KafkaPublisher {
	return &KafkaPublisher{writer: w, logger: logger, metrics: metrics}
}

// Publish writes events in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.MerchantID),
			Value: b,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
				{Key: "event-id", Value: []byte(e.ID)},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.count(events, "error")
		p.logger.Ctx(ctx).Error("kafka write failed", zap.Int("events", len(events)), zap.Error(err))
		return fmt.Errorf("write events: %w", err)
	}
	p.count(events, "ok")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) count(events []Event, outcome string) {
	if p.metrics == nil {
		return
	}
	for _, e := range events {
		p.metrics.EventsPublished.WithLabelValues(e.Type, outcome).Inc()
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error // returned by Publish when set
}

// Publish records events, or fails with r.Err.
func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, events...)
	return nil
}

// Close is a no-op.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
