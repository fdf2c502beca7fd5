package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/infra/config"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	DID       string           `json:"did,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, did string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		DID:       did,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSessionRevoked publishes beacon.session.revoked events.
func (p *EventPublisher) PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error {
	payload := struct {
		Group     string         `json:"session_group"`
		DID       string         `json:"did"`
		Issuer    string         `json:"issuer"`
		Reason    string         `json:"reason"`
		RevokedAt time.Time      `json:"revoked_at"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}{
		Group:     event.Group,
		DID:       event.DID,
		Issuer:    event.Issuer,
		Reason:    event.Reason,
		RevokedAt: event.RevokedAt.UTC(),
		Metadata:  event.Metadata,
	}

	return p.publish(ctx, event.EventID, "beacon.session.revoked", event.DID, event.RevokedAt, payload)
}

// PublishRecordIndexed publishes beacon.record.indexed events.
func (p *EventPublisher) PublishRecordIndexed(ctx context.Context, event domain.RecordIndexedEvent) error {
	payload := struct {
		URI        string         `json:"uri"`
		CID        string         `json:"cid"`
		DID        string         `json:"did"`
		Collection string         `json:"collection"`
		IndexedAt  time.Time      `json:"indexed_at"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}{
		URI:        event.URI,
		CID:        event.CID,
		DID:        event.DID,
		Collection: event.Collection,
		IndexedAt:  event.IndexedAt.UTC(),
		Metadata:   event.Metadata,
	}

	return p.publish(ctx, event.EventID, "beacon.record.indexed", event.DID, event.IndexedAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
