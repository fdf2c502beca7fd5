package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, did string, at time.Time, payload any) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("Stub event published",
		zap.String("event_type", eventType),
		zap.String("did", did),
		zap.Time("timestamp", at.UTC()),
		zap.Any("payload", payload),
	)
}

// PublishSessionRevoked logs beacon.session.revoked events.
func (p *StubPublisher) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	payload := map[string]any{
		"session_group": event.Group,
		"did":           event.DID,
		"issuer":        event.Issuer,
		"reason":        event.Reason,
		"revoked_at":    event.RevokedAt,
		"metadata":      event.Metadata,
	}
	p.logEvent("beacon.session.revoked", event.DID, event.RevokedAt, payload)
	return nil
}

// PublishRecordIndexed logs beacon.record.indexed events.
func (p *StubPublisher) PublishRecordIndexed(_ context.Context, event domain.RecordIndexedEvent) error {
	payload := map[string]any{
		"uri":        event.URI,
		"cid":        event.CID,
		"did":        event.DID,
		"collection": event.Collection,
		"indexed_at": event.IndexedAt,
		"metadata":   event.Metadata,
	}
	p.logEvent("beacon.record.indexed", event.DID, event.IndexedAt, payload)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
