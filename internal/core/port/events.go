package port

import (
	"context"

	"github.com/beaconevents/beacon/internal/core/domain"
)

// EventPublisher publishes lifecycle events to the message bus.
type EventPublisher interface {
	PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error
	PublishRecordIndexed(ctx context.Context, event domain.RecordIndexedEvent) error
}
