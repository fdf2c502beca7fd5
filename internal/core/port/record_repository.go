package port

import (
	"context"

	"github.com/beaconevents/beacon/internal/core/domain"
)

// EventRepository deals with indexed event storage (events table).
type EventRepository interface {
	Upsert(ctx context.Context, event domain.EventRecord) error
	GetByURI(ctx context.Context, uri string) (*domain.EventRecord, error)
	ListByDID(ctx context.Context, did string, limit int) ([]domain.EventRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.EventRecord, error)
	Delete(ctx context.Context, uri string) error
}

// RsvpRepository deals with indexed RSVP storage (rsvps table).
type RsvpRepository interface {
	Upsert(ctx context.Context, rsvp domain.RsvpRecord) error
	GetByURI(ctx context.Context, uri string) (*domain.RsvpRecord, error)
	ListForEvent(ctx context.Context, eventURI string) ([]domain.RsvpRecord, error)
	GetForEventByDID(ctx context.Context, eventURI, did string) ([]domain.RsvpRecord, error)
	CountByStatus(ctx context.Context, eventURI string) (map[string]int64, error)
	Delete(ctx context.Context, uri string) error
}
