package port

import (
	"context"
	"time"

	"github.com/beaconevents/beacon/internal/core/domain"
)

// IdentityRepository deals with cached identity storage (handles table).
type IdentityRepository interface {
	GetByDID(ctx context.Context, did string) (*domain.Identity, error)
	GetByHandle(ctx context.Context, handle string) (*domain.Identity, error)
	Upsert(ctx context.Context, identity domain.Identity) error
	TouchActive(ctx context.Context, did string, at time.Time) error
}
