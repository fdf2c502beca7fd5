package port

import (
	"context"

	"github.com/beaconevents/beacon/internal/core/domain"
)

// DenylistRepository deals with moderation denylist storage. Subjects are
// passed raw; implementations hash them before touching the table.
type DenylistRepository interface {
	Contains(ctx context.Context, subject string) (bool, error)
	Upsert(ctx context.Context, subject, reason string) error
	Remove(ctx context.Context, subject string) error
	List(ctx context.Context, limit int) ([]domain.DenylistEntry, error)
}
