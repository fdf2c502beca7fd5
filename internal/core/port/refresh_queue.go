package port

import (
	"context"
	"time"
)

// RefreshQueue schedules sessions for background token refresh. Entries are
// session groups scored by the instant their refresh falls due.
type RefreshQueue interface {
	Schedule(ctx context.Context, group string, due time.Time) error
	Due(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Remove(ctx context.Context, group string) error
	Heartbeat(ctx context.Context, worker string, at time.Time) error
}
