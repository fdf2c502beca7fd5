package port

import (
	"context"
	"time"

	"github.com/beaconevents/beacon/internal/core/domain"
)

// AuthRequestRepository deals with pushed-authorization state storage
// (oauth_requests table).
type AuthRequestRepository interface {
	Create(ctx context.Context, request domain.AuthRequest) error
	GetByState(ctx context.Context, state string) (*domain.AuthRequest, error)
	Delete(ctx context.Context, state string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SessionRepository deals with OAuth session storage (oauth_sessions table).
// Promote consumes an authorization request and creates its session in a
// single transaction: either both rows move or neither does.
type SessionRepository interface {
	Promote(ctx context.Context, state string, session domain.Session) error
	GetByGroup(ctx context.Context, group string) (*domain.Session, error)
	UpdateTokens(ctx context.Context, session domain.Session) error
	Delete(ctx context.Context, group string) error
	ListByDID(ctx context.Context, did string) ([]domain.Session, error)
}
