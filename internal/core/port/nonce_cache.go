package port

import (
	"context"
	"time"
)

// NonceCache remembers the most recent DPoP nonce an issuer handed back, so
// follow-up proofs can carry it without a wasted round trip.
type NonceCache interface {
	Get(ctx context.Context, issuer string) (string, error)
	Set(ctx context.Context, issuer, nonce string, ttl time.Duration) error
}
