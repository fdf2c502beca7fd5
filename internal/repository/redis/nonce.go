package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/beaconevents/beacon/internal/core/port"
)

const defaultNoncePrefix = "dpop_nonce"

// NonceRepository remembers the latest DPoP nonce per issuer so the next
// proof can carry it up front instead of eating a use_dpop_nonce round trip.
type NonceRepository struct {
	client *red.Client
	prefix string
}

// NewNonceRepository constructs a nonce cache with the provided Redis client and key prefix.
func NewNonceRepository(client *red.Client, keyPrefix string) *NonceRepository {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultNoncePrefix
	}

	return &NonceRepository{
		client: client,
		prefix: prefix,
	}
}

// Get returns the remembered nonce for the issuer, or empty when none is cached.
func (r *NonceRepository) Get(ctx context.Context, issuer string) (string, error) {
	key, err := r.key(issuer)
	if err != nil {
		return "", err
	}

	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, red.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get dpop nonce: %w", err)
	}

	return value, nil
}

// Set stores the issuer's latest nonce. Issuers rotate nonces on their own
// schedule, so entries expire rather than accumulate.
func (r *NonceRepository) Set(ctx context.Context, issuer, nonce string, ttl time.Duration) error {
	key, err := r.key(issuer)
	if err != nil {
		return err
	}
	if strings.TrimSpace(nonce) == "" {
		return errors.New("nonce is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	if err := r.client.Set(ctx, key, nonce, ttl).Err(); err != nil {
		return fmt.Errorf("redis set dpop nonce: %w", err)
	}

	return nil
}

func (r *NonceRepository) key(issuer string) (string, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return "", errors.New("issuer is required")
	}
	return fmt.Sprintf("%s:%s", r.prefix, issuer), nil
}

var _ port.NonceCache = (*NonceRepository)(nil)
