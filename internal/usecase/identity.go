package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/infra/telemetry"
	"github.com/beaconevents/beacon/internal/repository"
)

// ErrResolutionFailed indicates no identity could be produced for a subject:
// the network gave no answer and no cached row exists to fall back on.
var ErrResolutionFailed = errors.New("identity resolution failed")

// IdentityService answers "who is this subject" from the handles cache,
// refreshing from the live network when the cached row is stale or absent.
type IdentityService struct {
	identities port.IdentityRepository
	directory  port.IdentityDirectory
	maxAge     time.Duration
	logger     *zap.Logger
	metrics    *telemetry.Provider
	now        func() time.Time

	flight singleflight.Group
}

// NewIdentityService constructs an IdentityService. maxAge bounds how old a
// cached row may be before a network refresh is attempted.
func NewIdentityService(identities port.IdentityRepository, directory port.IdentityDirectory, maxAge time.Duration, logger *zap.Logger) *IdentityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityService{
		identities: identities,
		directory:  directory,
		maxAge:     maxAge,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (s *IdentityService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithMetrics attaches the telemetry provider. A nil provider is a no-op.
func (s *IdentityService) WithMetrics(metrics *telemetry.Provider) {
	s.metrics = metrics
}

// Resolve answers with the identity behind a handle or DID. Fresh cached rows
// are served directly; stale or missing rows trigger a network resolution
// deduplicated per subject. When the network fails, a stale cached row is
// better than no answer and is returned with a warning.
func (s *IdentityService) Resolve(ctx context.Context, subject string) (*domain.Identity, error) {
	subject = domain.NormalizeSubject(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrResolutionFailed)
	}

	now := s.now()

	cached, err := s.lookup(ctx, subject)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if cached != nil && !cached.Stale(now, s.maxAge) {
		s.metrics.CountResolution("cache_hit")
		return cached, nil
	}

	value, err, _ := s.flight.Do(subject, func() (any, error) {
		return s.refresh(ctx, subject, now)
	})
	if err != nil {
		if cached != nil {
			s.logger.Warn("serving stale identity after failed resolution",
				zap.String("subject", subject),
				zap.Error(err),
			)
			s.metrics.CountResolution("stale_served")
			return cached, nil
		}
		s.metrics.CountResolution("failed")
		return nil, err
	}

	s.metrics.CountResolution("resolved")
	return value.(*domain.Identity), nil
}

// TouchActive records that the identity was just seen acting. Failures are
// logged, not surfaced; activity tracking never blocks a request.
func (s *IdentityService) TouchActive(ctx context.Context, did string) {
	if err := s.identities.TouchActive(ctx, did, s.now()); err != nil {
		s.logger.Warn("touch identity activity", zap.String("did", did), zap.Error(err))
	}
}

func (s *IdentityService) lookup(ctx context.Context, subject string) (*domain.Identity, error) {
	if domain.IsDID(subject) {
		return s.identities.GetByDID(ctx, subject)
	}
	return s.identities.GetByHandle(ctx, subject)
}

func (s *IdentityService) refresh(ctx context.Context, subject string, now time.Time) (*domain.Identity, error) {
	resolved, err := s.directory.Resolve(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	identity := domain.Identity{
		DID:       resolved.DID,
		Handle:    resolved.Handle,
		PDS:       resolved.PDS,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.identities.Upsert(ctx, identity); err != nil {
		return nil, fmt.Errorf("store identity: %w", err)
	}

	return &identity, nil
}
