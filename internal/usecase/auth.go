package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/beaconevents/beacon/internal/atproto"
	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/infra/security"
	"github.com/beaconevents/beacon/internal/infra/telemetry"
	"github.com/beaconevents/beacon/internal/repository"
)

var (
	// ErrInvalidState indicates the callback state matches no pending request.
	ErrInvalidState = errors.New("unknown or mismatched authorization state")
	// ErrRequestExpired indicates the callback arrived after the request's deadline.
	ErrRequestExpired = errors.New("authorization request expired")
	// ErrSessionExpired indicates the session is gone or past its hard ceiling.
	ErrSessionExpired = errors.New("session expired")
	// ErrRefreshRejected indicates the issuer refused the refresh grant; the
	// session is deleted before this is returned.
	ErrRefreshRejected = errors.New("token refresh rejected")
)

// refreshLeadFraction places the scheduled refresh at this fraction of the
// access token's lifetime, leaving headroom for retries before expiry.
const refreshLeadFraction = 0.8

// OAuthProvider is the slice of the authorization-server client the session
// engine depends on.
type OAuthProvider interface {
	DiscoverForPDS(ctx context.Context, pds string) (*atproto.AuthServer, error)
	Server(ctx context.Context, issuer string) (*atproto.AuthServer, error)
	PushAuthorization(ctx context.Context, server *atproto.AuthServer, input atproto.PARInput) (string, string, error)
	AuthorizeURL(server *atproto.AuthServer, requestURI string) string
	ExchangeCode(ctx context.Context, server *atproto.AuthServer, input atproto.ExchangeInput) (*atproto.TokenResponse, error)
	Refresh(ctx context.Context, server *atproto.AuthServer, input atproto.RefreshInput) (*atproto.TokenResponse, error)
}

// AuthConfig carries the session engine's tunables.
type AuthConfig struct {
	// RequestTTL bounds how long a pushed authorization may await its callback.
	RequestTTL time.Duration
	// SessionCeiling is the hard lifetime cap; no refresh extends a session
	// past creation time plus this.
	SessionCeiling time.Duration
}

// AuthService drives the OAuth lifecycle: authorization kickoff, callback
// promotion, keeping access tokens fresh, and teardown.
type AuthService struct {
	cfg        AuthConfig
	requests   port.AuthRequestRepository
	sessions   port.SessionRepository
	queue      port.RefreshQueue
	identities *IdentityService
	oauth      OAuthProvider
	publisher  port.EventPublisher
	signingKey *security.Key
	logger     *zap.Logger
	metrics    *telemetry.Provider
	now        func() time.Time

	flight singleflight.Group
}

// NewAuthService constructs an AuthService. signingKey is the long-lived
// client-assertion key published in the client metadata JWKS.
func NewAuthService(
	cfg AuthConfig,
	requests port.AuthRequestRepository,
	sessions port.SessionRepository,
	queue port.RefreshQueue,
	identities *IdentityService,
	oauth OAuthProvider,
	publisher port.EventPublisher,
	signingKey *security.Key,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		cfg:        cfg,
		requests:   requests,
		sessions:   sessions,
		queue:      queue,
		identities: identities,
		oauth:      oauth,
		publisher:  publisher,
		signingKey: signingKey,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (s *AuthService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithMetrics attaches the telemetry provider. A nil provider is a no-op.
func (s *AuthService) WithMetrics(metrics *telemetry.Provider) {
	s.metrics = metrics
}

// StartAuthorization resolves the subject, discovers its authorization
// server, pushes the authorization request, and persists the pending state.
// The returned URL is where the user agent goes next; destination is kept
// alongside the request and restored after the callback.
func (s *AuthService) StartAuthorization(ctx context.Context, subject string, destination *string) (string, error) {
	identity, err := s.identities.Resolve(ctx, subject)
	if err != nil {
		return "", err
	}

	server, err := s.oauth.DiscoverForPDS(ctx, identity.PDS)
	if err != nil {
		return "", fmt.Errorf("discover authorization server: %w", err)
	}

	state, err := security.GenerateState()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	verifier, challenge, err := security.GeneratePKCE()
	if err != nil {
		return "", fmt.Errorf("generate pkce pair: %w", err)
	}

	// Each authorization gets its own DPoP key; the issued tokens stay bound
	// to it for the session's whole life.
	dpopKey, err := security.GenerateKey("")
	if err != nil {
		return "", fmt.Errorf("generate dpop key: %w", err)
	}
	dpopJWK, err := dpopKey.MarshalPrivateJWK()
	if err != nil {
		return "", fmt.Errorf("marshal dpop key: %w", err)
	}

	requestURI, nonce, err := s.oauth.PushAuthorization(ctx, server, atproto.PARInput{
		SigningKey:    s.signingKey,
		DpopKey:       dpopKey,
		State:         state,
		PKCEChallenge: challenge,
		LoginHint:     identity.Handle,
	})
	if err != nil {
		return "", fmt.Errorf("push authorization request: %w", err)
	}

	now := s.now()
	request := domain.AuthRequest{
		State:        state,
		Issuer:       server.Issuer,
		DID:          identity.DID,
		Nonce:        nonce,
		PKCEVerifier: verifier,
		SigningKeyID: s.signingKey.ID,
		DpopKey:      dpopJWK,
		Destination:  destination,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.RequestTTL),
	}
	if err := s.requests.Create(ctx, request); err != nil {
		return "", fmt.Errorf("store authorization request: %w", err)
	}

	s.logger.Info("authorization started",
		zap.String("did", identity.DID),
		zap.String("issuer", server.Issuer),
	)

	return s.oauth.AuthorizeURL(server, requestURI), nil
}

// HandleCallback redeems the authorization code and promotes the pending
// request into a session. The issuer echoed by the callback must match the
// one the request was pushed to.
func (s *AuthService) HandleCallback(ctx context.Context, state, code, issuer string) (*domain.Session, *string, error) {
	request, err := s.requests.GetByState(ctx, state)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrInvalidState
		}
		return nil, nil, fmt.Errorf("lookup authorization request: %w", err)
	}

	if issuer != request.Issuer {
		s.purgeRequest(ctx, state)
		return nil, nil, ErrInvalidState
	}

	now := s.now()
	if request.Expired(now) {
		s.purgeRequest(ctx, state)
		return nil, nil, ErrRequestExpired
	}

	dpopKey, err := security.ParsePrivateJWK(request.DpopKey)
	if err != nil {
		return nil, nil, fmt.Errorf("parse request dpop key: %w", err)
	}

	server, err := s.oauth.Server(ctx, request.Issuer)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch issuer metadata: %w", err)
	}

	tokens, err := s.oauth.ExchangeCode(ctx, server, atproto.ExchangeInput{
		SigningKey:   s.signingKey,
		DpopKey:      dpopKey,
		Code:         code,
		PKCEVerifier: request.PKCEVerifier,
		Nonce:        request.Nonce,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	if tokens.Sub != "" && tokens.Sub != request.DID {
		s.purgeRequest(ctx, state)
		return nil, nil, fmt.Errorf("%w: token subject %s does not match request", ErrInvalidState, tokens.Sub)
	}

	session := domain.Session{
		Group:        uuid.NewString(),
		DID:          request.DID,
		Issuer:       request.Issuer,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		SigningKeyID: request.SigningKeyID,
		DpopKey:      request.DpopKey,
		CreatedAt:    now,
		NotAfter:     now.Add(s.cfg.SessionCeiling),
	}
	session.ApplyRefresh(tokens.AccessToken, tokens.RefreshToken, now.Add(time.Duration(tokens.ExpiresIn)*time.Second))

	if err := s.sessions.Promote(ctx, state, session); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// The request was consumed by a concurrent callback.
			return nil, nil, ErrInvalidState
		}
		return nil, nil, fmt.Errorf("promote session: %w", err)
	}

	s.scheduleRefresh(ctx, session, now)
	s.identities.TouchActive(ctx, session.DID)

	s.logger.Info("session established",
		zap.String("group", session.Group),
		zap.String("did", session.DID),
		zap.String("issuer", session.Issuer),
	)

	return &session, request.Destination, nil
}

// EnsureValid returns a session whose access token is usable right now,
// refreshing it first when needed. Concurrent callers for the same group
// share one refresh. Sessions past their ceiling are deleted without touching
// the network.
func (s *AuthService) EnsureValid(ctx context.Context, group string) (*domain.Session, error) {
	session, err := s.getLive(ctx, group)
	if err != nil {
		return nil, err
	}
	if session.AccessFresh(s.now()) {
		return session, nil
	}

	value, err, _ := s.flight.Do(group, func() (any, error) {
		return s.refreshSession(ctx, group)
	})
	if err != nil {
		return nil, err
	}

	return value.(*domain.Session), nil
}

func (s *AuthService) getLive(ctx context.Context, group string) (*domain.Session, error) {
	session, err := s.sessions.GetByGroup(ctx, group)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	if session.Dead(s.now()) {
		s.teardown(ctx, *session, "expired")
		return nil, ErrSessionExpired
	}

	return session, nil
}

func (s *AuthService) refreshSession(ctx context.Context, group string) (*domain.Session, error) {
	// Re-read inside the flight; another caller may have refreshed already.
	session, err := s.getLive(ctx, group)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if session.AccessFresh(now) {
		return session, nil
	}

	dpopKey, err := security.ParsePrivateJWK(session.DpopKey)
	if err != nil {
		return nil, fmt.Errorf("parse session dpop key: %w", err)
	}

	server, err := s.oauth.Server(ctx, session.Issuer)
	if err != nil {
		return nil, fmt.Errorf("fetch issuer metadata: %w", err)
	}

	tokens, err := s.oauth.Refresh(ctx, server, atproto.RefreshInput{
		SigningKey:   s.signingKey,
		DpopKey:      dpopKey,
		RefreshToken: session.RefreshToken,
	})
	if err != nil {
		if errors.Is(err, atproto.ErrTokenRejected) {
			s.metrics.CountRefresh("rejected")
			s.teardown(ctx, *session, "refresh_rejected")
			return nil, ErrRefreshRejected
		}
		s.metrics.CountRefresh("error")
		return nil, fmt.Errorf("refresh tokens: %w", err)
	}

	session.ApplyRefresh(tokens.AccessToken, tokens.RefreshToken, now.Add(time.Duration(tokens.ExpiresIn)*time.Second))
	if err := s.sessions.UpdateTokens(ctx, *session); err != nil {
		return nil, fmt.Errorf("store refreshed tokens: %w", err)
	}

	s.metrics.CountRefresh("refreshed")
	s.scheduleRefresh(ctx, *session, now)

	s.logger.Debug("session refreshed",
		zap.String("group", session.Group),
		zap.Time("expires_at", session.ExpiresAt),
	)

	return session, nil
}

// Logout deletes the session and announces the revocation. Unknown groups are
// a no-op; logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, group string) error {
	session, err := s.sessions.GetByGroup(ctx, group)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lookup session: %w", err)
	}

	s.teardown(ctx, *session, "logout")
	return nil
}

// CleanupExpiredRequests removes pushed-authorization rows whose callback
// never arrived.
func (s *AuthService) CleanupExpiredRequests(ctx context.Context) (int64, error) {
	return s.requests.DeleteExpired(ctx, s.now())
}

func (s *AuthService) scheduleRefresh(ctx context.Context, session domain.Session, now time.Time) {
	due := now.Add(time.Duration(float64(session.ExpiresAt.Sub(now)) * refreshLeadFraction))
	if due.After(session.NotAfter) {
		due = session.NotAfter
	}
	if err := s.queue.Schedule(ctx, session.Group, due); err != nil {
		s.logger.Warn("schedule refresh", zap.String("group", session.Group), zap.Error(err))
	}
}

func (s *AuthService) teardown(ctx context.Context, session domain.Session, reason string) {
	if err := s.sessions.Delete(ctx, session.Group); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("delete session", zap.String("group", session.Group), zap.Error(err))
	}
	if err := s.queue.Remove(ctx, session.Group); err != nil {
		s.logger.Warn("remove refresh schedule", zap.String("group", session.Group), zap.Error(err))
	}

	event := domain.SessionRevokedEvent{
		EventID:   uuid.NewString(),
		Group:     session.Group,
		DID:       session.DID,
		Issuer:    session.Issuer,
		Reason:    reason,
		RevokedAt: s.now(),
	}
	if err := s.publisher.PublishSessionRevoked(ctx, event); err != nil {
		s.logger.Warn("publish session revocation", zap.String("group", session.Group), zap.Error(err))
	}

	s.logger.Info("session removed",
		zap.String("group", session.Group),
		zap.String("did", session.DID),
		zap.String("reason", reason),
	)
}

func (s *AuthService) purgeRequest(ctx context.Context, state string) {
	if err := s.requests.Delete(ctx, state); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("delete authorization request", zap.Error(err))
	}
}
