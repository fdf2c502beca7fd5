package domain

import "time"

// AuthRequest mirrors the persisted representation in the oauth_requests
// table: the state of a pushed authorization awaiting its callback.
type AuthRequest struct {
	State        string
	Issuer       string
	DID          string
	Nonce        string
	PKCEVerifier string
	SigningKeyID string
	DpopKey      string
	Destination  *string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the callback arrived after the request's deadline.
func (r AuthRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Session mirrors the persisted representation in the oauth_sessions table:
// a DPoP-bound token pair issued by the identity's authorization server.
type Session struct {
	Group        string
	DID          string
	Issuer       string
	AccessToken  string
	RefreshToken string
	SigningKeyID string
	DpopKey      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	NotAfter     time.Time
}

// AccessFresh reports whether the access token is still usable without a refresh.
func (s Session) AccessFresh(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Dead reports whether the session passed its hard ceiling. Dead sessions are
// deleted rather than refreshed.
func (s Session) Dead(now time.Time) bool {
	return !now.Before(s.NotAfter)
}

// ApplyRefresh installs a freshly issued token pair. Issuers that rotate the
// refresh token return a new one; those that don't omit it and the stored
// token is kept. The access-token expiry never crosses NotAfter.
func (s *Session) ApplyRefresh(accessToken, refreshToken string, expiresAt time.Time) {
	s.AccessToken = accessToken
	if refreshToken != "" {
		s.RefreshToken = refreshToken
	}
	if expiresAt.After(s.NotAfter) {
		expiresAt = s.NotAfter
	}
	s.ExpiresAt = expiresAt
}
