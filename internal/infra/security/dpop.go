package security

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// dpopProofLifetime keeps proofs short-lived; issuers reject anything stale.
const dpopProofLifetime = 30 * time.Second

// ProofParams describes one outbound request a DPoP proof is bound to.
type ProofParams struct {
	Method string
	URL    string
	// Nonce is the issuer's latest server nonce, empty until one is known.
	Nonce string
	// AccessToken is set on resource-server calls; the proof then carries
	// the ath confirmation hash.
	AccessToken string
	// IssuedAt overrides the clock, used in tests. Zero means now.
	IssuedAt time.Time
}

// DpopProof mints a single-use ES256 proof JWS for the given request. The jti
// is fresh on every call; proofs are never reused across requests or retries.
func DpopProof(key *Key, params ProofParams) (string, error) {
	if key == nil || key.Private == nil {
		return "", fmt.Errorf("dpop key is not initialized")
	}
	if params.Method == "" || params.URL == "" {
		return "", fmt.Errorf("method and url are required")
	}

	issuedAt := params.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	issuedAt = issuedAt.UTC()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": params.Method,
		"htu": params.URL,
		"iat": issuedAt.Unix(),
		"exp": issuedAt.Add(dpopProofLifetime).Unix(),
	}
	if params.Nonce != "" {
		claims["nonce"] = params.Nonce
	}
	if params.AccessToken != "" {
		claims["ath"] = AccessTokenHash(params.AccessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = key.PublicJWK()

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("sign dpop proof: %w", err)
	}

	return signed, nil
}

// AccessTokenHash computes the ath confirmation value for an access token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ClientAssertion mints a private_key_jwt assertion authenticating the client
// to the authorization server.
func ClientAssertion(key *Key, clientID, audience string, now time.Time) (string, error) {
	if key == nil || key.Private == nil {
		return "", fmt.Errorf("signing key is not initialized")
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}

	return signed, nil
}
