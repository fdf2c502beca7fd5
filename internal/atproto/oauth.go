package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/infra/security"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// Scope requested on every authorization; issuers not offering it are
	// rejected during discovery.
	OAuthScope = "atproto transition:generic"

	serverNonceTTL = time.Hour
)

// AuthServer is the authorization-server metadata document.
type AuthServer struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	PAREndpoint                        string   `json:"pushed_authorization_request_endpoint"`
	ScopesSupported                    []string `json:"scopes_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	DpopSigningAlgValuesSupported      []string `json:"dpop_signing_alg_values_supported"`
	RequirePushedAuthorizationRequests bool     `json:"require_pushed_authorization_requests"`
}

// TokenResponse is an issuer's answer to a code exchange or refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
	ExpiresIn    int64  `json:"expires_in"`
}

// OAuthClient talks to authorization servers: discovery, pushed authorization
// requests, code exchange, and refresh. Every call is DPoP-bound and client
// assertion authenticated; a stale-nonce rejection is retried exactly once.
type OAuthClient struct {
	http        *http.Client
	nonces      port.NonceCache
	clientID    string
	redirectURI string
	logger      *zap.Logger
	now         func() time.Time
}

// NewOAuthClient constructs an authorization-server client.
func NewOAuthClient(httpClient *http.Client, nonces port.NonceCache, clientID, redirectURI string, logger *zap.Logger) *OAuthClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthClient{
		http:        httpClient,
		nonces:      nonces,
		clientID:    clientID,
		redirectURI: redirectURI,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (c *OAuthClient) WithClock(clock func() time.Time) {
	if clock != nil {
		c.now = clock
	}
}

// DiscoverForPDS walks from a PDS to its authorization server: the protected
// resource document names the issuer, the issuer's metadata document is then
// fetched and checked against the capabilities the handshake depends on.
func (c *OAuthClient) DiscoverForPDS(ctx context.Context, pds string) (*AuthServer, error) {
	var protected struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := c.getJSON(ctx, strings.TrimSuffix(pds, "/")+"/.well-known/oauth-protected-resource", &protected); err != nil {
		return nil, fmt.Errorf("fetch protected resource metadata: %w", err)
	}
	if len(protected.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("%w: %s names no authorization server", ErrUnsupportedAuthServer, pds)
	}

	return c.Server(ctx, protected.AuthorizationServers[0])
}

// Server fetches and validates an issuer's metadata document. Sessions store
// the issuer, so refresh and callback paths start here rather than at the PDS.
func (c *OAuthClient) Server(ctx context.Context, issuer string) (*AuthServer, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	var server AuthServer
	if err := c.getJSON(ctx, issuer+"/.well-known/oauth-authorization-server", &server); err != nil {
		return nil, fmt.Errorf("fetch authorization server metadata: %w", err)
	}
	if server.Issuer != issuer && strings.TrimSuffix(server.Issuer, "/") != issuer {
		return nil, fmt.Errorf("%w: issuer %q does not match %q", ErrUnsupportedAuthServer, server.Issuer, issuer)
	}

	if err := validateAuthServer(&server); err != nil {
		return nil, err
	}

	return &server, nil
}

// validateAuthServer rejects issuers missing any capability the handshake
// relies on, before any state is persisted.
func validateAuthServer(server *AuthServer) error {
	switch {
	case server.PAREndpoint == "":
		return fmt.Errorf("%w: no pushed authorization endpoint", ErrUnsupportedAuthServer)
	case server.TokenEndpoint == "" || server.AuthorizationEndpoint == "":
		return fmt.Errorf("%w: incomplete endpoint set", ErrUnsupportedAuthServer)
	case !slices.Contains(server.GrantTypesSupported, "authorization_code"):
		return fmt.Errorf("%w: authorization_code grant unsupported", ErrUnsupportedAuthServer)
	case !slices.Contains(server.GrantTypesSupported, "refresh_token"):
		return fmt.Errorf("%w: refresh_token grant unsupported", ErrUnsupportedAuthServer)
	case !slices.Contains(server.CodeChallengeMethodsSupported, "S256"):
		return fmt.Errorf("%w: S256 code challenge unsupported", ErrUnsupportedAuthServer)
	case !slices.Contains(server.DpopSigningAlgValuesSupported, "ES256"):
		return fmt.Errorf("%w: ES256 dpop unsupported", ErrUnsupportedAuthServer)
	case !slices.Contains(server.ScopesSupported, "atproto"):
		return fmt.Errorf("%w: atproto scope unsupported", ErrUnsupportedAuthServer)
	}
	return nil
}

// PARInput parameterizes a pushed authorization request.
type PARInput struct {
	SigningKey    *security.Key
	DpopKey       *security.Key
	State         string
	PKCEChallenge string
	LoginHint     string
}

// PushAuthorization performs the PAR call and returns the request_uri plus
// the issuer's latest DPoP nonce, which the caller persists alongside the
// request state.
func (c *OAuthClient) PushAuthorization(ctx context.Context, server *AuthServer, input PARInput) (string, string, error) {
	form := url.Values{
		"client_id":             {c.clientID},
		"response_type":         {"code"},
		"redirect_uri":          {c.redirectURI},
		"state":                 {input.State},
		"scope":                 {OAuthScope},
		"code_challenge":        {input.PKCEChallenge},
		"code_challenge_method": {"S256"},
	}
	if input.LoginHint != "" {
		form.Set("login_hint", input.LoginHint)
	}

	body, nonce, err := c.postForm(ctx, server, server.PAREndpoint, form, input.SigningKey, input.DpopKey, "")
	if err != nil {
		return "", "", err
	}

	var response struct {
		RequestURI string `json:"request_uri"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", "", fmt.Errorf("decode par response: %w", err)
	}
	if response.RequestURI == "" {
		return "", "", fmt.Errorf("par response carries no request_uri")
	}

	return response.RequestURI, nonce, nil
}

// AuthorizeURL assembles the redirect the user follows after a successful PAR.
func (c *OAuthClient) AuthorizeURL(server *AuthServer, requestURI string) string {
	query := url.Values{
		"client_id":   {c.clientID},
		"request_uri": {requestURI},
	}
	return server.AuthorizationEndpoint + "?" + query.Encode()
}

// ExchangeInput parameterizes an authorization-code exchange.
type ExchangeInput struct {
	SigningKey   *security.Key
	DpopKey      *security.Key
	Code         string
	PKCEVerifier string
	// Nonce is the server nonce remembered from the PAR call.
	Nonce string
}

// ExchangeCode redeems the authorization code for a DPoP-bound token pair.
func (c *OAuthClient) ExchangeCode(ctx context.Context, server *AuthServer, input ExchangeInput) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {input.Code},
		"redirect_uri":  {c.redirectURI},
		"code_verifier": {input.PKCEVerifier},
		"client_id":     {c.clientID},
	}

	body, _, err := c.postForm(ctx, server, server.TokenEndpoint, form, input.SigningKey, input.DpopKey, input.Nonce)
	if err != nil {
		return nil, err
	}

	return decodeTokenResponse(body)
}

// RefreshInput parameterizes a refresh-token grant.
type RefreshInput struct {
	SigningKey   *security.Key
	DpopKey      *security.Key
	RefreshToken string
}

// Refresh rotates the token pair. Issuer rejection of the grant surfaces as
// ErrTokenRejected; callers treat that as a dead session.
func (c *OAuthClient) Refresh(ctx context.Context, server *AuthServer, input RefreshInput) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {input.RefreshToken},
		"client_id":     {c.clientID},
	}

	body, _, err := c.postForm(ctx, server, server.TokenEndpoint, form, input.SigningKey, input.DpopKey, "")
	if err != nil {
		return nil, err
	}

	return decodeTokenResponse(body)
}

func decodeTokenResponse(body []byte) (*TokenResponse, error) {
	var response TokenResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if response.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access token")
	}
	return &response, nil
}

// postForm sends a client-assertion-authenticated, DPoP-bound form POST.
// The assertion and proof are minted fresh per attempt; a use_dpop_nonce
// rejection is retried exactly once with the nonce the issuer just supplied.
func (c *OAuthClient) postForm(ctx context.Context, server *AuthServer, endpoint string, form url.Values, signingKey, dpopKey *security.Key, nonce string) ([]byte, string, error) {
	if nonce == "" && c.nonces != nil {
		cached, err := c.nonces.Get(ctx, server.Issuer)
		if err != nil {
			c.logger.Warn("nonce cache read failed", zap.Error(err))
		} else {
			nonce = cached
		}
	}

	retried := false
	for {
		assertion, err := security.ClientAssertion(signingKey, c.clientID, server.Issuer, c.now())
		if err != nil {
			return nil, "", err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)

		proof, err := security.DpopProof(dpopKey, security.ProofParams{
			Method: http.MethodPost,
			URL:    endpoint,
			Nonce:  nonce,
		})
		if err != nil {
			return nil, "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, "", fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", proof)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read response: %w", err)
		}

		if serverNonce := resp.Header.Get("DPoP-Nonce"); serverNonce != "" {
			nonce = serverNonce
			if c.nonces != nil {
				if err := c.nonces.Set(ctx, server.Issuer, serverNonce, serverNonceTTL); err != nil {
					c.logger.Warn("nonce cache write failed", zap.Error(err))
				}
			}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nonce, nil
		}

		oauthError := decodeOAuthError(body)
		if oauthError == "use_dpop_nonce" && !retried && nonce != "" {
			retried = true
			continue
		}

		switch {
		case oauthError == "invalid_grant":
			return nil, "", fmt.Errorf("%w: %s", ErrTokenRejected, string(body))
		case resp.StatusCode >= 500:
			return nil, "", fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		default:
			return nil, "", fmt.Errorf("oauth call failed: status %d error %q", resp.StatusCode, oauthError)
		}
	}
}

func decodeOAuthError(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error
}

func (c *OAuthClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}

	return nil
}
