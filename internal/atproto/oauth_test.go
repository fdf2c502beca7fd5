package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/beaconevents/beacon/internal/infra/security"
)

func serverMetadata(issuer string) AuthServer {
	return AuthServer{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/oauth/authorize",
		TokenEndpoint:                 issuer + "/oauth/token",
		PAREndpoint:                   issuer + "/oauth/par",
		ScopesSupported:               []string{"atproto", "transition:generic"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported: []string{"S256"},
		DpopSigningAlgValuesSupported: []string{"ES256"},
	}
}

func newTestOAuthClient() *OAuthClient {
	return NewOAuthClient(http.DefaultClient, newMemNonceCache(), "https://app.example.com/client-metadata.json", "https://app.example.com/oauth/callback", nil)
}

func testKeyPair(t *testing.T) (*security.Key, *security.Key) {
	t.Helper()
	signing, err := security.GenerateKey("signing")
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	dpop, err := security.GenerateKey("")
	if err != nil {
		t.Fatalf("generate dpop key: %v", err)
	}
	return signing, dpop
}

func TestDiscoverForPDS(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"resource":              server.URL,
			"authorization_servers": []string{server.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(serverMetadata(server.URL))
	})

	authServer, err := newTestOAuthClient().DiscoverForPDS(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("DiscoverForPDS returned error: %v", err)
	}
	if authServer.Issuer != server.URL {
		t.Fatalf("unexpected issuer %q", authServer.Issuer)
	}
}

func TestDiscoverForPDS_IssuerMismatch(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_servers": []string{server.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		metadata := serverMetadata(server.URL)
		metadata.Issuer = "https://impostor.example.com"
		json.NewEncoder(w).Encode(metadata)
	})

	_, err := newTestOAuthClient().DiscoverForPDS(context.Background(), server.URL)
	if !errors.Is(err, ErrUnsupportedAuthServer) {
		t.Fatalf("expected ErrUnsupportedAuthServer, got %v", err)
	}
}

func TestValidateAuthServer(t *testing.T) {
	issuer := "https://auth.example.com"

	mutations := map[string]func(*AuthServer){
		"missing par endpoint":  func(s *AuthServer) { s.PAREndpoint = "" },
		"missing token":         func(s *AuthServer) { s.TokenEndpoint = "" },
		"no code grant":         func(s *AuthServer) { s.GrantTypesSupported = []string{"refresh_token"} },
		"no refresh grant":      func(s *AuthServer) { s.GrantTypesSupported = []string{"authorization_code"} },
		"no s256":               func(s *AuthServer) { s.CodeChallengeMethodsSupported = []string{"plain"} },
		"no es256 dpop":         func(s *AuthServer) { s.DpopSigningAlgValuesSupported = []string{"RS256"} },
		"missing atproto scope": func(s *AuthServer) { s.ScopesSupported = []string{"openid"} },
	}

	for name, mutate := range mutations {
		metadata := serverMetadata(issuer)
		mutate(&metadata)
		if err := validateAuthServer(&metadata); !errors.Is(err, ErrUnsupportedAuthServer) {
			t.Errorf("%s: expected ErrUnsupportedAuthServer, got %v", name, err)
		}
	}

	metadata := serverMetadata(issuer)
	if err := validateAuthServer(&metadata); err != nil {
		t.Errorf("complete metadata rejected: %v", err)
	}
}

func TestPushAuthorization(t *testing.T) {
	var seen url.Values
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/par", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		seen = r.PostForm
		w.Header().Set("DPoP-Nonce", "par-nonce")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"request_uri": "urn:ietf:params:oauth:request_uri:abc"})
	})

	metadata := serverMetadata(server.URL)
	signing, dpop := testKeyPair(t)

	requestURI, nonce, err := newTestOAuthClient().PushAuthorization(context.Background(), &metadata, PARInput{
		SigningKey:    signing,
		DpopKey:       dpop,
		State:         "state-1",
		PKCEChallenge: "challenge-1",
		LoginHint:     "alice.example.com",
	})
	if err != nil {
		t.Fatalf("PushAuthorization returned error: %v", err)
	}
	if requestURI != "urn:ietf:params:oauth:request_uri:abc" {
		t.Fatalf("unexpected request uri %q", requestURI)
	}
	if nonce != "par-nonce" {
		t.Fatalf("expected issuer nonce returned, got %q", nonce)
	}

	if seen.Get("scope") != OAuthScope {
		t.Errorf("unexpected scope %q", seen.Get("scope"))
	}
	if seen.Get("code_challenge_method") != "S256" {
		t.Errorf("unexpected challenge method %q", seen.Get("code_challenge_method"))
	}
	if seen.Get("login_hint") != "alice.example.com" {
		t.Errorf("unexpected login hint %q", seen.Get("login_hint"))
	}
	if seen.Get("client_assertion_type") != clientAssertionType {
		t.Errorf("unexpected assertion type %q", seen.Get("client_assertion_type"))
	}
	if seen.Get("client_assertion") == "" {
		t.Error("missing client assertion")
	}
}

func TestExchangeCode_RetriesOnceOnStaleNonce(t *testing.T) {
	attempts := 0
	proofs := make([]string, 0, 2)
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		proofs = append(proofs, r.Header.Get("DPoP"))
		if attempts == 1 {
			w.Header().Set("DPoP-Nonce", "token-nonce")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "use_dpop_nonce"})
			return
		}
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			TokenType:    "DPoP",
			Sub:          "did:plc:abc123",
			ExpiresIn:    3600,
		})
	})

	metadata := serverMetadata(server.URL)
	signing, dpop := testKeyPair(t)

	tokens, err := newTestOAuthClient().ExchangeCode(context.Background(), &metadata, ExchangeInput{
		SigningKey:   signing,
		DpopKey:      dpop,
		Code:         "code-1",
		PKCEVerifier: "verifier-1",
	})
	if err != nil {
		t.Fatalf("ExchangeCode returned error: %v", err)
	}
	if tokens.AccessToken != "access-1" {
		t.Fatalf("unexpected access token %q", tokens.AccessToken)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if proofs[0] == proofs[1] {
		t.Fatal("expected a fresh proof on retry")
	}
}

func TestRefresh_InvalidGrant(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	})

	metadata := serverMetadata(server.URL)
	signing, dpop := testKeyPair(t)

	_, err := newTestOAuthClient().Refresh(context.Background(), &metadata, RefreshInput{
		SigningKey:   signing,
		DpopKey:      dpop,
		RefreshToken: "refresh-1",
	})
	if !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected ErrTokenRejected, got %v", err)
	}
}

func TestRefresh_UpstreamFailure(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	metadata := serverMetadata(server.URL)
	signing, dpop := testKeyPair(t)

	_, err := newTestOAuthClient().Refresh(context.Background(), &metadata, RefreshInput{
		SigningKey:   signing,
		DpopKey:      dpop,
		RefreshToken: "refresh-1",
	})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestAuthorizeURL(t *testing.T) {
	metadata := serverMetadata("https://auth.example.com")

	raw := newTestOAuthClient().AuthorizeURL(&metadata, "urn:ietf:params:oauth:request_uri:abc")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	if !strings.HasPrefix(raw, metadata.AuthorizationEndpoint+"?") {
		t.Fatalf("unexpected base %q", raw)
	}
	if parsed.Query().Get("request_uri") != "urn:ietf:params:oauth:request_uri:abc" {
		t.Fatalf("unexpected request_uri %q", parsed.Query().Get("request_uri"))
	}
}
