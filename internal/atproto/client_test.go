package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/infra/security"
)

// memNonceCache is an in-memory port.NonceCache for tests.
type memNonceCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemNonceCache() *memNonceCache {
	return &memNonceCache{values: map[string]string{}}
}

func (c *memNonceCache) Get(_ context.Context, issuer string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[issuer], nil
}

func (c *memNonceCache) Set(_ context.Context, issuer, nonce string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[issuer] = nonce
	return nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client := NewClient(http.DefaultClient, newMemNonceCache(), nil)
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return client
}

func testURI(t *testing.T) URI {
	t.Helper()
	uri, err := ParseURI("at://did:plc:abc123/community.lexicon.calendar.event/3kabc")
	if err != nil {
		t.Fatalf("parse test uri: %v", err)
	}
	return uri
}

func TestGetRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/com.atproto.repo.getRecord" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("repo"); got != "did:plc:abc123" {
			t.Errorf("unexpected repo %q", got)
		}
		json.NewEncoder(w).Encode(RemoteRecord{
			URI:   "at://did:plc:abc123/community.lexicon.calendar.event/3kabc",
			CID:   "bafyabc",
			Value: json.RawMessage(`{"name":"Meetup"}`),
		})
	}))
	defer server.Close()

	record, err := newTestClient(t).GetRecord(context.Background(), server.URL, testURI(t))
	if err != nil {
		t.Fatalf("GetRecord returned error: %v", err)
	}
	if record.CID != "bafyabc" {
		t.Fatalf("unexpected cid %q", record.CID)
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"RecordNotFound","message":"no such record"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t).GetRecord(context.Background(), server.URL, testURI(t))
	if !errors.Is(err, ErrRecordMissing) {
		t.Fatalf("expected ErrRecordMissing, got %v", err)
	}
}

func TestGetRecord_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(RemoteRecord{CID: "bafyabc", Value: json.RawMessage(`{}`)})
	}))
	defer server.Close()

	record, err := newTestClient(t).GetRecord(context.Background(), server.URL, testURI(t))
	if err != nil {
		t.Fatalf("GetRecord returned error: %v", err)
	}
	if record.CID != "bafyabc" {
		t.Fatalf("unexpected cid %q", record.CID)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestGetRecord_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t).GetRecord(context.Background(), server.URL, testURI(t))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if attempts != maxFetchAttempts {
		t.Fatalf("expected %d attempts, got %d", maxFetchAttempts, attempts)
	}
}

func TestGetRecord_OtherClientErrorFailsImmediately(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestClient(t).GetRecord(context.Background(), server.URL, testURI(t))
	if err == nil || errors.Is(err, ErrUpstream) {
		t.Fatalf("expected non-retryable failure, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func testSession(t *testing.T) domain.Session {
	t.Helper()
	key, err := security.GenerateKey("")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk, err := key.MarshalPrivateJWK()
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return domain.Session{
		Group:       "group-1",
		DID:         "did:plc:abc123",
		AccessToken: "access-token",
		DpopKey:     jwk,
	}
}

func TestPutRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "DPoP access-token" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("DPoP") == "" {
			t.Error("missing dpop proof")
		}
		var input PutRecordInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if input.RKey != "3kabc" {
			t.Errorf("unexpected rkey %q", input.RKey)
		}
		json.NewEncoder(w).Encode(StrongRef{
			URI: "at://did:plc:abc123/community.lexicon.calendar.event/3kabc",
			CID: "bafynew",
		})
	}))
	defer server.Close()

	ref, err := newTestClient(t).PutRecord(context.Background(), server.URL, testSession(t), PutRecordInput{
		Repo:       "did:plc:abc123",
		Collection: "community.lexicon.calendar.event",
		RKey:       "3kabc",
		Validate:   true,
		Record:     json.RawMessage(`{"$type":"community.lexicon.calendar.event","name":"Meetup"}`),
	})
	if err != nil {
		t.Fatalf("PutRecord returned error: %v", err)
	}
	if ref.CID != "bafynew" {
		t.Fatalf("unexpected cid %q", ref.CID)
	}
}

func TestPutRecord_RetriesOnceOnStaleNonce(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("DPoP-Nonce", "fresh-nonce")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(StrongRef{URI: "at://x", CID: "bafynew"})
	}))
	defer server.Close()

	client := newTestClient(t)
	ref, err := client.PutRecord(context.Background(), server.URL, testSession(t), PutRecordInput{
		Repo:       "did:plc:abc123",
		Collection: "community.lexicon.calendar.event",
		RKey:       "3kabc",
		Record:     json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("PutRecord returned error: %v", err)
	}
	if ref.CID != "bafynew" {
		t.Fatalf("unexpected cid %q", ref.CID)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	cached, _ := client.nonces.Get(context.Background(), server.URL)
	if cached != "fresh-nonce" {
		t.Fatalf("expected nonce cached for the pds, got %q", cached)
	}
}

func TestPutRecord_RejectionIsNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"InvalidRecord","message":"bad payload"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t).PutRecord(context.Background(), server.URL, testSession(t), PutRecordInput{
		Repo:       "did:plc:abc123",
		Collection: "community.lexicon.calendar.event",
		RKey:       "3kabc",
		Record:     json.RawMessage(`{}`),
	})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}
