package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/infra/security"
)

const (
	maxFetchAttempts = 3
	fetchBackoffBase = 250 * time.Millisecond
)

// RemoteRecord is a record as served by its repository.
type RemoteRecord struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// Client talks to personal data servers: unauthenticated reads via getRecord
// and session-authenticated writes via putRecord.
type Client struct {
	http   *http.Client
	nonces port.NonceCache
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewClient constructs a PDS client.
func NewClient(httpClient *http.Client, nonces port.NonceCache, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   httpClient,
		nonces: nonces,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetRecord fetches a record from the owner's PDS. Transient upstream
// failures (timeouts, 429, 5xx) are retried with doubling backoff; any other
// 4xx fails immediately.
func (c *Client) GetRecord(ctx context.Context, pds string, uri URI) (*RemoteRecord, error) {
	query := url.Values{
		"repo":       {uri.Repo},
		"collection": {uri.Collection},
		"rkey":       {uri.RKey},
	}
	endpoint := fmt.Sprintf("%s/xrpc/com.atproto.repo.getRecord?%s", strings.TrimSuffix(pds, "/"), query.Encode())

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, fetchBackoffBase<<(attempt-1)); err != nil {
				return nil, err
			}
		}

		record, retryable, err := c.getRecordOnce(ctx, endpoint)
		if err == nil {
			return record, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.logger.Debug("record fetch retry",
			zap.String("uri", uri.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return nil, lastErr
}

func (c *Client) getRecordOnce(ctx context.Context, endpoint string) (*RemoteRecord, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var record RemoteRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, false, fmt.Errorf("decode record response: %w", err)
		}
		if record.CID == "" {
			return nil, false, fmt.Errorf("record response carries no cid")
		}
		return &record, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrRecordMissing
	case resp.StatusCode == http.StatusBadRequest && xrpcErrorName(body) == "RecordNotFound":
		return nil, false, ErrRecordMissing
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("record fetch failed: status %d: %s", resp.StatusCode, truncateBody(body))
	}
}

// PutRecordInput parameterizes a repository write.
type PutRecordInput struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Validate   bool            `json:"validate"`
	Record     json.RawMessage `json:"record"`
}

// PutRecord writes a record to the owner's PDS under the session's identity.
// The call is DPoP-bound to the session key and carries the access token's
// confirmation hash; a stale-nonce rejection is retried exactly once.
func (c *Client) PutRecord(ctx context.Context, pds string, session domain.Session, input PutRecordInput) (*StrongRef, error) {
	key, err := security.ParsePrivateJWK(session.DpopKey)
	if err != nil {
		return nil, fmt.Errorf("parse session dpop key: %w", err)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal put record request: %w", err)
	}

	endpoint := strings.TrimSuffix(pds, "/") + "/xrpc/com.atproto.repo.putRecord"

	nonce := ""
	if c.nonces != nil {
		cached, err := c.nonces.Get(ctx, pds)
		if err != nil {
			c.logger.Warn("nonce cache read failed", zap.Error(err))
		} else {
			nonce = cached
		}
	}

	retried := false
	for {
		proof, err := security.DpopProof(key, security.ProofParams{
			Method:      http.MethodPost,
			URL:         endpoint,
			Nonce:       nonce,
			AccessToken: session.AccessToken,
		})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "DPoP "+session.AccessToken)
		req.Header.Set("DPoP", proof)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if serverNonce := resp.Header.Get("DPoP-Nonce"); serverNonce != "" {
			nonce = serverNonce
			if c.nonces != nil {
				if err := c.nonces.Set(ctx, pds, serverNonce, serverNonceTTL); err != nil {
					c.logger.Warn("nonce cache write failed", zap.Error(err))
				}
			}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var ref StrongRef
			if err := json.Unmarshal(body, &ref); err != nil {
				return nil, fmt.Errorf("decode put record response: %w", err)
			}
			return &ref, nil
		}

		if !retried && nonce != "" && isStaleNonce(resp, body) {
			retried = true
			continue
		}

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrWriteRejected, resp.StatusCode, truncateBody(body))
	}
}

// isStaleNonce recognizes both the resource-server form (401 with a
// WWW-Authenticate challenge) and the JSON-body form of use_dpop_nonce.
func isStaleNonce(resp *http.Response, body []byte) bool {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusBadRequest {
		return false
	}
	if strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
		return true
	}
	return decodeOAuthError(body) == "use_dpop_nonce" || xrpcErrorName(body) == "use_dpop_nonce"
}

func xrpcErrorName(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
