package atproto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
)

const pdsServiceType = "AtprotoPersonalDataServer"

// Directory resolves handles and DIDs against the live network: DNS TXT,
// HTTPS well-known, and DID documents from the PLC directory or did:web hosts.
type Directory struct {
	http    *http.Client
	plcHost string
	logger  *zap.Logger

	// handle sources run concurrently; every success must agree on the DID.
	sources []handleSource
}

type handleSource func(ctx context.Context, handle string) (string, error)

// NewDirectory constructs a directory client. plcHost defaults to the public
// PLC directory.
func NewDirectory(httpClient *http.Client, plcHost string, logger *zap.Logger) *Directory {
	if plcHost == "" {
		plcHost = "https://plc.directory"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Directory{
		http:    httpClient,
		plcHost: plcHost,
		logger:  logger,
	}
	d.sources = []handleSource{d.handleFromDNS, d.handleFromWellKnown, d.handleFromWebDocument}

	return d
}

// Resolve answers with the DID, declared handle, and PDS endpoint for a
// handle or DID subject.
func (d *Directory) Resolve(ctx context.Context, subject string) (*port.ResolvedIdentity, error) {
	subject = domain.NormalizeSubject(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrResolution)
	}

	did := subject
	if !domain.IsDID(subject) {
		resolved, err := d.resolveHandle(ctx, subject)
		if err != nil {
			return nil, err
		}
		did = resolved
	}

	doc, err := d.fetchDocument(ctx, did)
	if err != nil {
		return nil, err
	}

	identity := &port.ResolvedIdentity{
		DID:    doc.ID,
		Handle: doc.handle(),
		PDS:    doc.pds(),
	}
	if identity.PDS == "" {
		return nil, fmt.Errorf("%w: document for %s declares no pds", ErrResolution, did)
	}
	if identity.Handle == "" && !domain.IsDID(subject) {
		identity.Handle = subject
	}

	return identity, nil
}

// resolveHandle races every handle source and requires all successful
// answers to agree; a split answer is treated as a hijack signal, not a
// majority vote.
func (d *Directory) resolveHandle(ctx context.Context, handle string) (string, error) {
	answers := make([]string, len(d.sources))

	var wg sync.WaitGroup
	for i, source := range d.sources {
		wg.Add(1)
		go func(i int, source handleSource) {
			defer wg.Done()
			did, err := source(ctx, handle)
			if err != nil {
				d.logger.Debug("handle source failed",
					zap.String("handle", handle),
					zap.Error(err),
				)
				return
			}
			answers[i] = did
		}(i, source)
	}
	wg.Wait()

	resolved := ""
	for _, did := range answers {
		if did == "" {
			continue
		}
		if resolved == "" {
			resolved = did
			continue
		}
		if did != resolved {
			return "", fmt.Errorf("%w: %s vs %s for %s", ErrResolutionConflict, resolved, did, handle)
		}
	}
	if resolved == "" {
		return "", fmt.Errorf("%w: no source answered for %s", ErrResolution, handle)
	}

	return resolved, nil
}

func (d *Directory) handleFromDNS(ctx context.Context, handle string) (string, error) {
	records, err := net.DefaultResolver.LookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", fmt.Errorf("dns txt lookup: %w", err)
	}
	for _, record := range records {
		if value, ok := strings.CutPrefix(strings.TrimSpace(record), "did="); ok && strings.HasPrefix(value, "did:") {
			return value, nil
		}
	}
	return "", fmt.Errorf("no did record at _atproto.%s", handle)
}

func (d *Directory) handleFromWellKnown(ctx context.Context, handle string) (string, error) {
	body, err := d.fetchBody(ctx, fmt.Sprintf("https://%s/.well-known/atproto-did", handle))
	if err != nil {
		return "", err
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("well-known response is not a did")
	}
	return did, nil
}

// handleFromWebDocument treats the handle itself as a did:web host.
func (d *Directory) handleFromWebDocument(ctx context.Context, handle string) (string, error) {
	doc, err := d.fetchDocumentAt(ctx, fmt.Sprintf("https://%s/.well-known/did.json", handle))
	if err != nil {
		return "", err
	}
	if doc.ID == "" {
		return "", fmt.Errorf("did document has no id")
	}
	return doc.ID, nil
}

type didDocument struct {
	ID          string   `json:"id"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

func (doc *didDocument) handle() string {
	for _, alias := range doc.AlsoKnownAs {
		if handle, ok := strings.CutPrefix(alias, "at://"); ok {
			return handle
		}
	}
	return ""
}

func (doc *didDocument) pds() string {
	for _, service := range doc.Service {
		if service.Type == pdsServiceType {
			return strings.TrimSuffix(service.ServiceEndpoint, "/")
		}
	}
	return ""
}

func (d *Directory) fetchDocument(ctx context.Context, did string) (*didDocument, error) {
	var url string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		url = fmt.Sprintf("%s/%s", strings.TrimSuffix(d.plcHost, "/"), did)
	case strings.HasPrefix(did, "did:web:"):
		host := strings.ReplaceAll(strings.TrimPrefix(did, "did:web:"), "%3A", ":")
		url = fmt.Sprintf("https://%s/.well-known/did.json", host)
	default:
		return nil, fmt.Errorf("%w: unsupported did method in %s", ErrResolution, did)
	}

	doc, err := d.fetchDocumentAt(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("%w: document id %s does not match %s", ErrResolution, doc.ID, did)
	}

	return doc, nil
}

func (d *Directory) fetchDocumentAt(ctx context.Context, url string) (*didDocument, error) {
	body, err := d.fetchBody(ctx, url)
	if err != nil {
		return nil, err
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode did document: %w", err)
	}

	return &doc, nil
}

func (d *Directory) fetchBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}

	return body, nil
}

var _ port.IdentityDirectory = (*Directory)(nil)
