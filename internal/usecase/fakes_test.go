package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/beaconevents/beacon/internal/atproto"
	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/repository"
)

type fakeIdentityRepo struct {
	identities map[string]domain.Identity
	upserts    []domain.Identity
	touched    []string
	lookupErr  error
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{identities: map[string]domain.Identity{}}
}

func (r *fakeIdentityRepo) GetByDID(_ context.Context, did string) (*domain.Identity, error) {
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	identity, ok := r.identities[did]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &identity, nil
}

func (r *fakeIdentityRepo) GetByHandle(_ context.Context, handle string) (*domain.Identity, error) {
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	for _, identity := range r.identities {
		if identity.Handle == handle {
			return &identity, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeIdentityRepo) Upsert(_ context.Context, identity domain.Identity) error {
	r.identities[identity.DID] = identity
	r.upserts = append(r.upserts, identity)
	return nil
}

func (r *fakeIdentityRepo) TouchActive(_ context.Context, did string, _ time.Time) error {
	r.touched = append(r.touched, did)
	return nil
}

type fakeDirectory struct {
	resolved *port.ResolvedIdentity
	err      error
	calls    int
}

func (d *fakeDirectory) Resolve(_ context.Context, _ string) (*port.ResolvedIdentity, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.resolved, nil
}

type fakeRequestRepo struct {
	requests map[string]domain.AuthRequest
	deleted  []string
	purged   int64
}

func newFakeRequestRepo() *fakeRequestRepo {
	return &fakeRequestRepo{requests: map[string]domain.AuthRequest{}}
}

func (r *fakeRequestRepo) Create(_ context.Context, request domain.AuthRequest) error {
	r.requests[request.State] = request
	return nil
}

func (r *fakeRequestRepo) GetByState(_ context.Context, state string) (*domain.AuthRequest, error) {
	request, ok := r.requests[state]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &request, nil
}

func (r *fakeRequestRepo) Delete(_ context.Context, state string) error {
	if _, ok := r.requests[state]; !ok {
		return repository.ErrNotFound
	}
	delete(r.requests, state)
	r.deleted = append(r.deleted, state)
	return nil
}

func (r *fakeRequestRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	for state, request := range r.requests {
		if request.ExpiresAt.Before(before) {
			delete(r.requests, state)
			r.purged++
		}
	}
	return r.purged, nil
}

// fakeSessionRepo is safe for concurrent use; the single-flight tests hit it
// from several goroutines at once.
type fakeSessionRepo struct {
	mu         sync.Mutex
	sessions   map[string]domain.Session
	promoted   []string
	updates    []domain.Session
	deleted    []string
	promoteErr error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: map[string]domain.Session{}}
}

func (r *fakeSessionRepo) Promote(_ context.Context, state string, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.promoteErr != nil {
		return r.promoteErr
	}
	r.promoted = append(r.promoted, state)
	r.sessions[session.Group] = session
	return nil
}

func (r *fakeSessionRepo) GetByGroup(_ context.Context, group string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[group]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &session, nil
}

func (r *fakeSessionRepo) UpdateTokens(_ context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.Group]; !ok {
		return repository.ErrNotFound
	}
	r.sessions[session.Group] = session
	r.updates = append(r.updates, session)
	return nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[group]; !ok {
		return repository.ErrNotFound
	}
	delete(r.sessions, group)
	r.deleted = append(r.deleted, group)
	return nil
}

func (r *fakeSessionRepo) ListByDID(_ context.Context, did string) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, session := range r.sessions {
		if session.DID == did {
			out = append(out, session)
		}
	}
	return out, nil
}

type fakeRefreshQueue struct {
	scheduled map[string]time.Time
	removed   []string
}

func newFakeRefreshQueue() *fakeRefreshQueue {
	return &fakeRefreshQueue{scheduled: map[string]time.Time{}}
}

func (q *fakeRefreshQueue) Schedule(_ context.Context, group string, due time.Time) error {
	q.scheduled[group] = due
	return nil
}

func (q *fakeRefreshQueue) Due(_ context.Context, now time.Time, _ int64) ([]string, error) {
	var out []string
	for group, due := range q.scheduled {
		if !due.After(now) {
			out = append(out, group)
		}
	}
	return out, nil
}

func (q *fakeRefreshQueue) Remove(_ context.Context, group string) error {
	delete(q.scheduled, group)
	q.removed = append(q.removed, group)
	return nil
}

func (q *fakeRefreshQueue) Heartbeat(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type fakePublisher struct {
	revoked []domain.SessionRevokedEvent
	indexed []domain.RecordIndexedEvent
}

func (p *fakePublisher) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	p.revoked = append(p.revoked, event)
	return nil
}

func (p *fakePublisher) PublishRecordIndexed(_ context.Context, event domain.RecordIndexedEvent) error {
	p.indexed = append(p.indexed, event)
	return nil
}

type fakeOAuth struct {
	server *atproto.AuthServer

	parRequestURI string
	parNonce      string
	parErr        error
	parInputs     []atproto.PARInput

	exchangeTokens *atproto.TokenResponse
	exchangeErr    error
	exchangeInputs []atproto.ExchangeInput

	mu            sync.Mutex
	refreshTokens *atproto.TokenResponse
	refreshErr    error
	refreshCalls  int
}

func (o *fakeOAuth) DiscoverForPDS(_ context.Context, _ string) (*atproto.AuthServer, error) {
	return o.server, nil
}

func (o *fakeOAuth) Server(_ context.Context, _ string) (*atproto.AuthServer, error) {
	return o.server, nil
}

func (o *fakeOAuth) PushAuthorization(_ context.Context, _ *atproto.AuthServer, input atproto.PARInput) (string, string, error) {
	o.parInputs = append(o.parInputs, input)
	if o.parErr != nil {
		return "", "", o.parErr
	}
	return o.parRequestURI, o.parNonce, nil
}

func (o *fakeOAuth) AuthorizeURL(server *atproto.AuthServer, requestURI string) string {
	return server.AuthorizationEndpoint + "?request_uri=" + requestURI
}

func (o *fakeOAuth) ExchangeCode(_ context.Context, _ *atproto.AuthServer, input atproto.ExchangeInput) (*atproto.TokenResponse, error) {
	o.exchangeInputs = append(o.exchangeInputs, input)
	if o.exchangeErr != nil {
		return nil, o.exchangeErr
	}
	return o.exchangeTokens, nil
}

func (o *fakeOAuth) Refresh(_ context.Context, _ *atproto.AuthServer, _ atproto.RefreshInput) (*atproto.TokenResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshCalls++
	if o.refreshErr != nil {
		return nil, o.refreshErr
	}
	return o.refreshTokens, nil
}

type fakeEventRepo struct {
	events  map[string]domain.EventRecord
	upserts []domain.EventRecord
	deleted []string
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: map[string]domain.EventRecord{}}
}

func (r *fakeEventRepo) Upsert(_ context.Context, event domain.EventRecord) error {
	r.events[event.URI] = event
	r.upserts = append(r.upserts, event)
	return nil
}

func (r *fakeEventRepo) GetByURI(_ context.Context, uri string) (*domain.EventRecord, error) {
	event, ok := r.events[uri]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &event, nil
}

func (r *fakeEventRepo) ListByDID(_ context.Context, did string, _ int) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for _, event := range r.events {
		if event.DID == did {
			out = append(out, event)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) ListRecent(_ context.Context, _ int) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for _, event := range r.events {
		out = append(out, event)
	}
	return out, nil
}

func (r *fakeEventRepo) Delete(_ context.Context, uri string) error {
	if _, ok := r.events[uri]; !ok {
		return repository.ErrNotFound
	}
	delete(r.events, uri)
	r.deleted = append(r.deleted, uri)
	return nil
}

type fakeRsvpRepo struct {
	rsvps   map[string]domain.RsvpRecord
	deleted []string
}

func newFakeRsvpRepo() *fakeRsvpRepo {
	return &fakeRsvpRepo{rsvps: map[string]domain.RsvpRecord{}}
}

func (r *fakeRsvpRepo) Upsert(_ context.Context, rsvp domain.RsvpRecord) error {
	r.rsvps[rsvp.URI] = rsvp
	return nil
}

func (r *fakeRsvpRepo) GetByURI(_ context.Context, uri string) (*domain.RsvpRecord, error) {
	rsvp, ok := r.rsvps[uri]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rsvp, nil
}

func (r *fakeRsvpRepo) ListForEvent(_ context.Context, eventURI string) ([]domain.RsvpRecord, error) {
	var out []domain.RsvpRecord
	for _, rsvp := range r.rsvps {
		if rsvp.EventURI == eventURI {
			out = append(out, rsvp)
		}
	}
	return out, nil
}

func (r *fakeRsvpRepo) GetForEventByDID(_ context.Context, eventURI, did string) ([]domain.RsvpRecord, error) {
	var out []domain.RsvpRecord
	for _, rsvp := range r.rsvps {
		if rsvp.EventURI == eventURI && rsvp.DID == did {
			out = append(out, rsvp)
		}
	}
	return out, nil
}

func (r *fakeRsvpRepo) CountByStatus(_ context.Context, eventURI string) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, rsvp := range r.rsvps {
		if rsvp.EventURI == eventURI {
			counts[rsvp.Status]++
		}
	}
	return counts, nil
}

func (r *fakeRsvpRepo) Delete(_ context.Context, uri string) error {
	if _, ok := r.rsvps[uri]; !ok {
		return repository.ErrNotFound
	}
	delete(r.rsvps, uri)
	r.deleted = append(r.deleted, uri)
	return nil
}

type fakeDenylist struct {
	blocked map[string]string
}

func newFakeDenylist() *fakeDenylist {
	return &fakeDenylist{blocked: map[string]string{}}
}

func (d *fakeDenylist) Contains(_ context.Context, subject string) (bool, error) {
	_, ok := d.blocked[subject]
	return ok, nil
}

func (d *fakeDenylist) Upsert(_ context.Context, subject, reason string) error {
	d.blocked[subject] = reason
	return nil
}

func (d *fakeDenylist) Remove(_ context.Context, subject string) error {
	delete(d.blocked, subject)
	return nil
}

func (d *fakeDenylist) List(_ context.Context, _ int) ([]domain.DenylistEntry, error) {
	var out []domain.DenylistEntry
	for subject, reason := range d.blocked {
		out = append(out, domain.DenylistEntry{Subject: subject, Reason: reason})
	}
	return out, nil
}

type fakeRecordClient struct {
	records map[string]*atproto.RemoteRecord
	getErr  error

	putRef *atproto.StrongRef
	putErr error
	puts   []atproto.PutRecordInput
}

func newFakeRecordClient() *fakeRecordClient {
	return &fakeRecordClient{records: map[string]*atproto.RemoteRecord{}}
}

func (c *fakeRecordClient) GetRecord(_ context.Context, _ string, uri atproto.URI) (*atproto.RemoteRecord, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	record, ok := c.records[uri.String()]
	if !ok {
		return nil, atproto.ErrRecordMissing
	}
	return record, nil
}

func (c *fakeRecordClient) PutRecord(_ context.Context, _ string, _ domain.Session, input atproto.PutRecordInput) (*atproto.StrongRef, error) {
	c.puts = append(c.puts, input)
	if c.putErr != nil {
		return nil, c.putErr
	}
	return c.putRef, nil
}
