package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/atproto"
	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/infra/telemetry"
	"github.com/beaconevents/beacon/internal/repository"
)

var (
	// ErrRecordNotFound indicates the record exists neither in the index nor
	// on its owner's PDS.
	ErrRecordNotFound = errors.New("record not found")
	// ErrNotAnEvent indicates the address does not name an event collection.
	ErrNotAnEvent = errors.New("address is not an event record")
	// ErrNotAnRsvp indicates the address does not name an RSVP collection.
	ErrNotAnRsvp = errors.New("address is not an rsvp record")
	// ErrNotMigratable indicates a migration was requested for a record that
	// is not a legacy event.
	ErrNotMigratable = errors.New("only legacy event records can be migrated")
	// ErrMigrationConflict indicates the migration destination already holds a
	// record; nothing is overwritten.
	ErrMigrationConflict = errors.New("migration destination already exists")
	// ErrNotRecordOwner indicates the session does not own the repository the
	// record lives in.
	ErrNotRecordOwner = errors.New("session does not own the record")
)

// RecordClient is the slice of the PDS client the record service depends on.
type RecordClient interface {
	GetRecord(ctx context.Context, pds string, uri atproto.URI) (*atproto.RemoteRecord, error)
	PutRecord(ctx context.Context, pds string, session domain.Session, input atproto.PutRecordInput) (*atproto.StrongRef, error)
}

// RecordService imports event and RSVP records from their owners'
// repositories, resolves event addresses across the current and legacy
// schemas, and rewrites legacy records under the current one.
type RecordService struct {
	events     port.EventRepository
	rsvps      port.RsvpRepository
	identities *IdentityService
	moderation *ModerationService
	pds        RecordClient
	publisher  port.EventPublisher
	logger     *zap.Logger
	metrics    *telemetry.Provider
	now        func() time.Time
}

// NewRecordService constructs a RecordService.
func NewRecordService(
	events port.EventRepository,
	rsvps port.RsvpRepository,
	identities *IdentityService,
	moderation *ModerationService,
	pds RecordClient,
	publisher port.EventPublisher,
	logger *zap.Logger,
) *RecordService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordService{
		events:     events,
		rsvps:      rsvps,
		identities: identities,
		moderation: moderation,
		pds:        pds,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (s *RecordService) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithMetrics attaches the telemetry provider. A nil provider is a no-op.
func (s *RecordService) WithMetrics(metrics *telemetry.Provider) {
	s.metrics = metrics
}

// ImportEvent fetches an event record from its owner's PDS, validates it
// against its collection's schema, and indexes it.
func (s *RecordService) ImportEvent(ctx context.Context, rawURI string) (*domain.EventRecord, error) {
	uri, collection, err := parseEventURI(rawURI)
	if err != nil {
		return nil, err
	}

	if err := s.moderation.Gate(ctx, uri.Repo, uri.String()); err != nil {
		return nil, err
	}

	remote, err := s.fetchRemote(ctx, uri)
	if err != nil {
		return nil, err
	}

	name, err := atproto.ValidateEvent(collection, remote.Value)
	if err != nil {
		return nil, err
	}

	record := domain.EventRecord{
		URI:        uri.String(),
		CID:        remote.CID,
		DID:        uri.Repo,
		Collection: collection,
		Record:     remote.Value,
		Name:       name,
		UpdatedAt:  s.now(),
	}
	if err := s.events.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("index event: %w", err)
	}

	s.announceIndexed(ctx, record.URI, record.CID, record.DID, collection)
	s.identities.TouchActive(ctx, record.DID)

	return &record, nil
}

// ImportRsvp fetches an RSVP record from its owner's PDS, validates it, and
// indexes it with its event reference denormalized.
func (s *RecordService) ImportRsvp(ctx context.Context, rawURI string) (*domain.RsvpRecord, error) {
	uri, err := atproto.ParseURI(rawURI)
	if err != nil {
		return nil, err
	}
	collection := domain.Collection(uri.Collection)
	if collection != domain.CollectionRSVP && collection != domain.CollectionRSVPLegacy {
		return nil, fmt.Errorf("%w: %s", ErrNotAnRsvp, uri.Collection)
	}

	if err := s.moderation.Gate(ctx, uri.Repo, uri.String()); err != nil {
		return nil, err
	}

	remote, err := s.fetchRemote(ctx, uri)
	if err != nil {
		return nil, err
	}

	subject, status, err := atproto.ValidateRsvp(collection, remote.Value)
	if err != nil {
		return nil, err
	}

	record := domain.RsvpRecord{
		URI:        uri.String(),
		CID:        remote.CID,
		DID:        uri.Repo,
		Collection: collection,
		Record:     remote.Value,
		EventURI:   subject.URI,
		EventCID:   subject.CID,
		Status:     status,
		UpdatedAt:  s.now(),
	}
	if err := s.rsvps.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("index rsvp: %w", err)
	}

	s.announceIndexed(ctx, record.URI, record.CID, record.DID, collection)
	s.identities.TouchActive(ctx, record.DID)

	return &record, nil
}

// ResolveEvent answers an event address under either schema. The current
// collection always wins when both are populated; a request for the current
// address falls back to the legacy record when that is all that exists.
func (s *RecordService) ResolveEvent(ctx context.Context, rawURI string) (*domain.EventResolution, error) {
	uri, collection, err := parseEventURI(rawURI)
	if err != nil {
		return nil, err
	}

	if err := s.moderation.Gate(ctx, uri.Repo, uri.String()); err != nil {
		return nil, err
	}

	currentURI := atproto.URI{Repo: uri.Repo, Collection: string(domain.CollectionEvent), RKey: uri.RKey}
	legacyURI := atproto.URI{Repo: uri.Repo, Collection: string(domain.CollectionEventLegacy), RKey: uri.RKey}

	current, err := s.getOrImportEvent(ctx, currentURI.String())
	if err != nil {
		return nil, err
	}
	legacy, err := s.getOrImportEvent(ctx, legacyURI.String())
	if err != nil {
		return nil, err
	}

	if current == nil && legacy == nil {
		return nil, ErrRecordNotFound
	}

	resolution := &domain.EventResolution{
		StandardExists: current != nil,
		Migrated:       current != nil && legacy != nil,
	}
	if legacy != nil && current != nil {
		resolution.LegacyURI = legacyURI.String()
	}

	if current != nil {
		resolution.Event = current
		return resolution, nil
	}

	resolution.Event = legacy
	resolution.IsLegacy = true
	resolution.UsingFallback = !collection.Legacy()

	return resolution, nil
}

// MigrateEvent rewrites a legacy event under the current schema in the
// owner's repository, reusing the record key. The destination must be empty;
// an existing record there is a conflict, never an overwrite.
func (s *RecordService) MigrateEvent(ctx context.Context, session domain.Session, rawURI string) (*domain.EventResolution, error) {
	uri, err := atproto.ParseURI(rawURI)
	if err != nil {
		return nil, err
	}
	if domain.Collection(uri.Collection) != domain.CollectionEventLegacy {
		return nil, fmt.Errorf("%w: %s", ErrNotMigratable, uri.Collection)
	}
	if session.DID != uri.Repo {
		return nil, ErrNotRecordOwner
	}

	identity, err := s.identities.Resolve(ctx, uri.Repo)
	if err != nil {
		return nil, err
	}

	destination := atproto.URI{Repo: uri.Repo, Collection: string(domain.CollectionEvent), RKey: uri.RKey}
	if _, err := s.pds.GetRecord(ctx, identity.PDS, destination); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrMigrationConflict, destination.String())
	} else if !errors.Is(err, atproto.ErrRecordMissing) {
		return nil, fmt.Errorf("check migration destination: %w", err)
	}

	remote, err := s.pds.GetRecord(ctx, identity.PDS, uri)
	if err != nil {
		if errors.Is(err, atproto.ErrRecordMissing) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("fetch legacy event: %w", err)
	}

	now := s.now()
	converted, err := atproto.ConvertLegacyEvent(remote.Value, now)
	if err != nil {
		return nil, err
	}
	name, err := atproto.ValidateEvent(domain.CollectionEvent, converted)
	if err != nil {
		return nil, err
	}

	ref, err := s.pds.PutRecord(ctx, identity.PDS, session, atproto.PutRecordInput{
		Repo:       uri.Repo,
		Collection: string(domain.CollectionEvent),
		RKey:       uri.RKey,
		Validate:   true,
		Record:     converted,
	})
	if err != nil {
		return nil, fmt.Errorf("write migrated event: %w", err)
	}

	record := domain.EventRecord{
		URI:        destination.String(),
		CID:        ref.CID,
		DID:        uri.Repo,
		Collection: domain.CollectionEvent,
		Record:     converted,
		Name:       name,
		UpdatedAt:  now,
	}
	if err := s.events.Upsert(ctx, record); err != nil {
		return nil, fmt.Errorf("index migrated event: %w", err)
	}

	s.announceIndexed(ctx, record.URI, record.CID, record.DID, domain.CollectionEvent)

	s.logger.Info("event migrated",
		zap.String("from", uri.String()),
		zap.String("to", record.URI),
	)

	return &domain.EventResolution{
		Event:          &record,
		StandardExists: true,
		Migrated:       true,
		LegacyURI:      uri.String(),
	}, nil
}

// RsvpsForEvent gathers the RSVPs pointing at either address of an event,
// one view per responder. When a responder holds records under both schemas
// the one they authored last reads as their answer and the other rides
// along; the index's sync time stands in only for payloads without a
// createdAt of their own.
func (s *RecordService) RsvpsForEvent(ctx context.Context, rawURI string) ([]domain.RsvpView, error) {
	uri, _, err := parseEventURI(rawURI)
	if err != nil {
		return nil, err
	}

	currentURI := atproto.URI{Repo: uri.Repo, Collection: string(domain.CollectionEvent), RKey: uri.RKey}
	legacyURI := atproto.URI{Repo: uri.Repo, Collection: string(domain.CollectionEventLegacy), RKey: uri.RKey}

	var all []domain.RsvpRecord
	for _, address := range []string{currentURI.String(), legacyURI.String()} {
		records, err := s.rsvps.ListForEvent(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("list rsvps: %w", err)
		}
		all = append(all, records...)
	}

	byDID := make(map[string][]domain.RsvpRecord)
	order := make([]string, 0, len(all))
	for _, record := range all {
		if _, seen := byDID[record.DID]; !seen {
			order = append(order, record.DID)
		}
		byDID[record.DID] = append(byDID[record.DID], record)
	}

	views := make([]domain.RsvpView, 0, len(order))
	for _, did := range order {
		blocked, err := s.moderation.IsBlocked(ctx, did)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		records := byDID[did]
		sort.Slice(records, func(i, j int) bool {
			return rsvpNewer(records[i], records[j])
		})
		view := domain.RsvpView{Rsvp: records[0]}
		if len(records) > 1 {
			counterpart := records[1]
			view.Counterpart = &counterpart
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		return rsvpNewer(views[i].Rsvp, views[j].Rsvp)
	})

	return views, nil
}

// CountsForEvent tallies RSVP statuses across both event addresses, counting
// each responder once.
func (s *RecordService) CountsForEvent(ctx context.Context, rawURI string) (map[string]int64, error) {
	views, err := s.RsvpsForEvent(ctx, rawURI)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, view := range views {
		counts[view.Rsvp.Status]++
	}

	return counts, nil
}

// ListRecentEvents returns the newest indexed events, blocked owners filtered.
func (s *RecordService) ListRecentEvents(ctx context.Context, limit int) ([]domain.EventRecord, error) {
	records, err := s.events.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return s.filterBlockedEvents(ctx, records)
}

// ListEventsByDID returns an identity's indexed events.
func (s *RecordService) ListEventsByDID(ctx context.Context, did string, limit int) ([]domain.EventRecord, error) {
	if err := s.moderation.Gate(ctx, did); err != nil {
		return nil, err
	}
	records, err := s.events.ListByDID(ctx, did, limit)
	if err != nil {
		return nil, err
	}
	return s.filterBlockedEvents(ctx, records)
}

func (s *RecordService) filterBlockedEvents(ctx context.Context, records []domain.EventRecord) ([]domain.EventRecord, error) {
	kept := records[:0]
	for _, record := range records {
		blocked, err := s.moderation.IsBlocked(ctx, record.DID, record.URI)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		kept = append(kept, record)
	}
	return kept, nil
}

// RemoveEvent drops an event from the index.
func (s *RecordService) RemoveEvent(ctx context.Context, uri string) error {
	return s.events.Delete(ctx, uri)
}

// RemoveRsvp drops an RSVP from the index.
func (s *RecordService) RemoveRsvp(ctx context.Context, uri string) error {
	return s.rsvps.Delete(ctx, uri)
}

// fetchRemote resolves the owner's PDS and fetches the record. A record the
// PDS no longer has is also dropped from the index before reporting it gone.
func (s *RecordService) fetchRemote(ctx context.Context, uri atproto.URI) (*atproto.RemoteRecord, error) {
	identity, err := s.identities.Resolve(ctx, uri.Repo)
	if err != nil {
		return nil, err
	}

	remote, err := s.pds.GetRecord(ctx, identity.PDS, uri)
	if err != nil {
		if errors.Is(err, atproto.ErrRecordMissing) {
			s.metrics.CountRecordFetch("missing")
			s.dropStale(ctx, uri)
			return nil, ErrRecordNotFound
		}
		s.metrics.CountRecordFetch("error")
		return nil, fmt.Errorf("fetch record: %w", err)
	}

	s.metrics.CountRecordFetch("ok")
	return remote, nil
}

func (s *RecordService) dropStale(ctx context.Context, uri atproto.URI) {
	collection := domain.Collection(uri.Collection)
	var err error
	switch collection {
	case domain.CollectionEvent, domain.CollectionEventLegacy:
		err = s.events.Delete(ctx, uri.String())
	case domain.CollectionRSVP, domain.CollectionRSVPLegacy:
		err = s.rsvps.Delete(ctx, uri.String())
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("drop stale index row", zap.String("uri", uri.String()), zap.Error(err))
	}
}

func (s *RecordService) getOrImportEvent(ctx context.Context, uri string) (*domain.EventRecord, error) {
	record, err := s.events.GetByURI(ctx, uri)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup event: %w", err)
	}

	record, err = s.ImportEvent(ctx, uri)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return record, nil
}

func (s *RecordService) announceIndexed(ctx context.Context, uri, cid, did string, collection domain.Collection) {
	s.metrics.CountRecordUpsert(string(collection))

	event := domain.RecordIndexedEvent{
		EventID:    uuid.NewString(),
		URI:        uri,
		CID:        cid,
		DID:        did,
		Collection: string(collection),
		IndexedAt:  s.now(),
	}
	if err := s.publisher.PublishRecordIndexed(ctx, event); err != nil {
		s.logger.Warn("publish record indexed", zap.String("uri", uri), zap.Error(err))
	}
}

// rsvpNewer orders two RSVPs by when their owners wrote them. Sync order is
// not write order: a record re-fetched later is not a newer answer, so the
// index's UpdatedAt only breaks ties and covers payloads without a createdAt.
func rsvpNewer(a, b domain.RsvpRecord) bool {
	authoredA, authoredB := a.CreatedAt(), b.CreatedAt()
	if !authoredA.IsZero() && !authoredB.IsZero() && !authoredA.Equal(authoredB) {
		return authoredA.After(authoredB)
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func parseEventURI(rawURI string) (atproto.URI, domain.Collection, error) {
	uri, err := atproto.ParseURI(rawURI)
	if err != nil {
		return atproto.URI{}, "", err
	}
	collection := domain.Collection(uri.Collection)
	if collection != domain.CollectionEvent && collection != domain.CollectionEventLegacy {
		return atproto.URI{}, "", fmt.Errorf("%w: %s", ErrNotAnEvent, uri.Collection)
	}
	return uri, collection, nil
}
